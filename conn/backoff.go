package conn

import (
	"math/rand/v2"
	"time"
)

// backoffJitterFrac spreads reconnect delays ±20% so multiple dashboards
// that lost the same backend do not redial in lockstep.
const backoffJitterFrac = 0.20

// backoffDelay returns the delay before reconnect attempt n (1-based):
// base doubling per attempt, capped at max, with jitter applied.
func backoffDelay(n int, base, max time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}

	f := 1 + (rand.Float64()*2-1)*backoffJitterFrac
	j := time.Duration(float64(d) * f)
	if j < time.Millisecond {
		j = time.Millisecond
	}
	return j
}
