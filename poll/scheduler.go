// Package poll implements the timed REST fallback that substitutes for
// the push channel while it is down. Each cycle refreshes every stream
// through the collaborator API and republishes the results on the bus
// exactly as push updates, so the store never knows which path fed it.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bulomi/mcps-one-sub000/eventbus"
	"github.com/bulomi/mcps-one-sub000/restapi"
	"github.com/bulomi/mcps-one-sub000/telemetry"
	"github.com/bulomi/mcps-one-sub000/wire"
)

const fetchTimeout = 10 * time.Second

// Scheduler drives periodic refreshes of all streams. Start and Stop are
// idempotent; overlapping refreshes for one stream are skipped, never
// queued.
type Scheduler struct {
	api     *restapi.Client
	bus     *eventbus.Bus
	metrics *telemetry.Metrics

	mu      sync.Mutex
	running bool
	gen     int
	stop    chan struct{}

	inFlight map[wire.Stream]*atomic.Bool
}

// New creates a scheduler publishing through the given bus.
func New(api *restapi.Client, bus *eventbus.Bus, metrics *telemetry.Metrics) *Scheduler {
	if metrics == nil {
		metrics = telemetry.Nop()
	}
	guards := make(map[wire.Stream]*atomic.Bool, len(wire.Streams))
	for _, s := range wire.Streams {
		guards[s] = &atomic.Bool{}
	}
	return &Scheduler{
		api:      api,
		bus:      bus,
		metrics:  metrics,
		inFlight: guards,
	}
}

// Start begins the refresh loop. The first cycle runs immediately; later
// cycles fire every interval ± a random jitter so concurrent dashboards
// do not synchronize against the backend. No-op if already running.
func (s *Scheduler) Start(interval, jitter time.Duration) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	gen := s.gen
	stopCh := make(chan struct{})
	s.stop = stopCh
	s.mu.Unlock()

	log.Printf("poll: fallback active (interval %v, jitter %v)", interval, jitter)
	go s.loop(gen, stopCh, interval, jitter)
}

// Stop halts the loop. In-flight requests run to completion but their
// results are discarded. No-op if not running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.gen++
	close(s.stop)
	s.stop = nil
	s.mu.Unlock()

	log.Printf("poll: fallback stopped")
}

// Running reports whether the refresh loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RefreshOnce runs a single refresh cycle and waits for it. Streams whose
// previous refresh is still in flight are skipped. Fetch failures are
// collected per stream; successful streams still publish.
func (s *Scheduler) RefreshOnce(ctx context.Context) error {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(wire.Streams))
	for _, stream := range wire.Streams {
		guard := s.inFlight[stream]
		if !guard.CompareAndSwap(false, true) {
			s.metrics.PollSkips.Add(ctx, 1)
			continue
		}
		wg.Add(1)
		go func(stream wire.Stream) {
			defer wg.Done()
			defer guard.Store(false)
			if err := s.refresh(ctx, gen, stream); err != nil {
				errCh <- fmt.Errorf("%s: %w", stream, err)
			}
		}(stream)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Scheduler) loop(gen int, stopCh chan struct{}, interval, jitter time.Duration) {
	s.cycle(gen)
	timer := time.NewTimer(nextDelay(interval, jitter))
	defer timer.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-timer.C:
			s.cycle(gen)
			timer.Reset(nextDelay(interval, jitter))
		}
	}
}

// cycle launches one guarded refresh goroutine per stream and returns
// without waiting.
func (s *Scheduler) cycle(gen int) {
	for _, stream := range wire.Streams {
		guard := s.inFlight[stream]
		if !guard.CompareAndSwap(false, true) {
			s.metrics.PollSkips.Add(context.Background(), 1)
			log.Printf("poll: %s refresh still in flight, skipping tick", stream)
			continue
		}
		go func(stream wire.Stream) {
			defer guard.Store(false)
			ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
			defer cancel()
			if err := s.refresh(ctx, gen, stream); err != nil {
				log.Printf("poll: %s refresh failed: %v", stream, err)
			}
		}(stream)
	}
}

// refresh fetches one stream and publishes the result unless the
// scheduler was stopped while the request was in flight.
func (s *Scheduler) refresh(ctx context.Context, gen int, stream wire.Stream) error {
	s.metrics.PollRefreshes.Add(ctx, 1)
	start := time.Now()
	event, payload, err := s.fetch(ctx, stream)
	s.metrics.PollDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return err
	}
	if !s.currentGen(gen) {
		return nil
	}
	s.bus.Publish(event, payload)
	return nil
}

func (s *Scheduler) fetch(ctx context.Context, stream wire.Stream) (string, any, error) {
	switch stream {
	case wire.StreamStats:
		v, err := s.api.FetchStats(ctx)
		if err != nil {
			return "", nil, err
		}
		return wire.EventStatsUpdate, wire.StatsUpdate{
			Summary:    v,
			ReceivedAt: receivedAt(v.GeneratedAt),
			Source:     wire.SourcePoll,
		}, nil
	case wire.StreamTools:
		v, err := s.api.FetchTools(ctx)
		if err != nil {
			return "", nil, err
		}
		return wire.EventToolsUpdate, wire.ToolsUpdate{
			List:       v,
			ReceivedAt: receivedAt(v.GeneratedAt),
			Source:     wire.SourcePoll,
		}, nil
	case wire.StreamSessions:
		v, err := s.api.FetchSessions(ctx)
		if err != nil {
			return "", nil, err
		}
		return wire.EventSessionsUpdate, wire.SessionsUpdate{
			List:       v,
			ReceivedAt: receivedAt(v.GeneratedAt),
			Source:     wire.SourcePoll,
		}, nil
	case wire.StreamTasks:
		v, err := s.api.FetchTasks(ctx)
		if err != nil {
			return "", nil, err
		}
		return wire.EventTasksUpdate, wire.TasksUpdate{
			List:       v,
			ReceivedAt: receivedAt(v.GeneratedAt),
			Source:     wire.SourcePoll,
		}, nil
	}
	return "", nil, fmt.Errorf("unknown stream %q", stream)
}

func (s *Scheduler) currentGen(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

// receivedAt prefers the server-side generation time so poll results
// order correctly against push timestamps; local receipt time is only a
// fallback for backends that omit it.
func receivedAt(generated time.Time) time.Time {
	if generated.IsZero() {
		return time.Now()
	}
	return generated
}

func nextDelay(interval, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return interval
	}
	return interval + time.Duration(rand.Int64N(int64(2*jitter))) - jitter
}
