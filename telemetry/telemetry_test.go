package telemetry

import (
	"context"
	"testing"
)

func TestInitDisabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init error: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics error: %v", err)
	}

	// No-op instruments must accept records without side effects.
	m.FramesReceived.Add(context.Background(), 1)
	m.PollDuration.Record(context.Background(), 0.25)
}

func TestInitEnabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, ServiceName: "test"})
	if err != nil {
		t.Fatalf("Init error: %v", err)
	}

	if p.Meter == nil {
		t.Fatal("Meter is nil")
	}
	if _, err := NewMetrics(p.Meter); err != nil {
		t.Errorf("NewMetrics error: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown error: %v", err)
	}
}

func TestNop(t *testing.T) {
	m := Nop()
	if m == nil || m.Commands == nil {
		t.Fatal("Nop() returned incomplete instrument set")
	}
	m.Commands.Add(context.Background(), 1)
}
