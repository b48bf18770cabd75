package monitoring

import (
	"context"
	"testing"
	"time"
)

type fakeSampler struct {
	queue QueueStats
	es    EventSourceStats
	ds    DispatchStats
}

func (f *fakeSampler) QueueStats(ctx context.Context) (QueueStats, error) { return f.queue, nil }
func (f *fakeSampler) EventSourceStats(ctx context.Context) EventSourceStats { return f.es }
func (f *fakeSampler) DispatchStats(ctx context.Context) DispatchStats    { return f.ds }

type fakeSink struct {
	signals []Signal
	alerts  []Alert
}

func (f *fakeSink) Observe(ctx context.Context, s Signal) { f.signals = append(f.signals, s) }
func (f *fakeSink) Alert(ctx context.Context, a Alert)    { f.alerts = append(f.alerts, a) }

func TestEvaluateQueueDepthAlert(t *testing.T) {
	sink := &fakeSink{}
	sampler := &fakeSampler{queue: QueueStats{ReadyAndDelayed: 90}}
	c := NewCollector(Config{MaxQueueSize: 100, QueueDepthWarnFraction: 0.8}, sampler, sink)

	c.tick(context.Background())

	found := false
	for _, a := range sink.alerts {
		if a.Rule == "queue_depth_above_fraction" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected queue_depth_above_fraction alert, got %+v", sink.alerts)
	}
}

func TestEvaluateSuccessRateAlertAfterConsecutiveWindows(t *testing.T) {
	sink := &fakeSink{}
	sampler := &fakeSampler{ds: DispatchStats{Delivered: 1, FailedPermanent: 9}}
	c := NewCollector(Config{SuccessRateTarget: 0.95, ConsecutiveWindowsForAlert: 2, DeadLetterRateThreshold: 1.1}, sampler, sink)

	c.tick(context.Background())
	for _, a := range sink.alerts {
		if a.Rule == "success_rate_below_target" {
			t.Fatalf("should not alert on the first low window")
		}
	}

	sampler.ds.Delivered += 1
	sampler.ds.FailedPermanent += 9
	c.tick(context.Background())

	found := false
	for _, a := range sink.alerts {
		if a.Rule == "success_rate_below_target" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected success_rate_below_target alert after consecutive low windows, got %+v", sink.alerts)
	}
}

func TestEvaluateCircuitOpenAlertAfterDuration(t *testing.T) {
	sink := &fakeSink{}
	sampler := &fakeSampler{ds: DispatchStats{CircuitOpen: true}}
	c := NewCollector(Config{CircuitOpenAlertAfter: 10 * time.Millisecond}, sampler, sink)

	c.tick(context.Background())
	for _, a := range sink.alerts {
		if a.Rule == "circuit_open_too_long" {
			t.Fatalf("should not alert the instant the circuit opens")
		}
	}

	time.Sleep(20 * time.Millisecond)
	c.tick(context.Background())

	found := false
	for _, a := range sink.alerts {
		if a.Rule == "circuit_open_too_long" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected circuit_open_too_long alert, got %+v", sink.alerts)
	}
}
