package slo_test

import (
	"testing"
	"time"

	"github.com/atp-platform/routing-core/pkg/alert"
	"github.com/atp-platform/routing-core/pkg/clock"
	"github.com/atp-platform/routing-core/pkg/slo"
	"github.com/stretchr/testify/assert"
)

func target() slo.Target {
	return slo.Target{Name: slo.TargetAvailability, TargetPct: 99.0, AlertThresholdPct: 95.0, MeasurementWindow: time.Hour}
}

func TestRecompute_HealthyWhenAboveTarget(t *testing.T) {
	tr := slo.NewTracker([]slo.Target{target()}, nil, clock.NewFixed(time.Now()))
	for i := 0; i < 100; i++ {
		tr.Record(slo.TargetAvailability, true)
	}
	statuses := tr.Recompute()
	assert.Equal(t, slo.StatusHealthy, statuses[slo.TargetAvailability])
}

func TestRecompute_CriticalEmitsSLOViolationWithCooldownKey(t *testing.T) {
	var got []alert.Alert
	sink := alert.FuncSink(func(a alert.Alert) { got = append(got, a) })
	tr := slo.NewTracker([]slo.Target{target()}, sink, clock.NewFixed(time.Now()))

	for i := 0; i < 10; i++ {
		tr.Record(slo.TargetAvailability, false)
	}
	statuses := tr.Recompute()
	assert.Equal(t, slo.StatusCritical, statuses[slo.TargetAvailability])
	assert.Len(t, got, 1)
	assert.Equal(t, "slo_violation::availability", got[0].CooldownKey)
}

func TestRecompute_NoRepeatAlertWhileRemainingCritical(t *testing.T) {
	var count int
	sink := alert.FuncSink(func(alert.Alert) { count++ })
	tr := slo.NewTracker([]slo.Target{target()}, sink, clock.NewFixed(time.Now()))

	for i := 0; i < 10; i++ {
		tr.Record(slo.TargetAvailability, false)
	}
	tr.Recompute()
	tr.Record(slo.TargetAvailability, false)
	tr.Recompute()
	assert.Equal(t, 1, count)
}

func TestRecompute_EvictsSamplesOutsideWindow(t *testing.T) {
	fc := clock.NewFixed(time.Now())
	tr := slo.NewTracker([]slo.Target{target()}, nil, fc)
	for i := 0; i < 10; i++ {
		tr.Record(slo.TargetAvailability, false)
	}
	fc.Advance(2 * time.Hour)
	for i := 0; i < 10; i++ {
		tr.Record(slo.TargetAvailability, true)
	}
	statuses := tr.Recompute()
	assert.Equal(t, slo.StatusHealthy, statuses[slo.TargetAvailability])
}
