package alert_test

import (
	"testing"
	"time"

	"github.com/atp-platform/routing-core/pkg/alert"
	"github.com/atp-platform/routing-core/pkg/clock"
	"github.com/stretchr/testify/assert"
)

type recordingSink struct{ alerts []alert.Alert }

func (r *recordingSink) Emit(a alert.Alert) { r.alerts = append(r.alerts, a) }

func TestDispatcher_DedupesWithinCooldownWindow(t *testing.T) {
	fc := clock.NewFixed(time.Now())
	sink := &recordingSink{}
	d := alert.NewDispatcher(sink, fc)

	d.Emit(alert.Alert{Kind: "BudgetWarning", CooldownKey: "budget::tenant-1"})
	d.Emit(alert.Alert{Kind: "BudgetWarning", CooldownKey: "budget::tenant-1"})
	assert.Len(t, sink.alerts, 1)

	fc.Advance(6 * time.Minute)
	d.Emit(alert.Alert{Kind: "BudgetWarning", CooldownKey: "budget::tenant-1"})
	assert.Len(t, sink.alerts, 2)
}

func TestDispatcher_NoCooldownKeyNeverDeduped(t *testing.T) {
	sink := &recordingSink{}
	d := alert.NewDispatcher(sink, nil)
	d.Emit(alert.Alert{Kind: "Debug"})
	d.Emit(alert.Alert{Kind: "Debug"})
	assert.Len(t, sink.alerts, 2)
}

func TestDispatcher_SweepEvictsExpiredCooldownEntries(t *testing.T) {
	fc := clock.NewFixed(time.Now())
	sink := &recordingSink{}
	d := alert.NewDispatcher(sink, fc)
	d.Emit(alert.Alert{Kind: "X", CooldownKey: "k"})

	fc.Advance(10 * time.Minute)
	d.Sweep()

	d.Emit(alert.Alert{Kind: "X", CooldownKey: "k"})
	assert.Len(t, sink.alerts, 2)
}
