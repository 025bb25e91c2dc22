package risk

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradecore/internal/events"
)

func newTestManager(t *testing.T, ttl time.Duration) (*Manager, *fakeStore) {
	t.Helper()
	fs := newFakeStore()
	cache := NewCache(fs, zerolog.Nop())
	bus := events.NewManager(zerolog.Nop())
	mgr := NewManager(cache, fs, bus, Config{AutoClearTTL: ttl, FailClosed: true}, zerolog.Nop())
	return mgr, fs
}

// TestKillSwitchAutoClear verifies a non-manual switch triggered with a
// short TTL clears on the next IsActive read once the TTL elapses.
func TestKillSwitchAutoClear(t *testing.T) {
	mgr, _ := newTestManager(t, 50*time.Millisecond)

	mgr.Trigger("acc-2", ReasonVolatilitySpike, false)
	require.True(t, mgr.IsActive("acc-2"))

	time.Sleep(80 * time.Millisecond)
	require.False(t, mgr.IsActive("acc-2"))
}

func TestKillSwitchManualNeverAutoClear(t *testing.T) {
	mgr, _ := newTestManager(t, 10*time.Millisecond)

	mgr.Trigger("acc-3", "manual_halt", true)
	time.Sleep(50 * time.Millisecond)
	require.True(t, mgr.IsActive("acc-3"))
}

func TestGlobalKillSwitchAffectsEveryAccount(t *testing.T) {
	mgr, _ := newTestManager(t, time.Hour)
	mgr.Trigger(globalScope, "manual_halt", true)
	require.True(t, mgr.IsActive("any-account"))
}

// TestRestoreFromStoreFailClosedOnUnknownState verifies that undecodable
// persisted state with fail-closed enabled treats the account as active
// with reason KILL_SWITCH_STATE_UNKNOWN.
func TestRestoreFromStoreFailClosedOnUnknownState(t *testing.T) {
	mgr, fs := newTestManager(t, time.Hour)
	// simulate undecodable persisted state
	fs.data["settings/acc-9:kill_switch"] = "{not json"

	require.NoError(t, mgr.RestoreFromStore(context.Background(), []string{"acc-9"}))
	require.True(t, mgr.IsActive("acc-9"))

	mgr.mu.Lock()
	ks := mgr.killSwitches["acc-9"]
	mgr.mu.Unlock()
	require.Equal(t, ReasonKillSwitchStateUnknown, ks.Reason)
}

func TestCancelRateSpikeTriggersKillSwitch(t *testing.T) {
	mgr, _ := newTestManager(t, time.Hour)
	mgr.maxCancelsPerSecond = 2

	mgr.RecordCancel("acc-4")
	mgr.RecordCancel("acc-4")
	mgr.RecordCancel("acc-4")

	require.True(t, mgr.IsActive("acc-4"))
}

// TestSnapshotReflectsRecordedCounters verifies Snapshot surfaces the same
// rolling counts RecordOrder/RecordReject feed into the internal gates.
func TestSnapshotReflectsRecordedCounters(t *testing.T) {
	mgr, _ := newTestManager(t, time.Hour)
	mgr.RecordOrder("acc-7")
	mgr.RecordOrder("acc-7")
	mgr.RecordReject("acc-7")

	snap := mgr.Snapshot("acc-7")
	require.Equal(t, 2, snap.OrdersPerSecond)
	require.Equal(t, 2, snap.OrdersPerMinute)
	require.Equal(t, 1, snap.RejectsPerMinute)
	require.False(t, snap.KillSwitchActive)
}
