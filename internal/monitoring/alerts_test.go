package monitoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAlertTriggerDedupsWithinWindow(t *testing.T) {
	r := NewAlertRegistry(5*time.Minute, nil)
	now := time.Now()

	a1 := r.Trigger("wallet_low_balance", "wallet-1", "high", "low balance", "desc", now)
	a2 := r.Trigger("wallet_low_balance", "wallet-1", "high", "low balance", "desc", now.Add(1*time.Minute))

	require.Equal(t, a1.ID, a2.ID)
	require.Len(t, r.Active(), 1)
}

func TestAlertTriggerAfterDedupWindowCreatesNew(t *testing.T) {
	r := NewAlertRegistry(5*time.Minute, nil)
	now := time.Now()

	a1 := r.Trigger("wallet_low_balance", "wallet-1", "high", "low balance", "desc", now)
	a2 := r.Trigger("wallet_low_balance", "wallet-1", "high", "low balance", "desc", now.Add(10*time.Minute))

	require.NotEqual(t, a1.ID, a2.ID)
}

func TestAlertLifecycle(t *testing.T) {
	r := NewAlertRegistry(5*time.Minute, nil)
	now := time.Now()
	a := r.Trigger("session_timeout_spike", "session-7", "medium", "title", "desc", now)

	require.True(t, r.Acknowledge(a.ID, now))
	require.Equal(t, AlertAcknowledged, a.Status)

	require.True(t, r.Resolve(a.ID, now))
	require.Equal(t, AlertResolved, a.Status)
	require.Empty(t, r.Active())

	require.False(t, r.Resolve(a.ID, now))
}

func TestAlertTriggerAfterResolveCreatesNew(t *testing.T) {
	r := NewAlertRegistry(5*time.Minute, nil)
	now := time.Now()
	a1 := r.Trigger("x", "y", "low", "t", "d", now)
	r.Resolve(a1.ID, now)

	a2 := r.Trigger("x", "y", "low", "t", "d", now.Add(time.Second))
	require.NotEqual(t, a1.ID, a2.ID)
	require.Len(t, r.Active(), 1)
}
