package monitoring

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name    string
	failN   int32 // fail this many attempts before succeeding
	calls   int32
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Send(ctx context.Context, a *Alert) error {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.failN {
		return errors.New("simulated failure")
	}
	return nil
}

func TestNotifierDispatchRetriesThenSucceeds(t *testing.T) {
	n := NewNotifier(3, time.Millisecond, zerolog.Nop())
	p := &fakeProvider{name: "p", failN: 2}
	n.Register(p)

	n.Dispatch(context.Background(), &Alert{ID: "1", Type: "t", Source: "s", Severity: "high"})

	stats := n.Stats()["p"]
	require.EqualValues(t, 1, stats.Successful)
	require.EqualValues(t, 2, stats.Failed)
}

func TestNotifierDispatchExhaustsRetryBudget(t *testing.T) {
	n := NewNotifier(2, time.Millisecond, zerolog.Nop())
	p := &fakeProvider{name: "p", failN: 100}
	n.Register(p)

	n.Dispatch(context.Background(), &Alert{ID: "1", Type: "t", Source: "s", Severity: "high"})

	stats := n.Stats()["p"]
	require.EqualValues(t, 0, stats.Successful)
	require.EqualValues(t, 3, stats.Failed) // initial attempt + 2 retries
}
