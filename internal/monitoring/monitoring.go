package monitoring

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rawblock/mixcoordinator/internal/config"
)

// Sampler produces one data point for a channel when polled. Each
// channel (system/business/security/performance) is fed by its own
// Sampler, set by cmd/engine at wiring time — Monitoring itself knows
// nothing about wallets, mix requests, or the database.
type Sampler func(ctx context.Context) (Point, error)

// Monitoring runs the four bounded collectors plus the system/business
// alert checkers and the retention janitor as independent goroutines
// (spec.md §4.7, §5: "metrics collectors (one per channel), alert
// checkers, and the data-retention janitor" are each their own loop).
type Monitoring struct {
	cfg config.MonitoringIntervals
	log zerolog.Logger

	System      *Series
	Business    *Series
	Security    *Series
	Performance *Series

	Alerts   *AlertRegistry
	Notifier *Notifier

	systemSampler      Sampler
	businessSampler    Sampler
	securitySampler    Sampler
	performanceSampler Sampler

	systemAlertCheck   func(ctx context.Context, m *Monitoring)
	businessAlertCheck func(ctx context.Context, m *Monitoring)
}

// New builds a Monitoring instance over cfg's cadences/capacities. The
// four samplers and two alert-check functions may be nil, in which case
// that loop simply never fires — useful for tests that only exercise
// one channel.
func New(cfg config.MonitoringIntervals, log zerolog.Logger, notifier *Notifier,
	systemSampler, businessSampler, securitySampler, performanceSampler Sampler,
	systemAlertCheck, businessAlertCheck func(ctx context.Context, m *Monitoring),
) *Monitoring {
	m := &Monitoring{
		cfg:                cfg,
		log:                log,
		System:             NewSeries(2880),                       // 24h @ 30s
		Business:           NewSeries(1440),                       // 24h @ 60s
		Security:           NewSeries(5760),                       // 24h @ 15s
		Performance:        NewSeries(cfg.PerformanceCapacity),
		Notifier:           notifier,
		systemSampler:      systemSampler,
		businessSampler:    businessSampler,
		securitySampler:    securitySampler,
		performanceSampler: performanceSampler,
		systemAlertCheck:   systemAlertCheck,
		businessAlertCheck: businessAlertCheck,
	}
	m.Alerts = NewAlertRegistry(cfg.AlertDedupWindow, func(a *Alert) {
		if m.Notifier != nil {
			m.Notifier.Dispatch(context.Background(), a)
		}
	})
	return m
}

// Run starts every collector, alert checker, and the janitor, returning
// once ctx is cancelled. Call it from its own goroutine.
func (m *Monitoring) Run(ctx context.Context) {
	loops := []struct {
		interval time.Duration
		fn       func(context.Context)
	}{
		{m.cfg.SystemInterval, m.collect(m.System, m.systemSampler)},
		{m.cfg.BusinessInterval, m.collect(m.Business, m.businessSampler)},
		{m.cfg.SecurityInterval, m.collect(m.Security, m.securitySampler)},
		{m.cfg.PerformanceInterval, m.collect(m.Performance, m.performanceSampler)},
		{m.cfg.SystemAlertInterval, m.runAlertCheck(m.systemAlertCheck)},
		{m.cfg.BusinessAlertInterval, m.runAlertCheck(m.businessAlertCheck)},
		{m.cfg.JanitorInterval, m.janitor},
	}
	for _, l := range loops {
		if l.interval <= 0 {
			continue
		}
		go runLoop(ctx, l.interval, l.fn)
	}
	<-ctx.Done()
}

func runLoop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (m *Monitoring) collect(series *Series, sample Sampler) func(context.Context) {
	return func(ctx context.Context) {
		if sample == nil {
			return
		}
		p, err := sample(ctx)
		if err != nil {
			m.log.Warn().Err(err).Msg("monitoring sample failed")
			return
		}
		if p.Timestamp == 0 {
			p.Timestamp = time.Now().UnixMilli()
		}
		series.Append(p)
	}
}

func (m *Monitoring) runAlertCheck(check func(context.Context, *Monitoring)) func(context.Context) {
	return func(ctx context.Context) {
		if check == nil {
			return
		}
		check(ctx, m)
	}
}

// janitor prunes every point older than 24h from each series on the
// configured cadence. It is unexported and runs only from its ticker in
// Run; there is no separate emergency-cleanup entry point.
func (m *Monitoring) janitor(ctx context.Context) {
	cutoff := time.Now().Add(-24 * time.Hour).UnixMilli()
	m.System.PruneBefore(cutoff)
	m.Business.PruneBefore(cutoff)
	m.Security.PruneBefore(cutoff)
	m.Performance.PruneBefore(cutoff)
}
