package monitoring

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// AlertStatus is a state in the alert lifecycle (spec.md §4.7).
type AlertStatus string

const (
	AlertTriggered    AlertStatus = "TRIGGERED"
	AlertAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertResolved     AlertStatus = "RESOLVED"
)

// Alert is a structured notification about a system/business/security
// condition, grounded on the teacher's Alert shape in
// internal/heuristics/alert_system.go, generalized from
// forensics-specific fields (TxID, Assessment, Hits) to the
// coordinator's own alert sources.
type Alert struct {
	ID          string
	Type        string // e.g. "wallet_low_balance", "session_timeout_spike", "security_risk_threshold"
	Source      string // the entity or subsystem the alert concerns
	Severity    string // info/low/medium/high/critical
	Title       string
	Description string
	Status      AlertStatus
	TriggeredAt time.Time
	AckedAt     *time.Time
	ResolvedAt  *time.Time
}

// key is the (type, source) identity dedup collapses on.
func (a Alert) key() string { return a.Type + "|" + a.Source }

// AlertRegistry implements the TRIGGERED→ACKNOWLEDGED?→RESOLVED lifecycle
// with a 5-minute suppression window for duplicate (type, source) alerts
// (spec.md §4.7).
type AlertRegistry struct {
	mu          sync.Mutex
	dedupWindow time.Duration
	active      map[string]*Alert // key() -> most recent non-resolved alert
	history     []*Alert
	maxHistory  int
	notify      func(*Alert)
}

// NewAlertRegistry builds a registry with the configured dedup window.
func NewAlertRegistry(dedupWindow time.Duration, notify func(*Alert)) *AlertRegistry {
	return &AlertRegistry{
		dedupWindow: dedupWindow,
		active:      make(map[string]*Alert),
		maxHistory:  1000,
		notify:      notify,
	}
}

// Trigger raises a new alert, or no-ops if an identical (type, source)
// alert is already ACTIVE (TRIGGERED or ACKNOWLEDGED, not yet RESOLVED)
// within the dedup window.
func (r *AlertRegistry) Trigger(alertType, source, severity, title, description string, now time.Time) *Alert {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := Alert{Type: alertType, Source: source}.key()
	if existing, ok := r.active[k]; ok && existing.Status != AlertResolved && now.Sub(existing.TriggeredAt) < r.dedupWindow {
		return existing
	}

	a := &Alert{
		ID:          uuid.NewString(),
		Type:        alertType,
		Source:      source,
		Severity:    severity,
		Title:       title,
		Description: description,
		Status:      AlertTriggered,
		TriggeredAt: now,
	}
	r.active[k] = a
	r.record(a)
	if r.notify != nil {
		go r.notify(a)
	}
	return a
}

// Acknowledge moves id from TRIGGERED to ACKNOWLEDGED. No-op if already
// acknowledged or resolved.
func (r *AlertRegistry) Acknowledge(id string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.find(id)
	if a == nil || a.Status != AlertTriggered {
		return false
	}
	a.Status = AlertAcknowledged
	t := now
	a.AckedAt = &t
	return true
}

// Resolve moves id to RESOLVED from any non-terminal state. Idempotent:
// resolving an already-resolved alert is a no-op returning false.
func (r *AlertRegistry) Resolve(id string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.find(id)
	if a == nil || a.Status == AlertResolved {
		return false
	}
	a.Status = AlertResolved
	t := now
	a.ResolvedAt = &t
	delete(r.active, a.key())
	return true
}

// Active returns every alert not yet RESOLVED.
func (r *AlertRegistry) Active() []*Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Alert, 0, len(r.active))
	for _, a := range r.active {
		out = append(out, a)
	}
	return out
}

// History returns up to limit most-recent alerts, newest first.
func (r *AlertRegistry) History(limit int) []*Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.history) {
		limit = len(r.history)
	}
	out := make([]*Alert, limit)
	for i := 0; i < limit; i++ {
		out[i] = r.history[len(r.history)-1-i]
	}
	return out
}

func (r *AlertRegistry) find(id string) *Alert {
	for _, a := range r.active {
		if a.ID == id {
			return a
		}
	}
	for _, a := range r.history {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (r *AlertRegistry) record(a *Alert) {
	r.history = append(r.history, a)
	if over := len(r.history) - r.maxHistory; over > 0 {
		r.history = r.history[over:]
	}
}
