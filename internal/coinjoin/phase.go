package coinjoin

import (
	"context"
	"time"

	"github.com/rawblock/mixcoordinator/pkg/models"
)

// Tick drives every open session's phase-advance rule (spec.md §4.2): a
// phase advances when all current participants are in the target state,
// or its timeout elapses — in which case laggards are blamed and the
// session either continues with quorum or fails. Intended to run from a
// per-session timeout watcher loop (spec.md §5).
func (c *Coordinator) Tick(ctx context.Context) {
	c.mu.RLock()
	states := make([]*sessionState, 0, len(c.sessions))
	for _, st := range c.sessions {
		states = append(states, st)
	}
	c.mu.RUnlock()

	for _, st := range states {
		c.tickSession(ctx, st)
	}
}

func (c *Coordinator) tickSession(ctx context.Context, st *sessionState) {
	st.mu.Lock()
	defer st.mu.Unlock()

	session := st.session
	if session.Phase == models.PhaseCompleted || session.Phase == models.PhaseFailed {
		return
	}

	targetStatus, ok := phaseTargetStatus(session.Phase)
	if !ok {
		return
	}

	allReady := len(session.Participants) > 0
	for id, p := range session.Participants {
		if p.Status == models.ParticipantFailed {
			continue
		}
		if !statusAtLeast(p.Status, targetStatus) {
			allReady = false
			_ = id
		}
	}

	timedOut := time.Now().UTC().After(session.ExpiresAt)
	if !allReady && !timedOut {
		return
	}

	if timedOut {
		for id, p := range session.Participants {
			if !statusAtLeast(p.Status, targetStatus) && p.Status != models.ParticipantFailed {
				c.blame(session, id)
			}
		}
	}

	if session.ActiveParticipantCount() < session.MinParticipants {
		session.Phase = models.PhaseFailed
		c.log.Warn().Str("sessionId", session.ID).Msg("session failed: quorum lost")
		c.persistAsync(ctx, session)
		return
	}

	c.advancePhase(session)
	c.persistAsync(ctx, session)
}

// advancePhase moves the session to its next phase and resets its
// expiry to that phase's configured timeout.
func (c *Coordinator) advancePhase(session *models.CoinJoinSession) {
	now := time.Now().UTC()
	switch session.Phase {
	case models.PhaseRegistration:
		session.Phase = models.PhaseOutputRegistration
		session.ExpiresAt = now.Add(c.cfg.OutputRegistrationTimeout)
	case models.PhaseOutputRegistration:
		if err := c.prepareSigningMessage(session); err != nil {
			session.Phase = models.PhaseFailed
			c.log.Warn().Err(err).Str("sessionId", session.ID).Msg("session failed: could not finalize transaction message")
			return
		}
		session.Phase = models.PhaseSigning
		session.ExpiresAt = now.Add(c.cfg.SigningTimeout)
	case models.PhaseSigning:
		session.Phase = models.PhaseBroadcasting
		session.ExpiresAt = now.Add(c.cfg.BroadcastingTimeout)
	case models.PhaseBroadcasting:
		session.Phase = models.PhaseCompleted
	}
}

// phaseTargetStatus is the participant status every active participant
// must reach before the given phase can advance.
func phaseTargetStatus(phase models.SessionPhase) (models.ParticipantStatus, bool) {
	switch phase {
	case models.PhaseRegistration:
		return models.ParticipantRegistered, true
	case models.PhaseOutputRegistration:
		return models.ParticipantCommitted, true
	case models.PhaseSigning:
		return models.ParticipantSigned, true
	case models.PhaseBroadcasting:
		return models.ParticipantConfirmed, true
	default:
		return "", false
	}
}

var statusRank = map[models.ParticipantStatus]int{
	models.ParticipantRegistered: 0,
	models.ParticipantCommitted:  1,
	models.ParticipantSigned:     2,
	models.ParticipantConfirmed:  3,
	models.ParticipantFailed:     -1,
}

func statusAtLeast(have, want models.ParticipantStatus) bool {
	return statusRank[have] >= statusRank[want]
}

func (c *Coordinator) persistAsync(ctx context.Context, session *models.CoinJoinSession) {
	if c.repo == nil {
		return
	}
	snapshot := *session
	go func() {
		if err := c.repo.SaveSession(ctx, &snapshot); err != nil {
			c.log.Warn().Err(err).Str("sessionId", session.ID).Msg("failed to persist session snapshot")
		}
	}()
}
