package mixengine

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rawblock/mixcoordinator/internal/chain"
	"github.com/rawblock/mixcoordinator/internal/coinjoin"
	"github.com/rawblock/mixcoordinator/internal/config"
	"github.com/rawblock/mixcoordinator/internal/errs"
	"github.com/rawblock/mixcoordinator/internal/ring"
	"github.com/rawblock/mixcoordinator/internal/security"
	"github.com/rawblock/mixcoordinator/pkg/models"
)

// AuditRecorder is the write path for spec.md §4.1's "writes audit
// entry" requirements. Implemented by internal/db.
type AuditRecorder interface {
	Record(ctx context.Context, entry *models.AuditLog) error
}

// Engine is MixRequestEngine.
type Engine struct {
	cfg       config.MixEngine
	repo      Repository
	validator *security.Validator
	allocator AddressAllocator
	coinjoin  *coinjoin.Coordinator
	ring      *ring.Mixer
	outputs   OutputTxnRepository
	chains    *chain.Registry
	deposits  DepositResetter
	audit     AuditRecorder
	log       zerolog.Logger
}

// NewEngine builds an Engine wiring the request repository, the
// security pipeline, deposit-address allocation, both algorithm-specific
// mixers, the output-transaction ledger, and the per-currency chain
// registry that drives the COMPLETING confirmation poll.
func NewEngine(cfg config.MixEngine, repo Repository, validator *security.Validator, allocator AddressAllocator, cj *coinjoin.Coordinator, rm *ring.Mixer, outputs OutputTxnRepository, chains *chain.Registry, deposits DepositResetter, audit AuditRecorder) *Engine {
	return &Engine{
		cfg:       cfg,
		repo:      repo,
		validator: validator,
		allocator: allocator,
		coinjoin:  cj,
		ring:      rm,
		outputs:   outputs,
		chains:    chains,
		deposits:  deposits,
		audit:     audit,
		log:       log.With().Str("component", "mixengine.Engine").Logger(),
	}
}

// Create validates req via SecurityValidator, persists it, and
// allocates a fresh deposit address (spec.md §4.1 Create).
func (e *Engine) Create(ctx context.Context, req *models.MixRequest) (*models.DepositAddress, error) {
	const op = "Engine.Create"

	if req.PercentageSum() < 99.999999 || req.PercentageSum() > 100.000001 {
		return nil, errs.New(op, errs.InputValidation, "output percentages must sum to 100")
	}
	if _, ok := config.TransactionLimits[req.Currency]; !ok {
		return nil, errs.New(op, errs.InputValidation, "unsupported currency")
	}

	now := time.Now().UTC()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Status = models.StatusPending
	req.CreatedAt = now
	req.UpdatedAt = now

	report, err := e.validator.Validate(ctx, req)
	if err != nil {
		return nil, errs.Wrap(op, errs.Transient, "security validation failed", err)
	}

	switch report.Decision {
	case security.DecisionAutoReject:
		req.Status = models.StatusBlocked
		req.ErrorMessage = "rejected by security validator"
		if saveErr := e.repo.Save(ctx, req); saveErr != nil {
			return nil, errs.Wrap(op, errs.Transient, "persist blocked request", saveErr)
		}
		e.recordAudit(ctx, req.ID, "request_blocked", models.LogHigh, fmt.Sprintf("score=%d flags=%v", report.Score, report.Flags))
		return nil, errs.New(op, errs.PolicyRejection, "blocked by security validator")
	case security.DecisionRequiresReview:
		req.PendingReview = true
	}

	addr, err := e.allocator.Allocate(ctx, req.Currency)
	if err != nil {
		return nil, errs.Wrap(op, errs.Transient, "deposit address allocation failed", err)
	}
	addr.MixRequestID = req.ID
	addr.Currency = req.Currency
	if addr.CreatedAt.IsZero() {
		addr.CreatedAt = now
	}

	if err := e.repo.Save(ctx, req); err != nil {
		return nil, errs.Wrap(op, errs.Transient, "persist request failed", err)
	}
	e.recordAudit(ctx, req.ID, "request_created", models.LogInfo, fmt.Sprintf("currency=%s amount=%.8f pendingReview=%v", req.Currency, req.InputAmount, req.PendingReview))

	return addr, nil
}

// OnDepositConfirmed transitions a request to DEPOSITED. Idempotent on
// (id, txid): a repeat call with the same txid is a no-op (spec.md §4.1).
func (e *Engine) OnDepositConfirmed(ctx context.Context, id, txid string, blockHeight int64) error {
	const op = "Engine.OnDepositConfirmed"

	req, err := e.repo.FindByID(ctx, id)
	if err != nil {
		return errs.Wrap(op, errs.Transient, "lookup failed", err)
	}
	if req == nil {
		return errs.New(op, errs.InputValidation, "unknown mix request")
	}
	if req.DepositTxid == txid {
		return nil
	}
	if !models.CanTransition(req.Status, models.StatusDeposited) {
		return errs.New(op, errs.ProtocolViolation, "request not awaiting deposit")
	}

	now := time.Now().UTC()
	req.DepositTxid = txid
	req.DepositBlockHeight = blockHeight
	req.DepositConfirmedAt = &now
	req.Status = models.StatusDeposited
	req.UpdatedAt = now

	if err := e.repo.Save(ctx, req); err != nil {
		return errs.Wrap(op, errs.Transient, "persist deposit confirmation failed", err)
	}
	e.recordAudit(ctx, req.ID, "deposit_confirmed", models.LogInfo, fmt.Sprintf("txid=%s height=%d", txid, blockHeight))
	return nil
}

// Cancel moves a request to CANCELLED. Permitted only from PENDING or
// DEPOSITED — once funds enter pooling, cancellation is forbidden
// (spec.md §4.1 Cancel).
func (e *Engine) Cancel(ctx context.Context, id, reason string) error {
	const op = "Engine.Cancel"

	req, err := e.repo.FindByID(ctx, id)
	if err != nil {
		return errs.Wrap(op, errs.Transient, "lookup failed", err)
	}
	if req == nil {
		return errs.New(op, errs.InputValidation, "unknown mix request")
	}
	if req.Status != models.StatusPending && req.Status != models.StatusDeposited {
		return errs.New(op, errs.PolicyRejection, "cancel forbidden once funds are mixed")
	}

	req.Status = models.StatusCancelled
	req.ErrorMessage = reason
	req.UpdatedAt = time.Now().UTC()
	if err := e.repo.Save(ctx, req); err != nil {
		return errs.Wrap(op, errs.Transient, "persist cancellation failed", err)
	}
	e.recordAudit(ctx, req.ID, "request_cancelled", models.LogInfo, reason)
	return nil
}

// Tick selects DEPOSITED requests ordered by depositConfirmedAt
// ascending, bounded by maxConcurrent, and advances each one to
// POOLING then MIXING once an algorithm has accepted it; it then checks
// MIXING requests for algorithm completion, drives COMPLETING requests'
// output transactions toward confirmation, and expires PENDING requests
// that never received a deposit (spec.md §4.1 Tick).
func (e *Engine) Tick(ctx context.Context) {
	reqs, err := e.repo.ListDeposited(ctx, e.cfg.MaxConcurrentMixes)
	if err != nil {
		e.log.Error().Err(err).Msg("list deposited requests failed")
	} else {
		for _, req := range reqs {
			e.admit(ctx, req)
		}
	}

	e.checkMixing(ctx)
	e.checkCompleting(ctx)
	e.expirePending(ctx)
}

func (e *Engine) admit(ctx context.Context, req *models.MixRequest) {
	const op = "Engine.admit"

	if !models.CanTransition(req.Status, models.StatusPooling) {
		return
	}
	req.Status = models.StatusPooling
	req.UpdatedAt = time.Now().UTC()
	if err := e.repo.Save(ctx, req); err != nil {
		e.log.Error().Err(err).Str("requestId", req.ID).Msg("persist pooling transition failed")
		return
	}

	algo, err := e.chooseAlgorithm(ctx, req)
	if err != nil {
		e.fail(ctx, req, err)
		return
	}
	req.Algorithm = algo

	switch algo {
	case models.AlgorithmCoinJoin:
		sessionID, err := e.coinjoin.CreateSession(ctx, req.Currency, req.InputAmount, []byte(req.ID))
		if err != nil {
			if errs.Retryable(errs.KindOf(err)) && e.recordAttempt(ctx, req, "coinjoin_admit") {
				return
			}
			e.fail(ctx, req, err)
			return
		}
		req.SessionID = sessionID
	case models.AlgorithmRing:
		req.SessionID = req.ID
	default:
		e.fail(ctx, req, errs.New(op, errs.Fatal, "unrecognized algorithm"))
		return
	}

	req.Status = models.StatusMixing
	req.UpdatedAt = time.Now().UTC()
	if err := e.repo.Save(ctx, req); err != nil {
		e.log.Error().Err(err).Str("requestId", req.ID).Msg("persist mixing transition failed")
		return
	}
	e.recordAudit(ctx, req.ID, "request_mixing", models.LogInfo, fmt.Sprintf("algorithm=%s session=%s", algo, req.SessionID))
}

// checkMixing polls each MIXING request's algorithm for completion and
// schedules its payout legs once the algorithm is done (spec.md §4.1
// Tick: "MIXING -> COMPLETING once the algorithm confirms completion").
func (e *Engine) checkMixing(ctx context.Context) {
	reqs, err := e.repo.ListMixing(ctx, e.cfg.MaxConcurrentMixes)
	if err != nil {
		e.log.Error().Err(err).Msg("list mixing requests failed")
		return
	}
	for _, req := range reqs {
		done, failReason, err := e.mixOutcome(req)
		if err != nil {
			e.log.Warn().Err(err).Str("requestId", req.ID).Msg("mix outcome check failed")
			continue
		}
		switch {
		case failReason != "":
			e.fail(ctx, req, errs.New("Engine.checkMixing", errs.ProtocolViolation, failReason))
		case done:
			e.scheduleCompletion(ctx, req)
		}
	}
}

// mixOutcome reports whether req's algorithm has finished mixing, and if
// it instead failed, the reason. CoinJoin's outcome follows its
// session's phase. A RING request is reported done as soon as it is
// MIXING: admission does not call RingMixer, and no ring transaction is
// built on this path.
func (e *Engine) mixOutcome(req *models.MixRequest) (done bool, failReason string, err error) {
	const op = "Engine.mixOutcome"
	switch req.Algorithm {
	case models.AlgorithmCoinJoin:
		if e.coinjoin == nil {
			return false, "", errs.New(op, errs.Fatal, "no coinjoin coordinator wired")
		}
		session, serr := e.coinjoin.Snapshot(req.SessionID)
		if serr != nil {
			return false, "", errs.Wrap(op, errs.Transient, "session lookup failed", serr)
		}
		switch session.Phase {
		case models.PhaseCompleted:
			return true, "", nil
		case models.PhaseFailed:
			return false, "coinjoin session failed to reach quorum or broadcast", nil
		default:
			return false, "", nil
		}
	case models.AlgorithmRing:
		return true, "", nil
	default:
		return false, "unrecognized algorithm", nil
	}
}

// scheduleCompletion splits req's InputAmount across its output
// percentages, persists one OutputTransaction per leg, and moves req to
// COMPLETING (spec.md §4.1 Tick, §3 OutputTransaction).
func (e *Engine) scheduleCompletion(ctx context.Context, req *models.MixRequest) {
	now := time.Now().UTC()
	for i, o := range req.Outputs {
		txn := &models.OutputTransaction{
			ID:           uuid.NewString(),
			MixRequestID: req.ID,
			OutputIndex:  i,
			Address:      o.Address,
			Amount:       req.InputAmount * o.Percentage / 100,
			ScheduledAt:  now,
			Status:       models.OutputPending,
		}
		if err := e.outputs.SaveOutputTransaction(ctx, txn); err != nil {
			e.log.Error().Err(err).Str("requestId", req.ID).Int("outputIndex", i).Msg("persist output transaction failed")
			return
		}
	}

	req.Status = models.StatusCompleting
	req.UpdatedAt = now
	if err := e.repo.Save(ctx, req); err != nil {
		e.log.Error().Err(err).Str("requestId", req.ID).Msg("persist completing transition failed")
		return
	}
	e.recordAudit(ctx, req.ID, "request_completing", models.LogInfo, fmt.Sprintf("outputs=%d", len(req.Outputs)))
}

// checkCompleting drives every COMPLETING request's output transactions
// from PENDING through BROADCAST to CONFIRMED, moving the request to
// COMPLETED once every leg is confirmed (spec.md §4.1 Tick).
func (e *Engine) checkCompleting(ctx context.Context) {
	reqs, err := e.repo.ListCompleting(ctx, e.cfg.MaxConcurrentMixes)
	if err != nil {
		e.log.Error().Err(err).Msg("list completing requests failed")
		return
	}
	for _, req := range reqs {
		e.advanceOutputs(ctx, req)
	}
}

func (e *Engine) advanceOutputs(ctx context.Context, req *models.MixRequest) {
	const op = "Engine.advanceOutputs"

	txns, err := e.outputs.ListOutputTransactions(ctx, req.ID)
	if err != nil {
		e.log.Error().Err(err).Str("requestId", req.ID).Msg("list output transactions failed")
		return
	}
	if len(txns) == 0 {
		return
	}

	client, ok := e.chains.Get(req.Currency)
	if !ok {
		e.log.Warn().Str("requestId", req.ID).Str("currency", string(req.Currency)).Msg("no chain client registered for currency, retrying next tick")
		return
	}

	allConfirmed := true
	for _, t := range txns {
		switch t.Status {
		case models.OutputFailed:
			e.fail(ctx, req, errs.New(op, errs.ProtocolViolation, fmt.Sprintf("output %d failed", t.OutputIndex)))
			return
		case models.OutputConfirmed:
			continue
		case models.OutputBroadcast:
			confs, cerr := client.GetConfirmations(ctx, t.Txid)
			if cerr != nil {
				e.log.Warn().Err(cerr).Str("requestId", req.ID).Msg("output confirmation lookup failed")
				allConfirmed = false
				continue
			}
			if confs < config.RequiredConfirmations[req.Currency] {
				allConfirmed = false
				continue
			}
			t.Status = models.OutputConfirmed
			if serr := e.outputs.SaveOutputTransaction(ctx, t); serr != nil {
				e.log.Error().Err(serr).Str("requestId", req.ID).Msg("persist output confirmation failed")
			}
		default: // PENDING, SIGNED
			txid, berr := client.Broadcast(ctx, payoutPayload(t))
			if berr != nil {
				e.log.Warn().Err(berr).Str("requestId", req.ID).Msg("output broadcast failed")
				allConfirmed = false
				continue
			}
			t.Txid = txid
			t.Status = models.OutputBroadcast
			if serr := e.outputs.SaveOutputTransaction(ctx, t); serr != nil {
				e.log.Error().Err(serr).Str("requestId", req.ID).Msg("persist output broadcast failed")
			}
			allConfirmed = false
		}
	}

	if !allConfirmed {
		return
	}

	now := time.Now().UTC()
	req.Status = models.StatusCompleted
	req.CompletedAt = &now
	req.UpdatedAt = now
	if err := e.repo.Save(ctx, req); err != nil {
		e.log.Error().Err(err).Str("requestId", req.ID).Msg("persist completion failed")
		return
	}
	e.recordAudit(ctx, req.ID, "request_completed", models.LogInfo, fmt.Sprintf("outputs=%d", len(txns)))
}

// payoutPayload stands in for the real signed payout transaction bytes,
// which require wallet-held private keys and per-chain wire encoding
// spec.md §1 puts out of scope; it gives Broadcast a stable digest to
// hand the chain client per output leg.
func payoutPayload(t *models.OutputTransaction) []byte {
	sum := sha256.Sum256([]byte(fmt.Sprintf("payout:%s:%d:%s:%.8f", t.MixRequestID, t.OutputIndex, t.Address, t.Amount)))
	return sum[:]
}

// expirePending fails every PENDING request that never received a
// deposit within cfg.DepositTimeout, freeing its deposit address for
// reuse (spec.md §4.1 Tick: "deposit timeout").
func (e *Engine) expirePending(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-e.cfg.DepositTimeout)
	reqs, err := e.repo.ListExpiredPending(ctx, cutoff, e.cfg.MaxConcurrentMixes)
	if err != nil {
		e.log.Error().Err(err).Msg("list expired pending requests failed")
		return
	}
	for _, req := range reqs {
		req.Status = models.StatusFailed
		req.ErrorMessage = "deposit timeout"
		req.UpdatedAt = time.Now().UTC()
		if err := e.repo.Save(ctx, req); err != nil {
			e.log.Error().Err(err).Str("requestId", req.ID).Msg("persist expiration failed")
			continue
		}
		if e.deposits != nil {
			if err := e.deposits.ResetDepositAddress(ctx, req.ID); err != nil {
				e.log.Warn().Err(err).Str("requestId", req.ID).Msg("deposit address reset failed")
			}
		}
		e.recordAudit(ctx, req.ID, "request_expired", models.LogMedium, "deposit timeout")
	}
}

// chooseAlgorithm implements the spec.md §4.1 Tick rule: COINJOIN if the
// deposit matches a standard denomination and enough compatible requests
// are pending within the registration window, else RING.
func (e *Engine) chooseAlgorithm(ctx context.Context, req *models.MixRequest) (models.Algorithm, error) {
	denom, ok := matchesDenomination(req.Currency, req.InputAmount)
	if !ok {
		return models.AlgorithmRing, nil
	}

	minParticipants := e.coinjoinMinParticipants()
	since := time.Now().UTC().Add(-e.cfg.RegistrationWindow)
	count, err := e.repo.CountPendingCompatible(ctx, req.Currency, denom, since)
	if err != nil {
		return "", errs.Wrap("Engine.chooseAlgorithm", errs.Transient, "compatible-request count failed", err)
	}
	if count >= minParticipants-1 {
		return models.AlgorithmCoinJoin, nil
	}
	return models.AlgorithmRing, nil
}

func (e *Engine) coinjoinMinParticipants() int {
	if e.coinjoin == nil {
		return 1 << 30 // no coordinator wired: never select COINJOIN
	}
	return e.coinjoin.MinParticipants()
}

func matchesDenomination(currency config.Currency, amount float64) (float64, bool) {
	const epsilon = 1e-8
	for _, d := range config.Denominations[currency] {
		if amount >= d-epsilon && amount <= d+epsilon {
			return d, true
		}
	}
	return 0, false
}

// recordAttempt increments req's per-stage retry counter and reports
// whether the budget still has attempts left (spec.md §4.1: "each
// external interaction ... has an independent retry budget ...
// capped at 5 attempts"). The caller is expected to retry on the next
// Tick when this returns true.
func (e *Engine) recordAttempt(ctx context.Context, req *models.MixRequest, stage string) bool {
	if req.RetryCount == nil {
		req.RetryCount = make(map[string]int)
	}
	req.RetryCount[stage]++
	req.Status = models.StatusDeposited
	req.UpdatedAt = time.Now().UTC()
	_ = e.repo.Save(ctx, req)

	if req.RetryCount[stage] >= e.cfg.RetryMaxAttempts {
		return false
	}
	return true
}

func (e *Engine) fail(ctx context.Context, req *models.MixRequest, cause error) {
	req.Status = models.StatusFailed
	req.ErrorMessage = cause.Error()
	req.UpdatedAt = time.Now().UTC()
	if err := e.repo.Save(ctx, req); err != nil {
		e.log.Error().Err(err).Str("requestId", req.ID).Msg("persist failure transition failed")
	}
	e.recordAudit(ctx, req.ID, "request_failed", models.LogCritical, cause.Error())
}

func (e *Engine) recordAudit(ctx context.Context, requestID, action string, level models.LogLevel, details string) {
	if e.audit == nil {
		return
	}
	entry := &models.AuditLog{
		EntityID:  requestID,
		Action:    action,
		Level:     level,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
	if err := e.audit.Record(ctx, entry); err != nil {
		e.log.Warn().Err(err).Str("requestId", requestID).Msg("audit record failed")
	}
}
