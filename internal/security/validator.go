package security

import (
	"context"
	"fmt"
	"time"

	"github.com/rawblock/mixcoordinator/internal/config"
	"github.com/rawblock/mixcoordinator/pkg/models"
)

// History is the per-user historical data SecurityValidator needs for
// daily caps, velocity, amount-pattern, and address-reuse checks. It is
// implemented by internal/db.PostgresStore against the
// user_request_history table.
type History interface {
	CountRequestsSince(ctx context.Context, userID string, since time.Time) (int, error)
	RecentTimestamps(ctx context.Context, userID string, window time.Duration) ([]time.Time, error)
	RecentAmounts(ctx context.Context, userID string, window time.Duration) ([]float64, error)
	RecentAddresses(ctx context.Context, userID string, window time.Duration) ([]string, error)
	HistoricalRiskScore(ctx context.Context, userID string) (int, error)
}

// kytWeights is the currency-weighted baseline the KYT component adds
// before its amount-proportional term (spec.md §4.6: "currency-weighted
// baseline plus amount-proportional term"). Currencies with higher
// typical mixing-service usage start from a slightly higher baseline.
var kytWeights = map[config.Currency]int{
	config.BTC:       4,
	config.ETH:       3,
	config.USDTERC20: 5,
	config.USDTTRC20: 6,
	config.SOL:       3,
}

// Validator is SecurityValidator: it runs the ordered pipeline described
// in spec.md §4.6 over one request plus its output addresses.
type Validator struct {
	reputation *Reputation
	history    History
	thresholds config.SecurityThresholds
}

// NewValidator builds a Validator over a reputation registry, a history
// source, and the configured scoring thresholds.
func NewValidator(reputation *Reputation, history History, thresholds config.SecurityThresholds) *Validator {
	return &Validator{reputation: reputation, history: history, thresholds: thresholds}
}

// Validate runs the full pipeline: basic parameter validation,
// transaction-limit checks, address reputation, behavioral pattern
// analysis, KYT, and AML — in that order — and returns a bounded Report.
func (v *Validator) Validate(ctx context.Context, req *models.MixRequest) (*Report, error) {
	report := &Report{Decision: DecisionAllow}

	v.validateParameters(req, report)
	if err := v.checkLimits(ctx, req, report); err != nil {
		return nil, err
	}
	v.checkAddressReputation(req, report)
	if err := v.checkBehavior(ctx, req, report); err != nil {
		return nil, err
	}
	v.scoreKYT(req, report)
	v.checkAML(req, report)

	if err := v.applyHistoricalRisk(ctx, req, report); err != nil {
		return nil, err
	}

	report.clamp()
	if report.Score >= v.thresholds.RiskScoreThreshold {
		report.addFlag(FlagRiskThreshold)
	}
	report.Decision = decide(report.Score, v.thresholds)
	return report, nil
}

// validateParameters is the basic-parameter-validation stage: amount
// positivity, currency recognition, and the output-percentage invariant.
func (v *Validator) validateParameters(req *models.MixRequest, report *Report) {
	if req.InputAmount <= 0 {
		report.hardError(v.thresholds.HardErrorPoints, "input amount must be positive", FlagInputValidation)
	}
	if _, known := config.TransactionLimits[req.Currency]; !known {
		report.hardError(v.thresholds.HardErrorPoints, "unknown currency", FlagInputValidation)
	}
	if len(req.Outputs) == 0 {
		report.hardError(v.thresholds.HardErrorPoints, "request has no outputs", FlagInputValidation)
		return
	}
	if sum := req.PercentageSum(); sum < 99.999 || sum > 100.001 {
		report.hardError(v.thresholds.HardErrorPoints, fmt.Sprintf("output percentages sum to %.4f, not 100", sum), FlagInputValidation)
	}
}

// checkLimits is the transaction-limit stage: per-currency min/max and
// the per-user daily request cap.
func (v *Validator) checkLimits(ctx context.Context, req *models.MixRequest, report *Report) error {
	limits, ok := config.TransactionLimits[req.Currency]
	if !ok {
		return nil // already flagged by validateParameters
	}
	if req.InputAmount < limits.Min || req.InputAmount > limits.Max {
		report.hardError(v.thresholds.HardErrorPoints,
			fmt.Sprintf("amount %.8f outside [%.8f, %.8f] for %s", req.InputAmount, limits.Min, limits.Max, req.Currency),
			FlagLimitExceeded)
	}

	if req.UserID == "" || v.history == nil {
		return nil
	}
	since := time.Now().UTC().Add(-24 * time.Hour)
	count, err := v.history.CountRequestsSince(ctx, req.UserID, since)
	if err != nil {
		return fmt.Errorf("checkLimits: count requests: %w", err)
	}
	if count >= limits.DailyCount {
		report.hardError(v.thresholds.HardErrorPoints,
			fmt.Sprintf("daily request cap (%d) reached for %s", limits.DailyCount, req.Currency),
			FlagDailyCapExceeded)
	}
	return nil
}

// checkAddressReputation implements the exact address classification
// contract from spec.md §4.6.
func (v *Validator) checkAddressReputation(req *models.MixRequest, report *Report) {
	if v.reputation == nil {
		return
	}
	for _, out := range req.Outputs {
		entry, found := v.reputation.Classify(out.Address)
		if !found {
			continue
		}
		switch entry.Category {
		case CategoryBlacklist:
			report.Score = 100
			report.addFlag(FlagBlacklisted)
			report.Errors = append(report.Errors, fmt.Sprintf("address %s is blacklisted (%s)", out.Address, entry.Label))
		case CategorySanctions:
			report.Score = 100
			report.addFlag(FlagSanctions)
			report.Errors = append(report.Errors, fmt.Sprintf("address %s is sanctioned (%s)", out.Address, entry.Label))
		case CategoryExchange:
			report.Score += 30
			report.addFlag(FlagExchange)
			report.Warnings = append(report.Warnings, fmt.Sprintf("address %s is a known exchange address (%s)", out.Address, entry.Label))
			if report.Score < int(v.thresholds.RiskScoreThreshold/2) {
				report.Score = int(v.thresholds.RiskScoreThreshold / 2) // MEDIUM minimum
			}
		case CategoryWhitelist:
			report.Score -= 50
			if report.Score < 0 {
				report.Score = 0
			}
			report.addFlag(FlagWhitelisted)
		}
	}
}

// checkBehavior is the behavioral-pattern-analysis stage (velocity,
// amount patterns, timing regularity, address reuse).
func (v *Validator) checkBehavior(ctx context.Context, req *models.MixRequest, report *Report) error {
	if req.UserID == "" || v.history == nil {
		return nil
	}
	const window = 30 * 24 * time.Hour

	timestamps, err := v.history.RecentTimestamps(ctx, req.UserID, window)
	if err != nil {
		return fmt.Errorf("checkBehavior: timestamps: %w", err)
	}
	amounts, err := v.history.RecentAmounts(ctx, req.UserID, window)
	if err != nil {
		return fmt.Errorf("checkBehavior: amounts: %w", err)
	}
	recentAddresses, err := v.history.RecentAddresses(ctx, req.UserID, window)
	if err != nil {
		return fmt.Errorf("checkBehavior: addresses: %w", err)
	}

	candidate := ""
	if len(req.Outputs) > 0 {
		candidate = req.Outputs[0].Address
	}
	sig := analyzeBehavior(timestamps, amounts, recentAddresses, candidate)

	if sig.velocityHigh {
		report.warn(v.thresholds.WarningPoints, "unusually high request velocity", FlagVelocity)
	}
	if sig.amountRepeated {
		report.warn(v.thresholds.WarningPoints, "repeated identical amounts in recent history", FlagAmountPattern)
	}
	if sig.timingRegular {
		report.warn(v.thresholds.WarningPoints, "bot-like request timing regularity", FlagTimingRegularity)
	}
	if sig.addressReused {
		report.warn(v.thresholds.WarningPoints, "output address reused from recent history", FlagAddressReuse)
	}
	return nil
}

// scoreKYT adds the currency-weighted baseline plus an amount-
// proportional term (spec.md §4.6).
func (v *Validator) scoreKYT(req *models.MixRequest, report *Report) {
	baseline := kytWeights[req.Currency]
	limits, ok := config.TransactionLimits[req.Currency]
	proportional := 0
	if ok && limits.Max > 0 {
		proportional = int((req.InputAmount / limits.Max) * 15)
	}
	report.Score += baseline + proportional
}

// checkAML is the AML stage: round-amount detection and structuring.
func (v *Validator) checkAML(req *models.MixRequest, report *Report) {
	if isRoundAmount(req.InputAmount) {
		report.warn(v.thresholds.WarningPoints, "round-number amount", FlagRoundAmount)
	}
	if limits, ok := config.TransactionLimits[req.Currency]; ok && isStructuring(req.InputAmount, limits.Max) {
		report.warn(v.thresholds.WarningPoints, "amount sits just under the transaction limit", FlagStructuring)
	}
}

// applyHistoricalRisk folds in a bounded score contributed by the user's
// accumulated historical risk (spec.md §4.6: "Historical risk adds up to
// bounded score plus flags").
func (v *Validator) applyHistoricalRisk(ctx context.Context, req *models.MixRequest, report *Report) error {
	if req.UserID == "" || v.history == nil {
		return nil
	}
	historical, err := v.history.HistoricalRiskScore(ctx, req.UserID)
	if err != nil {
		return fmt.Errorf("applyHistoricalRisk: %w", err)
	}
	if historical <= 0 {
		return nil
	}
	report.Score += historical
	report.addFlag(FlagHistoricalRisk)
	return nil
}

// decide maps a bounded score to a routing Decision per spec.md §4.6's
// three thresholds.
func decide(score int, t config.SecurityThresholds) Decision {
	switch {
	case score >= t.AutoRejectThreshold:
		return DecisionAutoReject
	case score >= t.RequireManualReview:
		return DecisionRequiresReview
	default:
		return DecisionAllow
	}
}
