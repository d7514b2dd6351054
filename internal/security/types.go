// Package security implements SecurityValidator (spec.md §4.6): a
// pre-flight pipeline that turns a mix request and its candidate
// addresses into a bounded risk score, a set of contributing flags, and
// a routing decision (allow / manual review / auto-reject).
package security

// Flag names a single contributing signal in a Report, mirroring the
// heuristics engine's watchlist category and severity flag naming.
type Flag string

const (
	FlagInputValidation   Flag = "INPUT_VALIDATION"
	FlagLimitExceeded     Flag = "LIMIT_EXCEEDED"
	FlagRiskThreshold     Flag = "RISK_THRESHOLD"
	FlagDailyCapExceeded  Flag = "DAILY_CAP_EXCEEDED"
	FlagBlacklisted       Flag = "BLACKLISTED"
	FlagSanctions         Flag = "SANCTIONS"
	FlagExchange          Flag = "EXCHANGE"
	FlagWhitelisted       Flag = "WHITELISTED"
	FlagVelocity          Flag = "VELOCITY"
	FlagAmountPattern     Flag = "AMOUNT_PATTERN"
	FlagTimingRegularity  Flag = "TIMING_REGULARITY"
	FlagAddressReuse      Flag = "ADDRESS_REUSE"
	FlagRoundAmount       Flag = "ROUND_AMOUNT"
	FlagStructuring       Flag = "STRUCTURING"
	FlagHistoricalRisk    Flag = "HISTORICAL_RISK"
)

// Decision is the validator's terminal routing verdict.
type Decision string

const (
	DecisionAllow          Decision = "ALLOW"
	DecisionRequiresReview Decision = "REQUIRES_REVIEW"
	DecisionAutoReject     Decision = "AUTO_REJECT"
)

// Report is the outcome of running Validate over one request.
type Report struct {
	Score     int
	Flags     []Flag
	Errors    []string // hard validation errors, each contributing HardErrorPoints
	Warnings  []string // soft signals, each contributing WarningPoints
	Decision  Decision
}

func (r *Report) addFlag(f Flag) {
	for _, existing := range r.Flags {
		if existing == f {
			return
		}
	}
	r.Flags = append(r.Flags, f)
}

func (r *Report) hardError(points int, msg string, flags ...Flag) {
	r.Score += points
	r.Errors = append(r.Errors, msg)
	for _, f := range flags {
		r.addFlag(f)
	}
}

func (r *Report) warn(points int, msg string, flags ...Flag) {
	r.Score += points
	r.Warnings = append(r.Warnings, msg)
	for _, f := range flags {
		r.addFlag(f)
	}
}

func (r *Report) clamp() {
	if r.Score > 100 {
		r.Score = 100
	}
	if r.Score < 0 {
		r.Score = 0
	}
}
