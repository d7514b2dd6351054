package security

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rawblock/mixcoordinator/internal/config"
	"github.com/rawblock/mixcoordinator/pkg/models"
)

type fakeHistory struct {
	count      int
	timestamps []time.Time
	amounts    []float64
	addresses  []string
	historical int
}

func (f *fakeHistory) CountRequestsSince(_ context.Context, _ string, _ time.Time) (int, error) {
	return f.count, nil
}
func (f *fakeHistory) RecentTimestamps(_ context.Context, _ string, _ time.Duration) ([]time.Time, error) {
	return f.timestamps, nil
}
func (f *fakeHistory) RecentAmounts(_ context.Context, _ string, _ time.Duration) ([]float64, error) {
	return f.amounts, nil
}
func (f *fakeHistory) RecentAddresses(_ context.Context, _ string, _ time.Duration) ([]string, error) {
	return f.addresses, nil
}
func (f *fakeHistory) HistoricalRiskScore(_ context.Context, _ string) (int, error) {
	return f.historical, nil
}

func testThresholds() config.SecurityThresholds {
	return config.SecurityThresholds{
		RiskScoreThreshold:  75,
		RequireManualReview: 85,
		AutoRejectThreshold: 95,
		HardErrorPoints:     25,
		WarningPoints:       10,
	}
}

func validRequest() *models.MixRequest {
	return &models.MixRequest{
		ID:          "req-1",
		UserID:      "user-1",
		Currency:    config.BTC,
		InputAmount: 0.5,
		Outputs: []models.MixOutput{
			{Address: "bc1qoutput1", Percentage: 100},
		},
	}
}

func TestValidatorAllowsCleanRequest(t *testing.T) {
	v := NewValidator(NewReputation(), &fakeHistory{}, testThresholds())
	report, err := v.Validate(context.Background(), validRequest())
	require.NoError(t, err)
	require.Equal(t, DecisionAllow, report.Decision)
	require.Empty(t, report.Errors)
}

func TestValidatorRejectsInvalidParameters(t *testing.T) {
	v := NewValidator(NewReputation(), &fakeHistory{}, testThresholds())
	req := validRequest()
	req.InputAmount = -1
	report, err := v.Validate(context.Background(), req)
	require.NoError(t, err)
	require.Contains(t, report.Flags, FlagInputValidation)
	require.NotEmpty(t, report.Errors)
}

func TestValidatorBlacklistForcesScore100(t *testing.T) {
	rep := NewReputation()
	rep.Add("bc1qoutput1", CategoryBlacklist, "known theft address")
	v := NewValidator(rep, &fakeHistory{}, testThresholds())

	report, err := v.Validate(context.Background(), validRequest())
	require.NoError(t, err)
	require.Equal(t, 100, report.Score)
	require.Contains(t, report.Flags, FlagBlacklisted)
	require.Equal(t, DecisionAutoReject, report.Decision)
}

func TestValidatorSanctionsForcesScore100(t *testing.T) {
	rep := NewReputation()
	rep.Add("bc1qoutput1", CategorySanctions, "OFAC SDN")
	v := NewValidator(rep, &fakeHistory{}, testThresholds())

	report, err := v.Validate(context.Background(), validRequest())
	require.NoError(t, err)
	require.Equal(t, 100, report.Score)
	require.Contains(t, report.Flags, FlagSanctions)
	require.Equal(t, DecisionAutoReject, report.Decision)
}

func TestValidatorExchangeAppliesMediumFloor(t *testing.T) {
	rep := NewReputation()
	rep.Add("bc1qoutput1", CategoryExchange, "Known Exchange Co")
	v := NewValidator(rep, &fakeHistory{}, testThresholds())

	report, err := v.Validate(context.Background(), validRequest())
	require.NoError(t, err)
	require.Contains(t, report.Flags, FlagExchange)
	require.GreaterOrEqual(t, report.Score, 37) // RiskScoreThreshold/2 floor
}

func TestValidatorWhitelistLowersScoreFloorClamped(t *testing.T) {
	rep := NewReputation()
	rep.Add("bc1qoutput1", CategoryWhitelist, "trusted partner")
	v := NewValidator(rep, &fakeHistory{}, testThresholds())

	report, err := v.Validate(context.Background(), validRequest())
	require.NoError(t, err)
	require.Equal(t, 0, report.Score)
	require.Contains(t, report.Flags, FlagWhitelisted)
}

func TestValidatorDailyCapExceeded(t *testing.T) {
	hist := &fakeHistory{count: config.TransactionLimits[config.BTC].DailyCount}
	v := NewValidator(NewReputation(), hist, testThresholds())

	report, err := v.Validate(context.Background(), validRequest())
	require.NoError(t, err)
	require.Contains(t, report.Flags, FlagDailyCapExceeded)
	require.NotEmpty(t, report.Errors)
}

func TestValidatorHighVelocityWarns(t *testing.T) {
	now := time.Now().UTC()
	var timestamps []time.Time
	for i := 0; i < velocityThreshold+2; i++ {
		timestamps = append(timestamps, now.Add(-time.Duration(i)*time.Hour))
	}
	hist := &fakeHistory{timestamps: timestamps}
	v := NewValidator(NewReputation(), hist, testThresholds())

	report, err := v.Validate(context.Background(), validRequest())
	require.NoError(t, err)
	require.Contains(t, report.Flags, FlagVelocity)
}

func TestValidatorAutoRejectThresholdFromHistoricalRisk(t *testing.T) {
	hist := &fakeHistory{historical: 96}
	v := NewValidator(NewReputation(), hist, testThresholds())

	report, err := v.Validate(context.Background(), validRequest())
	require.NoError(t, err)
	require.Equal(t, DecisionAutoReject, report.Decision)
}

func TestIsRoundAmountDetection(t *testing.T) {
	require.True(t, isRoundAmount(10.0))
	require.True(t, isRoundAmount(0.5))
	require.False(t, isRoundAmount(0.3333))
}

func TestIsStructuringDetection(t *testing.T) {
	require.True(t, isStructuring(9.5, 10.0))
	require.False(t, isStructuring(1.0, 10.0))
	require.False(t, isStructuring(10.0, 10.0))
}
