package mixengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rawblock/mixcoordinator/internal/chain"
	"github.com/rawblock/mixcoordinator/internal/coinjoin"
	"github.com/rawblock/mixcoordinator/internal/config"
	"github.com/rawblock/mixcoordinator/internal/ring"
	"github.com/rawblock/mixcoordinator/internal/security"
	"github.com/rawblock/mixcoordinator/pkg/models"
)

type fakeRepo struct {
	mu       sync.Mutex
	byID     map[string]*models.MixRequest
	compat   int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{byID: make(map[string]*models.MixRequest)}
}

func (f *fakeRepo) Save(_ context.Context, r *models.MixRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *r
	f.byID[r.ID] = &cp
	return nil
}

func (f *fakeRepo) FindByID(_ context.Context, id string) (*models.MixRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRepo) FindByDepositTxid(_ context.Context, _ config.Currency, _ string) (*models.MixRequest, error) {
	return nil, nil
}

func (f *fakeRepo) ListDeposited(_ context.Context, limit int) ([]*models.MixRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.MixRequest
	for _, r := range f.byID {
		if r.Status == models.StatusDeposited {
			cp := *r
			out = append(out, &cp)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRepo) CountPendingCompatible(_ context.Context, _ config.Currency, _ float64, _ time.Time) (int, error) {
	return f.compat, nil
}

func (f *fakeRepo) listWhere(status models.MixRequestStatus, limit int) []*models.MixRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.MixRequest
	for _, r := range f.byID {
		if r.Status != status {
			continue
		}
		cp := *r
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out
}

func (f *fakeRepo) ListMixing(_ context.Context, limit int) ([]*models.MixRequest, error) {
	return f.listWhere(models.StatusMixing, limit), nil
}

func (f *fakeRepo) ListCompleting(_ context.Context, limit int) ([]*models.MixRequest, error) {
	return f.listWhere(models.StatusCompleting, limit), nil
}

func (f *fakeRepo) ListExpiredPending(_ context.Context, olderThan time.Time, limit int) ([]*models.MixRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.MixRequest
	for _, r := range f.byID {
		if r.Status != models.StatusPending || !r.CreatedAt.Before(olderThan) {
			continue
		}
		cp := *r
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

type fakeOutputs struct {
	mu    sync.Mutex
	byReq map[string][]*models.OutputTransaction
}

func newFakeOutputs() *fakeOutputs {
	return &fakeOutputs{byReq: make(map[string][]*models.OutputTransaction)}
}

func (f *fakeOutputs) SaveOutputTransaction(_ context.Context, t *models.OutputTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	list := f.byReq[t.MixRequestID]
	for i, existing := range list {
		if existing.OutputIndex == t.OutputIndex {
			list[i] = &cp
			return nil
		}
	}
	f.byReq[t.MixRequestID] = append(list, &cp)
	return nil
}

func (f *fakeOutputs) ListOutputTransactions(_ context.Context, mixRequestID string) ([]*models.OutputTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.OutputTransaction, len(f.byReq[mixRequestID]))
	copy(out, f.byReq[mixRequestID])
	return out, nil
}

type fakeAllocator struct{ n int }

func (a *fakeAllocator) Allocate(_ context.Context, currency config.Currency) (*models.DepositAddress, error) {
	a.n++
	return &models.DepositAddress{ID: "addr-1", Currency: currency, Address: "addr-placeholder"}, nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []*models.AuditLog
}

func (a *fakeAudit) Record(_ context.Context, e *models.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func testEngineCfg() config.MixEngine {
	return config.MixEngine{
		MaxConcurrentMixes: 10,
		DepositTimeout:     24 * time.Hour,
		TickInterval:       time.Second,
		RetryMaxAttempts:   5,
		RetryBaseDelay:     10 * time.Millisecond,
		RegistrationWindow: 10 * time.Minute,
	}
}

func testValidator() *security.Validator {
	return security.NewValidator(security.NewReputation(), nil, config.SecurityThresholds{
		RiskScoreThreshold:  75,
		RequireManualReview: 85,
		AutoRejectThreshold: 95,
		HardErrorPoints:     25,
		WarningPoints:       10,
	})
}

func testCoinJoinParams() config.CoinJoinParams {
	return config.CoinJoinParams{
		RegistrationTimeout: time.Minute,
		MinParticipants:     3,
		MaxParticipants:     10,
		BanDuration:         time.Hour,
	}
}

func validReq(id string) *models.MixRequest {
	return &models.MixRequest{
		ID:          id,
		Currency:    config.BTC,
		InputAmount: 0.25,
		Outputs: []models.MixOutput{
			{Address: "addr-a", Percentage: 60},
			{Address: "addr-b", Percentage: 40},
		},
	}
}

func TestEngineCreateAllocatesDepositAddress(t *testing.T) {
	repo := newFakeRepo()
	alloc := &fakeAllocator{}
	audit := &fakeAudit{}
	e := NewEngine(testEngineCfg(), repo, testValidator(), alloc, nil, nil, newFakeOutputs(), chain.NewRegistry(), nil, audit)

	req := validReq("req-1")
	addr, err := e.Create(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, addr)
	require.Equal(t, "req-1", addr.MixRequestID)
	require.Equal(t, models.StatusPending, req.Status)
	require.False(t, req.PendingReview)
	require.Equal(t, 1, alloc.n)
	require.NotEmpty(t, audit.entries)
}

func TestEngineCreateRejectsBadPercentageSum(t *testing.T) {
	repo := newFakeRepo()
	e := NewEngine(testEngineCfg(), repo, testValidator(), &fakeAllocator{}, nil, nil, newFakeOutputs(), chain.NewRegistry(), nil, nil)

	req := validReq("req-2")
	req.Outputs[0].Percentage = 50 // sums to 90 now
	_, err := e.Create(context.Background(), req)
	require.Error(t, err)
}

func TestEngineOnDepositConfirmedIsIdempotent(t *testing.T) {
	repo := newFakeRepo()
	e := NewEngine(testEngineCfg(), repo, testValidator(), &fakeAllocator{}, nil, nil, newFakeOutputs(), chain.NewRegistry(), nil, nil)

	req := validReq("req-3")
	_, err := e.Create(context.Background(), req)
	require.NoError(t, err)

	require.NoError(t, e.OnDepositConfirmed(context.Background(), "req-3", "tx-abc", 100))
	stored, err := repo.FindByID(context.Background(), "req-3")
	require.NoError(t, err)
	require.Equal(t, models.StatusDeposited, stored.Status)

	// repeat call with the same txid is a no-op
	require.NoError(t, e.OnDepositConfirmed(context.Background(), "req-3", "tx-abc", 999))
	stored2, err := repo.FindByID(context.Background(), "req-3")
	require.NoError(t, err)
	require.Equal(t, int64(100), stored2.DepositBlockHeight)
}

func TestEngineCancelForbiddenAfterMixing(t *testing.T) {
	repo := newFakeRepo()
	e := NewEngine(testEngineCfg(), repo, testValidator(), &fakeAllocator{}, nil, nil, newFakeOutputs(), chain.NewRegistry(), nil, nil)

	req := validReq("req-4")
	req.Status = models.StatusMixing
	require.NoError(t, repo.Save(context.Background(), req))

	err := e.Cancel(context.Background(), "req-4", "user changed mind")
	require.Error(t, err)
}

func TestEngineCancelAllowedBeforeDeposit(t *testing.T) {
	repo := newFakeRepo()
	e := NewEngine(testEngineCfg(), repo, testValidator(), &fakeAllocator{}, nil, nil, newFakeOutputs(), chain.NewRegistry(), nil, nil)

	req := validReq("req-5")
	_, err := e.Create(context.Background(), req)
	require.NoError(t, err)

	require.NoError(t, e.Cancel(context.Background(), "req-5", "user cancelled"))
	stored, err := repo.FindByID(context.Background(), "req-5")
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, stored.Status)
}

func TestEngineTickChoosesRingWhenNoCoinJoinQuorum(t *testing.T) {
	repo := newFakeRepo()
	cj := coinjoin.NewCoordinator(testCoinJoinParams(), nil)
	rm := ring.NewMixer(config.RingParams{}, nil, nil)
	e := NewEngine(testEngineCfg(), repo, testValidator(), &fakeAllocator{}, cj, rm, newFakeOutputs(), chain.NewRegistry(), nil, nil)

	req := validReq("req-6")
	req.InputAmount = 0.1 // matches a standard BTC denomination
	req.Status = models.StatusDeposited
	now := time.Now().UTC()
	req.DepositConfirmedAt = &now
	require.NoError(t, repo.Save(context.Background(), req))
	repo.compat = 0 // no other compatible requests pending

	// Ring's mix outcome is synchronous, so the same Tick also schedules
	// its payout legs and moves it straight to COMPLETING.
	e.Tick(context.Background())

	stored, err := repo.FindByID(context.Background(), "req-6")
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleting, stored.Status)
	require.Equal(t, models.AlgorithmRing, stored.Algorithm)
}

func TestEngineTickChoosesCoinJoinWhenQuorumAvailable(t *testing.T) {
	repo := newFakeRepo()
	cj := coinjoin.NewCoordinator(testCoinJoinParams(), nil)
	e := NewEngine(testEngineCfg(), repo, testValidator(), &fakeAllocator{}, cj, nil, newFakeOutputs(), chain.NewRegistry(), nil, nil)

	req := validReq("req-7")
	req.InputAmount = 0.1
	req.Status = models.StatusDeposited
	now := time.Now().UTC()
	req.DepositConfirmedAt = &now
	require.NoError(t, repo.Save(context.Background(), req))
	repo.compat = 2 // minParticipants(3) - 1 = 2 compatible requests pending

	e.Tick(context.Background())

	stored, err := repo.FindByID(context.Background(), "req-7")
	require.NoError(t, err)
	require.Equal(t, models.StatusMixing, stored.Status)
	require.Equal(t, models.AlgorithmCoinJoin, stored.Algorithm)
	require.NotEmpty(t, stored.SessionID)
}

func TestEngineTickBoundedByMaxConcurrent(t *testing.T) {
	repo := newFakeRepo()
	cj := coinjoin.NewCoordinator(testCoinJoinParams(), nil)
	rm := ring.NewMixer(config.RingParams{}, nil, nil)
	cfg := testEngineCfg()
	cfg.MaxConcurrentMixes = 1
	e := NewEngine(cfg, repo, testValidator(), &fakeAllocator{}, cj, rm, newFakeOutputs(), chain.NewRegistry(), nil, nil)

	for _, id := range []string{"req-8", "req-9"} {
		req := validReq(id)
		req.InputAmount = 0.33 // not a standard denomination -> RING
		req.Status = models.StatusDeposited
		now := time.Now().UTC()
		req.DepositConfirmedAt = &now
		require.NoError(t, repo.Save(context.Background(), req))
	}

	e.Tick(context.Background())

	mixingCount := 0
	for _, id := range []string{"req-8", "req-9"} {
		stored, err := repo.FindByID(context.Background(), id)
		require.NoError(t, err)
		// RING's outcome is synchronous, so the admitted request may already
		// show COMPLETING by the time this Tick returns.
		if stored.Status == models.StatusMixing || stored.Status == models.StatusCompleting {
			mixingCount++
		}
	}
	require.Equal(t, 1, mixingCount)
}

// fakeChainClient is a single-currency chain.Client whose confirmation
// count is controlled by the test.
type fakeChainClient struct {
	currency      config.Currency
	confirmations int64
	broadcastErr  error
}

func (c *fakeChainClient) Currency() config.Currency { return c.currency }

func (c *fakeChainClient) Broadcast(_ context.Context, payload []byte) (string, error) {
	if c.broadcastErr != nil {
		return "", c.broadcastErr
	}
	return "txid-" + string(payload[:4]), nil
}

func (c *fakeChainClient) GetTransaction(_ context.Context, txid string) (*chain.Transaction, error) {
	return &chain.Transaction{Txid: txid, Confirmations: c.confirmations}, nil
}

func (c *fakeChainClient) GetConfirmations(_ context.Context, _ string) (int64, error) {
	return c.confirmations, nil
}

func (c *fakeChainClient) GetBlockHeight(_ context.Context) (int64, error) { return 0, nil }

func (c *fakeChainClient) SubscribeAddress(_ context.Context, _ string, _ time.Duration) (<-chan chain.Deposit, error) {
	ch := make(chan chain.Deposit)
	close(ch)
	return ch, nil
}

func TestEngineCompletingAdvancesToCompletedOnceOutputsConfirm(t *testing.T) {
	repo := newFakeRepo()
	outputs := newFakeOutputs()
	client := &fakeChainClient{currency: config.BTC, confirmations: config.RequiredConfirmations[config.BTC]}
	e := NewEngine(testEngineCfg(), repo, testValidator(), &fakeAllocator{}, nil, nil, outputs, chain.NewRegistry(client), nil, nil)

	req := validReq("req-10")
	req.Status = models.StatusCompleting
	require.NoError(t, repo.Save(context.Background(), req))
	require.NoError(t, outputs.SaveOutputTransaction(context.Background(), &models.OutputTransaction{
		ID: "out-1", MixRequestID: "req-10", OutputIndex: 0, Address: "addr-a", Amount: 0.15, Status: models.OutputPending,
	}))
	require.NoError(t, outputs.SaveOutputTransaction(context.Background(), &models.OutputTransaction{
		ID: "out-2", MixRequestID: "req-10", OutputIndex: 1, Address: "addr-b", Amount: 0.1, Status: models.OutputPending,
	}))

	// First tick broadcasts both legs but can't yet see them confirmed.
	e.checkCompleting(context.Background())
	stored, err := repo.FindByID(context.Background(), "req-10")
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleting, stored.Status)

	// Second tick observes the now-broadcast legs meeting the required
	// confirmation count and completes the request.
	e.checkCompleting(context.Background())
	stored, err = repo.FindByID(context.Background(), "req-10")
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)
}

func TestEngineCompletingStaysPutWithoutChainClient(t *testing.T) {
	repo := newFakeRepo()
	outputs := newFakeOutputs()
	e := NewEngine(testEngineCfg(), repo, testValidator(), &fakeAllocator{}, nil, nil, outputs, chain.NewRegistry(), nil, nil)

	req := validReq("req-11")
	req.Status = models.StatusCompleting
	require.NoError(t, repo.Save(context.Background(), req))
	require.NoError(t, outputs.SaveOutputTransaction(context.Background(), &models.OutputTransaction{
		ID: "out-3", MixRequestID: "req-11", OutputIndex: 0, Address: "addr-a", Amount: 0.25, Status: models.OutputPending,
	}))

	e.checkCompleting(context.Background())

	stored, err := repo.FindByID(context.Background(), "req-11")
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleting, stored.Status, "no chain client registered: request must retry, not fail")
}

type fakeDepositResetter struct {
	mu       sync.Mutex
	resetIDs []string
}

func (d *fakeDepositResetter) ResetDepositAddress(_ context.Context, mixRequestID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetIDs = append(d.resetIDs, mixRequestID)
	return nil
}

func TestEngineExpiresPendingRequestsPastDepositTimeout(t *testing.T) {
	repo := newFakeRepo()
	deposits := &fakeDepositResetter{}
	cfg := testEngineCfg()
	cfg.DepositTimeout = time.Hour
	e := NewEngine(cfg, repo, testValidator(), &fakeAllocator{}, nil, nil, newFakeOutputs(), chain.NewRegistry(), deposits, nil)

	req := validReq("req-12")
	req.Status = models.StatusPending
	req.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, repo.Save(context.Background(), req))

	e.expirePending(context.Background())

	stored, err := repo.FindByID(context.Background(), "req-12")
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, stored.Status)
	require.Equal(t, "deposit timeout", stored.ErrorMessage)
	require.Equal(t, []string{"req-12"}, deposits.resetIDs)
}

func TestEngineDoesNotExpireRecentPendingRequests(t *testing.T) {
	repo := newFakeRepo()
	deposits := &fakeDepositResetter{}
	cfg := testEngineCfg()
	cfg.DepositTimeout = time.Hour
	e := NewEngine(cfg, repo, testValidator(), &fakeAllocator{}, nil, nil, newFakeOutputs(), chain.NewRegistry(), deposits, nil)

	req := validReq("req-13")
	req.Status = models.StatusPending
	req.CreatedAt = time.Now().UTC().Add(-5 * time.Minute)
	require.NoError(t, repo.Save(context.Background(), req))

	e.expirePending(context.Background())

	stored, err := repo.FindByID(context.Background(), "req-13")
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, stored.Status)
	require.Empty(t, deposits.resetIDs)
}
