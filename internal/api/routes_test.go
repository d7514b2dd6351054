package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/rs/zerolog"

	"github.com/rawblock/mixcoordinator/internal/chain"
	"github.com/rawblock/mixcoordinator/internal/coinjoin"
	"github.com/rawblock/mixcoordinator/internal/config"
	"github.com/rawblock/mixcoordinator/internal/mixengine"
	"github.com/rawblock/mixcoordinator/internal/monitoring"
	"github.com/rawblock/mixcoordinator/internal/security"
	"github.com/rawblock/mixcoordinator/internal/wallet"
	"github.com/rawblock/mixcoordinator/pkg/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeEngineRepo is a minimal in-memory mixengine.Repository, the same
// shape as mixengine's own test fake, kept local since it's unexported
// there.
type fakeEngineRepo struct {
	mu   sync.Mutex
	byID map[string]*models.MixRequest
}

func newFakeEngineRepo() *fakeEngineRepo {
	return &fakeEngineRepo{byID: make(map[string]*models.MixRequest)}
}

func (f *fakeEngineRepo) Save(_ context.Context, r *models.MixRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *r
	f.byID[r.ID] = &cp
	return nil
}

func (f *fakeEngineRepo) FindByID(_ context.Context, id string) (*models.MixRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (f *fakeEngineRepo) FindByDepositTxid(_ context.Context, _ config.Currency, _ string) (*models.MixRequest, error) {
	return nil, nil
}

func (f *fakeEngineRepo) ListDeposited(_ context.Context, _ int) ([]*models.MixRequest, error) {
	return nil, nil
}

func (f *fakeEngineRepo) CountPendingCompatible(_ context.Context, _ config.Currency, _ float64, _ time.Time) (int, error) {
	return 0, nil
}

func (f *fakeEngineRepo) ListMixing(_ context.Context, _ int) ([]*models.MixRequest, error) {
	return nil, nil
}

func (f *fakeEngineRepo) ListCompleting(_ context.Context, _ int) ([]*models.MixRequest, error) {
	return nil, nil
}

func (f *fakeEngineRepo) ListExpiredPending(_ context.Context, _ time.Time, _ int) ([]*models.MixRequest, error) {
	return nil, nil
}

type fakeAllocator struct{}

func (fakeAllocator) Allocate(_ context.Context, currency config.Currency) (*models.DepositAddress, error) {
	return &models.DepositAddress{ID: "addr-1", Currency: currency, Address: "1FakeAddr"}, nil
}

type fakeOutputTxnRepo struct{}

func (fakeOutputTxnRepo) SaveOutputTransaction(_ context.Context, _ *models.OutputTransaction) error {
	return nil
}

func (fakeOutputTxnRepo) ListOutputTransactions(_ context.Context, _ string) ([]*models.OutputTransaction, error) {
	return nil, nil
}

func newTestValidator() *security.Validator {
	return security.NewValidator(security.NewReputation(), nil, config.SecurityThresholds{
		RiskScoreThreshold:  75,
		RequireManualReview: 85,
		AutoRejectThreshold: 95,
		HardErrorPoints:     25,
		WarningPoints:       10,
	})
}

func testEngine(t *testing.T) (*mixengine.Engine, *fakeEngineRepo) {
	t.Helper()
	repo := newFakeEngineRepo()
	v := newTestValidator()
	e := mixengine.NewEngine(config.MixEngine{
		MaxConcurrentMixes: 10,
		DepositTimeout:     24 * time.Hour,
		RetryMaxAttempts:   5,
		RegistrationWindow: 10 * time.Minute,
	}, repo, v, fakeAllocator{}, nil, nil, fakeOutputTxnRepo{}, chain.NewRegistry(), nil, nil)
	return e, repo
}

func testCoordinator() *coinjoin.Coordinator {
	return coinjoin.NewCoordinator(config.CoinJoinParams{
		RegistrationTimeout: time.Minute,
		MinParticipants:     3,
		MaxParticipants:     10,
		BanDuration:         time.Hour,
	}, nil)
}

type fakeWalletRepo struct {
	mu      sync.Mutex
	wallets map[string]*models.Wallet
}

func (f *fakeWalletRepo) ExistsByAddress(_ context.Context, _ string) (bool, error) { return false, nil }
func (f *fakeWalletRepo) CreateWallet(_ context.Context, w *models.Wallet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wallets[w.ID] = w
	return nil
}
func (f *fakeWalletRepo) GetWallet(_ context.Context, id string) (*models.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.wallets[id]
	if !ok {
		return nil, nil
	}
	return w, nil
}
func (f *fakeWalletRepo) AtomicSubtract(_ context.Context, _ string, _ float64) (wallet.SubtractOutcome, error) {
	return wallet.SubtractOutcome{}, nil
}
func (f *fakeWalletRepo) UpdateBalance(_ context.Context, _ string, _ float64) error { return nil }
func (f *fakeWalletRepo) BatchUpdateBalances(_ context.Context, _ map[string]float64) error {
	return nil
}
func (f *fakeWalletRepo) FindOptimalForWithdrawal(_ context.Context, _ config.Currency, _ float64) (*models.Wallet, error) {
	return nil, nil
}
func (f *fakeWalletRepo) FindForRotation(_ context.Context, _ time.Time) ([]*models.Wallet, error) {
	return nil, nil
}
func (f *fakeWalletRepo) ArchiveInactive(_ context.Context, _ time.Time, _ int) ([]string, error) {
	return nil, nil
}

func testWalletManager() (*wallet.Manager, *fakeWalletRepo) {
	repo := &fakeWalletRepo{wallets: make(map[string]*models.Wallet)}
	mgr := wallet.NewManager(repo, nil, config.Wallet{BalanceCacheTTL: 30 * time.Second})
	return mgr, repo
}

func testMonitoring() *monitoring.Monitoring {
	return monitoring.New(config.MonitoringIntervals{
		AlertDedupWindow: 5 * time.Minute,
	}, zerolog.Nop(), nil, nil, nil, nil, nil, nil, nil)
}

func TestHandleCreateMixAndGetMix(t *testing.T) {
	engine, _ := testEngine(t)
	router := SetupRouter(engine, nil, nil, nil, nil, nil, nil)

	body, _ := json.Marshal(map[string]any{
		"userId":   "user-1",
		"currency": "BTC",
		"amount":   0.25,
		"outputs": []map[string]any{
			{"address": "addr-a", "percentage": 60},
			{"address": "addr-b", "percentage": 40},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/mix", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		DepositAddress string `json:"depositAddress"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.DepositAddress)

	// dbStore is nil in this test, so the read-back path reports
	// unavailable rather than faking a database.
	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/mix/req-1", nil)
	getW := httptest.NewRecorder()
	router.ServeHTTP(getW, getReq)
	require.Equal(t, http.StatusServiceUnavailable, getW.Code)
}

func TestHandleCreateMixRejectsBadPercentageSum(t *testing.T) {
	engine, _ := testEngine(t)
	router := SetupRouter(engine, nil, nil, nil, nil, nil, nil)

	body, _ := json.Marshal(map[string]any{
		"currency": "BTC",
		"amount":   0.25,
		"outputs": []map[string]any{
			{"address": "addr-a", "percentage": 50},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/mix", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHandleCancelMix(t *testing.T) {
	engine, repo := testEngine(t)
	router := SetupRouter(engine, nil, nil, nil, nil, nil, nil)

	require.NoError(t, repo.Save(context.Background(), &models.MixRequest{
		ID:     "req-cancel",
		Status: models.StatusPending,
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/mix/req-cancel/cancel", bytes.NewReader([]byte(`{"reason":"changed mind"}`)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	stored, err := repo.FindByID(context.Background(), "req-cancel")
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, stored.Status)
}

func TestHandleCancelMixUnknownRequestConflict(t *testing.T) {
	engine, _ := testEngine(t)
	router := SetupRouter(engine, nil, nil, nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/mix/does-not-exist/cancel", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusConflict, w.Code)
}

func TestHandleGetSessionNotInitialized(t *testing.T) {
	router := SetupRouter(nil, nil, nil, nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/whatever", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleGetSessionNotFound(t *testing.T) {
	coordinator := testCoordinator()
	router := SetupRouter(nil, coordinator, nil, nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/missing-session", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleGetWalletBalance(t *testing.T) {
	mgr, repo := testWalletManager()
	require.NoError(t, repo.CreateWallet(context.Background(), &models.Wallet{
		ID: "wallet-1", Currency: config.BTC, Balance: 1.5, IsActive: true,
	}))
	router := SetupRouter(nil, nil, mgr, nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/wallets/wallet-1/balance", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Balance float64 `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1.5, resp.Balance)
}

func TestHandleGetWalletBalanceNotFound(t *testing.T) {
	mgr, _ := testWalletManager()
	router := SetupRouter(nil, nil, mgr, nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/wallets/missing/balance", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAlertLifecycleEndpoints(t *testing.T) {
	mon := testMonitoring()
	alert := mon.Alerts.Trigger("wallet_balance_low", "wallet-1", "HIGH", "low balance", "below threshold", time.Now())
	router := SetupRouter(nil, nil, nil, mon, nil, nil, nil)

	listReq := httptest.NewRequest(http.MethodGet, "/api/v1/alerts", nil)
	listW := httptest.NewRecorder()
	router.ServeHTTP(listW, listReq)
	require.Equal(t, http.StatusOK, listW.Code)

	ackReq := httptest.NewRequest(http.MethodPost, "/api/v1/alerts/"+alert.ID+"/acknowledge", nil)
	ackW := httptest.NewRecorder()
	router.ServeHTTP(ackW, ackReq)
	require.Equal(t, http.StatusOK, ackW.Code)

	resolveReq := httptest.NewRequest(http.MethodPost, "/api/v1/alerts/"+alert.ID+"/resolve", nil)
	resolveW := httptest.NewRecorder()
	router.ServeHTTP(resolveW, resolveReq)
	require.Equal(t, http.StatusOK, resolveW.Code)

	// resolving again is a conflict: already terminal.
	resolveAgain := httptest.NewRequest(http.MethodPost, "/api/v1/alerts/"+alert.ID+"/resolve", nil)
	resolveAgainW := httptest.NewRecorder()
	router.ServeHTTP(resolveAgainW, resolveAgain)
	require.Equal(t, http.StatusConflict, resolveAgainW.Code)
}

func TestHandleHealth(t *testing.T) {
	router := SetupRouter(nil, nil, nil, nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "operational", resp.Status)
}
