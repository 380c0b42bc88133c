package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/AgentBar-Labs/credit_layer/internal/chain"
	"github.com/AgentBar-Labs/credit_layer/internal/services/credentials"
	"github.com/AgentBar-Labs/credit_layer/internal/services/deposits"
	"github.com/AgentBar-Labs/credit_layer/internal/services/ratelimit"
	"github.com/AgentBar-Labs/credit_layer/internal/storage/memory"
)

const (
	testContract = "0x00000000000000000000000000000000000000aa"
	testTreasury = "0x00000000000000000000000000000000000000bb"
	testSender   = "0x00000000000000000000000000000000000000cc"
	testTxHash   = "0x1111111111111111111111111111111111111111111111111111111111111111"
)

type staticFetcher struct {
	receipt *chain.Receipt
}

func (f staticFetcher) TransactionReceipt(ctx context.Context, txHash string) (*chain.Receipt, error) {
	return f.receipt, nil
}

func testReceipt() *chain.Receipt {
	pad := func(addr string) string {
		return "0x" + strings.Repeat("0", 24) + strings.TrimPrefix(addr, "0x")
	}
	return &chain.Receipt{
		TransactionHash: testTxHash,
		Status:          "0x1",
		BlockNumber:     "0x10",
		Logs: []chain.Log{{
			Address: testContract,
			Topics:  []string{deposits.TransferEventSignature, pad(testSender), pad(testTreasury)},
			Data:    "0x4563918244f40000", // 5 tokens = 500 credit-cents
		}},
	}
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	store := memory.New()

	credsSvc := credentials.New(store, bcrypt.MinCost, nil)
	limiterSvc := ratelimit.New(store, nil, false, nil)
	depositsSvc := deposits.New(store, staticFetcher{receipt: testReceipt()}, deposits.Config{
		TokenContract:   testContract,
		TreasuryAddress: testTreasury,
		TokenDecimals:   18,
		MinAmount:       100,
		MaxAmount:       100000000,
	}, nil)

	return New(Config{
		Credentials:         credsSvc,
		RateLimiter:         limiterSvc,
		Deposits:            depositsSvc,
		AdminJWTSecret:      "",
		AllowedOrigins:      []string{"*"},
		IPRequestsPerSecond: 100,
		IPBurst:             100,
	})
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.1:1000"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func register(t *testing.T, handler http.Handler, name string) (string, string) {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/register", "", map[string]string{"display_name": name})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp registerResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	if resp.Credential == "" || resp.PrincipalID == "" {
		t.Fatalf("incomplete register response: %+v", resp)
	}
	return resp.PrincipalID, resp.Credential
}

func TestRegisterAndMe(t *testing.T) {
	handler := newTestRouter(t)
	principalID, token := register(t, handler, "agent-7")

	rec := doJSON(t, handler, http.MethodGet, "/me", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("/me status = %d, body %s", rec.Code, rec.Body.String())
	}
	var me principalResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &me); err != nil {
		t.Fatalf("decode /me: %v", err)
	}
	if me.PrincipalID != principalID || me.DisplayName != "agent-7" || me.Balance != 0 {
		t.Fatalf("/me = %+v", me)
	}
}

func TestRegisterValidation(t *testing.T) {
	handler := newTestRouter(t)

	rec := doJSON(t, handler, http.MethodPost, "/register", "", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty display_name status = %d, want 400", rec.Code)
	}
}

func TestRegisterRateLimited(t *testing.T) {
	handler := newTestRouter(t)

	// Registration allows five per hour per IP.
	for i := 0; i < 5; i++ {
		register(t, handler, "agent")
	}
	rec := doJSON(t, handler, http.MethodPost, "/register", "", map[string]string{"display_name": "agent"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("sixth register status = %d, want 429", rec.Code)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	handler := newTestRouter(t)

	for _, path := range []string{"/me", "/deposits"} {
		rec := doJSON(t, handler, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("GET %s without credential = %d, want 401", path, rec.Code)
		}
	}
}

func TestDepositFlow(t *testing.T) {
	handler := newTestRouter(t)
	_, token := register(t, handler, "agent")

	rec := doJSON(t, handler, http.MethodPost, "/deposits", token, map[string]string{"tx_hash": testTxHash})
	if rec.Code != http.StatusCreated {
		t.Fatalf("deposit status = %d, body %s", rec.Code, rec.Body.String())
	}
	var dep depositResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &dep); err != nil {
		t.Fatalf("decode deposit: %v", err)
	}
	if dep.Amount != 500 {
		t.Fatalf("credited amount = %d, want 500", dep.Amount)
	}

	// The balance reflects the credit.
	rec = doJSON(t, handler, http.MethodGet, "/me", token, nil)
	var me principalResponse
	json.Unmarshal(rec.Body.Bytes(), &me)
	if me.Balance != 500 {
		t.Fatalf("balance = %d, want 500", me.Balance)
	}

	// Replaying the same transaction conflicts.
	rec = doJSON(t, handler, http.MethodPost, "/deposits", token, map[string]string{"tx_hash": testTxHash})
	if rec.Code != http.StatusConflict {
		t.Fatalf("replay status = %d, want 409", rec.Code)
	}

	// History lists the single accepted deposit.
	rec = doJSON(t, handler, http.MethodGet, "/deposits", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d", rec.Code)
	}
	var history struct {
		Deposits []depositResponse `json:"deposits"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history.Deposits) != 1 {
		t.Fatalf("history = %d records, want 1", len(history.Deposits))
	}
}

func TestAdminDisabledWithoutSecret(t *testing.T) {
	handler := newTestRouter(t)
	principalID, _ := register(t, handler, "agent")

	rec := doJSON(t, handler, http.MethodPost, "/admin/principals/"+principalID+"/rotate", "", nil)
	if rec.Code != http.StatusUnauthorized && rec.Code != http.StatusForbidden {
		t.Fatalf("admin without secret = %d, want 401 or 403", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	handler := newTestRouter(t)

	rec := doJSON(t, handler, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("/healthz = %d, want 200", rec.Code)
	}
}

func TestMetricsExposed(t *testing.T) {
	handler := newTestRouter(t)

	rec := doJSON(t, handler, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "credit_layer") {
		t.Fatal("exposition missing application metrics")
	}
}
