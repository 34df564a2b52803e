package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/tinoosan/balanceledger/internal/errs"
	"github.com/tinoosan/balanceledger/internal/ledger"
	"github.com/tinoosan/balanceledger/internal/lock"
	"github.com/tinoosan/balanceledger/internal/service/balance"
	"github.com/tinoosan/balanceledger/internal/service/entity"
	"github.com/tinoosan/balanceledger/internal/service/movement"
	"github.com/tinoosan/balanceledger/internal/service/transfer"
	"github.com/tinoosan/balanceledger/internal/storage/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type errResp struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type entityResp struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Tag    string `json:"tag"`
	Active bool   `json:"active"`
}

type txResp struct {
	ID          string `json:"id"`
	OperationID string `json:"operation_id"`
	Amount      string `json:"amount"`
	AmountMinor *int64 `json:"amount_minor"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
}

type lifecycleResp struct {
	OperationID  string   `json:"operation_id"`
	Transactions []txResp `json:"transactions"`
	Movements    []struct {
		ID    int64  `json:"id"`
		Type  string `json:"type"`
		Sides []struct {
			Side  string `json:"side"`
			Value string `json:"value"`
		} `json:"sides"`
	} `json:"movements"`
}

type balanceResp struct {
	Items []struct {
		Amount       string `json:"amount"`
		AmountMinor  *int64 `json:"amount_minor"`
		Counterparty int64  `json:"counterparty_id"`
		Currency     string `json:"currency"`
		Date         string `json:"date"`
	} `json:"items"`
}

type movementsResp struct {
	Items []struct {
		Side    string `json:"side"`
		Balance string `json:"balance"`
		Type    string `json:"type"`
	} `json:"items"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Total    int `json:"total"`
}

func newHandler(t *testing.T, locker lock.Locker) (*memory.Store, http.Handler) {
	t.Helper()
	store := memory.New()
	logger := testLogger()
	mu := lock.NewMutex(locker, lock.Policy{MaxAttempts: 2, MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, TTL: time.Minute}, logger)
	eng := movement.New(mu, movement.Options{Logger: logger})
	h := New(entity.New(store, store), transfer.New(store, eng), balance.New(store, time.UTC), logger, Options{Ready: store}).Handler()
	return store, h
}

func setup(t *testing.T) (http.Handler, entityResp, entityResp) {
	t.Helper()
	_, h := newHandler(t, lock.NewLocal())
	bank := createEntity(t, h, "Central Bank", "bank")
	shop := createEntity(t, h, "Maika Store", "Maika")
	return h, bank, shop
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
}

func createEntity(t *testing.T, h http.Handler, name, tag string) entityResp {
	t.Helper()
	rr := do(t, h, http.MethodPost, "/v1/entities", map[string]any{"name": name, "tag": tag})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create entity: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var out entityResp
	decode(t, rr, &out)
	return out
}

func operationBody(from, to int64, amount string) map[string]any {
	return map[string]any{
		"date":        "2024-05-10T12:00:00Z",
		"observation": "weekly supply",
		"operator_id": 7,
		"transactions": []map[string]any{
			{"from_entity_id": from, "to_entity_id": to, "amount": amount, "currency": "USD", "type": "transfer"},
		},
	}
}

func upload(t *testing.T, h http.Handler, from, to entityResp, amount string) lifecycleResp {
	t.Helper()
	rr := do(t, h, http.MethodPost, "/v1/operations", operationBody(from.ID, to.ID, amount))
	if rr.Code != http.StatusCreated {
		t.Fatalf("post operation: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var out lifecycleResp
	decode(t, rr, &out)
	return out
}

func pairBalances(t *testing.T, h http.Handler, subject entityResp, account string) balanceResp {
	t.Helper()
	rr := do(t, h, http.MethodGet, "/v1/balances?type=1&account="+account+"&entity_id="+strconv.FormatInt(subject.ID, 10), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get balances: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var out balanceResp
	decode(t, rr, &out)
	return out
}

func TestEntities_CreateListPatch(t *testing.T) {
	h, bank, shop := setup(t)
	if !bank.Active || bank.Tag != "bank" {
		t.Fatalf("unexpected entity: %+v", bank)
	}

	rr := do(t, h, http.MethodGet, "/v1/entities", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rr.Code)
	}
	var list struct {
		Items []entityResp `json:"items"`
	}
	decode(t, rr, &list)
	if len(list.Items) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(list.Items))
	}

	path := "/v1/entities/" + strconv.FormatInt(shop.ID, 10)
	rr = do(t, h, http.MethodPatch, path, map[string]any{"name": "Maika Downtown", "tag": "Maika"})
	if rr.Code != http.StatusOK {
		t.Fatalf("patch: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var patched entityResp
	decode(t, rr, &patched)
	if patched.Name != "Maika Downtown" || patched.Tag != "Maika" {
		t.Fatalf("unexpected patch result: %+v", patched)
	}

	rr = do(t, h, http.MethodPatch, path, map[string]any{"tag": "other"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("tag change: expected 409, got %d", rr.Code)
	}
	var er errResp
	decode(t, rr, &er)
	if er.Code != "immutable" {
		t.Fatalf("expected immutable code, got %q", er.Code)
	}

	rr = do(t, h, http.MethodDelete, path, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rr.Code)
	}
	rr = do(t, h, http.MethodGet, path, nil)
	var got entityResp
	decode(t, rr, &got)
	if got.Active {
		t.Fatalf("expected entity to be inactive")
	}
}

func TestEntities_Errors(t *testing.T) {
	h, _, _ := setup(t)
	if rr := do(t, h, http.MethodGet, "/v1/entities/999", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/v1/entities/abc", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/v1/entities", map[string]any{"name": "No tag"}); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing tag, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/v1/entities", map[string]any{"name": "x", "tag": "y", "extra": 1}); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rr.Code)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/entities", bytes.NewBufferString(`{"name":"x","tag":"y"}`))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415 without content type, got %d", rr.Code)
	}
}

func TestOperations_UploadUpdatesPairBalances(t *testing.T) {
	h, bank, shop := setup(t)
	res := upload(t, h, bank, shop, "100.50")
	if len(res.Transactions) != 1 || len(res.Movements) != 1 {
		t.Fatalf("expected one transaction and one movement, got %d/%d", len(res.Transactions), len(res.Movements))
	}
	tx := res.Transactions[0]
	if tx.Status != "pending" || tx.Amount != "100.5" {
		t.Fatalf("unexpected transaction: %+v", tx)
	}
	if tx.AmountMinor == nil || *tx.AmountMinor != 10050 {
		t.Fatalf("expected amount_minor 10050, got %v", tx.AmountMinor)
	}
	if len(res.Movements[0].Sides) != ledger.NumSides {
		t.Fatalf("expected %d sides, got %d", ledger.NumSides, len(res.Movements[0].Sides))
	}

	got := pairBalances(t, h, shop, "current_account")
	if len(got.Items) != 1 {
		t.Fatalf("expected 1 balance, got %d", len(got.Items))
	}
	if got.Items[0].Amount != "100.5" || got.Items[0].Counterparty != bank.ID || got.Items[0].Date != "2024-05-10" {
		t.Fatalf("unexpected receiver balance: %+v", got.Items[0])
	}
	got = pairBalances(t, h, bank, "current_account")
	if got.Items[0].Amount != "-100.5" || got.Items[0].Counterparty != shop.ID {
		t.Fatalf("unexpected sender balance: %+v", got.Items[0])
	}

	// nothing yet on cash
	if got = pairBalances(t, h, shop, "cash"); len(got.Items) != 0 {
		t.Fatalf("expected no cash balances before confirmation, got %d", len(got.Items))
	}

	rr := do(t, h, http.MethodGet, "/v1/balances?type=1&entity_id="+strconv.FormatInt(shop.ID, 10)+"&as_of=2024-05-09", nil)
	var before balanceResp
	decode(t, rr, &before)
	if len(before.Items) != 0 {
		t.Fatalf("expected no balances before the operation date, got %d", len(before.Items))
	}

	rr = do(t, h, http.MethodGet, "/v1/operations/"+res.OperationID+"/transactions", nil)
	var list struct {
		Items []txResp `json:"items"`
	}
	decode(t, rr, &list)
	if rr.Code != http.StatusOK || len(list.Items) != 1 || list.Items[0].ID != tx.ID {
		t.Fatalf("unexpected operation listing %d: %s", rr.Code, rr.Body.String())
	}
}

func TestOperations_ValidationErrors(t *testing.T) {
	h, bank, shop := setup(t)
	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"same entity", operationBody(bank.ID, bank.ID, "10"), http.StatusBadRequest},
		{"zero amount", operationBody(bank.ID, shop.ID, "0"), http.StatusBadRequest},
		{"too many decimals", operationBody(bank.ID, shop.ID, "1.001"), http.StatusBadRequest},
		{"unknown entity", operationBody(bank.ID, 999, "10"), http.StatusUnprocessableEntity},
		{"no lines", map[string]any{"date": "2024-05-10T12:00:00Z", "transactions": []any{}}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := do(t, h, http.MethodPost, "/v1/operations", tc.body)
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rr.Code, rr.Body.String())
			}
		})
	}
	// a failed upload leaves no balances behind
	if got := pairBalances(t, h, bank, "current_account"); len(got.Items) != 0 {
		t.Fatalf("expected no balances, got %d", len(got.Items))
	}
}

func TestTransactions_ConfirmThenCancel(t *testing.T) {
	h, bank, shop := setup(t)
	tx := upload(t, h, bank, shop, "40").Transactions[0]

	rr := do(t, h, http.MethodPost, "/v1/transactions/"+tx.ID+"/confirm", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("confirm: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var confirmed lifecycleResp
	decode(t, rr, &confirmed)
	if confirmed.Transactions[0].Status != "confirmed" || len(confirmed.Movements) != 1 || confirmed.Movements[0].Type != "confirmation" {
		t.Fatalf("unexpected confirm result: %s", rr.Body.String())
	}
	if got := pairBalances(t, h, shop, "cash"); len(got.Items) != 1 || got.Items[0].Amount != "40" {
		t.Fatalf("unexpected cash balance after confirm: %+v", got.Items)
	}

	if rr = do(t, h, http.MethodPost, "/v1/transactions/"+tx.ID+"/confirm", nil); rr.Code != http.StatusConflict {
		t.Fatalf("second confirm: expected 409, got %d", rr.Code)
	}

	rr = do(t, h, http.MethodPost, "/v1/transactions/"+tx.ID+"/cancel", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := pairBalances(t, h, shop, "cash"); got.Items[0].Amount != "0" {
		t.Fatalf("expected cash to net to zero, got %s", got.Items[0].Amount)
	}
	if got := pairBalances(t, h, shop, "current_account"); got.Items[0].Amount != "0" {
		t.Fatalf("expected current account to net to zero, got %s", got.Items[0].Amount)
	}

	rr = do(t, h, http.MethodGet, "/v1/transactions/"+tx.ID, nil)
	var final txResp
	decode(t, rr, &final)
	if final.Status != "cancelled" {
		t.Fatalf("expected cancelled, got %s", final.Status)
	}
	if rr = do(t, h, http.MethodPost, "/v1/transactions/"+tx.ID+"/cancel", nil); rr.Code != http.StatusConflict {
		t.Fatalf("second cancel: expected 409, got %d", rr.Code)
	}
}

func TestTransactions_NotFoundAndBadID(t *testing.T) {
	h, _, _ := setup(t)
	if rr := do(t, h, http.MethodGet, "/v1/transactions/not-a-uuid", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/v1/transactions/6f1c6c2e-6a57-4d8a-9a51-1f2b9c3d4e5f/confirm", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestMovements_Paging(t *testing.T) {
	h, bank, shop := setup(t)
	for _, amt := range []string{"10", "20", "30"} {
		upload(t, h, bank, shop, amt)
	}
	path := "/v1/movements?type=2&entity_id=" + strconv.FormatInt(shop.ID, 10) + "&page_size=2"
	rr := do(t, h, http.MethodGet, path, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var first movementsResp
	decode(t, rr, &first)
	if first.Total != 3 || len(first.Items) != 2 || first.PageSize != 2 {
		t.Fatalf("unexpected first page: %+v", first)
	}
	if first.Items[0].Side != "2b" || first.Items[0].Balance != "10" || first.Items[1].Balance != "30" {
		t.Fatalf("unexpected running balances: %+v", first.Items)
	}

	rr = do(t, h, http.MethodGet, path+"&page=2", nil)
	var second movementsResp
	decode(t, rr, &second)
	if len(second.Items) != 1 || second.Items[0].Balance != "60" {
		t.Fatalf("unexpected second page: %+v", second)
	}
}

func TestBalanceQuery_Validation(t *testing.T) {
	h, bank, _ := setup(t)
	id := strconv.FormatInt(bank.ID, 10)
	for _, path := range []string{
		"/v1/balances?entity_id=" + id,
		"/v1/balances?type=9&entity_id=" + id,
		"/v1/balances?type=4&entity_id=" + id,
		"/v1/balances?type=1&tag=bank",
		"/v1/balances?type=1&entity_id=" + id + "&account=savings",
		"/v1/balances?type=1&entity_id=" + id + "&as_of=yesterday",
		"/v1/movements?type=1&entity_id=" + id + "&page_size=500",
		"/v1/movements?type=1&entity_id=" + id + "&page=0",
		"/v1/movements?type=2&entity_id=" + id + "&page_size=200&page=46116860184273890",
		"/v1/movements?type=2&entity_id=" + id + "&page_size=1&page=9223372036854775807",
		"/v1/movements?type=1&entity_id=" + id + "&from=2024-05-10&to=2024-05-01",
	} {
		if rr := do(t, h, http.MethodGet, path, nil); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, rr.Code)
		}
	}
}

func TestMovements_LastValidPageIsEmpty(t *testing.T) {
	h, bank, shop := setup(t)
	upload(t, h, bank, shop, "10")
	path := "/v1/movements?type=2&entity_id=" + strconv.FormatInt(shop.ID, 10) + "&page_size=200&page=" + strconv.Itoa(balance.MaxPage(200))
	rr := do(t, h, http.MethodGet, path, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var got movementsResp
	decode(t, rr, &got)
	if got.Total != 1 || len(got.Items) != 0 {
		t.Fatalf("unexpected page: %+v", got)
	}
}

func TestOperations_LockTimeoutIsRetryable(t *testing.T) {
	locker := lock.NewLocal()
	_, h := newHandler(t, locker)
	bank := createEntity(t, h, "Central Bank", "bank")
	shop := createEntity(t, h, "Maika Store", "Maika")

	held, err := locker.Acquire(context.Background(), movement.DefaultLockKey, time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	rr := do(t, h, http.MethodPost, "/v1/operations", operationBody(bank.ID, shop.ID, "5"))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	var er errResp
	decode(t, rr, &er)
	if er.Code != "lock_timeout" {
		t.Fatalf("expected lock_timeout, got %q", er.Code)
	}

	_ = locker.Release(context.Background(), held)
	if rr = do(t, h, http.MethodPost, "/v1/operations", operationBody(bank.ID, shop.ID, "5")); rr.Code != http.StatusCreated {
		t.Fatalf("after release: expected 201, got %d", rr.Code)
	}
}

func TestRequestLog_LockTimeoutCarriesRouteAndRetryAfter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	store := memory.New()
	locker := lock.NewLocal()
	mu := lock.NewMutex(locker, lock.Policy{MaxAttempts: 1, MinDelay: time.Millisecond, MaxDelay: time.Millisecond, TTL: time.Minute}, logger)
	eng := movement.New(mu, movement.Options{Logger: logger})
	h := New(entity.New(store, store), transfer.New(store, eng), balance.New(store, time.UTC), logger, Options{Ready: store}).Handler()
	bank := createEntity(t, h, "Central Bank", "bank")
	shop := createEntity(t, h, "Maika Store", "Maika")

	if _, err := locker.Acquire(context.Background(), movement.DefaultLockKey, time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	buf.Reset()
	if rr := do(t, h, http.MethodPost, "/v1/operations", operationBody(bank.ID, shop.ID, "5")); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	out := buf.String()
	for _, want := range []string{"level=WARN", "route=/v1/operations", "status=503", "retry_after=2"} {
		if !strings.Contains(out, want) {
			t.Fatalf("request log missing %q:\n%s", want, out)
		}
	}
}

func TestServiceErr_InvariantWinsOverCause(t *testing.T) {
	s := New(nil, nil, nil, testLogger(), Options{})
	err := fmt.Errorf("cancel: %w", &errs.InvariantError{Op: "reverse", Side: "1", Detail: "missing balance", Err: errs.ErrNotFound})
	rr := httptest.NewRecorder()
	s.writeServiceErr(rr, httptest.NewRequest(http.MethodPost, "/v1/transactions/x/cancel", nil), err)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	var er errResp
	decode(t, rr, &er)
	if er.Code != "internal" || strings.Contains(er.Error, "missing balance") {
		t.Fatalf("internal detail leaked: %+v", er)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h, _, _ := setup(t)
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		if rr := do(t, h, http.MethodGet, path, nil); rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rr.Code)
		}
	}
}
