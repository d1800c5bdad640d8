package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"go.uber.org/zap"

	"github.com/cloudx-io/openescrow/auction"
	"github.com/cloudx-io/openescrow/escrowapi"
)

const testOperator = "operator"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testServer struct {
	server *httptest.Server
	clock  *fakeClock
	bank   *auction.MemoryBank
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	bank := auction.NewMemoryBank()
	hub := NewHub(zap.NewNop())
	a, err := auction.New(auction.Config{
		Operator:      testOperator,
		StartingPrice: 1_000_000,
		Duration:      time.Hour,
		Bank:          bank,
		Sink:          hub,
		Clock:         clock.Now,
	})
	assert.Nil(t, err)

	handler := NewHandler(a, hub, zap.NewNop())
	srv := httptest.NewServer(handler.Routes())
	t.Cleanup(srv.Close)
	return &testServer{server: srv, clock: clock, bank: bank}
}

func (ts *testServer) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	assert.Nil(t, err)
	resp, err := http.Post(ts.server.URL+path, "application/json", bytes.NewReader(payload))
	assert.Nil(t, err)
	return resp
}

func (ts *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.server.URL + path)
	assert.Nil(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	assert.Nil(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (ts *testServer) startAuction(t *testing.T) {
	t.Helper()
	resp := ts.post(t, "/api/v1/auction/start", escrowapi.OperatorRequest{Caller: testOperator})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.get(t, "/health")
	check.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	check.Equal(t, "healthy", body["status"])
}

func TestStart_UnauthorizedCaller(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.post(t, "/api/v1/auction/start", escrowapi.OperatorRequest{Caller: "mallory"})
	check.Equal(t, http.StatusForbidden, resp.StatusCode)
	body := decodeBody[escrowapi.ErrorResponse](t, resp)
	check.Equal(t, "unauthorized", body.Reason)
}

func TestPlaceBid_FlowAndValidation(t *testing.T) {
	ts := newTestServer(t)
	ts.startAuction(t)

	resp := ts.post(t, "/api/v1/auction/bids", escrowapi.BidRequest{
		Bidder: "alice", Amount: "1050000",
	})
	check.Equal(t, http.StatusCreated, resp.StatusCode)
	bid := decodeBody[escrowapi.BidResponse](t, resp)
	check.True(t, bid.Accepted)
	check.Equal(t, "1050000", bid.HighBid)
	check.Equal(t, "1102500", bid.NextMinimumBid)

	// Below the 5% increment minimum.
	resp = ts.post(t, "/api/v1/auction/bids", escrowapi.BidRequest{
		Bidder: "bob", Amount: "1102499", Deposit: "1200000",
	})
	check.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	errBody := decodeBody[escrowapi.ErrorResponse](t, resp)
	check.Equal(t, "bid_too_low", errBody.Reason)

	// Operator identity is never a bidder.
	resp = ts.post(t, "/api/v1/auction/bids", escrowapi.BidRequest{
		Bidder: testOperator, Amount: "2000000",
	})
	check.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// Malformed amount.
	resp = ts.post(t, "/api/v1/auction/bids", escrowapi.BidRequest{
		Bidder: "carol", Amount: "1.5",
	})
	check.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestState_ReflectsLifecycle(t *testing.T) {
	ts := newTestServer(t)

	state := decodeBody[escrowapi.StateResponse](t, ts.get(t, "/api/v1/auction"))
	check.Equal(t, "pending", state.Phase)
	check.Equal(t, "1000000", state.NextMinimumBid)

	ts.startAuction(t)
	ts.clock.Advance(2 * time.Hour)

	state = decodeBody[escrowapi.StateResponse](t, ts.get(t, "/api/v1/auction"))
	check.Equal(t, "ended", state.Phase)
}

func TestWinner_InvalidPhaseBeforeEnd(t *testing.T) {
	ts := newTestServer(t)
	ts.startAuction(t)

	resp := ts.get(t, "/api/v1/auction/winner")
	check.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decodeBody[escrowapi.ErrorResponse](t, resp)
	check.Equal(t, "invalid_phase", body.Reason)
}

func TestSettlementOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ts.startAuction(t)

	resp := ts.post(t, "/api/v1/auction/bids", escrowapi.BidRequest{Bidder: "bidder_a", Amount: "1050000"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()
	resp = ts.post(t, "/api/v1/auction/bids", escrowapi.BidRequest{Bidder: "bidder_b", Amount: "1102500", Deposit: "1200000"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	ts.clock.Advance(2 * time.Hour)

	winner := decodeBody[escrowapi.WinnerResponse](t, ts.get(t, "/api/v1/auction/winner"))
	check.Equal(t, "bidder_b", winner.Bidder)
	check.Equal(t, "1102500", winner.Amount)

	resp = ts.post(t, "/api/v1/auction/finalize", escrowapi.OperatorRequest{Caller: testOperator})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	paid := decodeBody[escrowapi.WithdrawResponse](t, ts.post(t, "/api/v1/auction/withdrawals/winning-bid", escrowapi.OperatorRequest{Caller: testOperator}))
	check.Equal(t, "1102500", paid.Amount)

	dist := decodeBody[escrowapi.DistributionResponse](t, ts.post(t, "/api/v1/auction/distribute", escrowapi.OperatorRequest{Caller: testOperator}))
	check.Equal(t, 2, dist.Settled)
	check.Equal(t, "22950", dist.Commission)

	commission := decodeBody[escrowapi.WithdrawResponse](t, ts.post(t, "/api/v1/auction/withdrawals/commission", escrowapi.OperatorRequest{Caller: testOperator}))
	check.Equal(t, "22950", commission.Amount)

	check.Equal(t, uint64(1_029_000), ts.bank.Balance("bidder_a"))
	check.Equal(t, uint64(95_550), ts.bank.Balance("bidder_b"))

	// Second winning-bid withdrawal hits the one-shot guard.
	resp = ts.post(t, "/api/v1/auction/withdrawals/winning-bid", escrowapi.OperatorRequest{Caller: testOperator})
	check.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decodeBody[escrowapi.ErrorResponse](t, resp)
	check.Equal(t, "already_settled", body.Reason)
}

func TestBidHistoryEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.startAuction(t)

	for i, amount := range []string{"1000000", "1050000", "1102500"} {
		resp := ts.post(t, "/api/v1/auction/bids", escrowapi.BidRequest{
			Bidder: fmt.Sprintf("bidder_%d", i), Amount: amount,
		})
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}

	history := decodeBody[[]escrowapi.BidHistoryEntry](t, ts.get(t, "/api/v1/auction/bids"))
	assert.Equal(t, 3, len(history))
	check.Equal(t, "bidder_0", history[0].Bidder)
	check.Equal(t, "1102500", history[2].Amount)
	check.True(t, history[0].ID != "")
}

func TestHub_FanOutAndSlowSubscriber(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ch := hub.subscribe()
	defer hub.unsubscribe(ch)

	hub.Publish(auction.Event{ID: "e1", Type: auction.EventBidAccepted, Actor: "alice", Amount: 42})

	msg := <-ch
	check.Equal(t, "e1", msg.ID)
	check.Equal(t, string(auction.EventBidAccepted), msg.Type)
	check.Equal(t, "42", msg.Amount)

	// Overfill the buffer; Publish must not block.
	for i := 0; i < subscriberBuffer+10; i++ {
		hub.Publish(auction.Event{ID: fmt.Sprintf("e%d", i)})
	}
}
