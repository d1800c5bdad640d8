// Package gateway exposes the auction controller over HTTP. Every endpoint
// maps 1:1 onto a controller operation; the caller identity travels in the
// request body, and rejected calls surface the controller's error taxonomy as
// HTTP statuses.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cloudx-io/openescrow/auction"
	"github.com/cloudx-io/openescrow/escrowapi"
	"github.com/cloudx-io/openescrow/ledger"
)

// Handler holds the HTTP surface of one auction.
type Handler struct {
	auction *auction.Auction
	hub     *Hub
	log     *zap.Logger
}

// NewHandler creates the HTTP handler set.
func NewHandler(a *auction.Auction, hub *Hub, log *zap.Logger) *Handler {
	return &Handler{auction: a, hub: hub, log: log}
}

// Routes configures all HTTP routes.
func (h *Handler) Routes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", h.health).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1/auction").Subrouter()
	api.HandleFunc("", h.state).Methods(http.MethodGet)
	api.HandleFunc("/start", h.start).Methods(http.MethodPost)
	api.HandleFunc("/bids", h.placeBid).Methods(http.MethodPost)
	api.HandleFunc("/bids", h.bidHistory).Methods(http.MethodGet)
	api.HandleFunc("/next-minimum-bid", h.nextMinimumBid).Methods(http.MethodGet)
	api.HandleFunc("/winner", h.winner).Methods(http.MethodGet)
	api.HandleFunc("/finalize", h.finalize).Methods(http.MethodPost)
	api.HandleFunc("/force-finalize", h.forceFinalize).Methods(http.MethodPost)
	api.HandleFunc("/distribute", h.distribute).Methods(http.MethodPost)
	api.HandleFunc("/withdrawals/excess", h.withdrawExcess).Methods(http.MethodPost)
	api.HandleFunc("/withdrawals/winning-bid", h.withdrawWinningBid).Methods(http.MethodPost)
	api.HandleFunc("/withdrawals/commission", h.withdrawCommission).Methods(http.MethodPost)
	api.HandleFunc("/withdrawals/sweep", h.withdrawAll).Methods(http.MethodPost)

	if h.hub != nil {
		router.HandleFunc("/ws/events", h.hub.ServeWS).Methods(http.MethodGet)
	}

	router.Use(h.loggingMiddleware)
	return router
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "escrowd",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	var req escrowapi.OperatorRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.auction.Start(req.Caller); err != nil {
		h.respondError(w, err)
		return
	}
	h.respondState(w, http.StatusOK)
}

func (h *Handler) placeBid(w http.ResponseWriter, r *http.Request) {
	var req escrowapi.BidRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Bidder == "" {
		respondBadRequest(w, "bidder is required")
		return
	}
	amount, err := escrowapi.ParseAmount(req.Amount)
	if err != nil {
		respondBadRequest(w, err.Error())
		return
	}
	deposit := amount
	if req.Deposit != "" {
		if deposit, err = escrowapi.ParseAmount(req.Deposit); err != nil {
			respondBadRequest(w, err.Error())
			return
		}
	}

	if err := h.auction.PlaceBid(req.Bidder, amount, deposit); err != nil {
		bidsRejected.Inc()
		h.respondError(w, err)
		return
	}
	bidsAccepted.Inc()
	highBidValue.Set(float64(amount))

	state := h.auction.State()
	respondJSON(w, http.StatusCreated, escrowapi.BidResponse{
		Accepted:       true,
		HighBid:        escrowapi.FormatAmount(state.HighBid),
		NextMinimumBid: escrowapi.FormatAmount(state.NextMinimumBid),
		EndTime:        state.EndTime.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) withdrawExcess(w http.ResponseWriter, r *http.Request) {
	var req escrowapi.WithdrawRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Caller == "" {
		respondBadRequest(w, "caller is required")
		return
	}

	// With no amount the full excess is withdrawn; with one, that part of it.
	if req.Amount == "" {
		amount, err := h.auction.WithdrawExcess(r.Context(), req.Caller)
		if err != nil {
			h.respondError(w, err)
			return
		}
		withdrawals.WithLabelValues("excess").Inc()
		respondJSON(w, http.StatusOK, escrowapi.WithdrawResponse{Amount: escrowapi.FormatAmount(amount)})
		return
	}

	amount, err := escrowapi.ParseAmount(req.Amount)
	if err != nil {
		respondBadRequest(w, err.Error())
		return
	}
	if err := h.auction.WithdrawPartialExcess(r.Context(), req.Caller, amount); err != nil {
		h.respondError(w, err)
		return
	}
	withdrawals.WithLabelValues("excess").Inc()
	respondJSON(w, http.StatusOK, escrowapi.WithdrawResponse{Amount: escrowapi.FormatAmount(amount)})
}

func (h *Handler) finalize(w http.ResponseWriter, r *http.Request) {
	var req escrowapi.OperatorRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.auction.Finalize(req.Caller); err != nil {
		h.respondError(w, err)
		return
	}
	h.respondState(w, http.StatusOK)
}

func (h *Handler) forceFinalize(w http.ResponseWriter, r *http.Request) {
	var req escrowapi.OperatorRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.auction.ForceFinalize(req.Caller); err != nil {
		h.respondError(w, err)
		return
	}
	h.respondState(w, http.StatusOK)
}

func (h *Handler) distribute(w http.ResponseWriter, r *http.Request) {
	var req escrowapi.OperatorRequest
	if !h.decode(w, r, &req) {
		return
	}
	report, err := h.auction.DistributeRemainingFunds(r.Context(), req.Caller)
	if err != nil {
		h.respondError(w, err)
		return
	}
	withdrawals.WithLabelValues("distribution").Add(float64(report.Settled))

	// A partially failed batch is the operator's signal to retry.
	status := http.StatusOK
	if len(report.Failed) > 0 {
		status = http.StatusMultiStatus
	}
	respondJSON(w, status, escrowapi.DistributionResponse{
		Settled:    report.Settled,
		TotalPaid:  escrowapi.FormatAmount(report.TotalPaid),
		Commission: escrowapi.FormatAmount(report.Commission),
		Failed:     report.Failed,
	})
}

func (h *Handler) withdrawWinningBid(w http.ResponseWriter, r *http.Request) {
	h.operatorWithdrawal(w, r, "winning_bid", h.auction.WithdrawWinningBid)
}

func (h *Handler) withdrawCommission(w http.ResponseWriter, r *http.Request) {
	h.operatorWithdrawal(w, r, "commission", h.auction.WithdrawCommissionPool)
}

func (h *Handler) withdrawAll(w http.ResponseWriter, r *http.Request) {
	h.operatorWithdrawal(w, r, "sweep", h.auction.WithdrawAllFunds)
}

func (h *Handler) operatorWithdrawal(
	w http.ResponseWriter,
	r *http.Request,
	kind string,
	op func(ctx context.Context, caller string) (uint64, error),
) {
	var req escrowapi.OperatorRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := op(r.Context(), req.Caller)
	if err != nil {
		h.respondError(w, err)
		return
	}
	withdrawals.WithLabelValues(kind).Inc()
	respondJSON(w, http.StatusOK, escrowapi.WithdrawResponse{Amount: escrowapi.FormatAmount(amount)})
}

func (h *Handler) state(w http.ResponseWriter, _ *http.Request) {
	h.respondState(w, http.StatusOK)
}

func (h *Handler) respondState(w http.ResponseWriter, status int) {
	s := h.auction.State()
	resp := escrowapi.StateResponse{
		Phase:          string(s.Phase),
		HighBid:        escrowapi.FormatAmount(s.HighBid),
		HighBidder:     s.HighBidder,
		NextMinimumBid: escrowapi.FormatAmount(s.NextMinimumBid),
		WinnerPaid:     s.WinnerPaid,
		CommissionPool: escrowapi.FormatAmount(s.CommissionPool),
		VaultBalance:   escrowapi.FormatAmount(s.VaultBalance),
		Participants:   s.Participants,
		Bids:           s.Bids,
	}
	if !s.StartTime.IsZero() {
		resp.StartTime = s.StartTime.UTC().Format(time.RFC3339)
		resp.EndTime = s.EndTime.UTC().Format(time.RFC3339)
	}
	respondJSON(w, status, resp)
}

func (h *Handler) nextMinimumBid(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"next_minimum_bid": escrowapi.FormatAmount(h.auction.NextMinimumBid()),
	})
}

func (h *Handler) winner(w http.ResponseWriter, _ *http.Request) {
	bidder, amount, err := h.auction.Winner()
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, escrowapi.WinnerResponse{
		Bidder: bidder,
		Amount: escrowapi.FormatAmount(amount),
	})
}

func (h *Handler) bidHistory(w http.ResponseWriter, _ *http.Request) {
	history := h.auction.BidHistory()
	entries := make([]escrowapi.BidHistoryEntry, len(history))
	for i, rec := range history {
		entries[i] = escrowapi.BidHistoryEntry{
			ID:     rec.ID,
			Bidder: rec.Bidder,
			Amount: escrowapi.FormatAmount(rec.Amount),
			At:     rec.At,
		}
	}
	respondJSON(w, http.StatusOK, entries)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondBadRequest(w, "invalid request body")
		return false
	}
	return true
}

// reasonCode maps an error to its taxonomy name for the wire.
func reasonCode(err error) string {
	switch {
	case errors.Is(err, auction.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, auction.ErrInvalidPhase):
		return "invalid_phase"
	case errors.Is(err, auction.ErrBidTooLow):
		return "bid_too_low"
	case errors.Is(err, auction.ErrInsufficientDeposit):
		return "insufficient_deposit"
	case errors.Is(err, auction.ErrNoExcessAvailable):
		return "no_excess_available"
	case errors.Is(err, ledger.ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, ledger.ErrAlreadySettled):
		return "already_settled"
	case errors.Is(err, auction.ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ledger.ErrNothingToWithdraw):
		return "nothing_to_withdraw"
	default:
		return "internal"
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, auction.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, auction.ErrInvalidPhase), errors.Is(err, ledger.ErrAlreadySettled):
		return http.StatusConflict
	case errors.Is(err, auction.ErrBidTooLow),
		errors.Is(err, auction.ErrInsufficientDeposit),
		errors.Is(err, auction.ErrNoExcessAvailable),
		errors.Is(err, ledger.ErrLimitExceeded),
		errors.Is(err, ledger.ErrNothingToWithdraw),
		errors.Is(err, ledger.ErrOverflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, auction.ErrTransferFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("operation failed", zap.Error(err))
	}
	respondJSON(w, status, escrowapi.ErrorResponse{
		Error:  err.Error(),
		Reason: reasonCode(err),
	})
}

func respondBadRequest(w http.ResponseWriter, msg string) {
	respondJSON(w, http.StatusBadRequest, escrowapi.ErrorResponse{Error: msg, Reason: "bad_request"})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// statusRecorder captures the response code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(started)),
		)
	})
}
