package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/abkawan/ledger-engine/internal/ledger"
	"github.com/abkawan/ledger-engine/internal/models"
	"github.com/abkawan/ledger-engine/internal/service"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Handler is for handling api requests
type Handler struct {
	engine         *ledger.Engine
	accountService *service.AccountService
	audit          service.AuditReader
	logger         *zap.Logger
}

// NewHandler wires the REST adapter. audit may be nil when no mirror is
// configured; the audit routes are then not registered.
func NewHandler(engine *ledger.Engine, accountService *service.AccountService, audit service.AuditReader, logger *zap.Logger) *Handler {
	return &Handler{
		engine:         engine,
		accountService: accountService,
		audit:          audit,
		logger:         logger.With(zap.String("component", "http")),
	}
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "BAD_REQUEST", Message: "invalid request payload"})
		return false
	}
	return true
}

// account creation
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req models.CreateAccountRequest
	if !decode(w, r, &req) {
		return
	}

	account, err := h.accountService.CreateAccount(r.Context(), req.AccountType)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, models.NewAccountResponse(account))
}

// handles account retrieval
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.accountService.GetAccount(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, models.NewAccountResponse(account))
}

func (h *Handler) GetAccountByNumber(w http.ResponseWriter, r *http.Request) {
	account, err := h.accountService.GetAccountByNumber(r.Context(), mux.Vars(r)["number"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, models.NewAccountResponse(account))
}

func (h *Handler) SuspendAccount(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.accountService.Suspend)
}

func (h *Handler) ActivateAccount(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.accountService.Activate)
}

func (h *Handler) CloseAccount(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.accountService.Close)
}

func (h *Handler) changeStatus(w http.ResponseWriter, r *http.Request, change func(ctx context.Context, id string) (*models.Account, error)) {
	account, err := change(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, models.NewAccountResponse(account))
}

func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.accountService.DeleteAccount(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req models.AmountRequest
	if !decode(w, r, &req) {
		return
	}
	tx, err := h.engine.Deposit(r.Context(), req.AccountID, req.Amount, req.Description)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, models.NewTransactionResponse(tx))
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req models.AmountRequest
	if !decode(w, r, &req) {
		return
	}
	tx, err := h.engine.Withdraw(r.Context(), req.AccountID, req.Amount, req.Description)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, models.NewTransactionResponse(tx))
}

func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req models.TransferRequest
	if !decode(w, r, &req) {
		return
	}
	tx, err := h.engine.Transfer(r.Context(), req.FromAccountID, req.ToAccountID, req.Amount, req.Description)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, models.NewTransactionResponse(tx))
}

func (h *Handler) CancelTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.engine.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, models.NewTransactionResponse(tx))
}

// GetTransaction handles transaction retrieval
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.engine.GetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, models.NewTransactionResponse(tx))
}

func (h *Handler) GetTransactionByReference(w http.ResponseWriter, r *http.Request) {
	tx, err := h.engine.GetByReference(r.Context(), mux.Vars(r)["reference"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, models.NewTransactionResponse(tx))
}

// GetTransactions lists an account's history, newest first. Query
// parameters: type, status, from, to (RFC 3339 or YYYY-MM-DD), limit, offset.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r, h.engine.Location())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	filter.AccountID = mux.Vars(r)["accountId"]

	if _, err := h.accountService.GetAccount(r.Context(), filter.AccountID); err != nil {
		h.respondError(w, r, err)
		return
	}

	txs, err := h.engine.List(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, transactionList(txs))
}

// ListTransactions lists history across all accounts, newest first. It takes
// the same query parameters as GetTransactions plus an optional account_id.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r, h.engine.Location())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	filter.AccountID = r.URL.Query().Get("account_id")

	txs, err := h.engine.List(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, transactionList(txs))
}

func (h *Handler) GetLimits(w http.ResponseWriter, r *http.Request) {
	limits := h.engine.GetLimits()
	respondJSON(w, http.StatusOK, map[string]string{
		"daily_withdrawal_limit": limits.DailyWithdrawalLimit.StringFixed(2),
		"daily_transfer_limit":   limits.DailyTransferLimit.StringFixed(2),
		"max_single_transaction": limits.MaxSingleTransaction.StringFixed(2),
		"min_transaction_amount": limits.MinTransactionAmount.StringFixed(2),
	})
}

func (h *Handler) GetAuditHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePage(r)
	txs, err := h.audit.FindByAccount(r.Context(), mux.Vars(r)["accountId"], limit, offset)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, transactionList(txs))
}

func (h *Handler) GetAuditRecord(w http.ResponseWriter, r *http.Request) {
	tx, err := h.audit.GetByReference(r.Context(), mux.Vars(r)["reference"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, models.NewTransactionResponse(tx))
}

// handles health check
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sets up the API routes
func SetupRoutes(r *mux.Router, h *Handler) {
	r.Use(middleware.RequestID, middleware.Recoverer, h.logRequests)

	// Health check (check if API is working)
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.HandleFunc("/limits", h.GetLimits).Methods("GET")

	// Account routes
	r.HandleFunc("/accounts", h.CreateAccount).Methods("POST")
	r.HandleFunc("/accounts/number/{number}", h.GetAccountByNumber).Methods("GET")
	r.HandleFunc("/accounts/{id}", h.GetAccount).Methods("GET")
	r.HandleFunc("/accounts/{id}", h.DeleteAccount).Methods("DELETE")
	r.HandleFunc("/accounts/{id}/suspend", h.SuspendAccount).Methods("POST")
	r.HandleFunc("/accounts/{id}/activate", h.ActivateAccount).Methods("POST")
	r.HandleFunc("/accounts/{id}/close", h.CloseAccount).Methods("POST")
	r.HandleFunc("/accounts/{accountId}/transactions", h.GetTransactions).Methods("GET")

	// Transaction routes
	r.HandleFunc("/transactions", h.ListTransactions).Methods("GET")
	r.HandleFunc("/transactions/deposit", h.Deposit).Methods("POST")
	r.HandleFunc("/transactions/withdraw", h.Withdraw).Methods("POST")
	r.HandleFunc("/transactions/transfer", h.Transfer).Methods("POST")
	r.HandleFunc("/transactions/reference/{reference}", h.GetTransactionByReference).Methods("GET")
	r.HandleFunc("/transactions/{id}", h.GetTransaction).Methods("GET")
	r.HandleFunc("/transactions/{id}/cancel", h.CancelTransaction).Methods("POST")

	if h.audit != nil {
		r.HandleFunc("/audit/accounts/{accountId}/transactions", h.GetAuditHistory).Methods("GET")
		r.HandleFunc("/audit/transactions/{reference}", h.GetAuditRecord).Methods("GET")
	}
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Info("Request served",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

func transactionList(txs []*models.Transaction) []models.TransactionResponse {
	response := make([]models.TransactionResponse, 0, len(txs))
	for _, tx := range txs {
		response = append(response, models.NewTransactionResponse(tx))
	}
	return response
}

func parsePage(r *http.Request) (limit, offset int) {
	limit = defaultPageSize
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, maxPageSize)
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}

func parseFilter(r *http.Request, loc *time.Location) (models.TransactionFilter, error) {
	q := r.URL.Query()
	var filter models.TransactionFilter
	filter.Limit, filter.Offset = parsePage(r)

	if v := q.Get("type"); v != "" {
		t := models.TransactionType(v)
		if t != models.Deposit && t != models.Withdrawal && t != models.Transfer {
			return filter, ledger.NewError(ledger.KindInvalidOperation, "unknown transaction type %q", v)
		}
		filter.Type = t
	}
	if v := q.Get("status"); v != "" {
		s := models.TransactionStatus(v)
		if s != models.Pending && s != models.Completed && s != models.Cancelled {
			return filter, ledger.NewError(ledger.KindInvalidOperation, "unknown transaction status %q", v)
		}
		filter.Status = s
	}

	var err error
	if filter.From, err = parseTime(q.Get("from"), false, loc); err != nil {
		return filter, err
	}
	if filter.To, err = parseTime(q.Get("to"), true, loc); err != nil {
		return filter, err
	}
	return filter, nil
}

// parseTime accepts RFC 3339 or a bare date. A bare date starts at midnight
// in loc, the zone daily limits are counted in, and as an upper bound it
// includes the whole day.
func parseTime(v string, upper bool, loc *time.Location) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, v, loc)
	if err != nil {
		return time.Time{}, ledger.NewError(ledger.KindInvalidOperation, "invalid date %q", v)
	}
	if upper {
		t = t.AddDate(0, 0, 1)
	}
	return t, nil
}
