package http

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/corybantes/smart-distribution-board/internal/alerts/notify"
	"github.com/corybantes/smart-distribution-board/internal/audit"
	"github.com/corybantes/smart-distribution-board/internal/auth"
	billingapp "github.com/corybantes/smart-distribution-board/internal/billing/application"
	billing "github.com/corybantes/smart-distribution-board/internal/billing/domain"
	"github.com/corybantes/smart-distribution-board/internal/observability/metrics"
)

const (
	accountsPrefix = "/api/v1/accounts/"
	timeLayout     = time.RFC3339
	monthLayout    = "2006-01"
	maxTopUpBody   = 16 << 10
)

// NotificationFeed serves the in-app notification list of an account.
type NotificationFeed interface {
	ListByAccount(ctx context.Context, accountID string, limit int) ([]notify.Notification, error)
	MarkRead(ctx context.Context, accountID, id string) (bool, error)
}

// AccountsHandler provides wallet, ledger and statement endpoints.
type AccountsHandler struct {
	service     *billingapp.AccountService
	feed        NotificationFeed
	auditLogger audit.Logger
	logger      *zap.Logger
	now         func() time.Time
}

// NewAccountsHandler constructs a handler. feed and auditLogger are optional.
func NewAccountsHandler(service *billingapp.AccountService, feed NotificationFeed, auditLogger audit.Logger, logger *zap.Logger) (*AccountsHandler, error) {
	if service == nil {
		return nil, errors.New("accounts handler: nil service")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountsHandler{
		service:     service,
		feed:        feed,
		auditLogger: auditLogger,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// ServeHTTP handles /api/v1/accounts/{id}/... subroutes.
func (h *AccountsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, accountsPrefix) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, accountsPrefix), "/"), "/")
	if len(parts) < 2 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	accountID := parts[0]
	if !authorized(r, accountID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	route := strings.Join(parts[1:], "/")
	switch {
	case route == "balance":
		h.only(w, r, http.MethodGet, func() { h.handleBalance(w, r, accountID) })
	case route == "transactions":
		h.only(w, r, http.MethodGet, func() { h.handleTransactions(w, r, accountID) })
	case route == "transactions.csv":
		h.only(w, r, http.MethodGet, func() { h.handleTransactionsCSV(w, r, accountID) })
	case route == "topups":
		h.only(w, r, http.MethodPost, func() { h.handleTopUp(w, r, accountID) })
	case route == "statement", route == "statement.pdf", route == "statement.xlsx":
		h.only(w, r, http.MethodGet, func() { h.handleStatement(w, r, accountID, route) })
	case route == "notifications":
		h.only(w, r, http.MethodGet, func() { h.handleNotifications(w, r, accountID) })
	case len(parts) == 4 && parts[1] == "notifications" && parts[3] == "read":
		h.only(w, r, http.MethodPost, func() { h.handleMarkRead(w, r, accountID, parts[2]) })
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *AccountsHandler) only(w http.ResponseWriter, r *http.Request, method string, next func()) {
	if r.Method != method {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	next()
}

type balanceResponse struct {
	AccountID string          `json:"account_id"`
	Outlet    string          `json:"outlet"`
	Balance   decimal.Decimal `json:"balance"`
	AsOf      time.Time       `json:"as_of"`
}

func (h *AccountsHandler) handleBalance(w http.ResponseWriter, r *http.Request, accountID string) {
	account, err := h.service.Account(r.Context(), accountID)
	if err != nil {
		respondBillingError(w, err)
		return
	}
	balance, err := h.service.Balance(r.Context(), accountID)
	if err != nil {
		respondBillingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		AccountID: account.ID,
		Outlet:    account.Outlet.Label(),
		Balance:   balance,
		AsOf:      h.now(),
	})
}

type transactionDTO struct {
	ID          string          `json:"id"`
	Amount      decimal.Decimal `json:"amount"`
	EnergyDelta float64         `json:"energy_delta"`
	Kind        string          `json:"kind"`
	Status      string          `json:"status"`
	Reference   string          `json:"reference,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type transactionsResponse struct {
	AccountID string           `json:"account_id"`
	Page      int              `json:"page"`
	Limit     int              `json:"limit"`
	Total     int              `json:"total"`
	Items     []transactionDTO `json:"items"`
}

func toTransactionDTO(tx billing.Transaction) transactionDTO {
	return transactionDTO{
		ID:          tx.ID,
		Amount:      tx.Amount,
		EnergyDelta: tx.EnergyDelta,
		Kind:        string(tx.Kind),
		Status:      tx.Status,
		Reference:   tx.Reference,
		CreatedAt:   tx.CreatedAt.UTC(),
	}
}

func (h *AccountsHandler) handleTransactions(w http.ResponseWriter, r *http.Request, accountID string) {
	filter, err := parseTransactionFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	items, total, err := h.service.Transactions(r.Context(), accountID, filter)
	if err != nil {
		respondBillingError(w, err)
		return
	}
	filter = filter.Normalize()
	resp := transactionsResponse{
		AccountID: accountID,
		Page:      filter.Page,
		Limit:     filter.Limit,
		Total:     total,
		Items:     make([]transactionDTO, 0, len(items)),
	}
	for _, tx := range items {
		resp.Items = append(resp.Items, toTransactionDTO(tx))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AccountsHandler) handleTransactionsCSV(w http.ResponseWriter, r *http.Request, accountID string) {
	filter, err := parseTransactionFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	items, _, err := h.service.Transactions(r.Context(), accountID, filter)
	if err != nil {
		respondBillingError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+accountID+"-transactions.csv\"")
	writer := csv.NewWriter(w)
	_ = writer.Write([]string{"id", "created_at", "kind", "amount", "energy_delta", "status", "reference"})
	for _, tx := range items {
		_ = writer.Write([]string{
			tx.ID,
			tx.CreatedAt.UTC().Format(timeLayout),
			string(tx.Kind),
			tx.Amount.StringFixed(2),
			strconv.FormatFloat(tx.EnergyDelta, 'f', 3, 64),
			tx.Status,
			tx.Reference,
		})
	}
	writer.Flush()
}

type topUpRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

type topUpResponse struct {
	Transaction transactionDTO  `json:"transaction"`
	Balance     decimal.Decimal `json:"balance"`
}

func (h *AccountsHandler) handleTopUp(w http.ResponseWriter, r *http.Request, accountID string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTopUpBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req topUpRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	result, err := h.service.TopUp(r.Context(), billingapp.TopUpRequest{
		AccountID: accountID,
		Amount:    req.Amount,
		Reference: req.Reference,
	})
	if err != nil {
		respondBillingError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, topUpResponse{
		Transaction: toTransactionDTO(result.Transaction),
		Balance:     result.Balance,
	})

	h.logAudit(r, accountID, result)
}

func (h *AccountsHandler) handleStatement(w http.ResponseWriter, r *http.Request, accountID, route string) {
	month := h.now()
	if value := r.URL.Query().Get("month"); value != "" {
		parsed, err := time.Parse(monthLayout, value)
		if err != nil {
			http.Error(w, "month must be YYYY-MM", http.StatusBadRequest)
			return
		}
		month = parsed
	}

	stmt, err := h.service.Statement(r.Context(), accountID, month)
	if err != nil {
		respondBillingError(w, err)
		return
	}

	format := strings.TrimPrefix(strings.TrimPrefix(route, "statement"), ".")
	if format == "" {
		writeJSON(w, http.StatusOK, stmt)
		return
	}

	started := time.Now()
	var (
		data        []byte
		contentType string
	)
	switch format {
	case "pdf":
		data, err = BuildStatementPDF(stmt, h.now())
		contentType = "application/pdf"
	case "xlsx":
		data, err = BuildStatementXLSX(stmt)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	if err != nil {
		metrics.ObserveStatementExport(format, metrics.ResultError, time.Since(started))
		h.logger.Error("statement export failed",
			zap.String("account_id", accountID),
			zap.String("format", format),
			zap.Error(err),
		)
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	metrics.ObserveStatementExport(format, metrics.ResultSuccess, time.Since(started))

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename=\""+accountID+"-"+stmt.Month+"."+format+"\"")
	_, _ = w.Write(data)
}

func (h *AccountsHandler) handleNotifications(w http.ResponseWriter, r *http.Request, accountID string) {
	if h.feed == nil {
		writeJSON(w, http.StatusOK, []notify.Notification{})
		return
	}
	limit := 0
	if value := r.URL.Query().Get("limit"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	items, err := h.feed.ListByAccount(r.Context(), accountID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []notify.Notification{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *AccountsHandler) handleMarkRead(w http.ResponseWriter, r *http.Request, accountID, notificationID string) {
	if h.feed == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	ok, err := h.feed.MarkRead(r.Context(), accountID, notificationID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AccountsHandler) logAudit(r *http.Request, accountID string, result *billingapp.TopUpResult) {
	if h.auditLogger == nil || result == nil {
		return
	}
	meta, _ := json.Marshal(map[string]any{
		"amount":    result.Transaction.Amount.StringFixed(2),
		"reference": result.Transaction.Reference,
		"balance":   result.Balance.StringFixed(2),
	})
	if err := h.auditLogger.Log(r.Context(), audit.Entry{
		TenantID:     auth.IdentityFromContext(r.Context()).TenantID,
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       audit.ActionTopUp,
		ResourceType: "account",
		ResourceID:   accountID,
		Metadata:     meta,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	}); err != nil {
		h.logger.Warn("audit log failed", zap.String("action", audit.ActionTopUp), zap.Error(err))
	}
}

func parseTransactionFilter(r *http.Request) (billing.TransactionFilter, error) {
	query := r.URL.Query()
	var filter billing.TransactionFilter
	var err error
	if filter.From, err = parseTimeQuery(query.Get("from"), "from"); err != nil {
		return filter, err
	}
	if filter.To, err = parseTimeQuery(query.Get("to"), "to"); err != nil {
		return filter, err
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return filter, errors.New("to must not be before from")
	}
	if filter.Page, err = parseIntQuery(query.Get("page"), "page"); err != nil {
		return filter, err
	}
	if filter.Limit, err = parseIntQuery(query.Get("limit"), "limit"); err != nil {
		return filter, err
	}
	return filter, nil
}

func parseTimeQuery(value, name string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, errors.New(name + " must be RFC3339")
	}
	return parsed.UTC(), nil
}

func parseIntQuery(value, name string) (int, error) {
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return parsed, nil
}

// authorized enforces account scope when the auth middleware populated an identity.
func authorized(r *http.Request, accountID string) bool {
	if auth.RoleFromContext(r.Context()) == "" {
		return true
	}
	return auth.CanAccessAccount(r.Context(), accountID)
}

func respondBillingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, billing.ErrAccountNotFound):
		http.Error(w, "account not found", http.StatusNotFound)
	case errors.Is(err, billing.ErrEmptyAccountID), errors.Is(err, billing.ErrNonPositiveAmount):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
