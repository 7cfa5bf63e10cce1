package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/corybantes/smart-distribution-board/internal/audit"
	"github.com/corybantes/smart-distribution-board/internal/auth"
	billingapp "github.com/corybantes/smart-distribution-board/internal/billing/application"
)

// TriggerHandler runs a reconciliation pass on demand for an external scheduler.
type TriggerHandler struct {
	runner      billingapp.PassRunner
	verifier    *auth.TriggerVerifier
	auditLogger audit.Logger
	logger      *zap.Logger
}

// NewTriggerHandler constructs a handler. auditLogger is optional.
func NewTriggerHandler(runner billingapp.PassRunner, verifier *auth.TriggerVerifier, auditLogger audit.Logger, logger *zap.Logger) (*TriggerHandler, error) {
	if runner == nil {
		return nil, errors.New("trigger handler: nil runner")
	}
	if verifier == nil {
		return nil, errors.New("trigger handler: nil verifier")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TriggerHandler{runner: runner, verifier: verifier, auditLogger: auditLogger, logger: logger}, nil
}

// ServeHTTP handles POST/GET /api/v1/billing/run.
func (h *TriggerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := h.verifier.Verify(r); err != nil {
		h.logger.Warn("billing trigger rejected", zap.String("ip", audit.ClientIP(r)), zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	report, err := h.runner.RunPass(r.Context())
	if err != nil {
		h.logger.Error("triggered pass failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)

	h.logAudit(r, report)
}

func (h *TriggerHandler) logAudit(r *http.Request, report *billingapp.PassReport) {
	if h.auditLogger == nil || report == nil {
		return
	}
	meta, _ := json.Marshal(map[string]any{
		"billed":  report.Billed,
		"skipped": report.Skipped,
		"failed":  report.Failed,
	})
	if err := h.auditLogger.Log(r.Context(), audit.Entry{
		Actor:        "trigger",
		Action:       audit.ActionBillingRun,
		ResourceType: "billing_pass",
		ResourceID:   report.StartedAt.UTC().Format(timeLayout),
		Metadata:     meta,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	}); err != nil {
		h.logger.Warn("audit log failed", zap.String("action", audit.ActionBillingRun), zap.Error(err))
	}
}
