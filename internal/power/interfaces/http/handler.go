package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/corybantes/smart-distribution-board/internal/audit"
	"github.com/corybantes/smart-distribution-board/internal/auth"
	billing "github.com/corybantes/smart-distribution-board/internal/billing/domain"
	powerapp "github.com/corybantes/smart-distribution-board/internal/power/application"
	power "github.com/corybantes/smart-distribution-board/internal/power/domain"
)

const maxControlBody = 16 << 10

// Handler provides manual outlet control endpoints.
type Handler struct {
	controller  *powerapp.Controller
	auditLogger audit.Logger
	logger      *zap.Logger
}

// NewHandler constructs a handler. auditLogger is optional.
func NewHandler(controller *powerapp.Controller, auditLogger audit.Logger, logger *zap.Logger) (*Handler, error) {
	if controller == nil {
		return nil, errors.New("outlet handler: nil controller")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{controller: controller, auditLogger: auditLogger, logger: logger}, nil
}

type controlRequest struct {
	BoardID string `json:"board_id"`
	Outlet  int    `json:"outlet"`
	Action  string `json:"action"`
}

type stateResponse struct {
	BoardID       string    `json:"board_id"`
	Outlet        string    `json:"outlet"`
	State         string    `json:"state"`
	Delivered     bool      `json:"delivered"`
	Changed       bool      `json:"changed,omitempty"`
	Attempts      int       `json:"attempts,omitempty"`
	LastAppliedAt time.Time `json:"last_applied_at"`
}

// ServeHTTP handles POST /api/v1/outlets/control and GET /api/v1/outlets/state.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/v1/outlets/control":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleControl(w, r)
	case "/api/v1/outlets/state":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleState(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleControl(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxControlBody))
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

	var req controlRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	outlet, err := billing.NewOutletRef(req.BoardID, req.Outlet)
	if err != nil {
		http.Error(w, "board_id and outlet are required", http.StatusBadRequest)
		return
	}
	state, err := power.ParseState(req.Action)
	if err != nil {
		http.Error(w, "action must be ON or OFF", http.StatusBadRequest)
		return
	}

	actor := auth.SubjectFromContext(r.Context())
	transition, err := h.controller.Override(r.Context(), outlet, state, actor)
	if err != nil && !errors.Is(err, power.ErrDeliveryFailed) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.logAudit(r, outlet, state, err == nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stateResponse{
		BoardID:       outlet.BoardID,
		Outlet:        outlet.Label(),
		State:         string(transition.Current),
		Delivered:     transition.Delivered,
		Changed:       transition.Changed,
		LastAppliedAt: transition.AppliedAt,
	})
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.URL.Query().Get("outlet"))
	if err != nil {
		http.Error(w, "outlet must be an integer", http.StatusBadRequest)
		return
	}
	outlet, err := billing.NewOutletRef(r.URL.Query().Get("board_id"), index)
	if err != nil {
		http.Error(w, "board_id and outlet are required", http.StatusBadRequest)
		return
	}
	current, err := h.controller.Current(r.Context(), outlet)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if current == nil {
		http.Error(w, "outlet never commanded", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stateResponse{
		BoardID:       outlet.BoardID,
		Outlet:        outlet.Label(),
		State:         string(current.Desired),
		Delivered:     current.Delivered,
		Attempts:      current.Attempts,
		LastAppliedAt: current.LastAppliedAt,
	})
}

func (h *Handler) logAudit(r *http.Request, outlet billing.OutletRef, state power.State, delivered bool) {
	if h.auditLogger == nil {
		return
	}
	meta, _ := json.Marshal(map[string]any{
		"state":     string(state),
		"delivered": delivered,
	})
	if err := h.auditLogger.Log(r.Context(), audit.Entry{
		TenantID:     auth.IdentityFromContext(r.Context()).TenantID,
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       audit.ActionPowerOverride,
		ResourceType: "outlet",
		ResourceID:   outlet.String(),
		Metadata:     meta,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	}); err != nil {
		h.logger.Warn("audit log failed", zap.String("action", audit.ActionPowerOverride), zap.Error(err))
	}
}
