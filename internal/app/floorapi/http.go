package floorapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/plantfloor/workboard/internal/app/activity"
	"github.com/plantfloor/workboard/internal/app/directory"
	"github.com/plantfloor/workboard/internal/app/identity"
	"github.com/plantfloor/workboard/internal/app/workforce"
	platformauth "github.com/plantfloor/workboard/internal/platform/auth"
	"github.com/plantfloor/workboard/internal/platform/erp"
	"github.com/plantfloor/workboard/internal/platform/metrics"
)

var actionsTotal = metrics.NewCounterVec(metrics.Opts{
	Name: "workboard_actions_total",
	Help: "Activity actions by kind and outcome.",
}, []string{"kind", "outcome"})

var snapshotsTotal = metrics.NewCounterVec(metrics.Opts{
	Name: "workboard_snapshots_total",
	Help: "Workforce snapshot requests by outcome.",
}, []string{"outcome"})

func init() {
	metrics.Default.MustRegister(actionsTotal, snapshotsTotal)
}

type Handler struct {
	Activity        *activity.Service
	Workforce       *workforce.Service
	Identity        *identity.Service
	Directory       directory.Repository
	AllowedOrigin   string
	SnapshotTimeout time.Duration
}

func NewHandler(activitySvc *activity.Service, workforceSvc *workforce.Service, identitySvc *identity.Service, dir directory.Repository, allowedOrigin string) *Handler {
	return &Handler{
		Activity:        activitySvc,
		Workforce:       workforceSvc,
		Identity:        identitySvc,
		Directory:       dir,
		AllowedOrigin:   allowedOrigin,
		SnapshotTimeout: 5 * time.Second,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.corsMiddleware)
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/api/v1/auth/login", h.handleLogin)
	r.Post("/api/v1/auth/refresh", h.handleRefresh)
	r.Post("/api/v1/auth/logout", h.handleLogout)

	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)
		authR.Post("/api/v1/activity", h.handleRecordAction)
		authR.Get("/api/v1/activity/state", h.handleActivityState)
		authR.Get("/api/v1/activity/history", h.handleActivityHistory)
		authR.Get("/api/v1/machines", h.handleListMachines)
		authR.Get("/api/v1/machines/{machineID}/workers", h.handleMachineWorkers)
		authR.Get("/api/v1/workforce", h.handleWorkforce)
	})

	return r
}

type loginRequest struct {
	LoginCode string `json:"login_code"`
	Pin       string `json:"pin"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Login(r.Context(), req.LoginCode, req.Pin)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			h.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrRefreshTokenMissing):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, identity.ErrInvalidRefreshToken):
			h.writeError(w, http.StatusUnauthorized, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := h.Identity.Logout(r.Context(), req.RefreshToken); err != nil {
		if errors.Is(err, identity.ErrRefreshTokenMissing) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRecordAction(w http.ResponseWriter, r *http.Request) {
	var req activity.ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	claims := claimsFromContext(r.Context())
	actor := activity.Actor{WorkerID: claims.Subject, LoginCode: claims.LoginCode}
	kindLabel := strings.TrimSpace(strings.ToLower(req.Action))

	resp, err := h.Activity.Record(r.Context(), actor, req)
	if err != nil {
		switch {
		case errors.Is(err, activity.ErrWorkOrderRequired),
			errors.Is(err, activity.ErrMachineRequired),
			errors.Is(err, activity.ErrUnsupportedAction),
			errors.Is(err, activity.ErrMissingPauseReason),
			errors.Is(err, activity.ErrUnknownPauseReason):
			actionsTotal.WithLabelValues(kindLabel, "rejected").Inc()
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, directory.ErrNotFound):
			actionsTotal.WithLabelValues(kindLabel, "rejected").Inc()
			h.writeError(w, http.StatusNotFound, "machine not found")
		case errors.Is(err, directory.ErrNotAuthorized):
			actionsTotal.WithLabelValues(kindLabel, "rejected").Inc()
			h.writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, activity.ErrInvalidTransition):
			actionsTotal.WithLabelValues(kindLabel, "rejected").Inc()
			h.writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, erp.ErrGateway), errors.Is(err, activity.ErrWriteRejected):
			actionsTotal.WithLabelValues(kindLabel, "failed").Inc()
			h.writeError(w, http.StatusBadGateway, err.Error())
		default:
			actionsTotal.WithLabelValues(kindLabel, "failed").Inc()
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	actionsTotal.WithLabelValues(resp.Kind, "recorded").Inc()
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleActivityState(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	workOrderID := strings.TrimSpace(r.URL.Query().Get("work_order_id"))

	st, err := h.Activity.StateFor(r.Context(), claims.Subject, workOrderID)
	if err != nil {
		if errors.Is(err, activity.ErrWorkOrderRequired) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleActivityHistory(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	workOrderID := strings.TrimSpace(r.URL.Query().Get("work_order_id"))

	events, err := h.Activity.HistoryFor(r.Context(), claims.Subject, workOrderID)
	if err != nil {
		if errors.Is(err, activity.ErrWorkOrderRequired) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []activity.Event{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *Handler) handleListMachines(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	machines, err := h.Directory.ListMachines(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"machines": directory.MachinesFor(machines, claims.LoginCode),
	})
}

func (h *Handler) handleMachineWorkers(w http.ResponseWriter, r *http.Request) {
	machineID := chi.URLParam(r, "machineID")
	machine, err := h.Directory.FindMachine(r.Context(), machineID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "machine not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	workers, err := h.Directory.ListWorkersWithAssignment(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"machine_id": machine.MachineID,
		"workers":    directory.WorkersFor(machine, workers),
	})
}

func (h *Handler) handleWorkforce(w http.ResponseWriter, r *http.Request) {
	shiftFilter := strings.TrimSpace(r.URL.Query().Get("shift"))

	ctx, cancel := context.WithTimeout(r.Context(), h.SnapshotTimeout)
	defer cancel()

	snap, err := h.Workforce.Snapshot(ctx, shiftFilter)
	if err != nil {
		if errors.Is(err, workforce.ErrSnapshotTimeout) {
			snapshotsTotal.WithLabelValues("timeout").Inc()
			h.writeError(w, http.StatusGatewayTimeout, err.Error())
			return
		}
		snapshotsTotal.WithLabelValues("error").Inc()
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	snapshotsTotal.WithLabelValues("ok").Inc()
	h.writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed := strings.TrimSpace(h.AllowedOrigin)
		if allowed == "" {
			allowed = "*"
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Origin", allowed)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		next.ServeHTTP(w, r)
	})
}

type claimsContextKey struct{}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			h.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := h.Identity.AuthToken.Parse(token)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := contextWithClaims(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func contextWithClaims(ctx context.Context, claims platformauth.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

func claimsFromContext(ctx context.Context) platformauth.Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(platformauth.Claims)
	return claims
}
