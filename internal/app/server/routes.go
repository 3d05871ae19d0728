package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"bangate/internal/app/version"
	"bangate/internal/auth"
	"bangate/internal/database"
	"bangate/internal/domain"
	"bangate/internal/gate"
	"bangate/internal/gateway"
	"bangate/internal/metrics"
	"bangate/internal/moderation"

	"github.com/charmbracelet/log"
)

const requestTimeout = 10 * time.Second

// Reader is the read side of the store used by the admin API.
type Reader interface {
	Find(ctx context.Context, target domain.Target) (domain.Ban, error)
	List(ctx context.Context, kind domain.Kind) ([]domain.Ban, error)
}

type API struct {
	Store      Reader
	Gateway    *gateway.Gateway
	Moderation *moderation.Service
	Gate       Decider
	Metrics    *metrics.Metrics
	Auth       *auth.Authenticator
}

type banRequest struct {
	Target string `json:"target"`
	Reason string `json:"reason"`
}

type checkRequest struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
}

type checkResponse struct {
	Verdict  gate.Verdict `json:"verdict"`
	Stage    gate.Stage   `json:"stage"`
	Reason   string       `json:"reason,omitempty"`
	FailOpen bool         `json:"fail_open"`
	Message  string       `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Routes builds the admin mux. The ban endpoints are only mounted when an
// authenticator is configured.
func (a *API) Routes() http.Handler {
	router := http.NewServeMux()
	router.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": version.Get()})
	})
	router.Handle("GET /metrics", a.Metrics.Handler())

	if a.Auth == nil {
		log.Warn("JWT_SECRET not set, admin API disabled")
		return router
	}

	admin := a.Auth.RequireRole(auth.RoleAdmin)
	router.Handle("GET /api/bans", admin(http.HandlerFunc(a.listBans)))
	router.Handle("POST /api/bans", admin(http.HandlerFunc(a.createBan)))
	router.Handle("GET /api/bans/{target}", admin(http.HandlerFunc(a.getBan)))
	router.Handle("DELETE /api/bans/{target}", admin(http.HandlerFunc(a.deleteBan)))
	router.Handle("POST /api/check", admin(http.HandlerFunc(a.checkLogin)))

	return router
}

func (a *API) listBans(w http.ResponseWriter, r *http.Request) {
	kinds := []domain.Kind{domain.KindName, domain.KindIP}
	if raw := r.URL.Query().Get("kind"); raw != "" {
		kind := domain.Kind(raw)
		if !kind.Valid() {
			writeError(w, "kind must be name or ip", http.StatusBadRequest)
			return
		}
		kinds = []domain.Kind{kind}
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	bans, err := gateway.Submit(a.Gateway, func(ctx context.Context) ([]domain.Ban, error) {
		var all []domain.Ban
		for _, kind := range kinds {
			part, err := a.Store.List(ctx, kind)
			if err != nil {
				return nil, err
			}
			all = append(all, part...)
		}
		return all, nil
	}).Await(ctx)
	if err != nil {
		writeStoreError(w, "list bans", err)
		return
	}
	if bans == nil {
		bans = []domain.Ban{}
	}
	writeJSON(w, http.StatusOK, bans)
}

func (a *API) getBan(w http.ResponseWriter, r *http.Request) {
	target := domain.ParseTarget(r.PathValue("target"))

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	ban, err := gateway.Submit(a.Gateway, func(ctx context.Context) (domain.Ban, error) {
		return a.Store.Find(ctx, target)
	}).Await(ctx)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, "not banned", http.StatusNotFound)
		return
	}
	if err != nil {
		writeStoreError(w, "find ban", err)
		return
	}
	writeJSON(w, http.StatusOK, ban)
}

func (a *API) createBan(w http.ResponseWriter, r *http.Request) {
	var body banRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(body.Target) == "" || strings.TrimSpace(body.Reason) == "" {
		writeError(w, "target and reason are required", http.StatusBadRequest)
		return
	}

	issuer := auth.Subject(r)
	if issuer == "" {
		issuer = moderation.ConsoleIssuer
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	ban, err := a.Moderation.Ban(domain.BanRequest{
		Target: domain.ParseTarget(body.Target),
		Issuer: issuer,
		Reason: strings.TrimSpace(body.Reason),
	}).Await(ctx)
	if err != nil {
		writeStoreError(w, "create ban", err)
		return
	}
	writeJSON(w, http.StatusCreated, ban)
}

func (a *API) deleteBan(w http.ResponseWriter, r *http.Request) {
	target := domain.ParseTarget(r.PathValue("target"))

	issuer := auth.Subject(r)
	if issuer == "" {
		issuer = moderation.ConsoleIssuer
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	removed, err := a.Moderation.Unban(target, issuer).Await(ctx)
	if err != nil {
		writeStoreError(w, "delete ban", err)
		return
	}
	if !removed {
		writeError(w, "not banned", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) checkLogin(w http.ResponseWriter, r *http.Request) {
	var body checkRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	d := a.Gate.Decide(r.Context(), gate.Attempt{Name: body.Name, Addr: body.Addr})
	writeJSON(w, http.StatusOK, checkResponse{
		Verdict:  d.Verdict,
		Stage:    d.Stage,
		Reason:   d.Reason,
		FailOpen: d.FailOpen,
		Message:  d.Message,
	})
}

func writeStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, database.ErrInvalid):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, gateway.ErrSaturated), errors.Is(err, gateway.ErrClosed), errors.Is(err, database.ErrConnection):
		log.Warn("admin api: storage unavailable", "op", op, "error", err)
		writeError(w, "storage unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, "timed out", http.StatusGatewayTimeout)
	default:
		log.Error("admin api: storage error", "op", op, "error", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

// ServeHTTP runs the admin server until ctx ends.
func ServeHTTP(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Admin API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
