package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/parksync/parksync/internal/group"
	"github.com/parksync/parksync/internal/player"
)

// RouterConfig holds what the query router serves.
type RouterConfig struct {
	Logger  *slog.Logger
	Service *Service
	// Status renders the monitor's status document.
	Status func(now time.Time) any
	// Sync is mounted at /sync outside the API middleware, which would hide
	// the hijacker websocket upgrades need.
	Sync http.Handler
}

// NewRouter serves the read-only query interface as JSON under /api/v1.
func NewRouter(cfg RouterConfig) *mux.Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := mux.NewRouter()
	if cfg.Sync != nil {
		r.Handle("/sync", cfg.Sync)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(recoverPanics(cfg.Logger))
	api.Use(logRequests(cfg.Logger))
	api.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "no such endpoint")
	})

	svc := cfg.Service
	get := func(path string, fn func() any) {
		api.HandleFunc(path, func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, fn())
		}).Methods(http.MethodGet)
	}
	get("/server", func() any { return svc.Server() })
	get("/park", func() any { return svc.Park() })
	get("/groups", func() any { return svc.Groups() })
	get("/players", func() any { return svc.Players() })
	get("/peers", func() any { return orEmpty(svc.Peers()) })
	get("/actions", func() any { return svc.ActionKinds() })
	get("/permissions", func() any { return svc.PermissionKinds() })
	if cfg.Status != nil {
		get("/status", func() any { return cfg.Status(time.Now()) })
	}

	api.HandleFunc("/groups/{id:[0-9]+}", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 8)
		if err != nil {
			writeError(w, http.StatusBadRequest, "group id out of range")
			return
		}
		g, ok := svc.Group(group.ID(id))
		if !ok {
			writeError(w, http.StatusNotFound, "group does not exist")
			return
		}
		writeJSON(w, http.StatusOK, g)
	}).Methods(http.MethodGet)

	api.HandleFunc("/players/{id:[0-9]+}", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
		if err != nil {
			writeError(w, http.StatusBadRequest, "player id out of range")
			return
		}
		p, ok := svc.Player(player.ID(id))
		if !ok {
			writeError(w, http.StatusNotFound, "player is not connected")
			return
		}
		writeJSON(w, http.StatusOK, p)
	}).Methods(http.MethodGet)

	return r
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusWriter captures the status code for request logs.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(status int) {
	sw.status = status
	sw.ResponseWriter.WriteHeader(status)
}

func logRequests(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			logger.Debug("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", sw.status),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverPanics(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						slog.Any("error", err),
						slog.String("stack", string(debug.Stack())),
						slog.String("path", r.URL.Path),
					)
					writeError(w, http.StatusInternalServerError, "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
