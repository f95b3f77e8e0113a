package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"octopilot/internal/config"
	"octopilot/internal/dispatcher"
	"octopilot/internal/domain"
	sqlitestore "octopilot/internal/store/sqlite"
)

type app struct {
	cfg        config.Config
	dispatcher *dispatcher.Dispatcher
	store      *sqlitestore.Store
}

func (a *app) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/config", a.handleConfig)
	mux.HandleFunc("/arenas", a.handleArenas)
	mux.HandleFunc("/arenas/", a.handleArenaByID)
	return mux
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path":       a.cfg.Path,
		"params_dir": a.cfg.ParamsDir,
		"raw":        a.cfg.Raw,
	})
}

func (a *app) handleArenas(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	arenas := a.dispatcher.Arenas()
	out := make([]domain.SessionSnapshot, 0, len(arenas))
	for _, arena := range arenas {
		out = append(out, arena.Snapshot())
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *app) handleArenaByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/arenas/")
	parts := strings.Split(trimmed, "/")
	arenaID := parts[0]
	if arenaID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("arena id is required"))
		return
	}
	arena, err := a.dispatcher.Arena(arenaID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"snapshot": arena.Snapshot(),
			"spec":     arena.Spec(),
		})
		return
	}

	action := parts[1]
	switch action {
	case "trials":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		sessionID := strings.TrimSpace(r.URL.Query().Get("session"))
		if sessionID == "" {
			writeJSON(w, http.StatusOK, arena.Trials())
			return
		}
		trials, err := a.store.ListTrials(r.Context(), sessionID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, trials)
	case "sessions":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		sessions, err := a.store.ListSessions(r.Context(), arenaID, queryInt(r, "limit", 50))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, sessions)
	case "decisions":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		decisions, err := a.store.ListDecisions(r.Context(), arenaID, queryInt(r, "limit", 100))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, decisions)
	case "start", "pause", "resume", "stop":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var err error
		switch action {
		case "start":
			err = arena.StartSession(r.Context())
		case "pause":
			err = arena.PauseSession(r.Context())
		case "resume":
			err = arena.ResumeSession(r.Context())
		case "stop":
			var req struct {
				Reason string `json:"reason"`
			}
			if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil && !errors.Is(decodeErr, io.EOF) {
				writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", decodeErr))
				return
			}
			err = arena.StopSession(r.Context(), req.Reason)
		}
		if err != nil {
			writeError(w, controlStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, arena.Snapshot())
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func controlStatus(err error) int {
	switch {
	case errors.Is(err, dispatcher.ErrQuorumNotMet),
		errors.Is(err, dispatcher.ErrSessionActive),
		errors.Is(err, dispatcher.ErrInvalidPhase):
		return http.StatusConflict
	case errors.Is(err, dispatcher.ErrArenaNotRunning):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
