package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dreamware/echo/internal/catalog"
	"github.com/dreamware/echo/internal/config"
	"github.com/dreamware/echo/internal/protocol"
	"github.com/dreamware/echo/internal/session"
)

func main() {
	logger := config.NewLogger(os.Stderr)

	flags := config.ServerFlags()
	if err := flags.Parse(os.Args[1:]); err != nil {
		logger.Error("parse flags", "error", err)
		os.Exit(2)
	}
	cfg, err := config.Load(flags)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	store, err := catalog.Open(cfg.Server.DBPath)
	if err != nil {
		logger.Error("open catalog", "path", cfg.Server.DBPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	srv := newServer(store, session.NewHub(cfg.Server.OutboxSize, logger), cfg.Server.WriteTimeout, logger)

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Bind failures exit non-zero with the reason on stderr.
	errc := make(chan error, 1)
	go func() {
		logger.Info("echo server listening", "addr", cfg.Server.Addr, "db", cfg.Server.DBPath)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-errc:
		fmt.Fprintf(os.Stderr, "listen %s: %v\n", cfg.Server.Addr, err)
		store.Close()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	logger.Info("echo server stopped")
}

type server struct {
	store        *catalog.Store
	hub          *session.Hub
	logger       *slog.Logger
	writeTimeout time.Duration
}

func newServer(store *catalog.Store, hub *session.Hub, writeTimeout time.Duration, logger *slog.Logger) *server {
	return &server{store: store, hub: hub, writeTimeout: writeTimeout, logger: logger}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /ws", session.NewHandler(s.hub, s.writeTimeout, s.logger))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Song catalog
	mux.HandleFunc("GET /api/songs", s.handleListSongs)
	mux.HandleFunc("POST /api/songs", s.handleCreateSong)
	mux.HandleFunc("GET /api/song/{id}", s.handleGetSong)
	mux.HandleFunc("PUT /api/song/{id}", s.handleUpdateSong)
	mux.HandleFunc("DELETE /api/song/{id}", s.handleDeleteSong)
	mux.HandleFunc("POST /api/login", s.handleLogin)

	// Administration
	mux.HandleFunc("GET /admin/connected", s.handleConnected)
	mux.HandleFunc("GET /admin/users", s.handleListUsers)
	mux.HandleFunc("POST /admin/users", s.handleCreateUser)
	mux.HandleFunc("POST /admin/users/{id}/status", s.handleToggleUser)
	mux.HandleFunc("DELETE /admin/users/{id}", s.handleDeleteUser)
	return mux
}

func (s *server) handleListSongs(w http.ResponseWriter, r *http.Request) {
	songs, err := s.store.ListSongs(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, songs)
}

func (s *server) handleGetSong(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	song, err := s.store.GetSong(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, song)
}

func (s *server) handleCreateSong(w http.ResponseWriter, r *http.Request) {
	var f catalog.SongFields
	if !decodeSong(w, r, &f) {
		return
	}
	id, err := s.store.CreateSong(r.Context(), f)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *server) handleUpdateSong(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var f catalog.SongFields
	if !decodeSong(w, r, &f) {
		return
	}
	if err := s.store.UpdateSong(r.Context(), id, f); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleDeleteSong(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteSong(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	level, err := s.store.VerifyCredentials(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, catalog.ErrInvalidCredentials):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"status": "error", "message": err.Error()})
		return
	case errors.Is(err, catalog.ErrInactive):
		writeJSON(w, http.StatusForbidden, map[string]string{"status": "error", "message": err.Error()})
		return
	case err != nil:
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "level": level})
}

func (s *server) handleConnected(w http.ResponseWriter, r *http.Request) {
	peers := s.hub.List()
	resp := protocol.ConnectedResponse{
		RouterUser: protocol.Holder(s.hub.Current()),
		Users:      make([]protocol.ConnectedUser, 0, len(peers)),
	}
	for _, p := range peers {
		resp.Users = append(resp.Users, protocol.ConnectedUser{ID: p.ID, Name: p.Name})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var u catalog.NewUser
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	id, err := s.store.CreateUser(r.Context(), u)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *server) handleToggleUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	status, err := s.store.ToggleUserStatus(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteUser(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps catalog errors to HTTP statuses.
func (s *server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, catalog.ErrInvalidCredentials):
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, catalog.ErrInactive):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, catalog.ErrDuplicateLogin):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, catalog.ErrMissingCredentials):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("catalog request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func decodeSong(w http.ResponseWriter, r *http.Request, f *catalog.SongFields) bool {
	if err := json.NewDecoder(r.Body).Decode(f); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return false
	}
	if err := f.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
