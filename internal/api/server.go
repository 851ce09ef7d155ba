// Package api exposes the dedup engine over HTTP. The surface is JSON only;
// any frontend is expected to sit on top of these endpoints.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/photodup/photodup/internal/api/handlers"
	"github.com/photodup/photodup/internal/config"
	"github.com/photodup/photodup/internal/override"
	"github.com/photodup/photodup/internal/pipeline"
	"github.com/photodup/photodup/internal/pool"
	"github.com/photodup/photodup/internal/scheduler"
	"github.com/photodup/photodup/internal/store"
)

// Deps carries everything the handlers need. ReadStore is optional; when
// set, list-heavy SELECT endpoints run through it so they don't contend with
// pipeline writes on the single writer connection.
type Deps struct {
	Store     *store.Store
	ReadStore *store.Store
	Overrides *override.Store
	Cfg       *config.Settings
	CfgPath   string
	Manager   *pipeline.Manager
	Pool      *pool.Pool
	Monitor   *pool.InteractionMonitor
	Sched     *scheduler.Scheduler
	Version   string

	// Recommend picks a run mode when POST /api/runs omits one.
	Recommend func() (store.RunMode, error)
	// AutoOriginal recomputes the algorithmic original of a group, used for
	// conflict detection against active overrides.
	AutoOriginal func(groupID int64) (int64, bool)
	// OnConfigChange runs after a successful PATCH /api/config.
	OnConfigChange func(config.Settings)
}

// Server holds the HTTP server and its routes.
type Server struct {
	addr string
	srv  *http.Server
}

// New wires all routes and returns a Server ready to Run.
func New(addr string, d Deps) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	if d.Monitor != nil {
		// Every API request counts as user interaction for pool back-off.
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				d.Monitor.Record()
				next.ServeHTTP(w, req)
			})
		})
	}

	readSt := d.ReadStore
	if readSt == nil {
		readSt = d.Store
	}

	runsH := &handlers.RunsHandler{St: d.Store, ReadSt: readSt, Manager: d.Manager, Recommend: d.Recommend}
	groupsH := &handlers.GroupsHandler{St: readSt, Ov: d.Overrides}
	conflictsH := &handlers.ConflictsHandler{Ov: d.Overrides, AutoOriginal: d.AutoOriginal}
	filesH := &handlers.FilesHandler{St: readSt}
	statusH := &handlers.StatusHandler{St: readSt, Manager: d.Manager, Pool: d.Pool, Sched: d.Sched, Version: d.Version}
	statsH := &handlers.StatsHandler{St: readSt}
	configH := &handlers.ConfigHandler{Cfg: d.Cfg, Path: d.CfgPath, OnChange: d.OnConfigChange}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", statusH.ServeHTTP)

		r.Post("/runs", runsH.Create)
		r.Get("/runs", runsH.List)
		r.Get("/runs/{id}", runsH.Get)
		r.Delete("/runs/current", runsH.Cancel)

		r.Get("/groups", groupsH.List)
		r.Get("/groups/{id}", groupsH.Get)
		r.Post("/groups/{id}/override", groupsH.SetOverride)
		r.Delete("/groups/{id}/override", groupsH.ClearOverride)

		r.Get("/conflicts", conflictsH.List)

		r.Get("/files/{id}/info", filesH.Info)
		r.Get("/files/{id}/thumbnail", filesH.Thumbnail)
		r.Get("/files/{id}/preview", filesH.Preview)

		r.Get("/stats", statsH.ServeHTTP)

		r.Get("/config", configH.Get)
		r.Patch("/config", configH.Update)
	})

	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: r},
	}
}

// Handler returns the router, for tests that drive it with httptest.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down HTTP server")
		return s.srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
