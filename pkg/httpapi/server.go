// Package httpapi is the out-of-scope-but-specified contract surface:
// a chi-routed HTTP/SSE API layered over the turn pipeline, branch engine,
// and every thin-CRUD store (lore, NPCs, events, images, NPC activities)
// for a UI client to drive. It owns no domain logic of its own
// — every handler decodes a request, calls into a pkg/turn, pkg/branchengine,
// or storage-backed collaborator, and re-encodes the result.
//
// Ported from original_source/app.py's Flask route table, restructured as
// a chi.Router the way hector's pkg/transport layers gRPC-gateway routing
// over its A2A service — here there is no gRPC underneath, so chi is the
// primary mux rather than a metrics-middleware afterthought.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/loomweave/loomweave/internal/config"
	"github.com/loomweave/loomweave/pkg/branchengine"
	"github.com/loomweave/loomweave/pkg/clock"
	"github.com/loomweave/loomweave/pkg/event"
	"github.com/loomweave/loomweave/pkg/imagegen"
	"github.com/loomweave/loomweave/pkg/lore"
	"github.com/loomweave/loomweave/pkg/stateindex"
	"github.com/loomweave/loomweave/pkg/storage"
	"github.com/loomweave/loomweave/pkg/turn"
)

// Server wires every collaborator the HTTP surface calls into, and owns
// the chi router and the net/http.Server built on top of it.
type Server struct {
	Root       *storage.Root
	Engine     *branchengine.Engine
	Turn       *turn.Pipeline
	Lore       *lore.Index
	Events     *event.Store
	StateIndex *stateindex.Store
	Clock      *clock.Clock
	Images     imagegen.Generator

	Config config.Config

	router chi.Router
	http   *http.Server
}

// New builds a Server and its route table. Call ListenAndServe to start it.
func New(root *storage.Root, engine *branchengine.Engine, pipeline *turn.Pipeline, loreIdx *lore.Index, events *event.Store, stateIdx *stateindex.Store, clk *clock.Clock, images imagegen.Generator, cfg config.Config) *Server {
	s := &Server{
		Root: root, Engine: engine, Turn: pipeline, Lore: loreIdx, Events: events,
		StateIndex: stateIdx, Clock: clk, Images: images, Config: cfg,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Post("/init", s.handleInit)
		r.Post("/send", s.handleSend)
		r.Post("/send/stream", s.handleSendStream)
		r.Get("/messages", s.handleMessages)

		r.Get("/branches", s.handleListBranches)
		r.Post("/branches", s.handleCreateBranch)
		r.Post("/branches/blank", s.handleCreateBlankBranch)
		r.Post("/branches/switch", s.handleSwitchBranch)
		r.Patch("/branches/{id}", s.handlePatchBranch)
		r.Delete("/branches/{id}", s.handleDeleteBranch)
		r.Post("/branches/promote", s.handlePromoteBranch)
		r.Post("/branches/merge", s.handleMergeBranch)
		r.Post("/branches/edit", s.handleEditBranch)
		r.Post("/branches/edit/stream", s.handleEditBranchStream)
		r.Post("/branches/regenerate", s.handleRegenerateBranch)
		r.Post("/branches/regenerate/stream", s.handleRegenerateBranchStream)

		r.Get("/stories", s.handleListStories)
		r.Post("/stories", s.handleCreateStory)
		r.Post("/stories/switch", s.handleSwitchStory)
		r.Patch("/stories/{id}", s.handlePatchStory)
		r.Delete("/stories/{id}", s.handleDeleteStory)
		r.Get("/stories/{id}/schema", s.handleGetStorySchema)

		r.Get("/lore", s.handleListLore)
		r.Post("/lore", s.handleUpsertLore)
		r.Delete("/lore/{topic}", s.handleDeleteLore)

		r.Get("/npcs", s.handleListNPCs)
		r.Post("/npcs", s.handleUpsertNPC)

		r.Get("/events", s.handleListEvents)
		r.Post("/events", s.handleCreateEvent)
		r.Patch("/events/{id}", s.handlePatchEventStatus)

		r.Get("/images/{storyId}/{filename}/status", s.handleImageStatus)

		r.Get("/npc-activities", s.handleListNPCActivities)
		r.Get("/auto-play-summaries", s.handleAutoPlaySummaries)

		r.Get("/llm-config", s.handleGetLLMConfig)
	})

	return r
}

// ListenAndServe starts the HTTP server, blocking until it exits or ctx is
// canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.Config.HTTP.Host, s.Config.HTTP.Port)
	s.http = &http.Server{Addr: addr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("httpapi: listening", "addr", addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the server, forcing a hard stop after 10s.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		slog.Warn("httpapi: graceful shutdown timed out, forcing close", "error", err)
		return s.http.Close()
	}
	return nil
}

// requestLogger logs each request at debug level with its method, path,
// status, and duration — routine traffic stays off the default log level,
// matching internal/logging's filter-by-default posture.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("httpapi: request", "method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration", time.Since(start))
	})
}

func newID() string { return uuid.NewString() }
