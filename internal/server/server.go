// Package server wires the session manager, the counting middleware, and the
// operational endpoints into one HTTP server.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/developingchet/visitor-counter/internal/claim"
	"github.com/developingchet/visitor-counter/internal/config"
	"github.com/developingchet/visitor-counter/internal/session"
	"github.com/developingchet/visitor-counter/internal/store"
	"github.com/developingchet/visitor-counter/internal/visitor"

	"github.com/redis/go-redis/v9"
)

// Server owns the HTTP listener and the stores behind the middleware.
type Server struct {
	cfg     *config.Config
	httpSrv *http.Server
	handler http.Handler

	inc     store.Incrementer
	claimer claim.Claimer

	closers []func() error
}

// New builds the full stack from cfg: counter store, optional claim store,
// visitor middleware, session manager, and routes.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	s := &Server{cfg: cfg}

	if err := s.buildStore(ctx); err != nil {
		return nil, err
	}
	if err := s.buildClaimer(); err != nil {
		s.Close()
		return nil, err
	}

	counter, err := visitor.New(visitor.Config{
		Store:       s.inc,
		Prefix:      cfg.Prefix,
		WithoutDate: cfg.WithoutDate,
		Claimer:     s.claimer,
		TrustProxy:  cfg.TrustProxy,
		Location:    cfg.Location(),
	})
	if err != nil {
		s.Close()
		return nil, err
	}

	sessions := session.NewManager([]byte(cfg.SessionSecret), cfg.SessionCookie)

	mux := http.NewServeMux()
	mux.Handle("/", sessions.Middleware(counter.Middleware(http.HandlerFunc(hello))))
	mux.HandleFunc("/counters", s.handleCounters)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.Healthy(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.handler = mux
	s.httpSrv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	return s, nil
}

func hello(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Handler exposes the routing for tests.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) buildStore(ctx context.Context) error {
	switch s.cfg.Store {
	case "bolt":
		bs, err := store.OpenBolt(filepath.Join(s.cfg.DataDir, "counters.db"))
		if err != nil {
			return err
		}
		s.inc = bs
		s.closers = append(s.closers, bs.Close)
	case "mongo":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(s.cfg.MongoURI))
		if err != nil {
			return fmt.Errorf("server: mongo connect: %w", err)
		}
		s.inc = store.NewMongoStore(client.Database(s.cfg.MongoDatabase).Collection(s.cfg.MongoCollection))
		s.closers = append(s.closers, func() error {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return client.Disconnect(disconnectCtx)
		})
	default:
		s.inc = store.NewMemStore()
	}
	return nil
}

func (s *Server) buildClaimer() error {
	switch s.cfg.ClaimStore {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: s.cfg.RedisAddr})
		rc := claim.NewRedisClaimer(client, s.cfg.ClaimTTL)
		s.claimer = rc
		s.closers = append(s.closers, rc.Close)
	case "bolt":
		bc, err := claim.OpenBolt(filepath.Join(s.cfg.DataDir, "claims.db"), s.cfg.ClaimTTL)
		if err != nil {
			return err
		}
		s.claimer = bc
		s.closers = append(s.closers, bc.Close)
	}
	return nil
}

// handleCounters dumps the current counts as JSON. Only stores that can
// snapshot support it; hook-style sinks return 501.
func (s *Server) handleCounters(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.inc.(store.Snapshotter)
	if !ok {
		http.Error(w, "counter store does not support snapshots", http.StatusNotImplemented)
		return
	}
	counts, err := snap.Snapshot(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("counters snapshot failed")
		http.Error(w, "snapshot failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(counts); err != nil {
		log.Error().Err(err).Msg("counters encode failed")
	}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("server stopped")
		return nil
	case err := <-errCh:
		return err
	}
}

// Healthy checks the reachability of the configured external stores.
func (s *Server) Healthy(ctx context.Context) error {
	type healthChecker interface {
		Healthy(ctx context.Context) error
	}
	if hc, ok := s.inc.(healthChecker); ok {
		if err := hc.Healthy(ctx); err != nil {
			return err
		}
	}
	if hc, ok := s.claimer.(healthChecker); ok {
		if err := hc.Healthy(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close performs graceful shutdown.
func (s *Server) Close() {
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("server shutdown error")
		}
	}
	for _, close := range s.closers {
		if err := close(); err != nil {
			log.Warn().Err(err).Msg("close failed")
		}
	}
}
