/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/jukebox/internal/api"
	"github.com/friendsincode/jukebox/internal/audit"
	"github.com/friendsincode/jukebox/internal/cache"
	"github.com/friendsincode/jukebox/internal/chain"
	"github.com/friendsincode/jukebox/internal/config"
	"github.com/friendsincode/jukebox/internal/content"
	"github.com/friendsincode/jukebox/internal/db"
	"github.com/friendsincode/jukebox/internal/eventbus"
	"github.com/friendsincode/jukebox/internal/events"
	"github.com/friendsincode/jukebox/internal/ingest"
	"github.com/friendsincode/jukebox/internal/leadership"
	"github.com/friendsincode/jukebox/internal/ledger"
	"github.com/friendsincode/jukebox/internal/logbuffer"
	"github.com/friendsincode/jukebox/internal/payment"
	"github.com/friendsincode/jukebox/internal/playback"
	"github.com/friendsincode/jukebox/internal/queue"
	"github.com/friendsincode/jukebox/internal/subscription"
	"github.com/friendsincode/jukebox/internal/telemetry"
)

// Server bundles HTTP and supporting services.
type Server struct {
	cfg           *config.Config
	logger        zerolog.Logger
	router        chi.Router
	httpServer    *http.Server
	metricsServer *http.Server
	closers       []func() error
	logBuffer     *logbuffer.Buffer

	db          *gorm.DB
	redis       *redis.Client
	cache       *cache.Cache
	bus         events.Broker
	chain       *chain.Client
	songs       *queue.GormRepository
	scheduler   *playback.Scheduler
	leaderAware *playback.LeaderAware
	election    *leadership.Election
	manager     *subscription.Manager
	pipeline    *ingest.Pipeline
	prices      *ingest.PriceBook
	audit       *audit.Service
	api         *api.API

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies. logBuf may be nil.
func New(cfg *config.Config, logBuf *logbuffer.Buffer, logger zerolog.Logger) (*Server, error) {
	for _, warn := range cfg.LegacyEnvWarnings {
		logger.Warn().Msg(warn)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware("jukebox-api"))
	router.Use(telemetry.MetricsMiddleware)
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(30 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// The events websocket is long-lived.
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:       cfg,
		logger:    logger,
		router:    router,
		logBuffer: logBuf,
	}

	if err := srv.initDependencies(); err != nil {
		_ = srv.Close()
		return nil, err
	}

	srv.configureRoutes()
	if err := srv.startBackgroundWorkers(); err != nil {
		_ = srv.Close()
		return nil, err
	}

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if cfg.MetricsBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		srv.metricsServer = &http.Server{
			Addr:              cfg.MetricsBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return srv, nil
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() error {
	database, err := db.Connect(s.cfg)
	if err != nil {
		return err
	}
	s.DeferClose(func() error { return db.Close(database) })
	if err := db.Migrate(database); err != nil {
		return err
	}
	s.db = database

	if s.cfg.InstanceID == "" {
		s.cfg.InstanceID = uuid.NewString()
	}

	if err := s.initRedis(); err != nil {
		return err
	}
	s.cache = cache.New(s.redis, cache.Config{ContentTTL: s.cfg.ContentCacheTTL, DisableOnError: true}, s.logger)

	if err := s.initNotifier(); err != nil {
		return err
	}

	claims, err := s.newLedger()
	if err != nil {
		return err
	}

	s.songs = queue.NewGormRepository(database)
	s.scheduler = playback.New(s.songs, s.bus, playback.SystemClock{}, playback.Config{
		MaxQueueLength: s.cfg.MaxQueueLength,
	}, s.logger)
	s.DeferClose(func() error { s.scheduler.Stop(); return nil })

	floor, err := payment.ParseAmount(s.cfg.MinPrice)
	if err != nil {
		return err
	}

	var priceLookup ingest.PriceLookup
	if s.cfg.ChainRPCURL != "" {
		dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		client, err := chain.Dial(dialCtx, s.cfg.ChainRPCURL, common.HexToAddress(s.cfg.ContractAddress), s.logger)
		cancel()
		if err != nil {
			return err
		}
		s.chain = client
		s.DeferClose(func() error { client.Close(); return nil })
		priceLookup = client
	}
	s.prices = ingest.NewPriceBook(floor, priceLookup, s.cache, s.logger)
	if priceLookup != nil {
		seedCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.prices.Seed(seedCtx); err != nil {
			s.logger.Warn().Err(err).Msg("song price not seeded, retrying on first purchase")
		}
		cancel()
	}

	if s.chain != nil {
		if err := s.initIngestion(claims); err != nil {
			return err
		}
	} else {
		s.logger.Warn().Msg("no chain RPC configured, purchase ingestion disabled")
	}

	s.audit = audit.NewService(database, s.bus, s.logger)

	if s.cfg.LeaderElectionEnabled {
		s.election = leadership.NewElection(s.redis, leadership.Config{InstanceID: s.cfg.InstanceID}, s.logger)
		s.leaderAware = playback.NewLeaderAware(s.scheduler, s.election, s.runLeaderWork, s.logger)
		s.DeferClose(func() error { return s.leaderAware.Stop() })
		s.logger.Info().Str("instance_id", s.cfg.InstanceID).Msg("leader election enabled for playback")
	}

	deps := api.Deps{
		Playback:  s.scheduler,
		Songs:     s.songs,
		Prices:    s.prices,
		Bus:       s.bus,
		Logs:      s.logBuffer,
		Audit:     s.audit,
		JWTSecret: []byte(s.cfg.JWTSigningKey),
	}
	if s.manager != nil {
		deps.Subscriptions = s.manager
	}
	if s.leaderAware != nil {
		deps.Leader = s.leaderAware
	}
	s.api = api.New(deps, s.logger)
	return nil
}

func (s *Server) initRedis() error {
	needed := s.cfg.LedgerBackend == config.LedgerRedis || s.cfg.LeaderElectionEnabled
	if s.cfg.RedisAddr == "" {
		if needed {
			return errors.New("redis address required for redis ledger or leader election")
		}
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     s.cfg.RedisAddr,
		Password: s.cfg.RedisPassword,
		DB:       s.cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		if needed {
			return fmt.Errorf("connect redis: %w", err)
		}
		s.logger.Warn().Err(err).Msg("redis unavailable, continuing without cache")
		return nil
	}
	s.redis = client
	s.DeferClose(client.Close)
	return nil
}

func (s *Server) initNotifier() error {
	switch s.cfg.NotifierBackend {
	case config.NotifierRedis:
		redisCfg := eventbus.DefaultRedisConfig()
		redisCfg.Addr = s.cfg.RedisAddr
		redisCfg.Password = s.cfg.RedisPassword
		redisCfg.DB = s.cfg.RedisDB
		bus := eventbus.NewRedisBus(redisCfg, s.cfg.InstanceID, s.logger)
		s.bus = bus
		s.DeferClose(bus.Close)
	case config.NotifierNATS:
		natsCfg := eventbus.DefaultNATSConfig()
		natsCfg.URL = s.cfg.NATSURL
		natsCfg.Name = "jukebox-" + s.cfg.InstanceID
		bus, err := eventbus.NewNATSBus(natsCfg, s.cfg.InstanceID, s.logger)
		if err != nil {
			return err
		}
		s.bus = bus
		s.DeferClose(bus.Close)
	default:
		s.bus = events.NewBus()
	}
	return nil
}

func (s *Server) newLedger() (ledger.Ledger, error) {
	if s.cfg.LedgerBackend == config.LedgerRedis {
		return ledger.NewRedisLedger(s.redis), nil
	}
	return ledger.NewDBLedger(s.db), nil
}

func (s *Server) initIngestion(claims ledger.Ledger) error {
	strategies := []payment.Strategy{
		payment.DirectCallProof{Contract: s.chain.Contract()},
	}
	if s.cfg.TreasuryAddress != "" {
		proof := payment.TreasuryTransferProof{Treasury: common.HexToAddress(s.cfg.TreasuryAddress)}
		if s.cfg.TokenAddress != "" {
			proof.Token = common.HexToAddress(s.cfg.TokenAddress)
		}
		strategies = append(strategies, proof)
	}
	verifier := payment.NewVerifier(s.chain, s.logger, strategies...)

	policy, err := content.LoadPolicy(s.cfg.ContentPolicyFile)
	if err != nil {
		return err
	}
	youtube := content.NewYouTubeValidator(content.YouTubeConfig{
		APIKey:      s.cfg.YouTubeAPIKey,
		BaseURL:     s.cfg.YouTubeBaseURL,
		MaxDuration: s.cfg.MaxContentDuration,
	}, policy, s.logger)

	s.pipeline = ingest.NewPipeline(ingest.Deps{
		Verifier:  verifier,
		Ledger:    claims,
		Validator: content.NewCachedValidator(youtube, s.cache, s.logger),
		Queue:     s.scheduler,
		Notifier:  s.bus,
		Prices:    s.prices,
	}, s.logger)

	transport := chain.NewFilterTransport(s.chain, s.cfg.FilterPollInterval, s.logger)
	s.manager = subscription.NewManager(transport, subscription.Config{
		RecreateInterval: s.cfg.RecreateInterval,
		Cooldown:         s.cfg.RecreateCooldown,
		SettleInterval:   s.cfg.SettleInterval,
	}, s.logger)
	s.pipeline.Register(s.manager)
	return nil
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// MetricsServer exposes the metrics listener, nil when disabled.
func (s *Server) MetricsServer() *http.Server {
	return s.metricsServer
}

// Router exposes the HTTP handler tree.
func (s *Server) Router() http.Handler {
	return s.router
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closers = nil
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) startBackgroundWorkers() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	if s.leaderAware != nil {
		// Playback and subscriptions run only while leading.
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			if err := s.leaderAware.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("leader-aware playback exited")
			}
		}()
	} else {
		if err := s.scheduler.Load(ctx); err != nil {
			return err
		}
		rec, err := s.scheduler.Reconcile(ctx)
		if err != nil {
			return fmt.Errorf("reconcile playback: %w", err)
		}
		s.logger.Info().Str("action", rec.Action).Dur("remaining", rec.Remaining).Msg("playback reconciled")

		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			if err := s.runLeaderWork(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("leader work exited")
			}
		}()
	}

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.UpdateConnectionMetrics(s.db)
			}
		}
	}()
	return nil
}

// runLeaderWork runs the audit recorder and, when a chain is configured, the subscription
// manager. It returns when ctx ends or the manager fails.
func (s *Server) runLeaderWork(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.audit.Run(ctx)
	}()

	if s.manager == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.manager.Run(ctx)
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		response := `{"status":"ok"`
		if s.leaderAware != nil {
			if s.leaderAware.IsLeader() {
				response += `,"leader":true`
			} else {
				response += `,"leader":false`
			}
		}
		response += `}`
		_, _ = w.Write([]byte(response))
	})

	s.api.Routes(s.router)
}
