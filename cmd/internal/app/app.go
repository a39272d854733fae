// Package app wires the clubhouse server runtime: config, logging, storage, invalidation
// sinks, HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"clubhouse/cmd/internal/club"
	"clubhouse/cmd/internal/clubapi"
	"clubhouse/cmd/internal/ids"
	"clubhouse/cmd/internal/inbox"
	"clubhouse/cmd/internal/invalidate"
	"clubhouse/cmd/internal/leaderboard"
	"clubhouse/cmd/internal/observability"
	"clubhouse/cmd/internal/realtime"
	"clubhouse/cmd/security/token"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// App is the clubhouse server runtime. It owns every long-lived resource it opens.
type App struct {
	cfg Config
	log Logger

	store  club.Store
	dbPool *pgxpool.Pool
	rdb    *redis.Client
	relay  *invalidate.RedisSink
	kafka  *invalidate.KafkaSink

	metrics *observability.Metrics
	hub     *realtime.Hub
	engine  *club.Engine
	inbox   *inbox.Service
	board   *leaderboard.Service

	ws  *realtime.WSGateway
	api *clubapi.Handler

	closers []io.Closer
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (_ *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	secret, err := ValidateSecurityConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, metrics: observability.NewMetrics()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	a.hub = realtime.NewHub(log, realtime.WithConnObserver(a.metrics))
	fan := invalidate.NewFanout(
		invalidate.WithSink(a.hub),
		invalidate.WithLogger(log),
		invalidate.WithObserver(a.metrics),
	)
	if err := a.openSinks(ctx, fan); err != nil {
		return nil, err
	}

	a.engine, err = club.NewEngine(a.store,
		club.WithLogger(log),
		club.WithNotifier(fan),
		club.WithObserver(a.metrics),
	)
	if err != nil {
		return nil, err
	}
	a.inbox, err = inbox.NewService(a.engine, inbox.WithLogger(log))
	if err != nil {
		return nil, err
	}

	boardOpts := []leaderboard.Option{leaderboard.WithLogger(log), leaderboard.WithTTL(cfg.LeaderboardTTL)}
	if a.rdb != nil {
		boardOpts = append(boardOpts, leaderboard.WithRedis(a.rdb))
	}
	a.board, err = leaderboard.New(a.store, boardOpts...)
	if err != nil {
		return nil, err
	}

	if secret == nil {
		log.Warn("auth.disabled", "reason", "CLUBHOUSE_JWT_SECRET not set; /api/v1 and /ws are not mounted")
		return a, nil
	}

	verifier, err := token.NewVerifier(secret, cfg.JWTAudience)
	if err != nil {
		return nil, err
	}
	a.api, err = clubapi.NewHandler(a.engine, a.inbox, verifier,
		clubapi.WithLogger(log),
		clubapi.WithLeaderboard(a.board),
		clubapi.WithSendRate(cfg.SendRateEvery, cfg.SendRateBurst),
	)
	if err != nil {
		return nil, err
	}

	wsCfg := realtime.DefaultGatewayConfig()
	wsCfg.OriginRequired = cfg.WSOriginRequired
	wsCfg.AllowedOrigins = cfg.WSAllowedOrigins
	wsCfg.DevInsecure = cfg.WSDevInsecure
	a.ws, err = realtime.NewWSGateway(log, a.hub, verifier, a.engine, wsCfg)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Engine exposes the governance engine to CLI maintenance commands.
func (a *App) Engine() *club.Engine { return a.engine }

// openStore decides between Postgres-backed persistence and the in-memory dev store.
func (a *App) openStore(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		a.store = club.NewInMemoryStore()
		return nil
	}

	if a.cfg.MigrateOnStart {
		if err := Migrate(a.cfg.DatabaseURL, MigrateUp, a.log); err != nil {
			return err
		}
	}

	pool, err := openPool(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}
	a.dbPool = pool

	st, err := club.NewPostgresStore(pool)
	if err != nil {
		return err
	}
	a.store = st
	a.log.Info("db.enabled.postgres_store")
	return nil
}

// openSinks attaches the optional Redis and Kafka invalidation sinks.
func (a *App) openSinks(ctx context.Context, fan *invalidate.Fanout) error {
	if a.cfg.RedisAddr != "" {
		rdb, err := invalidate.NewRedisClient(ctx, a.cfg.RedisAddr, a.cfg.RedisPassword, a.cfg.RedisDB)
		if err != nil {
			return err
		}
		a.rdb = rdb
		a.closers = append(a.closers, rdb)

		origin, err := ids.New(time.Now())
		if err != nil {
			return err
		}
		a.relay, err = invalidate.NewRedisSink(rdb, origin, a.log)
		if err != nil {
			return err
		}
		fan.Add(a.relay)
		a.log.Info("invalidate.redis.enabled", "addr", a.cfg.RedisAddr, "origin", origin)
	}

	if len(a.cfg.KafkaBrokers) > 0 {
		k, err := invalidate.NewKafkaSink(a.cfg.KafkaBrokers, a.cfg.KafkaTopic)
		if err != nil {
			return err
		}
		a.kafka = k
		a.closers = append(a.closers, k)
		fan.Add(k)
		a.log.Info("invalidate.kafka.enabled", "brokers", a.cfg.KafkaBrokers, "topic", a.cfg.KafkaTopic)
	}
	return nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(a.routes(), a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"api_url", base+"/api/v1",
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbPool != nil,
		"redis_enabled", a.rdb != nil,
		"kafka_enabled", a.kafka != nil,
	)

	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()
	if a.relay != nil {
		go func() {
			if err := a.relay.Relay(relayCtx, a.hub.Relay); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error("invalidate.relay.fail", "err", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		a.close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.close()
	a.log.Info("server.stopped")
	return nil
}

// Close releases everything New opened. It is safe to call more than once.
func (a *App) Close() { a.close() }

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.Error("app.close.fail", "err", err)
		}
	}
	a.closers = nil
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
