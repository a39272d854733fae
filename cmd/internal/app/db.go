package app

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const dbApplicationName = "clubhouse"

// poolConfig maps Config onto pgxpool settings. Governance transactions are short, so a
// server-side statement_timeout keeps a stuck query from pinning a club row.
func poolConfig(cfg Config) (*pgxpool.Config, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("db: database url is empty")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns > 0 && cfg.DBMinConns <= pcfg.MaxConns {
		pcfg.MinConns = cfg.DBMinConns
	}
	if cfg.DBMaxConnLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.DBMaxConnLifetime
	}
	if cfg.DBMaxConnIdleTime > 0 {
		pcfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime
	}
	if cfg.DBConnectTimeout > 0 {
		pcfg.ConnConfig.ConnectTimeout = cfg.DBConnectTimeout
	}

	params := pcfg.ConnConfig.RuntimeParams
	if _, ok := params["application_name"]; !ok {
		params["application_name"] = dbApplicationName
	}
	if cfg.DBStatementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(cfg.DBStatementTimeout.Milliseconds(), 10)
	}
	return pcfg, nil
}

// openPool connects to Postgres and fails fast when no connection can be acquired.
// Schema changes are not applied here, see Migrate.
func openPool(ctx context.Context, cfg Config, log *slog.Logger) (*pgxpool.Pool, error) {
	pcfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := acquireWithin(ctx, pool, nonZeroDuration(cfg.DBConnectTimeout, 5*time.Second)); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info("db.pool.open",
		"max_conns", pcfg.MaxConns,
		"min_conns", pcfg.MinConns,
		"statement_timeout", pcfg.ConnConfig.RuntimeParams["statement_timeout"],
	)
	return pool, nil
}

func acquireWithin(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// readinessCheck is one dependency /readyz waits on.
type readinessCheck struct {
	name  string
	check func(context.Context) error
}

var errNotConfigured = errors.New("not configured")

// readinessChecks lists the backing services this instance needs before it takes traffic.
func (a *App) readinessChecks() []readinessCheck {
	var out []readinessCheck
	switch {
	case a.dbPool != nil:
		pool := a.dbPool
		out = append(out, readinessCheck{name: "db", check: func(ctx context.Context) error { return pool.Ping(ctx) }})
	case a.cfg.ReadinessRequireDB:
		out = append(out, readinessCheck{name: "db", check: func(context.Context) error { return errNotConfigured }})
	}
	if a.rdb != nil {
		rdb := a.rdb
		out = append(out, readinessCheck{name: "redis", check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }})
	}
	return out
}

// firstUnready runs checks in order and returns the name and error of the first failure.
func firstUnready(ctx context.Context, checks []readinessCheck, timeout time.Duration) (string, error) {
	for _, c := range checks {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		err := c.check(pctx)
		cancel()
		if err != nil {
			return c.name, err
		}
	}
	return "", nil
}
