package app

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"clubhouse/cmd/internal/club"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Direction selects which way Migrate moves the schema.
type Direction string

const (
	MigrateUp   Direction = "up"
	MigrateDown Direction = "down"
)

// Migrate applies (or rolls back) the embedded club schema migrations.
// ErrNoChange is not an error.
func Migrate(databaseURL string, dir Direction, log *slog.Logger) error {
	if strings.TrimSpace(databaseURL) == "" {
		return errors.New("migrate: database url is required")
	}
	src, err := iofs.New(club.Migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrate: open source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(databaseURL))
	if err != nil {
		return fmt.Errorf("migrate: init: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			log.Warn("migrate.close.fail", "source_err", srcErr, "db_err", dbErr)
		}
	}()

	switch dir {
	case MigrateUp:
		err = m.Up()
	case MigrateDown:
		err = m.Down()
	default:
		return fmt.Errorf("migrate: unknown direction %q", dir)
	}
	if errors.Is(err, migrate.ErrNoChange) {
		log.Info("migrate.no_change", "direction", string(dir))
		return nil
	}
	if err != nil {
		return fmt.Errorf("migrate %s: %w", dir, err)
	}

	version, dirty, verr := m.Version()
	log.Info("migrate.done", "direction", string(dir), "version", version, "dirty", dirty, "version_err", verr)
	return nil
}

// migrateURL rewrites a postgres:// DSN to the pgx5:// scheme the migrate driver registers.
func migrateURL(dsn string) string {
	for _, p := range []string{"postgresql://", "postgres://"} {
		if rest, ok := strings.CutPrefix(dsn, p); ok {
			return "pgx5://" + rest
		}
	}
	return dsn
}
