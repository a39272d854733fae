package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Serve is the entrypoint used by `clubhouse serve`.
// It returns an error instead of calling os.Exit to keep defers effective and lint clean.
func Serve(cfg Config) error {
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
