package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Serve is the `gabriel serve` entrypoint. It returns an error instead of
// calling os.Exit so defers run.
func Serve(ctx context.Context) error {
	cfg := LoadConfig()
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		log.Error("server.init.fail", "err", err)
		return err
	}
	return a.Run(ctx)
}
