package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/careorbit/careorbit/internal/domain/attachment"
	"github.com/careorbit/careorbit/internal/domain/integrity"
	"github.com/careorbit/careorbit/internal/domain/projection"
	"github.com/careorbit/careorbit/internal/domain/records"
	"github.com/careorbit/careorbit/internal/domain/registration"
	"github.com/careorbit/careorbit/internal/platform/db"
	"github.com/careorbit/careorbit/internal/platform/middleware"
)

const (
	defaultBodyLimit = 1 << 20
	shutdownTimeout  = 10 * time.Second

	// maxFilesPerUpload sizes the multipart body limit. Each file is still
	// checked against the per-file limit.
	maxFilesPerUpload = 10
)

// newServer builds the ops server. The database ping on /health is skipped
// when the app has no pool.
func newServer(a *app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.log))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.log))
	e.Use(middleware.BodyLimit(defaultBodyLimit, a.cfg.AttachmentMaxBytes*int64(1+maxFilesPerUpload)))

	e.GET("/health", db.HealthHandler(a.pool, db.Check{Name: "attachments", Run: a.files.Writable}))

	api := e.Group("/api/v1")
	registration.NewHandler(a.guard).RegisterRoutes(api)
	records.NewHandler(a.records).RegisterRoutes(api)
	projection.NewHandler(a.projector).RegisterRoutes(api)
	integrity.NewHandler(a.auditor).RegisterRoutes(api)
	attachment.NewHandler(a.files, a.signer, a.cfg.AttachmentRetentionDays).RegisterRoutes(api)

	return e
}

// runServer serves until ctx is cancelled or a termination signal arrives,
// sweeping orphaned attachments in the background.
func runServer(ctx context.Context, a *app) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e := newServer(a)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := ":" + a.cfg.Port
		a.log.Info().Str("addr", addr).Str("env", a.cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		runSweeper(gctx, a.files, a.cfg.SweepInterval, a.cfg.AttachmentRetentionDays, a.log)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.log.Info().Msg("server stopped")
	return nil
}

// sweeper is the part of the file store the background sweep needs.
type sweeper interface {
	SweepOrphans(ctx context.Context, retentionDays int) (int, error)
}

// runSweeper sweeps once per interval until ctx is done. A non-positive
// interval disables it.
func runSweeper(ctx context.Context, s sweeper, interval time.Duration, retentionDays int, log zerolog.Logger) {
	if interval <= 0 {
		log.Info().Msg("attachment sweeper disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepOrphans(ctx, retentionDays)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error().Err(err).Msg("attachment sweep failed")
				continue
			}
			log.Info().Int("removed", n).Int("retention_days", retentionDays).Msg("attachment sweep finished")
		}
	}
}
