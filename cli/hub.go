package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opencompute/Kaetram-Open/cache"
	"github.com/opencompute/Kaetram-Open/config"
	"github.com/opencompute/Kaetram-Open/hub"
	"github.com/opencompute/Kaetram-Open/scheduler"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newHubCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Run the cross-shard presence and relay hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Hub.Port = port
			}
			logger, err := newLogger(cfg.Server.Debug)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runHub(ctx, cfg, logger)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "Override hub.port")
	return cmd
}

// runHub serves the hub until ctx is cancelled.
func runHub(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.Cache.RedisAddr == "" {
		return errors.New("hub: cache.redis_addr is required; shards reach the hub through Redis")
	}
	cacheConfig := cacheConfigOf(cfg)
	c, err := cache.NewCache(cacheConfig)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer c.Close()
	ps, err := cache.NewPubSub(cacheConfig)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	h := hub.New(c, ps, cfg.Hub.PruneAfter, logger)
	if err := h.Start(ctx); err != nil {
		return err
	}
	defer h.Close()

	sched := scheduler.New(logger)
	defer sched.Stop()
	sched.AddTicker("hub_prune", max(cfg.Hub.PruneAfter/2, time.Second), func(ctx context.Context) {
		pruned, err := h.Prune(ctx)
		if err != nil {
			logger.Error("hub prune failed", zap.Error(err))
		}
		if len(pruned) > 0 {
			logger.Warn("pruned silent shards", zap.Ints("servers", pruned))
		}
	})

	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Hub.Port),
		Handler:           h.Router(cfg.Hub.AdminIPs),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("hub listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
