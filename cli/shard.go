package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	apirest "github.com/opencompute/Kaetram-Open/api/rest"
	apiws "github.com/opencompute/Kaetram-Open/api/ws"
	"github.com/opencompute/Kaetram-Open/audit"
	"github.com/opencompute/Kaetram-Open/cache"
	"github.com/opencompute/Kaetram-Open/config"
	dbadapter "github.com/opencompute/Kaetram-Open/db"
	"github.com/opencompute/Kaetram-Open/game/guild"
	"github.com/opencompute/Kaetram-Open/game/player"
	"github.com/opencompute/Kaetram-Open/hub"
	mw "github.com/opencompute/Kaetram-Open/middleware"
	"github.com/opencompute/Kaetram-Open/model"
	"github.com/opencompute/Kaetram-Open/relay"
	"github.com/opencompute/Kaetram-Open/scheduler"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

func newShardCmd() *cobra.Command {
	var serverID, port int

	cmd := &cobra.Command{
		Use:   "shard",
		Short: "Run a game shard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if serverID > 0 {
				cfg.Hub.ServerID = serverID
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			logger, err := newLogger(cfg.Server.Debug)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runShard(ctx, cfg, logger)
		},
	}

	cmd.Flags().IntVar(&serverID, "server-id", 0, "Override hub.server_id")
	cmd.Flags().IntVar(&port, "port", 0, "Override server.port")
	return cmd
}

// shardDeps is everything the shard's HTTP surface needs.
type shardDeps struct {
	cfg      *config.Config
	db       *gorm.DB
	cache    cache.Cache
	sm       *player.SessionManager
	store    guild.Store
	coord    *guild.Coordinator
	presence apiws.Presence
	audit    *audit.Service
	sched    *scheduler.Scheduler
	logger   *zap.Logger
}

// runShard wires the shard and serves until ctx is cancelled.
func runShard(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.Server.AdminKey == "" {
		logger.Warn("server.admin_key is not set; admin endpoints are disabled")
	}

	// ---- Database ----
	db, err := dbadapter.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	if err := model.AutoMigrate(db); err != nil {
		return fmt.Errorf("db migrate: %w", err)
	}
	logger.Info("DB initialized", zap.String("mode", cfg.Database.Mode))

	auditSvc := audit.New(db, logger)
	defer auditSvc.Stop(context.Background())

	// ---- Cache / PubSub ----
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

	// Without Redis no other process can reach this shard, so it runs its
	// own hub on the in-process bus.
	if cfg.Cache.RedisAddr == "" {
		h := hub.New(c, ps, cfg.Hub.PruneAfter, logger)
		if err := h.Start(ctx); err != nil {
			return err
		}
		defer h.Close()
		logger.Info("running with embedded hub")
	}

	// ---- Guild core ----
	sm := player.NewSessionManager(logger)
	relayClient := relay.NewClient(ps, cfg.Hub.ServerID, cfg.Hub.QueryTimeout, logger)
	store := guild.NewCachedStore(guild.NewGormStore(db), c, cfg.Guild.CacheTTL, logger)
	coord := guild.NewCoordinator(store, sm, relayClient, c, auditSvc, cfg.Guild, cfg.Hub.ServerID, logger)
	if err := relayClient.Start(ctx, coord.Deliver); err != nil {
		return err
	}
	defer relayClient.Close()

	// ---- Scheduler ----
	sched := scheduler.New(logger)
	defer sched.Stop()
	sched.AddTicker("relay_heartbeat", cfg.Hub.HeartbeatInterval, func(ctx context.Context) {
		if err := relayClient.Heartbeat(ctx, sm.Usernames()); err != nil {
			logger.Warn("relay heartbeat failed", zap.Error(err))
		}
	})

	engine := newShardEngine(shardDeps{
		cfg:      cfg,
		db:       db,
		cache:    c,
		sm:       sm,
		store:    store,
		coord:    coord,
		presence: relayClient,
		audit:    auditSvc,
		sched:    sched,
		logger:   logger,
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("shard listening",
			zap.String("addr", srv.Addr),
			zap.Int("server_id", cfg.Hub.ServerID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		sm.CloseAllSessions(5 * time.Second)
		coord.Wait()
		logger.Info("shard stopped")
		return err
	})
	return g.Wait()
}

// newShardEngine builds the shard's gin engine: REST API and websocket.
func newShardEngine(d shardDeps) *gin.Engine {
	if !d.cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(d.logger), mw.Recovery(d.logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "server_id": d.cfg.Hub.ServerID, "online": d.sm.Count()})
	})

	authH := apirest.NewAuthHandler(d.db, d.cache, d.cfg.Security)
	guildH := apirest.NewGuildHandler(d.coord.Directory(), d.store, d.logger)
	adminH := apirest.NewAdminHandler(d.db, d.sm, d.coord, d.audit, d.sched, d.logger)

	api := r.Group("/api")
	api.Use(mw.RateLimit(rate.Limit(d.cfg.Security.RateLimitRPS), d.cfg.Security.RateLimitBurst))
	{
		authG := api.Group("/auth")
		authG.POST("/login", authH.Login)
		authG.POST("/logout", mw.Auth(d.cfg.Security, d.cache), authH.Logout)
		authG.POST("/refresh", mw.Auth(d.cfg.Security, d.cache), authH.Refresh)

		guildsG := api.Group("/guilds")
		guildsG.GET("", guildH.List)
		guildsG.GET("/:id", guildH.Detail)

		adminG := api.Group("/admin")
		adminG.Use(mw.AdminKey(d.cfg.Server.AdminKey))
		adminG.GET("/metrics", adminH.Metrics)
		adminG.GET("/players", adminH.ListPlayers)
		adminG.POST("/kick/:username", adminH.KickPlayer)
		adminG.POST("/players/:username/ban", adminH.BanPlayer)
		adminG.DELETE("/guilds/:id", adminH.DeleteGuild)
		adminG.GET("/guilds/:id/audit", adminH.GuildAudit)
		adminG.POST("/guilds/experience", adminH.GrantExperience)
		adminG.GET("/scheduler", adminH.ListSchedulerTasks)
	}

	wsRouter := apiws.NewRouter(d.logger)
	apiws.NewGuildHandlers(d.coord, d.logger).RegisterHandlers(wsRouter)
	wsH := apiws.NewHandler(d.db, d.cache, d.cfg.Security, d.sm, d.coord, d.presence, wsRouter, d.logger)
	r.GET("/ws", wsH.ServeWS)

	return r
}

func cacheConfigOf(cfg *config.Config) cache.CacheConfig {
	return cache.CacheConfig{
		RedisAddr:       cfg.Cache.RedisAddr,
		RedisPassword:   cfg.Cache.RedisPassword,
		RedisDB:         cfg.Cache.RedisDB,
		LocalGCInterval: cfg.Cache.LocalGCInterval,
		LocalPubSubBuf:  cfg.Cache.LocalPubSubBuf,
	}
}
