package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"retailcore/internal/config"
	"retailcore/internal/httpapi"
	"retailcore/internal/logger"
	"retailcore/internal/metrics"
	"retailcore/internal/ratelimit"
	"retailcore/internal/service"
	"retailcore/internal/store"
	"retailcore/internal/store/memory"
	mongostore "retailcore/internal/store/mongo"
	pgstore "retailcore/internal/store/postgres"
)

const startupTimeout = 10 * time.Second

func main() {
	fx.New(
		fx.Provide(
			config.Load,
			newLoggerConfig,
			logger.New,
			newMetrics,
			newRepository,
			newLoginLimiter,
			newService,
			newAuthManager,
			newAPI,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Invoke(checkSecurityConfig, runHTTP),
	).Run()
}

func newLoggerConfig(cfg config.Config) logger.Config {
	return logger.Config{
		ServiceName: "retailcore",
		Environment: cfg.Environment,
		Version:     cfg.Version,
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
	}
}

func newMetrics() *metrics.Metrics {
	return metrics.New(nil)
}

func checkSecurityConfig(cfg config.Config) error {
	if err := validateSecurityConfig(cfg); err != nil {
		return fmt.Errorf("invalid security configuration: %w", err)
	}
	return nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.BootstrapAdminPassword != "" && len(cfg.BootstrapAdminPassword) < 8 {
		return fmt.Errorf("BOOTSTRAP_ADMIN_PASSWORD must be at least 8 characters")
	}
	return nil
}

// newRepository picks postgres, then mongo, then the seeded in-memory store.
// A configured database that cannot be reached stops startup, and production
// never runs on the seeded store with its well-known accounts.
func newRepository(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (store.Repository, error) {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	switch {
	case cfg.DatabaseURL != "":
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback: %w", err)
		}
		if err := pgstore.RunMigrations(pg.DB()); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		lc.Append(fx.StopHook(pg.Close))
		log.Info("repository selected", zap.String("repository", "postgres"))
		return pg, nil

	case cfg.MongoURL != "":
		mg, err := mongostore.New(ctx, cfg.MongoURL, cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("mongo unavailable and MONGO_URL is set: %w", err)
		}
		lc.Append(fx.StopHook(mg.Close))
		log.Info("repository selected", zap.String("repository", "mongo"), zap.String("database", cfg.MongoDatabase))
		return mg, nil

	case cfg.IsProduction():
		return nil, fmt.Errorf("APP_ENV=production requires DATABASE_URL or MONGO_URL; the in-memory store ships demo accounts")

	default:
		log.Info("repository selected", zap.String("repository", "memory"))
		return memory.NewSeeded(), nil
	}
}

func newLoginLimiter(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) ratelimit.Limiter {
	rule := ratelimit.Rule{PerMinute: cfg.LoginAttemptsPerMinute}
	local := ratelimit.NewMemory(rule)
	if cfg.RedisAddr == "" {
		log.Info("login limiter selected", zap.String("limiter", "memory"))
		return local
	}

	shared := ratelimit.NewRedis(ratelimit.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), "retailcore:ratelimit:", rule)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := shared.Ping(ctx); err != nil {
		log.Warn("redis unavailable, using memory limiter", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		_ = shared.Close()
		return local
	}
	lc.Append(fx.StopHook(shared.Close))
	log.Info("login limiter selected", zap.String("limiter", "redis"))

	return ratelimit.Fallback{
		Primary:   shared,
		Secondary: local,
		OnError: func(err error) {
			log.Warn("redis limiter failed, answering from memory", zap.Error(err))
		},
	}
}

func newService(cfg config.Config, repo store.Repository, m *metrics.Metrics, log *zap.Logger) *service.Service {
	return service.New(repo, m, log, service.Options{
		DefaultBranchCode: cfg.DefaultBranchCode,
		CommitTimeout:     cfg.RequestTimeout(),
	})
}

func newAuthManager(cfg config.Config, repo store.Repository, log *zap.Logger) (*httpapi.AuthManager, error) {
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	created, err := auth.EnsureAdmin(ctx, cfg.BootstrapAdminUsername, cfg.BootstrapAdminPassword)
	if err != nil {
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}
	if created {
		log.Info("bootstrap admin created", zap.String("username", cfg.BootstrapAdminUsername))
	}
	return auth, nil
}

func newAPI(cfg config.Config, svc *service.Service, auth *httpapi.AuthManager, limiter ratelimit.Limiter, m *metrics.Metrics, log *zap.Logger) *httpapi.API {
	return httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		LoginLimiter:  limiter,
		Metrics:       m,
		Logger:        log,
	})
}

func runHTTP(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg config.Config, api *httpapi.API, log *zap.Logger) {
	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.RequestTimeout(),
		WriteTimeout:      cfg.RequestTimeout() + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				log.Info("retailcore listening", zap.String("addr", cfg.Address()))
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("server error", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return err
			}
			log.Info("server stopped")
			return nil
		},
	})
}
