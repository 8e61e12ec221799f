package main

import (
	"testing"

	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"retailcore/internal/config"
	"retailcore/internal/ratelimit"
	"retailcore/internal/store"
	"retailcore/internal/store/memory"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short"})
	if err == nil {
		t.Fatalf("expected weak security config to be rejected")
	}

	err = validateSecurityConfig(config.Config{
		AuthSecret:             "0123456789abcdef0123456789abcdef",
		BootstrapAdminPassword: "admin",
	})
	if err == nil {
		t.Fatalf("expected short bootstrap password to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef"})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestNewRepositoryDefaultsToMemory(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	repo, err := newRepository(lc, config.Config{}, zap.NewNop())
	if err != nil {
		t.Fatalf("newRepository: %v", err)
	}
	if _, ok := repo.(*memory.Store); !ok {
		t.Fatalf("expected memory store, got %T", repo)
	}
}

func TestNewRepositoryRefusesMemoryInProduction(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	_, err := newRepository(lc, config.Config{Environment: "production"}, zap.NewNop())
	if err == nil {
		t.Fatalf("expected production without a database to be rejected")
	}
}

func TestNewLoginLimiterWithoutRedisIsMemory(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	limiter := newLoginLimiter(lc, config.Config{LoginAttemptsPerMinute: 5}, zap.NewNop())
	if _, ok := limiter.(*ratelimit.Memory); !ok {
		t.Fatalf("expected memory limiter, got %T", limiter)
	}
}

func TestApplicationGraphResolves(t *testing.T) {
	t.Setenv("AUTH_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("MONGO_URL", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("APP_ENV", "development")

	var repo store.Repository
	app := fxtest.New(t,
		fx.Provide(
			config.Load,
			newLoggerConfig,
			func() *zap.Logger { return zap.NewNop() },
			newMetrics,
			newRepository,
			newLoginLimiter,
			newService,
			newAuthManager,
			newAPI,
		),
		fx.Invoke(checkSecurityConfig),
		fx.Populate(&repo),
	)
	app.RequireStart()
	app.RequireStop()

	if repo == nil {
		t.Fatalf("expected repository to be provided")
	}
}
