// The qkms server hosts the key management API: quantum key agreement,
// lifecycle, and post-quantum identities.
package main

import (
	"context"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/qutemail/qkms/internal/application"
	"github.com/qutemail/qkms/internal/config"
	"github.com/qutemail/qkms/internal/infrastructure/audit"
	infracrypto "github.com/qutemail/qkms/internal/infrastructure/crypto"
	"github.com/qutemail/qkms/internal/infrastructure/kms"
	"github.com/qutemail/qkms/internal/infrastructure/monitoring"
	gormstore "github.com/qutemail/qkms/internal/infrastructure/persistence/gorm"
	"github.com/qutemail/qkms/internal/infrastructure/ratelimit"
	"github.com/qutemail/qkms/internal/interfaces/http/handlers"
	"github.com/qutemail/qkms/internal/interfaces/http/middleware"
	"github.com/qutemail/qkms/internal/interfaces/http/router"
	"github.com/qutemail/qkms/internal/qkd"
	"github.com/qutemail/qkms/pkg/logger"
)

func main() {
	ctx := context.Background()
	bootLog := logger.NewNoopLogger()

	cfg, err := config.LoadConfig(bootLog)
	if err != nil {
		// The real logger needs the config; fall back to stderr.
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := monitoring.NewZapLogger(&cfg.Log)
	if err != nil {
		os.Stderr.WriteString("failed to initialize logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	tracing, err := monitoring.NewTracingManager(&cfg.Tracing, log)
	if err != nil {
		log.Fatal(ctx, "failed to initialize tracing", err)
	}
	defer func() { _ = tracing.Shutdown(ctx) }()

	metrics := monitoring.NewMetrics()

	db, err := gormstore.Open(ctx, &cfg.Database, log)
	if err != nil {
		log.Fatal(ctx, "failed to open database", err)
	}

	masterKeys, err := masterKeyProvider(cfg, log)
	if err != nil {
		log.Fatal(ctx, "failed to initialize master key provider", err)
	}
	cipher, err := infracrypto.NewMaterialCipher(masterKeys)
	if err != nil {
		log.Fatal(ctx, "failed to initialize material cipher", err)
	}

	auditor := audit.NewNoopService()
	if cfg.Audit.Enabled {
		auditor, err = audit.NewKafkaProducer(cfg.Audit, log)
		if err != nil {
			log.Fatal(ctx, "failed to initialize audit producer", err)
		}
	}
	defer func() { _ = auditor.Close() }()

	simulator := qkd.NewSimulator(qkd.Options{
		ErrorRate:    cfg.QKD.ErrorRate,
		MaxSimQubits: cfg.QKD.MaxSimQubits,
		BlockSize:    cfg.QKD.BlockSize,
		MaxAttempts:  cfg.QKD.MaxAttempts,
	})
	orchestrator := qkd.NewOrchestrator(simulator, log)

	pingDB := func(ctx context.Context) error { return gormstore.Ping(ctx, db) }

	keyService := application.NewKeyService(
		gormstore.NewKeyRepository(db),
		orchestrator,
		cipher,
		auditor,
		metrics,
		log,
		cfg.QKD.DefaultKeySizeBits,
		cfg.QKD.KeyTTL(),
		pingDB,
	)
	pqcService := application.NewPQCService(gormstore.NewPQCIdentityRepository(db), cipher, log)

	middlewares := []gin.HandlerFunc{middleware.Observability(log, metrics)}
	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Address,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
		limiter, err := ratelimit.NewRedisRateLimiter(redisClient, &ratelimit.Config{
			Limit:    int64(cfg.RateLimit.DefaultRPM),
			Window:   time.Minute,
			Burst:    int64(cfg.RateLimit.BurstSize),
			FailOpen: true,
		}, log)
		if err != nil {
			log.Fatal(ctx, "failed to initialize rate limiter", err)
		}
		middlewares = append(middlewares, middleware.RateLimit(limiter, metrics))
	}

	var authMW gin.HandlerFunc
	if cfg.Auth.Enabled {
		authMW = middleware.BearerAuth(cfg.Auth.JWTSecret)
	}

	r := router.NewRouter(
		cfg,
		log,
		handlers.NewKeyHandler(keyService, log),
		handlers.NewPQCHandler(pqcService, log),
		handlers.NewHealthHandler(pingDB),
		authMW,
		middlewares...,
	)

	if err := r.Start(); err != nil {
		log.Fatal(ctx, "http server failed", err)
	}
}

// masterKeyProvider picks where the at-rest master key comes from. With no
// static key configured, an ephemeral key is generated and a restart loses
// access to previously sealed material.
func masterKeyProvider(cfg *config.Config, log logger.Logger) (infracrypto.MasterKeyProvider, error) {
	switch cfg.Crypto.MasterKeyProvider {
	case "vault":
		return kms.NewVaultKeyProvider(cfg.Vault, log)
	default:
		if cfg.Crypto.MasterKey != "" {
			return infracrypto.NewStaticKeyProvider(cfg.Crypto.MasterKey)
		}
		log.Warn(context.Background(), "no master key configured, using an ephemeral key")
		return infracrypto.NewRandomKeyProvider()
	}
}
