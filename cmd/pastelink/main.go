package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pastelink/cfg"
	"pastelink/pkg/domain"
	"pastelink/pkg/kms"
	"pastelink/svc/api"
	"pastelink/svc/auth"
	"pastelink/svc/cache"
	"pastelink/svc/db"
	"pastelink/svc/lim"
	"pastelink/svc/svc"
	"pastelink/svc/util"
)

func main() {
	if err := cfg.LoadDotEnv(); err != nil {
		util.Fatal().Err(err).Msg("failed to read .env")
	}
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthCheck())
	}

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().
		Str("backend", c.StoreBackend).
		Strs("allowed_origins", c.AllowedOrigins).
		Msg("starting pastelink API")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var kmsAdapter *kms.Adapter
	if c.SealAtRest || c.MetricsPassFromKMS {
		kmsAdapter, err = kms.NewAdapter(ctx, kms.Config{
			VaultAddr:       c.KMS.VaultAddr,
			VaultToken:      c.KMS.VaultToken.Value(),
			VaultMountPath:  c.KMS.VaultMountPath,
			VaultKeyID:      c.KMS.VaultKeyID,
			VaultSecretPath: c.KMS.VaultSecretPath,
			AWSRegion:       c.KMS.AWSRegion,
			AWSKeyID:        c.KMS.AWSKeyID,
			LocalKey:        c.KMS.LocalKey.Value(),
			RequirePrimary:  c.KMS.RequirePrimary,
			FailClosed:      c.KMS.FailClosed,
		})
		if err != nil {
			util.Fatal().Err(err).Msg("failed to initialize KMS adapter")
		}
	}
	if c.MetricsPassFromKMS {
		pass, err := kmsAdapter.GetSecret(ctx, "METRICS_PASS")
		if err != nil {
			util.Fatal().Err(err).Msg("failed to load metrics password from KMS")
		}
		c.MetricsPass.Wipe()
		c.MetricsPass = cfg.NewSecret(pass)
	}

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c)
		if err != nil {
			if c.Environment == "production" || c.StoreBackend == cfg.BackendRedis {
				util.Fatal().Err(err).Msg("redis required but unavailable")
			}
			util.Warn().Err(err).Msg("redis unavailable, rate limits stay local")
			rdb = nil
		} else {
			util.Info().Msg("redis connected")
			defer rdb.Close()
		}
	}

	var kv db.KV
	switch c.StoreBackend {
	case cfg.BackendSQLite:
		sqlDB, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
		if err != nil {
			util.Fatal().Err(err).Msg("failed to initialize database")
		}
		go db.StartWALMaintenance(ctx, sqlDB.DB())
		kv = sqlDB
	case cfg.BackendBolt:
		boltDB, err := db.NewBolt(c.BoltPath)
		if err != nil {
			util.Fatal().Err(err).Msg("failed to open bolt store")
		}
		kv = boltDB
	case cfg.BackendRedis:
		kv = rdb
	default:
		util.Warn().Msg("memory store selected, pastes will not survive a restart")
		kv = db.NewMemory()
	}
	if c.StoreBackend != cfg.BackendRedis {
		defer kv.Close()
	}
	util.Info().Str("backend", c.StoreBackend).Msg("store initialized")

	pasteKV := kv
	if c.SealAtRest {
		kekCache := kms.NewKEKCache(kmsAdapter, c.KEKCacheTTL)
		defer kekCache.Stop()
		pasteKV = db.NewSealed(kv, kmsAdapter, kekCache)
		util.Info().Dur("kek_cache_ttl", c.KEKCacheTTL).Msg("at-rest sealing enabled")
	}

	var store svc.Store = db.NewRepo[domain.Paste](pasteKV, "paste")
	if c.LRUCacheSize > 0 {
		lruCache, err := cache.NewLRU[domain.Paste](store, c.LRUCacheSize)
		if err != nil {
			util.Fatal().Err(err).Msg("failed to create LRU cache")
		}
		store = lruCache
		util.Info().Int("size", c.LRUCacheSize).Msg("LRU cache initialized")
	}

	hasher, err := auth.NewHasher(c.PBKDF2Iterations, 1024)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize hasher")
	}
	if err := hasher.Start(c.HasherWorkerCount); err != nil {
		util.Fatal().Err(err).Msg("failed to start hasher")
	}
	defer hasher.Stop()
	util.Info().
		Int("workers", c.HasherWorkerCount).
		Int("iterations", c.PBKDF2Iterations).
		Msg("hasher initialized")

	pasteSvc := svc.NewPaste(store, hasher, util.NewIDGen(c.IDUniform), c)

	var counter lim.Counter
	var redisPinger api.Pinger
	if rdb != nil {
		counter = rdb
		redisPinger = rdb
	}
	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, counter, c.TrustedProxies)
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Bool("shared", counter != nil).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	server := api.NewServer(c, pasteSvc, limiter, kv, redisPinger)

	if c.SweepInterval > 0 {
		if err := pasteSvc.StartSweeper(ctx, c.SweepInterval); err != nil {
			util.Error().Err(err).Msg("failed to start sweeper")
		} else {
			util.Info().Dur("interval", c.SweepInterval).Msg("expired paste sweeper started")
		}
	}

	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
		}
	}()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	cancel()
	pasteSvc.Shutdown()
	util.Info().Msg("shutdown complete")
}

// healthCheck probes the local /ready endpoint so it works for every store
// backend, including bolt whose file lock the server already holds.
func healthCheck() int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://127.0.0.1:"+port+"/ready", nil)
	if err != nil {
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
