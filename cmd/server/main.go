package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/yield-engine/internal/alarm"
	"github.com/atmx/yield-engine/internal/amm"
	"github.com/atmx/yield-engine/internal/api"
	"github.com/atmx/yield-engine/internal/auth"
	"github.com/atmx/yield-engine/internal/chain"
	"github.com/atmx/yield-engine/internal/config"
	"github.com/atmx/yield-engine/internal/logging"
	"github.com/atmx/yield-engine/internal/ratelimit"
	"github.com/atmx/yield-engine/internal/reconcile"
	"github.com/atmx/yield-engine/internal/referral"
	"github.com/atmx/yield-engine/internal/staking"
	"github.com/atmx/yield-engine/internal/store"
	"github.com/atmx/yield-engine/internal/vesting"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "yield-engine:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath, ".env")
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, logCloser, err := logging.Setup(logging.Options{
		Service:    "yield-engine",
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	var st store.Store
	if dbURL := cfg.Storage.DatabaseURL; dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		st = pg
		logger.Info("connected to PostgreSQL")

		if redisURL := cfg.Storage.RedisURL; redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				return fmt.Errorf("invalid redis url: %w", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Storage.CacheTTL)
			logger.Info("Redis cache enabled", "ttl", cfg.Storage.CacheTTL)
		}
	} else {
		logger.Warn("database url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Reserves and balances ---
	// Transfers are booked in the store with every commit and enter it
	// through POST /admin/deposits. Reconciliation reads the same ledger
	// unless it is pointed at the token contracts on chain.
	var prices amm.ReserveSource
	var balances reconcile.BalanceSource = st
	if cfg.Chain.RPCURL != "" {
		client, err := chain.Dial(cfg.Chain.RPCURL)
		if err != nil {
			return fmt.Errorf("dial rpc: %w", err)
		}
		cleanup = append(cleanup, client.Close)
		prices = chain.NewPairReader(client)
		if cfg.Reconcile.Source == config.SourceChain {
			balances = chain.NewTokenBalances(client)
		}
		logger.Info("reading reserves from chain", "rpc", cfg.Chain.RPCURL)
	} else {
		static, err := staticReserves(cfg.Chain.StaticPairs)
		if err != nil {
			return err
		}
		prices = static
		logger.Warn("rpc url not set, using static reserves", "pairs", len(cfg.Chain.StaticPairs))
	}

	// --- Collaborators ---
	notifiers := alarm.Multi{alarm.LogNotifier{Logger: logger}}
	if cfg.Telegram.Enabled {
		tg, err := alarm.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelay)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		notifiers = append(notifiers, tg)
		logger.Info("Telegram alarms enabled")
	}

	var ref referral.Referral = referral.Noop{}
	if cfg.Referral.AMQPURL != "" {
		pub, conn, err := referral.Dial(cfg.Referral.AMQPURL)
		if err != nil {
			return fmt.Errorf("referral broker: %w", err)
		}
		cleanup = append(cleanup, func() { conn.Close() }, func() { pub.Close() })
		ref = pub
		logger.Info("referral notices enabled")
	}

	var vest vesting.Vesting
	if cfg.Engine.VestingCustody != "" {
		vest = vesting.NewMemoryVesting(common.HexToAddress(cfg.Engine.VestingCustody))
	}

	// --- WebSocket hub ---
	hub := api.NewWSHub(logger)
	go hub.Run(ctx)

	// --- Engine ---
	engine, err := staking.New(staking.Deps{
		Store:    st,
		Prices:   prices,
		Vesting:  vest,
		Referral: ref,
		Alarms:   notifiers,
		Events:   hub,
		Clock:    staking.SystemClock{},
		Logger:   logger,
		Admin:    cfg.AdminAddress(),
	})
	if err != nil {
		return err
	}

	// --- Reconciliation ---
	checker := reconcile.NewChecker(st, balances, notifiers, logger)
	logger.Info("reconciling custody balances", "source", cfg.Reconcile.Source)
	if cfg.Reconcile.Enabled {
		job, err := reconcile.NewJob(checker, cfg.Reconcile.Schedule, cfg.Reconcile.Timeout, logger)
		if err != nil {
			return err
		}
		job.Start()
		cleanup = append(cleanup, job.Stop)
	}

	// --- HTTP router ---
	opts := api.RouterOptions{
		Service: api.NewService(engine, checker, logger),
		Hub:     hub,
		Authenticator: auth.NewAuthenticator(auth.Config{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			ClockSkew:  cfg.Auth.ClockSkew,
		}, logger),
		RequestLogging: true,
	}
	if !cfg.Auth.Enabled {
		logger.Warn("authentication disabled, callers are taken from the " + auth.ParticipantHeader + " header")
	}
	if cfg.RateLimit.Enabled {
		opts.Limiter = ratelimit.New(ratelimit.Config{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		})
	}

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewRouter(opts),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("yield-engine listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("shutting down yield-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	return nil
}

func staticReserves(pairs []config.StaticPair) (*amm.StaticSource, error) {
	src := amm.NewStaticSource()
	for i, p := range pairs {
		r0, err := uint256.FromDecimal(p.Reserve0)
		if err != nil {
			return nil, fmt.Errorf("chain.static_pairs[%d].reserve0: %w", i, err)
		}
		r1, err := uint256.FromDecimal(p.Reserve1)
		if err != nil {
			return nil, fmt.Errorf("chain.static_pairs[%d].reserve1: %w", i, err)
		}
		src.Set(common.HexToAddress(p.Pair), common.HexToAddress(p.Token0), common.HexToAddress(p.Token1), r0, r1)
	}
	return src, nil
}

