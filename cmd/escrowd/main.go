package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gridmarket/escrowd/internal/api"
	"github.com/gridmarket/escrowd/internal/auth"
	"github.com/gridmarket/escrowd/internal/config"
	"github.com/gridmarket/escrowd/internal/currency"
	"github.com/gridmarket/escrowd/internal/events"
	"github.com/gridmarket/escrowd/internal/hostdir"
	"github.com/gridmarket/escrowd/internal/locks"
	"github.com/gridmarket/escrowd/internal/pricing"
	"github.com/gridmarket/escrowd/internal/proof"
	"github.com/gridmarket/escrowd/internal/rail"
	"github.com/gridmarket/escrowd/internal/session"
	"github.com/gridmarket/escrowd/internal/settle"
	"github.com/gridmarket/escrowd/internal/treasury"
	"github.com/gridmarket/escrowd/internal/vault"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Payment rail (operator key + RPC) ─────────────────────────────────────
	chain, err := rail.NewChainClient(cfg, rdb, log)
	if err != nil {
		log.Fatal("chain client init failed", zap.Error(err))
	}
	log.Info("escrow account", zap.String("address", chain.EscrowAddress().Hex()))

	treasuryAddr := common.HexToAddress(cfg.Chain.TreasuryAddress)

	// ── Stores ────────────────────────────────────────────────────────────────
	sessionStore := session.NewStore(rdb)
	vaultStore := vault.NewStore(rdb)
	registry := currency.NewRegistry(rdb)
	accumulator := treasury.NewAccumulator(rdb)
	directory := hostdir.NewRedisDirectory(rdb)
	emitter := events.NewEmitter(rdb, log)

	// One lock instance shared by the ledger and the engine: proof accounting
	// and settlement on the same session must not interleave.
	sessionLocks := locks.NewKeyed()

	// ── Core components ───────────────────────────────────────────────────────
	manager := session.NewManager(
		sessionStore,
		registry,
		pricing.NewValidator(directory),
		directory,
		vaultStore,
		chain,
		emitter,
		cfg.Escrow.MinSessionDurationSec,
		log,
	)
	ledger := proof.NewLedger(
		sessionStore,
		rdb,
		emitter,
		sessionLocks,
		cfg.Escrow.MinProvenUnits,
		cfg.Escrow.MaxUnitsPerSec,
		log,
	)
	engine := settle.NewEngine(
		sessionStore,
		vaultStore,
		accumulator,
		chain,
		emitter,
		sessionLocks,
		treasuryAddr,
		cfg.Escrow.FeeBasisPoints,
		cfg.Escrow.BatchFees,
		log,
	)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	handler := api.NewHandler(
		manager, ledger, engine,
		vaultStore, registry, accumulator,
		chain, emitter, treasuryAddr, log,
	)
	handler.RegisterPublic(r)
	api.NewEventFeed(rdb, log).Register(r)

	authed := r.Group("/api", auth.Middleware(rdb))
	handler.Register(authed)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
