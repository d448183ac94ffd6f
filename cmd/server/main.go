// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
package main

// @title Gateway API
// @version 1.0
// @description USDT-on-BSC payment gateway.
// @host localhost:8080
// @BasePath /

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/oxzoid/gatewaycore/pkg/addressmgr"
	"github.com/oxzoid/gatewaycore/pkg/audit"
	"github.com/oxzoid/gatewaycore/pkg/blockchain"
	"github.com/oxzoid/gatewaycore/pkg/config"
	"github.com/oxzoid/gatewaycore/pkg/db"
	"github.com/oxzoid/gatewaycore/pkg/httpapi"
	"github.com/oxzoid/gatewaycore/pkg/idempotency"
	"github.com/oxzoid/gatewaycore/pkg/money"
	"github.com/oxzoid/gatewaycore/pkg/payout"
	"github.com/oxzoid/gatewaycore/pkg/payout/custodial"
	"github.com/oxzoid/gatewaycore/pkg/payout/onchain"
	"github.com/oxzoid/gatewaycore/pkg/queuebus"
	"github.com/oxzoid/gatewaycore/pkg/ratelimit"
	"github.com/oxzoid/gatewaycore/pkg/refund"
	"github.com/oxzoid/gatewaycore/pkg/secretregistry"
	"github.com/oxzoid/gatewaycore/pkg/settlement"
	"github.com/oxzoid/gatewaycore/pkg/txstate"
	"github.com/oxzoid/gatewaycore/pkg/webhook"
)

// bscChainID is BNB Smart Chain mainnet's EIP-155 chain ID.
const bscChainID = 56

// usdtDecimals is BEP-20 USDT's token decimals on BSC.
const usdtDecimals = 6

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Str("service", "gatewaycore").Logger()

	database, err := db.Open(cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db open failed")
	}
	defer database.Close()
	if err := db.EnsureSchema(database); err != nil {
		log.Fatal().Err(err).Msg("schema migration failed")
	}
	if err := queuebus.EnsureSchema(database); err != nil {
		log.Fatal().Err(err).Msg("queue schema migration failed")
	}

	var secrets *secretregistry.Registry
	if cfg.HDWalletMnemonic != "" {
		secrets = secretregistry.New(cfg.HDWalletMnemonic)
	}
	addresses := addressmgr.New(database, secrets, cfg.HDPathTemplate, cfg.WalletKeyPassphrase, 30*time.Minute)

	var backend payout.Backend
	if cfg.PayoutBackend == "custodial" {
		backend = custodial.New(cfg.BinanceAPIKey, cfg.BinanceAPISecret, cfg.BinanceAPIURL, "USDT", "BSC")
	} else {
		onchainBackend, err := onchain.New(cfg.BSCRPCURL, database, cfg.USDTContractAddress, bscChainID, usdtDecimals, cfg.WalletKeyPassphrase)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to construct on-chain payout backend")
		}
		backend = onchainBackend
	}
	payouts := payout.New(database, backend)
	refunds := refund.New(database, backend)

	// Settlement always sweeps on-chain, regardless of which payout
	// backend PAYOUT_BACKEND selected: a custodial payout backend knows
	// how to Send to an external address, not how to move the gateway's
	// own hot wallet funds.
	var sweeper settlement.Sweeper
	if s, ok := backend.(settlement.Sweeper); ok {
		sweeper = s
	} else {
		onchainBackend, err := onchain.New(cfg.BSCRPCURL, database, cfg.USDTContractAddress, bscChainID, usdtDecimals, cfg.WalletKeyPassphrase)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to construct settlement sweeper")
		}
		sweeper = onchainBackend
	}
	hotWalletThreshold, err := money.New(cfg.HotWalletThreshold)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid HOT_WALLET_THRESHOLD")
	}
	coldStorageReserve, err := money.New(cfg.ColdStorageReserve)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid COLD_STORAGE_RESERVE")
	}
	settlements := settlement.New(database, sweeper, hotWalletThreshold, cfg.ColdWalletAddress, 24*time.Hour)

	amountTolerance, err := money.FromRawUnits("1", usdtDecimals)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build amount tolerance")
	}
	machine := txstate.New(database, cfg.RequiredConfirmations, amountTolerance)

	monitor, err := blockchain.New(blockchain.Config{
		RPCURL:                cfg.BSCRPCURL,
		WSURL:                 cfg.BSCWSURL,
		ContractAddress:       cfg.USDTContractAddress,
		TokenDecimals:         usdtDecimals,
		RequiredConfirmations: cfg.RequiredConfirmations,
		ReorgRewindBlocks:     5,
	}, log.With().Str("component", "blockchain").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct blockchain monitor")
	}

	webhooks := webhook.New(database, cfg.WebhookSecret, cfg.WebhookRetryDelay, log.With().Str("component", "webhook").Logger())
	idempotent := idempotency.New(database, 24*time.Hour)
	limiter := ratelimit.New(ratelimit.DefaultPerMinute, ratelimit.DefaultPerDay)
	auditLog := audit.New(database)
	bus := queuebus.New(database, log.With().Str("component", "queuebus").Logger())

	a := &app{
		db:          database,
		log:         log,
		addresses:   addresses,
		monitor:     monitor,
		machine:     machine,
		settlements: settlements,
		payouts:     payouts,
		refunds:     refunds,
		webhooks:    webhooks,
		audit:       auditLog,
		bus:         bus,
	}
	monitor.Sink = a.onTransfer

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := monitor.Run(ctx); err != nil {
			log.Error().Err(err).Msg("blockchain monitor stopped")
		}
	}()

	go bus.Worker(ctx, queuebus.QueueTransactionMonitor, "monitor-1", 5*time.Second, 2*time.Minute, a.trackConfirmations)
	go bus.Worker(ctx, queuebus.QueueWebhookSend, "webhook-1", 2*time.Second, time.Minute, a.sendWebhook)
	go bus.Worker(ctx, queuebus.QueuePayoutExecute, "payout-1", 5*time.Second, time.Minute, a.executePayout)
	go bus.Worker(ctx, queuebus.QueueSettlementExecute, "settlement-1", 5*time.Second, 2*time.Minute, a.executeSettlementBatch)
	go bus.Worker(ctx, queuebus.QueueRefundProcess, "refund-1", 5*time.Second, time.Minute, a.processRefund)

	c := cron.New()
	mustAddFunc(c, "@every 1m", func() { a.sweepExpiredAddresses(ctx) })
	mustAddFunc(c, "@every 1m", func() { a.scheduleSettlements(ctx) })
	mustAddFunc(c, "@every 1m", func() { a.enqueueScheduledBatches(ctx) })
	mustAddFunc(c, "@every 1m", func() { a.enqueuePendingPayouts(ctx) })
	mustAddFunc(c, "@every 5m", func() { a.checkColdStorage(ctx, coldStorageReserve) })
	mustAddFunc(c, "@every 1h", func() { a.sweepIdempotencyKeys(ctx, idempotent) })
	c.Start()
	defer c.Stop()

	server := httpapi.New(database, cfg.APIKeySalt, addresses, payouts, refunds, webhooks, idempotent, limiter)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", server.Handler())

	log.Info().Str("port", cfg.Port).Msg("gateway listening")
	if err := http.ListenAndServe(":"+cfg.Port, mux); err != nil {
		log.Fatal().Err(err).Msg("http server stopped")
	}
}

func mustAddFunc(c *cron.Cron, spec string, fn func()) {
	if _, err := c.AddFunc(spec, fn); err != nil {
		panic(err)
	}
}
