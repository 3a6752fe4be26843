package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/veldtex/p2pcore/params"
	"github.com/veldtex/p2pcore/pkg/api"
	"github.com/veldtex/p2pcore/pkg/core"
	"github.com/veldtex/p2pcore/pkg/core/deposit"
	"github.com/veldtex/p2pcore/pkg/core/kyc"
	"github.com/veldtex/p2pcore/pkg/core/ledger"
	"github.com/veldtex/p2pcore/pkg/core/order"
	"github.com/veldtex/p2pcore/pkg/devnet"
	"github.com/veldtex/p2pcore/pkg/oracle"
	"github.com/veldtex/p2pcore/pkg/util"
)

// Devnet identities. A deployed node derives these from genesis; here
// they are fixed so curl sessions are reproducible.
var (
	devMaker      = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	devBuyer      = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	devSeller     = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	devCommittee  = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	devArbitrator = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	devReporter   = common.HexToAddress("0x00000000000000000000000000000000000000f1")
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	// Setup logging (write to both console and file)
	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		logFile = filepath.Join(cfg.Node.DataDir, "node.log")
	}

	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", logFile)

	// ---- Storage ----
	store, err := order.NewStore(filepath.Join(cfg.Node.DataDir, "orders"))
	if err != nil {
		sugar.Fatalw("order_store_open_failed", "err", err)
	}
	defer store.Close()

	led, err := ledger.Open(filepath.Join(cfg.Node.DataDir, "ledger"))
	if err != nil {
		sugar.Fatalw("ledger_open_failed", "err", err)
	}
	defer led.Close()

	// ---- Collaborators ----
	registry := devnet.NewRegistry(led)
	credit := devnet.NewCredit(cfg.Buy.MaxOrderMicros * 10)
	feed := devnet.NewFeed(envInt64("TOKEN_PRICE_MICROS", 100_000)) // 0.1 quote per token
	identity := devnet.NewIdentity()

	seedDevnet(sugar, led, registry, identity, cfg)

	// ---- Height ----
	// One counter driven by a wall-clock ticker stands in for consensus.
	var height atomic.Uint64

	// ---- Engine ----
	engine := core.New(core.Deps{
		Config:     cfg,
		Store:      store,
		Ledger:     led,
		Deposits:   deposit.New(deposit.Policy(cfg.Deposit), led),
		Gate:       kyc.New(identity),
		Feed:       feed,
		Makers:     registry,
		Credit:     credit,
		Clock:      util.RealClock{},
		Height:     height.Load,
		Committee:  envAddress("COMMITTEE_ADDR", devCommittee),
		Arbitrator: envAddress("ARBITRATOR_ADDR", devArbitrator),
		Logger:     sugar,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- API Server ----
	apiServer := api.NewServer(engine)
	engine.SetOnEvent(apiServer.BroadcastEvent)

	go func() {
		sugar.Infow("api_server_starting", "addr", cfg.Node.APIAddr)
		if err := apiServer.Start(cfg.Node.APIAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	// ---- Oracle Worker ----
	reporter := envAddress("ORACLE_REPORTER_ADDR", devReporter)
	go oracle.New(cfg.Oracle, engine, reporter, sugar).Run(ctx)

	// ---- Block loop ----
	// Advances height and runs the per-height sweeps.
	ticker := time.NewTicker(cfg.Node.BlockTime)
	defer ticker.Stop()

	sugar.Infow("node_started",
		"data_dir", cfg.Node.DataDir,
		"block_time_ms", cfg.Node.BlockTime.Milliseconds(),
		"oracle_endpoints", len(cfg.Oracle.Endpoints))

	for {
		select {
		case <-ctx.Done():
			sugar.Info("node_stopping")
			return
		case <-ticker.C:
			h := height.Add(1)
			engine.OnHeight(h)
			if h%1000 == 0 {
				sugar.Infow("height_progress", "height", h)
			}
		}
	}
}

// seedDevnet funds the demo accounts and registers one maker so the API
// is usable immediately.
func seedDevnet(sugar *zap.SugaredLogger, led *ledger.Ledger, registry *devnet.Registry, identity *devnet.Identity, cfg params.Config) {
	const grant = 1_000_000_000_000 // 1M tokens each

	for _, addr := range []common.Address{devMaker, devBuyer, devSeller} {
		if err := led.Mint(addr, grant); err != nil {
			log.Fatalf("devnet mint: %v", err)
		}
	}

	makerID, err := registry.Register(devMaker, "TDevMakerRai1111111111111111111111", cfg.Maker.MinBondMicros)
	if err != nil {
		log.Fatalf("devnet maker: %v", err)
	}

	identity.SetLevel(devMaker, 3)
	identity.SetLevel(devBuyer, 1)
	identity.SetLevel(devSeller, 1)

	sugar.Infow("devnet_seeded",
		"maker_id", makerID,
		"maker", devMaker.Hex(),
		"buyer", devBuyer.Hex(),
		"seller", devSeller.Hex())
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envAddress(key string, def common.Address) common.Address {
	if v := os.Getenv(key); v != "" && common.IsHexAddress(v) {
		return common.HexToAddress(v)
	}
	return def
}
