package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/zenithdex/zenith/params"
	"github.com/zenithdex/zenith/pkg/api"
	"github.com/zenithdex/zenith/pkg/exchange"
	"github.com/zenithdex/zenith/pkg/token"
	"github.com/zenithdex/zenith/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.API.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	store, err := exchange.OpenStore(cfg.Storage.DataDir)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}

	journal, err := exchange.OpenJournal(cfg.Storage.WalDir)
	if err != nil {
		logger.Fatal("open journal", zap.Error(err))
	}

	engine, err := exchange.New(exchange.Config{
		FeeAccount: cfg.Engine.FeeAccount,
		FeePercent: cfg.Engine.FeePercent,
		Store:      store,
		Journal:    journal,
		Clock:      util.RealClock{},
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("create engine", zap.Error(err))
	}
	defer engine.Close()

	logger.Info("engine_started",
		zap.String("fee_account", engine.FeeAccount().Hex()),
		zap.Uint64("fee_percent", engine.FeePercent()),
		zap.String("custody_address", engine.Address().Hex()),
		zap.Uint64("orders", engine.OrdersCount()))

	// Register the demo assets. Addresses derive from the symbols, so they
	// are stable across restarts and the persisted ledger keeps matching.
	deployer := seedDeployer
	zth := token.New("ZENITH", "ZTH", 1_000_000, deployer)
	meth := token.New("Mock ETH", "mETH", 1_000_000, deployer)
	mdai := token.New("Mock DAI", "mDAI", 1_000_000, deployer)
	for _, t := range []*token.Token{zth, meth, mdai} {
		engine.RegisterToken(t)
		logger.Info("token_registered", zap.String("symbol", t.Symbol()), zap.String("address", t.Address().Hex()))
	}

	if cfg.Seed && engine.OrdersCount() == 0 {
		if err := seed(engine, zth, meth, logger); err != nil {
			logger.Error("seed", zap.Error(err))
		}
	}

	server := api.NewServer(engine, logger)
	go func() {
		if err := server.Start(cfg.API.Addr); err != nil {
			logger.Fatal("api server", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting_down")
}
