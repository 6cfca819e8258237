// Command guardian runs the deposit security guardian daemon: it
// watches a staking protocol's deposit contract for key-reuse
// conflicts, and attests or pauses deposits accordingly.
package main

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/lsd-guardian/guardian/internal/broadcast"
	"github.com/lsd-guardian/guardian/internal/cache"
	"github.com/lsd-guardian/guardian/internal/conflict"
	"github.com/lsd-guardian/guardian/internal/config"
	"github.com/lsd-guardian/guardian/internal/contracts"
	"github.com/lsd-guardian/guardian/internal/health"
	"github.com/lsd-guardian/guardian/internal/keysapi"
	"github.com/lsd-guardian/guardian/internal/orchestrator"
	"github.com/lsd-guardian/guardian/internal/provider"
	"github.com/lsd-guardian/guardian/internal/registry"
	"github.com/lsd-guardian/guardian/internal/signer"
	"github.com/lsd-guardian/guardian/internal/types"
)

var gitCommit = "" // set by -ldflags at build time

func main() {
	app := &cli.App{
		Name:    "guardian",
		Usage:   "deposit security guardian daemon",
		Version: versionString(),
		Action:  run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if kind, ok := types.KindOf(err); ok && kind == types.KindFatal {
			// Fatal conditions get their own exit code so a supervisor
			// can tell them apart from ordinary startup failures.
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func versionString() string {
	if gitCommit == "" {
		return "dev"
	}
	return gitCommit
}

func run(cliCtx *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx, cancel := context.WithCancel(cliCtx.Context)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("guardian: received shutdown signal", "signal", sig)
		cancel()
	}()

	o, prov, pub, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer prov.Close()
	defer pub.Close()

	return loop(ctx, o)
}

func setupLogging(cfg config.Config) {
	var fmtr log.Format
	if cfg.LogFormat == "json" {
		fmtr = log.JSONFormat()
	} else {
		fmtr = log.TerminalFormat(true)
	}
	lvl, err := log.LvlFromString(cfg.LogLevel)
	if err != nil {
		lvl = log.LvlInfo
	}

	var w io.Writer = os.Stdout
	if cfg.LogFile != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
			Compress:   true,
		}
	}
	log.Root().SetHandler(log.LvlFilterHandler(lvl, log.StreamHandler(w, fmtr)))
}

// build wires every package together per the components listed in
// §9/§10: provider, signer, contract clients, cache, registry, message
// bus and the orchestrator that ties them into the block loop.
func build(ctx context.Context, cfg config.Config) (*orchestrator.Orchestrator, *provider.EthProvider, broadcast.Publisher, error) {
	prov, err := provider.NewEthProvider(ctx, cfg.RPCURL, cfg.RPCCallTimeout)
	if err != nil {
		return nil, nil, nil, err
	}

	depositAddr := common.HexToAddress(cfg.DepositContractAddress)
	dsmAddr := common.HexToAddress(cfg.DSMAddress)
	routerAddr := common.HexToAddress(cfg.StakingRouterAddress)

	dsm := contracts.NewDSM(dsmAddr, prov, prov, prov)
	router := contracts.NewStakingRouter(routerAddr, prov)
	depositContract := contracts.NewDepositContract(depositAddr, prov)

	sgn, err := signer.New(cfg.WalletPrivateKey, dsm)
	if err != nil {
		return nil, nil, nil, err
	}

	c, err := cache.Open(cache.Config{
		Dir:               cfg.CacheDir,
		ChainID:           cfg.ChainID,
		DepositContract:   depositAddr,
		EventTopic:        contracts.DepositEventTopic,
		FetchWindow:       cfg.FetchWindow,
		FinalizationDepth: cfg.FinalizationDepth,
		StartBlock:        cfg.CacheStartBlock,
	}, prov, contracts.DecodeDepositEvent)
	if err != nil {
		return nil, nil, nil, err
	}

	keysClient := keysapi.New(cfg.KeysAPIBaseURL(), cfg.KeysAPITimeout)
	reg := registry.New(keysClient, registry.Config{
		BatchSize:      cfg.RegistryKeysQueryBatchSize,
		Concurrency:    cfg.RegistryKeysQueryConcurrency,
		MaxSnapshotLag: cfg.MaxSnapshotLag,
	})

	det := conflict.New(c)

	pub, err := buildPublisher(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	waiter := provider.NewReceiptWaiter(prov)
	pauser := broadcast.NewPauseSubmitter(dsm, waiter)

	moduleWC := func(ctx context.Context, _ types.ModuleID) ([32]byte, error) {
		return router.WithdrawalCredentials(ctx)
	}
	depositRoot := func(ctx context.Context) (common.Hash, error) {
		return depositContract.GetDepositRoot(ctx)
	}
	txOpts := func(ctx context.Context) (*bind.TransactOpts, error) {
		return newTransactOpts(ctx, prov, sgn, cfg.ChainID)
	}

	o := orchestrator.New(
		orchestrator.Config{ConfirmationDepth: cfg.ConfirmationDepth},
		prov,
		c,
		reg,
		det,
		sgn,
		router,
		moduleWC,
		depositRoot,
		dsm,
		pauser,
		txOpts,
		pub,
	)
	o.SetHealthRecorder(health.New())
	return o, prov, pub, nil
}

func buildPublisher(cfg config.Config) (broadcast.Publisher, error) {
	switch cfg.PubsubService {
	case "kafka":
		brokers := []string{cfg.KafkaBrokerAddress1}
		if cfg.KafkaBrokerAddress2 != "" {
			brokers = append(brokers, cfg.KafkaBrokerAddress2)
		}
		return broadcast.DialKafka(broadcast.KafkaConfig{
			Brokers:       brokers,
			ClientID:      cfg.KafkaClientID,
			Topic:         cfg.BrokerTopic,
			SSL:           cfg.KafkaSSL,
			SASLMechanism: cfg.KafkaSASLMechanism,
			Username:      cfg.KafkaUsername,
			Password:      cfg.KafkaPassword,
			Timeout:       cfg.BusPublishTimeout,
		})
	default:
		return broadcast.DialRabbitMQ(broadcast.RabbitMQConfig{
			URL:      cfg.RabbitMQURL,
			Login:    cfg.RabbitMQLogin,
			Passcode: cfg.RabbitMQPasscode,
			Topic:    cfg.BrokerTopic,
			Timeout:  cfg.BusPublishTimeout,
		})
	}
}

// newTransactOpts builds fresh TransactOpts against the guardian's own
// wallet key, signing locally rather than delegating to the RPC node.
func newTransactOpts(ctx context.Context, prov *provider.EthProvider, sgn *signer.Signer, chainID uint64) (*bind.TransactOpts, error) {
	nonce, err := prov.PendingNonceAt(ctx, sgn.Address())
	if err != nil {
		return nil, err
	}
	tip, err := prov.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, err
	}
	gasPrice, err := prov.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	opts := &bind.TransactOpts{
		From:      sgn.Address(),
		Nonce:     new(big.Int).SetUint64(nonce),
		GasTipCap: tip,
		GasFeeCap: gasPrice,
		Context:   ctx,
		Signer:    sgn.SignerFn(new(big.Int).SetUint64(chainID)),
	}
	return opts, nil
}

// loop drives ProcessBlock from a fixed 12-second ticker; each pass reads
// the chain's current head, and ticks that fall due while a pass is
// running are dropped by the ticker rather than queued. It shuts down
// cleanly once ctx is cancelled.
func loop(ctx context.Context, o *orchestrator.Orchestrator) error {
	ticker := time.NewTicker(12 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("guardian: shutting down, flushing cache")
			return o.Shutdown()
		case <-ticker.C:
			if _, err := o.ProcessBlock(ctx); err != nil {
				if kind, ok := types.KindOf(err); ok && kind == types.KindFatal {
					log.Error("guardian: fatal error, terminating", "err", err)
					return err
				}
				log.Error("guardian: block processing failed", "err", err)
			}
		}
	}
}
