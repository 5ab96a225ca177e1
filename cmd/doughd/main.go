package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Dough-Agent/internal/agent"
	"Dough-Agent/internal/api"
	"Dough-Agent/internal/balance"
	"Dough-Agent/internal/config"
	"Dough-Agent/internal/contract"
	"Dough-Agent/internal/deployment"
	xerrors "Dough-Agent/internal/errors"
	"Dough-Agent/internal/events"
	"Dough-Agent/internal/observability/alerting"
	"Dough-Agent/internal/observability/metrics"
	"Dough-Agent/internal/storage/mysql"
	"Dough-Agent/internal/storage/redis"
	"Dough-Agent/internal/web3"
	"Dough-Agent/internal/web3/ethereum"
	"Dough-Agent/internal/web3/provider"
	"Dough-Agent/pkg/logger"
)

// main 是 Dough 代理守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx)
	stop()
	_ = logger.Sync()
	if err != nil {
		log.Printf("doughd 运行失败: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	config.LoadEnvFiles(".env", ".env.local")

	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return err
	}
	log := logger.Named("doughd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	collector := metrics.New()

	chainRegistry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	chainClient, err := chainRegistry.DefaultClient()
	if err != nil {
		return err
	}
	signer, err := ethereum.NewKeySigner(cfg.Web3.Wallet.PrivateKey)
	if err != nil {
		return err
	}
	conn, err := chainClient.WithRetry(cfg.RetryPolicy()).Connect(ctx, signer)
	if err != nil {
		return err
	}
	logChainSnapshot(ctx, log, chainClient, conn)

	factory, err := newFactory(cfg, conn, collector)
	if err != nil {
		return err
	}

	db, closeDB, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	store, err := newDeploymentStore(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer store.Close()

	history, err := newSwapHistory(cfg, db)
	if err != nil {
		return err
	}

	publisher, err := events.NewPublisher(ctx, events.Config{
		Driver:       cfg.Events.Driver,
		RedisAddr:    cfg.Events.RedisAddr,
		RedisChannel: cfg.Events.RedisChannel,
		AMQPURL:      cfg.Events.AMQPURL,
		Exchange:     cfg.Events.Exchange,
		RoutingKey:   cfg.Events.RoutingKey,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn("关闭事件发布器失败", slog.Any("error", err))
		}
	}()

	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alert")}}
	if cfg.Alerting.Enabled && cfg.Alerting.SlackWebhookURL != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{WebhookURL: cfg.Alerting.SlackWebhookURL})
	}

	monitor, err := balance.NewClient(balance.Config{
		BaseURL:           cfg.Balance.BaseURL,
		Path:              cfg.Balance.Path,
		Token:             cfg.Balance.APIToken,
		Field:             cfg.Balance.Field,
		Timeout:           time.Duration(cfg.Balance.TimeoutSeconds) * time.Second,
		BreakerTrip:       cfg.Balance.Breaker.ConsecutiveFailures,
		BreakerOpenPeriod: time.Duration(cfg.Balance.Breaker.OpenSeconds) * time.Second,
	})
	if err != nil {
		return err
	}

	registerParams, err := cfg.RegisterParams()
	if err != nil {
		return err
	}
	deployer, err := deployment.NewDeployer(store, factory, deployment.Options{
		Identity:       cfg.Deployment.Identity,
		RegisterMethod: cfg.Contract.RegisterMethod,
		RegisterArgs:   toArgs(registerParams),
		ForceRedeploy:  cfg.Deployment.ForceRedeploy,
		Retry:          cfg.RetryPolicy(),
	})
	if err != nil {
		return err
	}

	opts := []agent.Option{
		agent.WithIdentity(cfg.Deployment.Identity),
		agent.WithPollInterval(cfg.PollInterval()),
		agent.WithSwapMethod(cfg.Contract.SwapMethod),
		agent.WithFetchRetry(cfg.RetryPolicy()),
		agent.WithMaxSwapsPerDay(cfg.Agent.MaxSwapsPerDay),
		agent.WithExitAfterBootstrap(cfg.Agent.ExitAfterBootstrap),
		agent.WithHistory(history),
		agent.WithEvents(publisher),
		agent.WithAlerts(alerting.NewFanout(notifiers...)),
		agent.WithMetrics(collector),
	}
	if method, ok := factory.Method(cfg.Contract.SwapMethod); ok && len(method.Inputs) == 1 {
		opts = append(opts, agent.WithSwapAmount(cfg.Agent.SwapDecimals))
	}
	loop, err := agent.New(deployer, monitor, factory, cfg.Threshold(), opts...)
	if err != nil {
		return err
	}

	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	if !cfg.Server.Disabled {
		server := api.NewServer(cfg.Server.Address, loop, history, collector, api.WithBearerToken(cfg.Server.AuthToken))
		go func() {
			log.Info("状态 API 已启动", slog.String("address", cfg.Server.Address))
			if err := server.Start(serverCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("状态 API 运行失败", slog.Any("error", err))
			}
		}()
	}

	if err := loop.Run(ctx); err != nil {
		state := loop.Snapshot()
		log.Error("控制循环终止",
			slog.String("phase", string(state.Phase)),
			slog.String("contract", state.Contract),
			slog.Any("error", err))
		return err
	}
	log.Info("控制循环已退出")
	return nil
}

// logChainSnapshot 输出启动时的链信息，查询失败只告警。
func logChainSnapshot(ctx context.Context, log *slog.Logger, client *ethereum.Client, conn *web3.ChainConnection) {
	attrs := []any{
		slog.String("chain", client.Name()),
		slog.String("chain_id", conn.ChainID().String()),
		slog.String("from", conn.From().Hex()),
	}
	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		log.Warn("获取链快照失败", append(attrs, slog.Any("error", err))...)
		return
	}
	attrs = append(attrs, slog.String("block", snapshot.BlockNumber))
	if snapshot.Notes != "" {
		attrs = append(attrs, slog.String("notes", snapshot.Notes))
	}
	log.Info("已连接区块链节点", attrs...)
}

func newFactory(cfg *config.Config, conn web3.Connection, collector *metrics.Collector) (*contract.Factory, error) {
	contractABI := contract.DefaultABI()
	if cfg.Contract.ABIPath != "" {
		loaded, err := contract.LoadABI(cfg.Contract.ABIPath)
		if err != nil {
			return nil, err
		}
		contractABI = loaded
	}
	bytecode, err := contract.LoadBytecode(cfg.Contract.BytecodePath, cfg.Contract.Bytecode)
	if err != nil {
		return nil, err
	}
	return contract.NewFactory(conn, contractABI, bytecode, contract.Options{
		ConfirmTimeout: cfg.ConfirmTimeout(),
		PollInterval:   cfg.ReceiptPollInterval(),
		Retry:          cfg.RetryPolicy(),
		OnConfirmed: func(method string, _ *web3.Receipt, elapsed time.Duration) {
			collector.ObserveConfirmation(method, elapsed)
		},
	})
}

// openDatabase 在部署记录或兑换历史使用 mysql 驱动时建立共享连接池。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, func(), error) {
	dsn := ""
	switch {
	case cfg.Storage.State.Driver == "mysql":
		dsn = cfg.Storage.State.DSN
	case cfg.Storage.History.Driver == "mysql":
		dsn = cfg.Storage.History.DSN
	}
	if dsn == "" {
		return nil, func() {}, nil
	}
	if cfg.Storage.State.Driver == "mysql" && cfg.Storage.History.Driver == "mysql" && cfg.Storage.History.DSN != dsn {
		return nil, nil, xerrors.New(xerrors.CodeConfiguration, "部署记录与兑换历史必须使用同一个 MySQL DSN")
	}
	db, err := mysql.Open(ctx, mysql.Config{DSN: dsn})
	if err != nil {
		return nil, nil, err
	}
	return db, func() { _ = db.Close() }, nil
}

func newDeploymentStore(ctx context.Context, cfg *config.Config, db *sql.DB) (deployment.Store, error) {
	switch cfg.Storage.State.Driver {
	case "mysql":
		return mysql.NewSQLDeploymentStore(db), nil
	case "redis":
		return redis.NewDeploymentStore(ctx, redis.Config{
			Address:   cfg.Storage.State.RedisAddr,
			Password:  cfg.Storage.State.RedisPassword,
			DB:        cfg.Storage.State.RedisDB,
			KeyPrefix: cfg.Storage.State.KeyPrefix,
		})
	default:
		return deployment.NewFileStore(cfg.Storage.State.Path)
	}
}

func newSwapHistory(cfg *config.Config, db *sql.DB) (mysql.SwapRepository, error) {
	if cfg.Storage.History.Driver == "mysql" {
		return mysql.NewSQLSwapRepository(db), nil
	}
	return mysql.NewMemorySwapRepository(cfg.Runtime.DataDir)
}

func toArgs(params []*big.Int) []any {
	args := make([]any, 0, len(params))
	for _, p := range params {
		args = append(args, p)
	}
	return args
}
