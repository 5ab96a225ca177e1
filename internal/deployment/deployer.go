package deployment

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Dough-Agent/internal/contract"
	xerrors "Dough-Agent/internal/errors"
	"Dough-Agent/internal/retry"
	"Dough-Agent/pkg/logger"
)

// Contracts 是部署器依赖的合约能力，contract.Factory 实现了该接口。
type Contracts interface {
	Deploy(ctx context.Context) (contract.Deployment, error)
	Call(ctx context.Context, address common.Address, method string, args ...any) (common.Hash, error)
}

// Options 配置部署器。
type Options struct {
	Identity       string
	RegisterMethod string
	RegisterArgs   []any
	ForceRedeploy  bool
	Retry          retry.Policy
	Logger         *slog.Logger
	Audit          *slog.Logger
}

// Deployer 负责启动阶段的部署顺序：恢复已持久化的记录，或部署并持久化新
// 合约，然后保证每次新部署只注册一次。
type Deployer struct {
	store     Store
	contracts Contracts
	opts      Options
	log       *slog.Logger
	audit     *slog.Logger
}

// NewDeployer 创建部署器。
func NewDeployer(store Store, contracts Contracts, opts Options) (*Deployer, error) {
	if store == nil || contracts == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailed, "部署器缺少存储或合约依赖")
	}
	if opts.Identity == "" {
		opts.Identity = "dough"
	}
	if opts.RegisterMethod == "" {
		opts.RegisterMethod = "register"
	}
	opts.Retry = opts.Retry.Normalize()
	d := &Deployer{store: store, contracts: contracts, opts: opts, log: opts.Logger, audit: opts.Audit}
	if d.log == nil {
		d.log = logger.Named("deployer")
	}
	if d.audit == nil {
		d.audit = logger.Audit()
	}
	return d, nil
}

// Identity 返回逻辑部署身份。
func (d *Deployer) Identity() string {
	return d.opts.Identity
}

// Resume 读取已持久化的记录。found 为 false 表示需要新部署；ForceRedeploy
// 时总是忽略已有记录。
func (d *Deployer) Resume(ctx context.Context) (rec Record, found bool, err error) {
	if d.opts.ForceRedeploy {
		d.log.Warn("已开启强制重新部署，忽略已持久化的合约地址", slog.String("identity", d.opts.Identity))
		return Record{}, false, nil
	}

	err = d.opts.Retry.Do(ctx, "加载部署记录", func(ctx context.Context) error {
		loaded, err := d.store.Load(ctx, d.opts.Identity)
		if err != nil {
			return err
		}
		rec = loaded
		return nil
	}, d.notify("load"))
	if stdErrors.Is(err, ErrRecordNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}

	d.log.Info("恢复已部署的合约",
		slog.String("identity", rec.Identity),
		slog.String("address", rec.Address.Hex()),
		slog.Bool("registered", rec.Registered))
	return rec, true, nil
}

// Deploy 部署新合约并持久化地址。持久化失败时地址写入审计日志，错误中同样
// 携带地址，便于人工恢复。
func (d *Deployer) Deploy(ctx context.Context) (Record, error) {
	deployment, err := d.contracts.Deploy(ctx)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		Identity:  d.opts.Identity,
		Address:   deployment.Address,
		DeployTx:  deployment.TxHash,
		UpdatedAt: time.Now().UTC(),
	}
	d.audit.Info("contract deployed",
		slog.String("identity", rec.Identity),
		slog.String("address", rec.Address.Hex()),
		slog.String("tx_hash", rec.DeployTx.Hex()),
		slog.Uint64("block", deployment.BlockNumber))

	if err := d.save(ctx, rec, d.opts.ForceRedeploy); err != nil {
		return rec, xerrors.Wrap(xerrors.CodeStorageFailure, err,
			fmt.Sprintf("合约 %s 已部署但地址持久化失败", rec.Address.Hex()),
			xerrors.WithMetadata("address", rec.Address.Hex()),
			xerrors.WithRetryable(false))
	}
	return rec, nil
}

// Register 调用注册方法并持久化完成标记。已注册的记录直接返回。
func (d *Deployer) Register(ctx context.Context, rec Record) (Record, error) {
	if rec.Registered {
		return rec, nil
	}

	hash, err := d.contracts.Call(ctx, rec.Address, d.opts.RegisterMethod, d.opts.RegisterArgs...)
	if err != nil {
		return rec, err
	}
	rec.Registered = true
	rec.RegisterTx = hash
	rec.UpdatedAt = time.Now().UTC()
	d.audit.Info("contract registered",
		slog.String("identity", rec.Identity),
		slog.String("address", rec.Address.Hex()),
		slog.String("tx_hash", hash.Hex()))

	if err := d.save(ctx, rec, false); err != nil {
		return rec, xerrors.Wrap(xerrors.CodeStorageFailure, err, "注册已完成但状态持久化失败",
			xerrors.WithMetadata("tx_hash", hash.Hex()),
			xerrors.WithRetryable(false))
	}
	return rec, nil
}

// save 在取消信号到达后仍会完成写入，链上已经发生的动作必须落盘。
func (d *Deployer) save(ctx context.Context, rec Record, overwrite bool) error {
	return d.opts.Retry.Do(context.WithoutCancel(ctx), "保存部署记录", func(ctx context.Context) error {
		return d.store.Save(ctx, rec, overwrite)
	}, d.notify("save"))
}

func (d *Deployer) notify(op string) retry.Notify {
	return func(attempt int, err error, wait time.Duration) {
		d.log.Warn("部署记录存储失败，准备重试",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
	}
}
