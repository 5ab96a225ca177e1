package agent

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"Dough-Agent/internal/balance"
	"Dough-Agent/internal/deployment"
	xerrors "Dough-Agent/internal/errors"
	"Dough-Agent/internal/events"
	"Dough-Agent/internal/observability/alerting"
	"Dough-Agent/internal/observability/metrics"
	"Dough-Agent/internal/retry"
	"Dough-Agent/internal/storage/mysql"
	"Dough-Agent/pkg/logger"
)

// Bootstrapper 负责启动阶段的部署与注册，deployment.Deployer 实现了该接口。
type Bootstrapper interface {
	Resume(ctx context.Context) (deployment.Record, bool, error)
	Deploy(ctx context.Context) (deployment.Record, error)
	Register(ctx context.Context, rec deployment.Record) (deployment.Record, error)
}

// BalanceSource 返回一次余额读数，balance.Client 实现了该接口。
type BalanceSource interface {
	Fetch(ctx context.Context) (balance.Reading, error)
}

// SwapHistory 记录已确认的兑换，mysql.SwapRepository 实现了该接口。
type SwapHistory interface {
	Save(ctx context.Context, record *mysql.SwapRecord) error
	CountSince(ctx context.Context, since time.Time) (int, error)
}

// CodeSwapCapReached 表示余额低于阈值但已达到每日兑换上限。
const CodeSwapCapReached xerrors.Code = "SWAP_CAP_REACHED"

func init() {
	xerrors.Register(CodeSwapCapReached, xerrors.Attributes{
		Message:  "daily swap cap reached",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

const (
	defaultPollInterval = 60 * time.Second
	defaultSwapMethod   = "swapBreadToEure"
	sideEffectTimeout   = 10 * time.Second
)

// Agent 是控制循环。Run 只能调用一次。
type Agent struct {
	boot    Bootstrapper
	monitor BalanceSource
	trigger *Trigger

	identity           string
	pollInterval       time.Duration
	fetchRetry         retry.Policy
	maxSwapsPerDay     int
	exitAfterBootstrap bool

	history SwapHistory
	events  events.Publisher
	alerts  alerting.Dispatcher
	metrics *metrics.Collector
	log     *slog.Logger
	audit   *slog.Logger
	now     func() time.Time

	board     board
	runOnce   sync.Once
	recent    []localSwap
}

// localSwap 是进程内记录的已确认兑换，persisted 表示已写入兑换历史。
type localSwap struct {
	at        time.Time
	persisted bool
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithPollInterval 设置两次余额查询之间的间隔。
func WithPollInterval(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.pollInterval = d
		}
	}
}

// WithSwapMethod 设置兑换方法名。
func WithSwapMethod(method string) Option {
	return func(a *Agent) {
		if method != "" {
			a.trigger.method = method
		}
	}
}

// WithSwapAmount 让兑换调用携带一个按 decimals 放大的缺口金额参数。
func WithSwapAmount(decimals int32) Option {
	return func(a *Agent) {
		a.trigger.withAmount = true
		a.trigger.decimals = decimals
	}
}

// WithFetchRetry 设置余额查询的重试策略。
func WithFetchRetry(p retry.Policy) Option {
	return func(a *Agent) {
		a.fetchRetry = p.Normalize()
	}
}

// WithMaxSwapsPerDay 限制 24 小时内的兑换次数，0 表示不限制。
func WithMaxSwapsPerDay(n int) Option {
	return func(a *Agent) {
		a.maxSwapsPerDay = n
	}
}

// WithExitAfterBootstrap 让循环在注册完成后正常退出，不进入监控。
func WithExitAfterBootstrap(exit bool) Option {
	return func(a *Agent) {
		a.exitAfterBootstrap = exit
	}
}

// WithIdentity 设置写入兑换历史的部署身份。
func WithIdentity(identity string) Option {
	return func(a *Agent) {
		a.identity = identity
	}
}

// WithHistory 设置兑换历史仓库。
func WithHistory(h SwapHistory) Option {
	return func(a *Agent) {
		a.history = h
	}
}

// WithEvents 设置生命周期事件发布器。
func WithEvents(p events.Publisher) Option {
	return func(a *Agent) {
		if p != nil {
			a.events = p
		}
	}
}

// WithAlerts 设置告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(a *Agent) {
		if d != nil {
			a.alerts = d
		}
	}
}

// WithMetrics 设置指标采集器。
func WithMetrics(c *metrics.Collector) Option {
	return func(a *Agent) {
		a.metrics = c
	}
}

// WithLogger 设置运行日志。
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.log = l
		}
	}
}

// WithAuditLogger 设置记录兑换动作的审计日志。
func WithAuditLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.audit = l
		}
	}
}

// WithClock 替换时间源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// New 创建控制循环。
func New(boot Bootstrapper, monitor BalanceSource, swapper Swapper, threshold decimal.Decimal, opts ...Option) (*Agent, error) {
	if boot == nil || monitor == nil || swapper == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailed, "控制循环缺少部署器、余额源或兑换器")
	}
	a := &Agent{
		boot:         boot,
		monitor:      monitor,
		trigger:      &Trigger{swapper: swapper, method: defaultSwapMethod, threshold: threshold},
		identity:     "dough",
		pollInterval: defaultPollInterval,
		fetchRetry:   retry.Default(),
		events:       events.Nop{},
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = logger.Named("agent")
	}
	if a.audit == nil {
		a.audit = logger.Audit()
	}
	if a.alerts == nil {
		a.alerts = alerting.NewFanout(&alerting.LogNotifier{Logger: a.log})
	}
	a.board.state = State{Phase: PhaseIdle, Threshold: threshold.String()}
	a.metrics.SetThreshold(threshold)
	return a, nil
}

// Snapshot 返回当前状态的副本，可在任意 goroutine 中调用。
func (a *Agent) Snapshot() State {
	return a.board.snapshot()
}

// Err 返回导致循环终止的错误，正常退出时为 nil。
func (a *Agent) Err() error {
	return a.board.err()
}

// Run 驱动控制循环直到终止。ctx 取消视为正常退出并返回 nil；其他情况返回
// 终止原因。已经广播的交易总会等到结果后才返回。
func (a *Agent) Run(ctx context.Context) error {
	var err error = xerrors.New(xerrors.CodeInitializationFailed, "控制循环已经运行过")
	a.runOnce.Do(func() {
		err = a.run(ctx)
	})
	return err
}

func (a *Agent) run(ctx context.Context) error {
	rec, err := a.bootstrap(ctx)
	if err != nil {
		return a.terminate(ctx, err)
	}
	if a.exitAfterBootstrap {
		a.log.Info("启动阶段完成，按配置退出", slog.String("contract", rec.Address.Hex()))
		return a.terminate(ctx, nil)
	}
	return a.terminate(ctx, a.monitorLoop(ctx, rec.Address))
}

func (a *Agent) bootstrap(ctx context.Context) (deployment.Record, error) {
	a.setPhase(PhaseBootstrapping)

	rec, found, err := a.boot.Resume(ctx)
	if err != nil {
		return rec, err
	}
	if !found {
		rec, err = a.boot.Deploy(ctx)
		if err != nil {
			return rec, err
		}
		a.publish(ctx, events.TypeDeployed, func(e *events.Event) {
			e.Contract = rec.Address.Hex()
			e.TxHash = hashString(rec.DeployTx)
		})
	}
	a.board.update(func(s *State) {
		s.Contract = rec.Address.Hex()
		s.Registered = rec.Registered
	})

	if rec.Registered {
		a.log.Info("合约已注册，跳过注册阶段", slog.String("contract", rec.Address.Hex()))
		return rec, nil
	}

	a.setPhase(PhaseRegistering)
	rec, err = a.boot.Register(ctx, rec)
	if err != nil {
		return rec, err
	}
	a.board.update(func(s *State) { s.Registered = true })
	a.publish(ctx, events.TypeRegistered, func(e *events.Event) {
		e.Contract = rec.Address.Hex()
		e.TxHash = hashString(rec.RegisterTx)
	})
	return rec, nil
}

// monitorLoop 立即执行第一轮，之后每轮结束才重新计时，轮次之间不会重叠。
func (a *Agent) monitorLoop(ctx context.Context, contract common.Address) error {
	a.setPhase(PhaseMonitoring)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		if err := a.cycle(ctx, contract); err != nil {
			return err
		}
		timer.Reset(a.pollInterval)
	}
}

func (a *Agent) cycle(ctx context.Context, contract common.Address) error {
	log := a.log.With(slog.String("cycle", uuid.NewString()))
	a.board.update(func(s *State) { s.Cycles++ })

	reading, err := a.fetch(ctx, log)
	if err != nil {
		if isCancellation(ctx, err) {
			return err
		}
		a.fetchFailed(ctx, log, contract, err)
		return nil
	}
	a.board.update(func(s *State) {
		s.LastBalance = reading.Value.String()
		s.LastObservedAt = reading.ObservedAt
		s.ConsecutiveFetchFailures = 0
	})

	deficit, warranted := a.trigger.Warranted(reading.Value)
	if !warranted {
		log.Debug("余额充足", slog.String("balance", reading.Value.String()))
		return nil
	}
	if a.capReached(ctx, log) {
		a.metrics.ObserveSwap("skipped")
		log.Warn("已达到每日兑换上限，本轮跳过兑换",
			slog.String("balance", reading.Value.String()),
			slog.Int("max_swaps_per_day", a.maxSwapsPerDay))
		a.alert(ctx, xerrors.New(CodeSwapCapReached, "已达到每日兑换上限，余额仍低于阈值",
			xerrors.WithMetadata("balance", reading.Value.String())), contract)
		return nil
	}

	return a.swap(ctx, log, contract, reading, deficit)
}

func (a *Agent) fetch(ctx context.Context, log *slog.Logger) (balance.Reading, error) {
	var reading balance.Reading
	err := a.fetchRetry.Do(ctx, "查询余额", func(ctx context.Context) error {
		r, err := a.monitor.Fetch(ctx)
		a.metrics.ObservePoll(r.Value, err)
		if err != nil {
			return err
		}
		reading = r
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		log.Warn("余额查询失败，准备重试",
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
	})
	return reading, err
}

// fetchFailed 记录一次失败的轮次。余额服务故障不会终止循环，只在故障开始时告警一次。
func (a *Agent) fetchFailed(ctx context.Context, log *slog.Logger, contract common.Address, err error) {
	var failures int
	a.board.update(func(s *State) {
		s.ConsecutiveFetchFailures++
		failures = s.ConsecutiveFetchFailures
	})
	log.Error("本轮余额查询失败，保持监控",
		slog.Int("consecutive_failures", failures),
		slog.String("error", err.Error()))
	if failures == 1 {
		a.alert(ctx, err, contract)
	}
}

// swap 在 triggering 阶段提交兑换，期间不会发起新的余额查询。
func (a *Agent) swap(ctx context.Context, log *slog.Logger, contract common.Address, reading balance.Reading, deficit decimal.Decimal) error {
	a.setPhase(PhaseTriggering)
	log.Info("余额低于阈值，提交兑换",
		slog.String("balance", reading.Value.String()),
		slog.String("threshold", a.trigger.threshold.String()),
		slog.String("deficit", deficit.String()))

	receipt, err := a.trigger.Swap(ctx, contract, deficit)
	if err != nil {
		if receipt == nil && isCancellation(ctx, err) {
			return err
		}
		a.metrics.ObserveSwap("failed")
		return err
	}

	txHash := receipt.TxHash.Hex()
	confirmedAt := a.now()
	a.board.update(func(s *State) {
		s.LastSwapTx = txHash
		s.Swaps++
	})
	a.metrics.ObserveSwap("confirmed")
	a.audit.Info("swap confirmed",
		slog.String("contract", contract.Hex()),
		slog.String("tx_hash", txHash),
		slog.Uint64("block", receipt.BlockNumber),
		slog.String("balance", reading.Value.String()),
		slog.String("threshold", a.trigger.threshold.String()))

	persisted := a.saveHistory(ctx, log, &mysql.SwapRecord{
		Identity:    a.identity,
		Contract:    contract.Hex(),
		TxHash:      txHash,
		Balance:     reading.Value.String(),
		Threshold:   a.trigger.threshold.String(),
		BlockNumber: receipt.BlockNumber,
		CreatedAt:   confirmedAt.Unix(),
	})
	a.recordLocalSwap(confirmedAt, persisted)
	a.publish(ctx, events.TypeSwapConfirmed, func(e *events.Event) {
		e.Contract = contract.Hex()
		e.TxHash = txHash
		e.Balance = reading.Value.String()
		e.Threshold = a.trigger.threshold.String()
	})

	a.setPhase(PhaseMonitoring)
	return nil
}

// saveHistory 写入兑换历史，返回是否成功。未配置历史时返回 false。
func (a *Agent) saveHistory(ctx context.Context, log *slog.Logger, record *mysql.SwapRecord) bool {
	if a.history == nil {
		return false
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := a.history.Save(saveCtx, record); err != nil {
		log.Error("兑换已确认但历史记录写入失败", slog.String("tx_hash", record.TxHash), slog.String("error", err.Error()))
		return false
	}
	return true
}

// recordLocalSwap 追加一次兑换并丢弃 24 小时之前的记录。
func (a *Agent) recordLocalSwap(at time.Time, persisted bool) {
	a.recent = append(a.recent, localSwap{at: at, persisted: persisted})
	a.pruneLocalSwaps(at.Add(-24 * time.Hour))
}

func (a *Agent) pruneLocalSwaps(since time.Time) {
	kept := a.recent[:0]
	for _, s := range a.recent {
		if !s.at.Before(since) {
			kept = append(kept, s)
		}
	}
	clear(a.recent[len(kept):])
	a.recent = kept
}

// capReached 以兑换历史为准，并加上写入历史失败的本地兑换；历史读取失败时只用本地记录。
func (a *Agent) capReached(ctx context.Context, log *slog.Logger) bool {
	if a.maxSwapsPerDay <= 0 {
		return false
	}
	since := a.now().Add(-24 * time.Hour)
	a.pruneLocalSwaps(since)

	unpersisted := 0
	for _, s := range a.recent {
		if !s.persisted {
			unpersisted++
		}
	}
	if a.history != nil {
		count, err := a.history.CountSince(ctx, since)
		if err == nil {
			return count+unpersisted >= a.maxSwapsPerDay
		}
		log.Warn("读取兑换历史失败，使用进程内计数", slog.String("error", err.Error()))
	}
	return len(a.recent) >= a.maxSwapsPerDay
}

// terminate 进入终止状态。err 为 nil 或由 ctx 取消引起时视为正常退出。
func (a *Agent) terminate(ctx context.Context, err error) error {
	graceful := err == nil || isCancellation(ctx, err)
	a.board.update(func(s *State) {
		s.Phase = PhaseTerminated
		s.Graceful = graceful
		if !graceful {
			s.Cause = err.Error()
		}
	})
	a.metrics.SetPhase(string(PhaseTerminated))

	snapshot := a.Snapshot()
	if graceful {
		a.log.Info("控制循环已停止", slog.String("contract", snapshot.Contract), slog.Int("swaps", snapshot.Swaps))
		return nil
	}

	a.board.setCause(err)
	a.log.Error("控制循环终止",
		slog.String("code", string(xerrors.CodeOf(err))),
		slog.String("error", err.Error()))
	a.alert(ctx, err, common.HexToAddress(snapshot.Contract))
	a.publish(ctx, events.TypeTerminated, func(e *events.Event) {
		e.Contract = snapshot.Contract
		e.Error = err.Error()
		e.TxHash = xerrors.MetadataOf(err, "tx_hash")
	})
	return err
}

func (a *Agent) setPhase(phase Phase) {
	a.board.update(func(s *State) { s.Phase = phase })
	a.metrics.SetPhase(string(phase))
}

// publish 与 alert 在 ctx 取消后仍会尝试投递，失败只记录日志。
func (a *Agent) publish(ctx context.Context, t events.Type, fill func(*events.Event)) {
	event := events.New(t)
	event.OccurredAt = a.now().UTC()
	fill(&event)
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := a.events.Publish(pubCtx, event); err != nil {
		a.log.Warn("发布事件失败", slog.String("type", string(t)), slog.String("error", err.Error()))
	}
}

func (a *Agent) alert(ctx context.Context, err error, contract common.Address) {
	contractHex := ""
	if contract != (common.Address{}) {
		contractHex = contract.Hex()
	}
	event := alerting.FromError(err, contractHex, string(a.Snapshot().Phase))
	event.OccurredAt = a.now().UTC()
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if notifyErr := a.alerts.Notify(alertCtx, event); notifyErr != nil {
		a.log.Warn("发送告警失败", slog.String("error", notifyErr.Error()))
	}
}

func isCancellation(ctx context.Context, err error) bool {
	ctxErr := ctx.Err()
	return ctxErr != nil && stdErrors.Is(err, ctxErr)
}

func hashString(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}
