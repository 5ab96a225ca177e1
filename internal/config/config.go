package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	xerrors "Dough-Agent/internal/errors"
	"Dough-Agent/internal/retry"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "DOUGH_CONFIG"

// DefaultPath 是未设置 DOUGH_CONFIG 时使用的配置文件。
const DefaultPath = "configs/dough.json"

// Config 描述了 Dough 代理在启动阶段需要加载的全部配置。
type Config struct {
	Agent      AgentConfig      `json:"agent"`
	Balance    BalanceConfig    `json:"balance"`
	Web3       Web3Config       `json:"web3"`
	Contract   ContractConfig   `json:"contract"`
	Deployment DeploymentConfig `json:"deployment"`
	Retry      RetryConfig      `json:"retry"`
	Storage    StorageConfig    `json:"storage"`
	Events     EventsConfig     `json:"events"`
	Alerting   AlertingConfig   `json:"alerting"`
	Server     ServerConfig     `json:"server"`
	Logging    LoggingConfig    `json:"logging"`
	Runtime    RuntimeConfig    `json:"runtime"`
}

// AgentConfig 控制监控循环的节奏与阈值。
type AgentConfig struct {
	PollIntervalSeconds int                 `json:"poll_interval_seconds"`
	BalanceThreshold    decimal.NullDecimal `json:"balance_threshold"`
	RegisterArgs        []string            `json:"register_args"`
	SwapDecimals        int32               `json:"swap_decimals"`
	MaxSwapsPerDay      int                 `json:"max_swaps_per_day"`
	ExitAfterBootstrap  bool                `json:"exit_after_bootstrap"`
}

// BalanceConfig 描述余额服务的访问方式。
type BalanceConfig struct {
	BaseURL        string        `json:"base_url"`
	Path           string        `json:"path"`
	APIToken       string        `json:"api_token"`
	APITokenEnv    string        `json:"api_token_env"`
	Field          string        `json:"field"`
	TimeoutSeconds int           `json:"timeout_seconds"`
	Breaker        BreakerConfig `json:"breaker"`
}

// BreakerConfig 配置余额服务的熔断器。
type BreakerConfig struct {
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
	OpenSeconds         int    `json:"open_seconds"`
}

// Web3Config 包含访问区块链节点所需的 RPC 地址与签名材料。
type Web3Config struct {
	RPCURL        string       `json:"rpc_url"`
	ChainID       int64        `json:"chain_id"`
	GasMultiplier float64      `json:"gas_multiplier"`
	ChainConfig   string       `json:"chain_config"`
	DefaultChain  string       `json:"default_chain"`
	Wallet        WalletConfig `json:"wallet"`
}

// WalletConfig 描述签名私钥的来源。
type WalletConfig struct {
	PrivateKey    string `json:"private_key"`
	PrivateKeyEnv string `json:"private_key_env"`
}

// ContractConfig 描述合约 ABI、字节码与确认等待参数。
type ContractConfig struct {
	ABIPath               string `json:"abi_path"`
	BytecodePath          string `json:"bytecode_path"`
	Bytecode              string `json:"bytecode"`
	RegisterMethod        string `json:"register_method"`
	SwapMethod            string `json:"swap_method"`
	ConfirmTimeoutSeconds int    `json:"confirm_timeout_seconds"`
	ReceiptPollMillis     int    `json:"receipt_poll_millis"`
}

// DeploymentConfig 控制合约部署记录的身份与覆盖策略。
type DeploymentConfig struct {
	Identity      string `json:"identity"`
	ForceRedeploy bool   `json:"force_redeploy"`
}

// RetryConfig 对应 retry.Policy。
type RetryConfig struct {
	MaxAttempts           int     `json:"max_attempts"`
	InitialIntervalMillis int     `json:"initial_interval_millis"`
	MaxIntervalMillis     int     `json:"max_interval_millis"`
	Multiplier            float64 `json:"multiplier"`
}

// StorageConfig 统一描述部署记录与兑换历史的存储后端。
type StorageConfig struct {
	State   StateStoreConfig   `json:"state"`
	History HistoryStoreConfig `json:"history"`
}

// StateStoreConfig 选择部署记录的持久化方式：file、mysql 或 redis。
type StateStoreConfig struct {
	Driver        string `json:"driver"`
	Path          string `json:"path"`
	DSN           string `json:"dsn"`
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
	KeyPrefix     string `json:"key_prefix"`
}

// HistoryStoreConfig 选择兑换历史的存储方式：memory 或 mysql。
type HistoryStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// EventsConfig 配置生命周期事件的发布通道。
type EventsConfig struct {
	Driver       string `json:"driver"`
	RedisAddr    string `json:"redis_addr"`
	RedisChannel string `json:"redis_channel"`
	AMQPURL      string `json:"amqp_url"`
	Exchange     string `json:"exchange"`
	RoutingKey   string `json:"routing_key"`
}

// AlertingConfig 配置告警通道。
type AlertingConfig struct {
	Enabled         bool   `json:"enabled"`
	SlackWebhookURL string `json:"slack_webhook_url"`
}

// ServerConfig 控制状态 API 的监听地址。
type ServerConfig struct {
	Address      string `json:"address"`
	Disabled     bool   `json:"disabled"`
	AuthToken    string `json:"auth_token"`
	AuthTokenEnv string `json:"auth_token_env"`
}

// LoggingConfig 对应 pkg/logger.Config。
type LoggingConfig struct {
	Level       string         `json:"level"`
	Format      string         `json:"format"`
	OutputPaths []string       `json:"output_paths"`
	Audit       AuditLogConfig `json:"audit"`
}

// AuditLogConfig 控制审计日志的滚动。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// LoadEnvFiles 加载 .env 类文件，后出现的文件覆盖先前的值。缺失的文件会被忽略。
func LoadEnvFiles(paths ...string) {
	for i, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if i == 0 {
			_ = godotenv.Load(path)
			continue
		}
		_ = godotenv.Overload(path)
	}
}

// PathFromEnv 返回 DOUGH_CONFIG 指定的路径或默认路径。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return DefaultPath
}

// Load 负责解析指定路径的 JSON 配置文件，并叠加环境变量覆盖与默认值。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults(filepath.Dir(path))
	cfg.resolveSecrets()

	return &cfg, nil
}

// applyEnv 使用 DOUGH_* 环境变量覆盖文件中的配置。
func (c *Config) applyEnv() error {
	if v, ok := lookup("DOUGH_POLL_INTERVAL_SECONDS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeConfiguration, err, "DOUGH_POLL_INTERVAL_SECONDS 不是整数")
		}
		c.Agent.PollIntervalSeconds = n
	}
	if v, ok := lookup("DOUGH_BALANCE_THRESHOLD"); ok {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeConfiguration, err, "DOUGH_BALANCE_THRESHOLD 不是数字")
		}
		c.Agent.BalanceThreshold = decimal.NewNullDecimal(d)
	}
	if v, ok := lookup("DOUGH_BALANCE_URL"); ok {
		c.Balance.BaseURL = v
	}
	if v, ok := lookup("DOUGH_API_TOKEN"); ok {
		c.Balance.APIToken = v
	}
	if v, ok := lookup("DOUGH_RPC_URL"); ok {
		c.Web3.RPCURL = v
	}
	if v, ok := lookup("DOUGH_PRIVATE_KEY"); ok {
		c.Web3.Wallet.PrivateKey = v
	}
	if v, ok := lookup("DOUGH_STATE_DRIVER"); ok {
		c.Storage.State.Driver = v
	}
	if v, ok := lookup("DOUGH_STATE_DSN"); ok {
		c.Storage.State.DSN = v
	}
	if v, ok := lookup("DOUGH_LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Agent.PollIntervalSeconds == 0 {
		c.Agent.PollIntervalSeconds = 60
	}
	if len(c.Agent.RegisterArgs) == 0 {
		c.Agent.RegisterArgs = []string{"10", "10"}
	}

	if c.Balance.Path == "" {
		c.Balance.Path = "/api/v1/account-balances"
	}
	if c.Balance.Field == "" {
		c.Balance.Field = "balance"
	}
	if c.Balance.TimeoutSeconds <= 0 {
		c.Balance.TimeoutSeconds = 10
	}
	if c.Balance.Breaker.ConsecutiveFailures == 0 {
		c.Balance.Breaker.ConsecutiveFailures = 5
	}
	if c.Balance.Breaker.OpenSeconds <= 0 {
		c.Balance.Breaker.OpenSeconds = 30
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}

	if c.Contract.ABIPath != "" && !filepath.IsAbs(c.Contract.ABIPath) {
		c.Contract.ABIPath = filepath.Join(baseDir, c.Contract.ABIPath)
	}
	if c.Contract.BytecodePath != "" && !filepath.IsAbs(c.Contract.BytecodePath) {
		c.Contract.BytecodePath = filepath.Join(baseDir, c.Contract.BytecodePath)
	}
	if c.Contract.RegisterMethod == "" {
		c.Contract.RegisterMethod = "register"
	}
	if c.Contract.SwapMethod == "" {
		c.Contract.SwapMethod = "swapBreadToEure"
	}
	if c.Contract.ConfirmTimeoutSeconds <= 0 {
		c.Contract.ConfirmTimeoutSeconds = 120
	}
	if c.Contract.ReceiptPollMillis <= 0 {
		c.Contract.ReceiptPollMillis = 1000
	}

	if c.Deployment.Identity == "" {
		c.Deployment.Identity = "dough"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Storage.State.Driver == "" {
		c.Storage.State.Driver = "file"
	}
	if c.Storage.State.Path == "" {
		c.Storage.State.Path = filepath.Join(c.Runtime.DataDir, "deployment.json")
	} else if !filepath.IsAbs(c.Storage.State.Path) {
		c.Storage.State.Path = filepath.Join(baseDir, c.Storage.State.Path)
	}
	if c.Storage.State.KeyPrefix == "" {
		c.Storage.State.KeyPrefix = "dough:deployment:"
	}
	if c.Storage.History.Driver == "" {
		c.Storage.History.Driver = "memory"
	}
	if c.Storage.History.DSN == "" {
		c.Storage.History.DSN = c.Storage.State.DSN
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "none"
	}
	if c.Events.RedisChannel == "" {
		c.Events.RedisChannel = "dough:events"
	}
	if c.Events.Exchange == "" {
		c.Events.Exchange = "dough.events"
	}
	if c.Events.RoutingKey == "" {
		c.Events.RoutingKey = "dough.lifecycle"
	}

	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
}

// resolveSecrets 从 *_env 字段指向的环境变量读取未直接填写的凭据。
func (c *Config) resolveSecrets() {
	if c.Balance.APIToken == "" && c.Balance.APITokenEnv != "" {
		c.Balance.APIToken = strings.TrimSpace(os.Getenv(c.Balance.APITokenEnv))
	}
	if c.Web3.Wallet.PrivateKey == "" && c.Web3.Wallet.PrivateKeyEnv != "" {
		c.Web3.Wallet.PrivateKey = strings.TrimSpace(os.Getenv(c.Web3.Wallet.PrivateKeyEnv))
	}
	if c.Server.AuthToken == "" && c.Server.AuthTokenEnv != "" {
		c.Server.AuthToken = strings.TrimSpace(os.Getenv(c.Server.AuthTokenEnv))
	}
}

// Validate 检查启动所需的配置项，所有问题会被合并到一个 CONFIGURATION_INVALID 错误中。
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Agent.PollIntervalSeconds <= 0 {
		add("agent.poll_interval_seconds 必须大于 0")
	}
	if !c.Agent.BalanceThreshold.Valid {
		add("agent.balance_threshold 未配置")
	} else if c.Agent.BalanceThreshold.Decimal.IsNegative() {
		add("agent.balance_threshold 不能为负数")
	}
	if _, err := c.RegisterParams(); err != nil {
		add("agent.register_args 无效: %v", err)
	}
	if c.Agent.SwapDecimals < 0 {
		add("agent.swap_decimals 不能为负数")
	}
	if c.Agent.MaxSwapsPerDay < 0 {
		add("agent.max_swaps_per_day 不能为负数")
	}

	if strings.TrimSpace(c.Balance.BaseURL) == "" {
		add("balance.base_url 未配置")
	}
	if strings.TrimSpace(c.Balance.APIToken) == "" {
		add("balance.api_token 未配置")
	}

	if strings.TrimSpace(c.Web3.RPCURL) == "" && strings.TrimSpace(c.Web3.ChainConfig) == "" {
		add("web3.rpc_url 与 web3.chain_config 至少需要配置一个")
	}
	if strings.TrimSpace(c.Web3.Wallet.PrivateKey) == "" {
		add("web3.wallet.private_key 未配置")
	}

	switch c.Storage.State.Driver {
	case "file":
	case "mysql":
		if c.Storage.State.DSN == "" {
			add("storage.state.dsn 未配置")
		}
	case "redis":
		if c.Storage.State.RedisAddr == "" {
			add("storage.state.redis_addr 未配置")
		}
	default:
		add("不支持的部署记录存储驱动 %q", c.Storage.State.Driver)
	}
	switch c.Storage.History.Driver {
	case "memory":
	case "mysql":
		if c.Storage.History.DSN == "" {
			add("storage.history.dsn 未配置")
		}
	default:
		add("不支持的兑换历史存储驱动 %q", c.Storage.History.Driver)
	}

	switch c.Events.Driver {
	case "none", "memory":
	case "redis":
		if c.Events.RedisAddr == "" {
			add("events.redis_addr 未配置")
		}
	case "rabbitmq":
		if c.Events.AMQPURL == "" {
			add("events.amqp_url 未配置")
		}
	default:
		add("不支持的事件发布驱动 %q", c.Events.Driver)
	}

	if len(problems) == 0 {
		return nil
	}
	return xerrors.New(xerrors.CodeConfiguration, strings.Join(problems, "; "))
}

// PollInterval 返回轮询间隔。
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Agent.PollIntervalSeconds) * time.Second
}

// Threshold 返回余额阈值。
func (c *Config) Threshold() decimal.Decimal {
	return c.Agent.BalanceThreshold.Decimal
}

// RegisterParams 将 register_args 解析为非负整数。
func (c *Config) RegisterParams() ([]*big.Int, error) {
	out := make([]*big.Int, 0, len(c.Agent.RegisterArgs))
	for _, raw := range c.Agent.RegisterArgs {
		n, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
		if !ok || n.Sign() < 0 {
			return nil, fmt.Errorf("%q 不是非负整数", raw)
		}
		out = append(out, n)
	}
	return out, nil
}

// ConfirmTimeout 返回交易确认的最长等待时间。
func (c *Config) ConfirmTimeout() time.Duration {
	return time.Duration(c.Contract.ConfirmTimeoutSeconds) * time.Second
}

// ReceiptPollInterval 返回查询交易回执的间隔。
func (c *Config) ReceiptPollInterval() time.Duration {
	return time.Duration(c.Contract.ReceiptPollMillis) * time.Millisecond
}

// RetryPolicy 将配置转换为 retry.Policy，未填写的字段使用默认值。
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     c.Retry.MaxAttempts,
		InitialInterval: time.Duration(c.Retry.InitialIntervalMillis) * time.Millisecond,
		MaxInterval:     time.Duration(c.Retry.MaxIntervalMillis) * time.Millisecond,
		Multiplier:      c.Retry.Multiplier,
	}.Normalize()
}
