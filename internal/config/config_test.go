package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "Dough-Agent/internal/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "dough.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimal = `{
  "agent": {"balance_threshold": "100"},
  "balance": {"base_url": "http://balances.local", "api_token": "secret"},
  "web3": {"rpc_url": "http://127.0.0.1:8545", "wallet": {"private_key": "0xabc"}}
}`

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, minimal)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	dir := filepath.Dir(path)
	assert.Equal(t, 60, cfg.Agent.PollIntervalSeconds)
	assert.True(t, cfg.Threshold().Equal(decimal.NewFromInt(100)))
	assert.Equal(t, "/api/v1/account-balances", cfg.Balance.Path)
	assert.Equal(t, "balance", cfg.Balance.Field)
	assert.Equal(t, "register", cfg.Contract.RegisterMethod)
	assert.Equal(t, "swapBreadToEure", cfg.Contract.SwapMethod)
	assert.Equal(t, "file", cfg.Storage.State.Driver)
	assert.Equal(t, filepath.Join(dir, "data", "deployment.json"), cfg.Storage.State.Path)
	assert.Equal(t, "none", cfg.Events.Driver)

	params, err := cfg.RegisterParams()
	require.NoError(t, err)
	require.Len(t, params, 2)
	assert.Equal(t, int64(10), params[0].Int64())
}

func TestLoadNumericThreshold(t *testing.T) {
	path := writeConfig(t, `{"agent": {"balance_threshold": 99.5}}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Threshold().Equal(decimal.RequireFromString("99.5")))
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, minimal)
	t.Setenv("DOUGH_POLL_INTERVAL_SECONDS", "5")
	t.Setenv("DOUGH_BALANCE_THRESHOLD", "42.5")
	t.Setenv("DOUGH_RPC_URL", "http://override:8545")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Agent.PollIntervalSeconds)
	assert.True(t, cfg.Threshold().Equal(decimal.RequireFromString("42.5")))
	assert.Equal(t, "http://override:8545", cfg.Web3.RPCURL)
}

func TestInvalidEnvironmentOverride(t *testing.T) {
	path := writeConfig(t, minimal)
	t.Setenv("DOUGH_BALANCE_THRESHOLD", "lots")

	_, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
}

func TestSecretsFromNamedEnv(t *testing.T) {
	path := writeConfig(t, `{
  "agent": {"balance_threshold": "1"},
  "balance": {"base_url": "http://balances.local", "api_token_env": "TEST_DOUGH_TOKEN"},
  "web3": {"rpc_url": "http://127.0.0.1:8545", "wallet": {"private_key_env": "TEST_DOUGH_KEY"}},
  "server": {"auth_token_env": "TEST_DOUGH_STATUS"}
}`)
	t.Setenv("TEST_DOUGH_TOKEN", "tok")
	t.Setenv("TEST_DOUGH_KEY", "0x01")
	t.Setenv("TEST_DOUGH_STATUS", " status ")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tok", cfg.Balance.APIToken)
	assert.Equal(t, "0x01", cfg.Web3.Wallet.PrivateKey)
	assert.Equal(t, "status", cfg.Server.AuthToken)
	require.NoError(t, cfg.Validate())
}

func TestValidateReportsEveryProblem(t *testing.T) {
	path := writeConfig(t, `{
  "agent": {"poll_interval_seconds": -1, "register_args": ["ten"]},
  "storage": {"state": {"driver": "etcd"}}
}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
	for _, fragment := range []string{
		"poll_interval_seconds",
		"balance_threshold",
		"register_args",
		"base_url",
		"api_token",
		"rpc_url",
		"private_key",
		"etcd",
	} {
		assert.Contains(t, err.Error(), fragment)
	}
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, ".env")
	local := filepath.Join(dir, ".env.local")
	require.NoError(t, os.WriteFile(base, []byte("TEST_DOUGH_ENVFILE=base\n"), 0o600))
	require.NoError(t, os.WriteFile(local, []byte("TEST_DOUGH_ENVFILE=local\n"), 0o600))
	t.Setenv("TEST_DOUGH_ENVFILE", "")
	require.NoError(t, os.Unsetenv("TEST_DOUGH_ENVFILE"))

	LoadEnvFiles(base, local, filepath.Join(dir, "missing"))
	assert.Equal(t, "local", os.Getenv("TEST_DOUGH_ENVFILE"))
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	assert.Equal(t, DefaultPath, PathFromEnv())
	t.Setenv(EnvConfigPath, "/etc/dough.json")
	assert.Equal(t, "/etc/dough.json", PathFromEnv())
}
