package contract

import (
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "Dough-Agent/internal/errors"
)

// doughABI describes the entry points the agent calls on the rebalancing
// contract.
const doughABI = `[
  {"type":"function","name":"register","stateMutability":"nonpayable","outputs":[],
   "inputs":[{"name":"a","type":"uint256"},{"name":"b","type":"uint256"}]},
  {"type":"function","name":"swapBreadToEure","stateMutability":"nonpayable","outputs":[],"inputs":[]}
]`

// DefaultABI returns the built-in Dough ABI.
func DefaultABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(doughABI))
	if err != nil {
		panic(err)
	}
	return parsed
}

// LoadABI reads a JSON ABI file. An empty path yields the built-in ABI.
func LoadABI(path string) (abi.ABI, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultABI(), nil
	}
	file, err := os.Open(path)
	if err != nil {
		return abi.ABI{}, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取合约 ABI 失败")
	}
	defer file.Close()

	parsed, err := abi.JSON(file)
	if err != nil {
		return abi.ABI{}, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析合约 ABI 失败")
	}
	return parsed, nil
}

// LoadBytecode decodes hex encoded creation bytecode, either inline or from a
// file produced by solc --bin. Inline bytecode wins when both are set.
func LoadBytecode(path, inline string) ([]byte, error) {
	raw := strings.TrimSpace(inline)
	if raw == "" && strings.TrimSpace(path) != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取合约字节码失败")
		}
		raw = strings.TrimSpace(string(content))
	}
	if raw == "" {
		return nil, nil
	}
	if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
		raw = "0x" + raw
	}
	code, err := hexutil.Decode(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "合约字节码不是有效的十六进制")
	}
	return code, nil
}
