package deployment

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Dough-Agent/internal/errors"
)

const (
	CodeRecordNotFound xerrors.Code = "DEPLOYMENT_RECORD_NOT_FOUND"
)

var (
	// ErrRecordNotFound 表示尚未持久化任何部署记录。
	ErrRecordNotFound = xerrors.New(CodeRecordNotFound, "deployment record not found")
	// ErrAddressConflict 表示持久化的合约地址与待写入的地址不同，且未显式允许覆盖。
	ErrAddressConflict = xerrors.New(xerrors.CodeStateConflict, "persisted contract address differs from the new deployment")
)

func init() {
	xerrors.Register(CodeRecordNotFound, xerrors.Attributes{
		Message:  "deployment record not found",
		Severity: xerrors.SeverityInfo,
	})
}

// Record 将逻辑部署身份映射到合约地址，并记录注册是否完成。
type Record struct {
	Identity   string         `json:"identity"`
	Address    common.Address `json:"address"`
	DeployTx   common.Hash    `json:"deploy_tx"`
	Registered bool           `json:"registered"`
	RegisterTx common.Hash    `json:"register_tx"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Store 抽象了部署记录的持久化接口。写入必须是原子替换。
type Store interface {
	// Load 返回 identity 对应的记录，不存在时返回 ErrRecordNotFound。
	Load(ctx context.Context, identity string) (Record, error)
	// Save 写入记录。已有记录的地址与 rec.Address 不同且 overwrite 为 false 时
	// 返回 ErrAddressConflict。
	Save(ctx context.Context, rec Record, overwrite bool) error
	Close() error
}

// CheckOverwrite 实现所有驱动共享的覆盖规则。
func CheckOverwrite(existing Record, found bool, rec Record, overwrite bool) error {
	if !found || overwrite || existing.Address == rec.Address {
		return nil
	}
	return xerrors.Wrap(xerrors.CodeStateConflict, ErrAddressConflict, "",
		xerrors.WithMetadata("persisted_address", existing.Address.Hex()),
		xerrors.WithMetadata("new_address", rec.Address.Hex()))
}

// MemoryStore 以内存方式保存部署记录，主要用于测试。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	saves   int
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Load 实现 Store 接口。
func (m *MemoryStore) Load(_ context.Context, identity string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[identity]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return rec, nil
}

// Save 实现 Store 接口。
func (m *MemoryStore) Save(_ context.Context, rec Record, overwrite bool) error {
	if rec.Identity == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "部署身份不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.records[rec.Identity]
	if err := CheckOverwrite(existing, ok, rec, overwrite); err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	m.records[rec.Identity] = rec
	m.saves++
	return nil
}

// Saves 返回成功写入的次数。
func (m *MemoryStore) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }
