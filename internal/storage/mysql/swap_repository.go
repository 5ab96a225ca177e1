package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"

	xerrors "Dough-Agent/internal/errors"
)

// SwapRecord 表示一次已确认的兑换交易。
type SwapRecord struct {
	ID          int64  `json:"id"`
	Identity    string `json:"identity"`
	Contract    string `json:"contract"`
	TxHash      string `json:"tx_hash"`
	Balance     string `json:"balance"`
	Threshold   string `json:"threshold"`
	BlockNumber uint64 `json:"block_number"`
	CreatedAt   int64  `json:"created_at"`
}

// SwapRepository 抽象兑换历史的持久化接口。
type SwapRepository interface {
	Save(ctx context.Context, record *SwapRecord) error
	ListLatest(ctx context.Context, limit int) ([]SwapRecord, error)
	CountSince(ctx context.Context, since time.Time) (int, error)
	Close() error
}

const memoryHistoryLimit = 512

// MemorySwapRepository 使用本地 JSON Lines 文件记录兑换历史，并在内存中保留最近的记录。
type MemorySwapRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []SwapRecord
	nextID   int64
}

// NewMemorySwapRepository 创建一个文件追加写的兑换历史仓库。
func NewMemorySwapRepository(dataDir string) (*MemorySwapRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	repo := &MemorySwapRepository{dataFile: filepath.Join(dataDir, "swaps.log")}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录兑换结果。
func (m *MemorySwapRepository) Save(_ context.Context, record *SwapRecord) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "兑换记录不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().Unix()
	}
	m.nextID++
	record.ID = m.nextID

	encoded, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化兑换记录失败")
	}

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开兑换日志失败")
	}
	defer file.Close()

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入兑换日志失败")
	}

	m.records = append([]SwapRecord{*record}, m.records...)
	if len(m.records) > memoryHistoryLimit {
		m.records = m.records[:memoryHistoryLimit]
	}
	return nil
}

// ListLatest 返回最近的兑换记录，按时间倒序排列。
func (m *MemorySwapRepository) ListLatest(_ context.Context, limit int) ([]SwapRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	results := make([]SwapRecord, limit)
	copy(results, m.records[:limit])
	return results, nil
}

// CountSince 统计 since 之后的兑换次数。
func (m *MemorySwapRepository) CountSince(_ context.Context, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := since.Unix()
	count := 0
	for _, record := range m.records {
		if record.CreatedAt >= cutoff {
			count++
		}
	}
	return count, nil
}

// Close 实现 SwapRepository。
func (m *MemorySwapRepository) Close() error { return nil }

func (m *MemorySwapRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取兑换日志失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []SwapRecord
	for scanner.Scan() {
		var record SwapRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		if record.ID > m.nextID {
			m.nextID = record.ID
		}
		restored = append([]SwapRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析兑换日志失败")
	}

	if len(restored) > memoryHistoryLimit {
		restored = restored[:memoryHistoryLimit]
	}
	m.records = restored
	return nil
}

// SQLSwapRepository 使用 MySQL 的 swaps 表存储兑换历史。
type SQLSwapRepository struct {
	db *sql.DB
}

// NewSQLSwapRepository 基于已打开的连接池创建仓库。
func NewSQLSwapRepository(db *sql.DB) *SQLSwapRepository {
	return &SQLSwapRepository{db: db}
}

const insertSwapSQL = `INSERT INTO swaps
    (identity, contract, tx_hash, balance, threshold, block_number, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?)`

// Save 写入一条兑换记录。同一交易哈希重复写入视为成功。
func (s *SQLSwapRepository) Save(ctx context.Context, record *SwapRecord) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "兑换记录不能为空")
	}
	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().Unix()
	}

	result, err := s.db.ExecContext(ctx, insertSwapSQL,
		record.Identity,
		record.Contract,
		record.TxHash,
		record.Balance,
		record.Threshold,
		record.BlockNumber,
		record.CreatedAt,
	)
	if err != nil {
		var myErr *mysqldriver.MySQLError
		if errors.As(err, &myErr) && myErr.Number == 1062 {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入兑换记录失败")
	}
	if id, err := result.LastInsertId(); err == nil {
		record.ID = id
	}
	return nil
}

// ListLatest 查询最近的若干条兑换记录。
func (s *SQLSwapRepository) ListLatest(ctx context.Context, limit int) ([]SwapRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, identity, contract, tx_hash, balance, threshold, block_number, created_at
        FROM swaps ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询兑换记录失败")
	}
	defer rows.Close()

	var records []SwapRecord
	for rows.Next() {
		var record SwapRecord
		if err := rows.Scan(&record.ID, &record.Identity, &record.Contract, &record.TxHash, &record.Balance, &record.Threshold, &record.BlockNumber, &record.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析兑换记录失败")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历兑换记录失败")
	}
	return records, nil
}

// CountSince 统计 since 之后的兑换次数。
func (s *SQLSwapRepository) CountSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM swaps WHERE created_at >= ?`, since.Unix()).Scan(&count); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("统计 %s 之后的兑换次数失败", since.Format(time.RFC3339)))
	}
	return count, nil
}

// Close 关闭底层数据库连接。
func (s *SQLSwapRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
