package mysql

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Dough-Agent/internal/deployment"
	xerrors "Dough-Agent/internal/errors"
)

// SQLDeploymentStore 在 deployments 表中保存部署记录，实现 deployment.Store。
type SQLDeploymentStore struct {
	db *sql.DB
}

// NewSQLDeploymentStore 基于已打开的连接池创建存储。
func NewSQLDeploymentStore(db *sql.DB) *SQLDeploymentStore {
	return &SQLDeploymentStore{db: db}
}

// Load 实现 deployment.Store。
func (s *SQLDeploymentStore) Load(ctx context.Context, identity string) (deployment.Record, error) {
	const query = `SELECT identity, address, deploy_tx, registered, register_tx, updated_at
        FROM deployments WHERE identity = ?`

	var (
		rec        deployment.Record
		address    string
		deployTx   string
		registerTx string
		updatedAt  int64
	)
	err := s.db.QueryRowContext(ctx, query, identity).Scan(&rec.Identity, &address, &deployTx, &rec.Registered, &registerTx, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return deployment.Record{}, deployment.ErrRecordNotFound
	}
	if err != nil {
		return deployment.Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询部署记录失败")
	}
	if !common.IsHexAddress(address) {
		return deployment.Record{}, xerrors.New(xerrors.CodeStateConflict, "部署记录中的合约地址无效",
			xerrors.WithMetadata("address", address))
	}
	rec.Address = common.HexToAddress(address)
	rec.DeployTx = common.HexToHash(deployTx)
	rec.RegisterTx = common.HexToHash(registerTx)
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return rec, nil
}

// Save 在事务中比较已有地址后写入，满足不静默覆盖的要求。
func (s *SQLDeploymentStore) Save(ctx context.Context, rec deployment.Record, overwrite bool) error {
	if rec.Identity == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "部署身份不能为空")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}

	var existing string
	found := true
	err = tx.QueryRowContext(ctx, `SELECT address FROM deployments WHERE identity = ? FOR UPDATE`, rec.Identity).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		found = false
	case err != nil:
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询部署记录失败")
	}

	current := deployment.Record{Identity: rec.Identity, Address: common.HexToAddress(existing)}
	if err := deployment.CheckOverwrite(current, found, rec, overwrite); err != nil {
		tx.Rollback()
		return err
	}

	if _, err := tx.ExecContext(ctx, upsertDeploymentSQL,
		rec.Identity,
		rec.Address.Hex(),
		hashOrEmpty(rec.DeployTx),
		rec.Registered,
		hashOrEmpty(rec.RegisterTx),
		rec.UpdatedAt.Unix(),
	); err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入部署记录失败")
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交部署记录失败")
	}
	return nil
}

// Close 关闭底层数据库连接。
func (s *SQLDeploymentStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const upsertDeploymentSQL = `INSERT INTO deployments
    (identity, address, deploy_tx, registered, register_tx, updated_at)
    VALUES (?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE address = VALUES(address), deploy_tx = VALUES(deploy_tx),
    registered = VALUES(registered), register_tx = VALUES(register_tx), updated_at = VALUES(updated_at)`

func hashOrEmpty(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}
