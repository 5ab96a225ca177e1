package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	goredis "github.com/redis/go-redis/v9"

	"Dough-Agent/internal/deployment"
	xerrors "Dough-Agent/internal/errors"
)

// Config 描述 Redis 连接参数。
type Config struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

const (
	defaultKeyPrefix = "dough:deployment:"
	maxTxAttempts    = 3
)

// DeploymentStore 使用 Redis hash 保存部署记录，实现 deployment.Store。
type DeploymentStore struct {
	client goredis.UniversalClient
	prefix string
}

// NewDeploymentStore 连接 Redis 并创建存储。
func NewDeploymentStore(ctx context.Context, cfg Config) (*DeploymentStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return NewDeploymentStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewDeploymentStoreWithClient 基于已有客户端创建存储。
func NewDeploymentStoreWithClient(client goredis.UniversalClient, prefix string) *DeploymentStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &DeploymentStore{client: client, prefix: prefix}
}

func (s *DeploymentStore) key(identity string) string {
	return s.prefix + identity
}

// Load 实现 deployment.Store。
func (s *DeploymentStore) Load(ctx context.Context, identity string) (deployment.Record, error) {
	fields, err := s.client.HGetAll(ctx, s.key(identity)).Result()
	if err != nil {
		return deployment.Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 部署记录失败")
	}
	if len(fields) == 0 {
		return deployment.Record{}, deployment.ErrRecordNotFound
	}
	return decodeRecord(identity, fields)
}

// Save 在 WATCH 事务中比较已有地址后写入。并发写入导致事务失败时重试。
func (s *DeploymentStore) Save(ctx context.Context, rec deployment.Record, overwrite bool) error {
	if rec.Identity == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "部署身份不能为空")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	key := s.key(rec.Identity)

	txf := func(tx *goredis.Tx) error {
		current, err := tx.HGet(ctx, key, "address").Result()
		found := true
		switch {
		case errors.Is(err, goredis.Nil):
			found = false
		case err != nil:
			return err
		}
		existing := deployment.Record{Identity: rec.Identity, Address: common.HexToAddress(current)}
		if err := deployment.CheckOverwrite(existing, found, rec, overwrite); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeRecord(rec))
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		var coded *xerrors.Error
		if errors.As(err, &coded) {
			return err
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 部署记录失败")
	}
	return xerrors.New(xerrors.CodeStorageFailure,
		fmt.Sprintf("部署记录 %s 并发写入冲突，已重试 %d 次", rec.Identity, maxTxAttempts))
}

// Close 关闭 Redis 连接。
func (s *DeploymentStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func encodeRecord(rec deployment.Record) map[string]any {
	registered := "0"
	if rec.Registered {
		registered = "1"
	}
	fields := map[string]any{
		"address":     rec.Address.Hex(),
		"registered":  registered,
		"updated_at":  strconv.FormatInt(rec.UpdatedAt.Unix(), 10),
		"deploy_tx":   "",
		"register_tx": "",
	}
	if rec.DeployTx != (common.Hash{}) {
		fields["deploy_tx"] = rec.DeployTx.Hex()
	}
	if rec.RegisterTx != (common.Hash{}) {
		fields["register_tx"] = rec.RegisterTx.Hex()
	}
	return fields
}

func decodeRecord(identity string, fields map[string]string) (deployment.Record, error) {
	address := fields["address"]
	if !common.IsHexAddress(address) {
		return deployment.Record{}, xerrors.New(xerrors.CodeStateConflict, "Redis 部署记录中的合约地址无效",
			xerrors.WithMetadata("address", address))
	}
	rec := deployment.Record{
		Identity:   identity,
		Address:    common.HexToAddress(address),
		Registered: fields["registered"] == "1",
	}
	if v := fields["deploy_tx"]; v != "" {
		rec.DeployTx = common.HexToHash(v)
	}
	if v := fields["register_tx"]; v != "" {
		rec.RegisterTx = common.HexToHash(v)
	}
	if v := fields["updated_at"]; v != "" {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			rec.UpdatedAt = time.Unix(ts, 0).UTC()
		}
	}
	return rec, nil
}
