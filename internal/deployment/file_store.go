package deployment

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofrs/flock"

	xerrors "Dough-Agent/internal/errors"
)

// FileStore 将部署记录保存为本地 JSON 文件。写入采用临时文件加 rename 的方式
// 保证原子替换；同一文件上的第二个代理实例会因为文件锁而启动失败。
//
// 只包含一个合约地址的旧版纯文本文件也可以读取，该地址视为已注册。
type FileStore struct {
	path string
	lock *flock.Flock
	mu   sync.Mutex
}

type fileDocument struct {
	Records map[string]Record `json:"records"`
}

// NewFileStore 打开 path 对应的记录文件并获取独占锁。
func NewFileStore(path string) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "部署记录文件路径为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建部署记录目录失败")
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取部署记录文件锁失败")
	}
	if !locked {
		return nil, xerrors.New(xerrors.CodeStateConflict,
			fmt.Sprintf("部署记录 %s 正被另一个代理实例使用", path))
	}
	return &FileStore{path: path, lock: lock}, nil
}

// Path 返回记录文件路径。
func (s *FileStore) Path() string {
	return s.path
}

// Load 实现 Store 接口。
func (s *FileStore) Load(_ context.Context, identity string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read(identity)
	if err != nil {
		return Record{}, err
	}
	rec, ok := doc.Records[identity]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return rec, nil
}

// Save 实现 Store 接口。
func (s *FileStore) Save(_ context.Context, rec Record, overwrite bool) error {
	if rec.Identity == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "部署身份不能为空")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read(rec.Identity)
	if err != nil {
		return err
	}
	existing, ok := doc.Records[rec.Identity]
	if err := CheckOverwrite(existing, ok, rec, overwrite); err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	doc.Records[rec.Identity] = rec

	content, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化部署记录失败")
	}
	return s.writeAtomic(append(content, '\n'))
}

// Close 释放文件锁。
func (s *FileStore) Close() error {
	if s == nil || s.lock == nil {
		return nil
	}
	return s.lock.Unlock()
}

func (s *FileStore) read(identity string) (fileDocument, error) {
	doc := fileDocument{Records: map[string]Record{}}

	content, err := os.ReadFile(s.path)
	if err != nil {
		if stdErrors.Is(err, fs.ErrNotExist) {
			return doc, nil
		}
		return doc, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取部署记录失败")
	}

	trimmed := strings.TrimSpace(string(content))
	if trimmed == "" {
		return doc, nil
	}
	if !strings.HasPrefix(trimmed, "{") {
		if !common.IsHexAddress(trimmed) {
			return doc, xerrors.New(xerrors.CodeStateConflict,
				fmt.Sprintf("部署记录文件 %s 既不是 JSON 也不是合约地址", s.path))
		}
		doc.Records[identity] = Record{
			Identity:   identity,
			Address:    common.HexToAddress(trimmed),
			Registered: true,
		}
		return doc, nil
	}

	if err := json.Unmarshal(content, &doc); err != nil {
		return doc, xerrors.Wrap(xerrors.CodeStateConflict, err, "解析部署记录失败")
	}
	if doc.Records == nil {
		doc.Records = map[string]Record{}
	}
	return doc, nil
}

func (s *FileStore) writeAtomic(content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建临时文件失败")
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		cleanup()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入临时文件失败")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "同步临时文件失败")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "关闭临时文件失败")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "替换部署记录文件失败")
	}
	return nil
}
