package cache

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const fileSuffix = ".entry"

// NewFileBacking 以 basePath 为根目录构建文件持久层，每个 key 对应一个文件。
func NewFileBacking(basePath string) (*FileBacking, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &FileBacking{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// FileBacking 通过 entryLock 避免同一 key 并发写入；写入走临时文件 + rename 保证原子性。
type FileBacking struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// Path 返回持久层根目录。
func (b *FileBacking) Path() string {
	return b.basePath
}

func (b *FileBacking) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(b.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (b *FileBacking) Set(key string, value []byte) error {
	unlock := b.lockEntry(key)
	defer unlock()

	filePath := b.entryPath(key)
	tempFile, err := os.CreateTemp(b.basePath, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(value)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (b *FileBacking) Remove(key string) error {
	unlock := b.lockEntry(key)
	defer unlock()

	if err := os.Remove(b.entryPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (b *FileBacking) Keys() ([]string, error) {
	entries, err := os.ReadDir(b.basePath)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, fileSuffix))
		if err != nil {
			// 非本实现写入的文件，忽略
			continue
		}
		keys = append(keys, string(raw))
	}
	return keys, nil
}

func (b *FileBacking) lockEntry(key string) func() {
	b.mu.Lock()
	lock := b.locks[key]
	if lock == nil {
		lock = &entryLock{}
		b.locks[key] = lock
	}
	lock.refs++
	b.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		b.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(b.locks, key)
		}
		b.mu.Unlock()
	}
}

// entryPath 把任意字符串 key 编码为安全的文件名，避免路径穿越。
func (b *FileBacking) entryPath(key string) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(key)) + fileSuffix
	return filepath.Join(b.basePath, name)
}
