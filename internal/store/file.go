package store

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/sanitize"
	"github.com/fyrsmithlabs/forged/internal/session"
)

const (
	hmacKeySize     = 32
	hmacKeyFile     = ".hmac_key"
	maxSnapshotSize = 64 * 1024 * 1024
)

// File stores one signed JSON document per session in a directory. Each
// document carries an HMAC-SHA256 over the encoded snapshot; Load rejects
// documents whose MAC does not verify.
//
// Without a configured key a random one is generated on first use and kept
// next to the snapshots with 0600 permissions.
type File struct {
	dir    string
	key    []byte
	mu     sync.Mutex
	logger *logging.Logger
}

// FileOption configures a File store.
type FileOption func(*File)

// WithFileLogger sets the store logger.
func WithFileLogger(l *logging.Logger) FileOption {
	return func(f *File) {
		if l != nil {
			f.logger = l
		}
	}
}

type signedSnapshot struct {
	Snapshot json.RawMessage `json:"snapshot"`
	MAC      []byte          `json:"mac"`
}

// NewFile opens or creates the store directory at dir.
func NewFile(dir string, key []byte, opts ...FileOption) (*File, error) {
	clean, err := sanitize.ValidatePath(dir, "")
	if err != nil {
		return nil, fmt.Errorf("store path: %w", err)
	}
	if err := os.MkdirAll(clean, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	f := &File{dir: clean, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.Named("store.file")

	if len(key) > 0 {
		f.key = key
	} else if f.key, err = f.loadOrCreateKey(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) loadOrCreateKey() ([]byte, error) {
	path := filepath.Join(f.dir, hmacKeyFile)
	if data, err := os.ReadFile(path); err == nil {
		if len(data) != hmacKeySize {
			return nil, fmt.Errorf("invalid key size: expected %d, got %d", hmacKeySize, len(data))
		}
		if info, err := os.Stat(path); err == nil && info.Mode().Perm() != 0600 {
			f.logger.Warn(context.Background(), "HMAC key file has insecure permissions",
				zap.String("key_path", path),
				zap.String("mode", fmt.Sprintf("%04o", info.Mode().Perm())),
			)
		}
		return data, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading HMAC key: %w", err)
	}

	key := make([]byte, hmacKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate HMAC key: %w", err)
	}
	if err := writeAtomic(path, key); err != nil {
		return nil, fmt.Errorf("writing HMAC key: %w", err)
	}
	f.logger.Info(context.Background(), "generated new HMAC key", zap.String("key_path", path))
	return key, nil
}

// writeAtomic writes data to a 0600 temp file and renames it over path.
func writeAtomic(path string, data []byte) error {
	suffix := make([]byte, 8)
	_, _ = rand.Read(suffix)
	tmp := fmt.Sprintf("%s.tmp.%x", path, suffix)

	fh, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err := fh.Write(data); err != nil {
		fh.Close()
		os.Remove(tmp)
		return err
	}
	if err := fh.Sync(); err != nil {
		fh.Close()
		os.Remove(tmp)
		return err
	}
	if err := fh.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (f *File) mac(data []byte) []byte {
	h := hmac.New(sha256.New, f.key)
	h.Write(data)
	return h.Sum(nil)
}

func (f *File) path(id string) (string, error) {
	return sanitize.ValidatePath(filepath.Join(f.dir, sanitize.Token(id)+".json"), f.dir)
}

// Save signs and writes snap.
func (f *File) Save(ctx context.Context, snap session.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := f.path(snap.ID)
	if err != nil {
		return err
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	doc, err := json.Marshal(signedSnapshot{Snapshot: body, MAC: f.mac(body)})
	if err != nil {
		return fmt.Errorf("marshal signed snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := writeAtomic(path, doc); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Load reads and verifies the snapshot for id.
func (f *File) Load(ctx context.Context, id string) (session.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return session.Snapshot{}, err
	}
	path, err := f.path(id)
	if err != nil {
		return session.Snapshot{}, err
	}

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return session.Snapshot{}, session.ErrNotFound
	}
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("stat snapshot: %w", err)
	}
	if info.Size() > maxSnapshotSize {
		return session.Snapshot{}, fmt.Errorf("snapshot exceeds max size (%d > %d bytes)", info.Size(), maxSnapshotSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var doc signedSnapshot
	if err := json.Unmarshal(data, &doc); err != nil {
		return session.Snapshot{}, fmt.Errorf("decode signed snapshot: %w", err)
	}
	if !hmac.Equal(doc.MAC, f.mac(doc.Snapshot)) {
		f.logger.Warn(logging.WithSessionID(ctx, id), "snapshot failed integrity check", zap.String("file", path))
		return session.Snapshot{}, ErrTampered
	}

	var snap session.Snapshot
	if err := json.Unmarshal(doc.Snapshot, &snap); err != nil {
		return session.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
