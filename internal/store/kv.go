package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/sanitize"
	"github.com/fyrsmithlabs/forged/internal/session"
)

// KV stores snapshots in a JetStream key-value bucket keyed by session id.
type KV struct {
	kv     nats.KeyValue
	bucket string
	logger *logging.Logger
}

// KVOption configures a KV store.
type KVOption func(*KV)

// WithKVLogger sets the store logger.
func WithKVLogger(l *logging.Logger) KVOption {
	return func(k *KV) {
		if l != nil {
			k.logger = l
		}
	}
}

// NewKV binds to bucket, creating it if it does not exist.
func NewKV(ctx context.Context, nc *nats.Conn, bucket string, opts ...KVOption) (*KV, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required for the nats store")
	}
	if bucket == "" {
		return nil, errors.New("bucket name is required")
	}

	k := &KV{bucket: bucket, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(k)
	}
	k.logger = k.logger.Named("store.kv")

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "forged terminal session snapshots",
			History:     1,
			Storage:     nats.FileStorage,
		})
		if err == nil {
			k.logger.Info(ctx, "created session bucket", zap.String("bucket", bucket))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("binding key-value bucket %q: %w", bucket, err)
	}
	k.kv = kv
	return k, nil
}

func key(id string) string {
	return sanitize.Token(id)
}

// Save writes snap under its session id, replacing any previous value.
func (k *KV) Save(ctx context.Context, snap session.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	rev, err := k.kv.Put(key(snap.ID), data)
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	k.logger.Debug(logging.WithSessionID(ctx, snap.ID), "snapshot saved",
		zap.String("bucket", k.bucket),
		zap.Uint64("revision", rev),
	)
	return nil
}

// Load returns the snapshot for id or session.ErrNotFound.
func (k *KV) Load(ctx context.Context, id string) (session.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return session.Snapshot{}, err
	}
	entry, err := k.kv.Get(key(id))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return session.Snapshot{}, session.ErrNotFound
	}
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	var snap session.Snapshot
	if err := json.Unmarshal(entry.Value(), &snap); err != nil {
		return session.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
