package state

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// NATSKV stores entries in a JetStream key/value bucket, so several orcha
// processes can share sessions through one NATS server.
type NATSKV struct {
	bucket jetstream.KeyValue
}

// NewNATSKV opens the named bucket, creating it when it does not exist.
func NewNATSKV(ctx context.Context, js jetstream.JetStream, bucket string) (*NATSKV, error) {
	kv, err := getOrCreateBucket(ctx, js, bucket)
	if err != nil {
		return nil, err
	}
	return &NATSKV{bucket: kv}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("get bucket %s: %w", name, err)
	}

	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: "orcha session snapshots",
		History:     5,
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", name, err)
	}
	return kv, nil
}

// Put stores value under key.
func (n *NATSKV) Put(ctx context.Context, key string, value []byte) error {
	if _, err := n.bucket.Put(ctx, key, value); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Get returns the value under key.
func (n *NATSKV) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := n.bucket.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return entry.Value(), nil
}

// List returns entries under prefix, ordered by key.
func (n *NATSKV) List(ctx context.Context, prefix string) ([]Entry, error) {
	keys, err := n.keys(ctx, prefix)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		entry, err := n.bucket.Get(ctx, key)
		if err != nil {
			// Deleted between listing and reading.
			if errors.Is(err, jetstream.ErrKeyDeleted) || errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
		entries = append(entries, Entry{Key: key, Value: entry.Value()})
	}
	return entries, nil
}

// Remove deletes key, leaving a tombstone in the bucket history.
func (n *NATSKV) Remove(ctx context.Context, key string) error {
	if _, err := n.Get(ctx, key); err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	if err := n.bucket.Delete(ctx, key); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// Delete removes entries under prefix.
func (n *NATSKV) Delete(ctx context.Context, prefix string) (int, error) {
	if prefix == "" {
		return 0, fmt.Errorf("delete: empty prefix")
	}
	keys, err := n.keys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		if err := n.bucket.Delete(ctx, key); err != nil {
			return 0, fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return len(keys), nil
}

func (n *NATSKV) keys(ctx context.Context, prefix string) ([]string, error) {
	all, err := n.bucket.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	var keys []string
	for _, k := range all {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}
