package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

const (
	badgerBucketPrefix = "b/"
	badgerObjectPrefix = "o/"
)

// BadgerOptions configures the embedded Badger object store.
type BadgerOptions struct {
	// Path to the database directory. If empty, uses in-memory mode.
	Path string
	// InMemory forces in-memory mode even if Path is set.
	InMemory bool
}

// BadgerStorage implements ObjectStorage on an embedded BadgerDB.
// Bucket markers live under "b/<bucket>" and objects under "o/<bucket>/<key>".
type BadgerStorage struct {
	db *badger.DB
}

// NewBadgerStorage opens (or creates) a Badger-backed object store.
func NewBadgerStorage(opts BadgerOptions) (*BadgerStorage, error) {
	badgerOpts := badger.DefaultOptions(opts.Path).WithLogger(nil)
	if opts.Path == "" || opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	return &BadgerStorage{db: db}, nil
}

// PutObject stores data under bucket/key. The bucket must exist.
func (b *BadgerStorage) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(bucketKey(bucket)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("bucket %s does not exist", bucket)
			}
			return err
		}
		return txn.Set(objectKey(bucket, key), data)
	})
	if err != nil {
		return fmt.Errorf("%w: %s/%s: %v", ErrUploadFailed, bucket, key, err)
	}
	return nil
}

// GetObject returns a copy of the value stored under bucket/key.
func (b *BadgerStorage) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(objectKey(bucket, key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
		}
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrDownloadFailed, bucket, key, err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// EnsureBucket writes the bucket marker if it is absent.
func (b *BadgerStorage) EnsureBucket(ctx context.Context, bucket string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateBucket(bucket); err != nil {
		return false, fmt.Errorf("%w: %v", ErrBucketFailed, err)
	}

	created := false
	err := b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(bucketKey(bucket))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		created = true
		return txn.Set(bucketKey(bucket), []byte{})
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBucketFailed, err)
	}
	return created, nil
}

// ListBuckets returns bucket names in key order.
func (b *BadgerStorage) ListBuckets(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var names []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(badgerBucketPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, string(it.Item().Key()[len(badgerBucketPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBucketFailed, err)
	}
	return names, nil
}

// Close closes the BadgerDB database.
func (b *BadgerStorage) Close() error {
	return b.db.Close()
}

func bucketKey(bucket string) []byte {
	return []byte(badgerBucketPrefix + bucket)
}

func objectKey(bucket, key string) []byte {
	return []byte(badgerObjectPrefix + bucket + "/" + key)
}
