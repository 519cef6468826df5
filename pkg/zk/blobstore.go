package zk

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// BlobStore holds content-addressed blobs (keyed by the hash of their
// contents) with a last-used logical time for garbage collection. Large
// values are stored sharded.
type BlobStore struct {
	client Client
}

// NewBlobStore creates a blob store over the shared root
func NewBlobStore(client Client) *BlobStore {
	return &BlobStore{client: client}
}

// Key returns the content address of data
func (b *BlobStore) Key(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func blobPath(key string) string {
	return BlobRoot + "/" + key
}

// Put stores data and returns its key. Storing existing content only
// refreshes the last-used time.
func (b *BlobStore) Put(data []byte) (string, error) {
	key := b.Key(data)
	path := blobPath(key)
	exists, _, err := b.client.Exists(path)
	if err != nil {
		return "", err
	}
	if !exists {
		if err := WriteSharded(b.client, path+"/data", data); err != nil {
			return "", err
		}
	}
	if err := b.touch(key); err != nil {
		return "", err
	}
	return key, nil
}

// Get fetches a blob by key and refreshes its last-used time
func (b *BlobStore) Get(key string) ([]byte, error) {
	data, err := ReadSharded(b.client, blobPath(key)+"/data")
	if err != nil {
		return nil, err
	}
	if err := b.touch(key); err != nil {
		return nil, err
	}
	return data, nil
}

// touch bumps the last-used ltime by rewriting the touch node
func (b *BlobStore) touch(key string) error {
	path := blobPath(key) + "/touch"
	if err := b.client.EnsurePath(path); err != nil {
		return err
	}
	_, err := b.client.Set(path, nil, AnyVersion)
	return err
}

// GetKeysLastUsedBefore returns the keys of blobs not used since ltime.
// The cleanup job subtracts the live set before deleting.
func (b *BlobStore) GetKeysLastUsedBefore(ltime int64) ([]string, error) {
	keys, err := b.client.Children(BlobRoot)
	if err != nil {
		if errors.Is(err, ErrNoNode) {
			return nil, nil
		}
		return nil, err
	}
	var old []string
	for _, key := range keys {
		_, stat, err := b.client.Get(blobPath(key) + "/touch")
		if err != nil {
			if errors.Is(err, ErrNoNode) {
				old = append(old, key)
			}
			continue
		}
		if stat.Mzxid < ltime {
			old = append(old, key)
		}
	}
	return old, nil
}

// Delete removes a blob and its shards
func (b *BlobStore) Delete(key string) error {
	return DeleteRecursive(b.client, blobPath(key))
}
