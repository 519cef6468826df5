package zk

import (
	"encoding/json"
	"errors"
	"fmt"
)

// LoadJSON reads and unmarshals a node into out, returning its stat so the
// caller can issue a versioned write later.
func LoadJSON(client Client, path string, out any) (*Stat, error) {
	data, stat, err := client.Get(path)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
	}
	return stat, nil
}

// StoreJSON marshals in and writes it at path with a version check. A
// version of AnyVersion upserts: the node is created when missing.
func StoreJSON(client Client, path string, in any, version int32) (*Stat, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if version == AnyVersion {
		exists, _, err := client.Exists(path)
		if err != nil {
			return nil, err
		}
		if !exists {
			if err := client.EnsurePath(parent(path)); err != nil {
				return nil, err
			}
			if _, err := client.Create(path, data, FlagPersistent); err != nil && !errors.Is(err, ErrNodeExists) {
				return nil, err
			}
			_, stat, err := client.Exists(path)
			return stat, err
		}
	}
	return client.Set(path, data, version)
}
