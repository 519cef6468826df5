package zk

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
)

// ZooKeeper refuses znode values near 1 MiB; leave headroom for the
// request framing.
const shardCap = 1024*1024 - 8*1024

// WriteSharded stores data under path, splitting values that exceed the
// store's single-node byte cap into ordered sequence children. Existing
// shards are replaced.
func WriteSharded(client Client, path string, data []byte) error {
	if err := client.EnsurePath(path); err != nil {
		return err
	}
	children, err := client.Children(path)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := client.Delete(path+"/"+child, AnyVersion); err != nil && !errors.Is(err, ErrNoNode) {
			return err
		}
	}
	for len(data) > 0 {
		n := len(data)
		if n > shardCap {
			n = shardCap
		}
		if _, err := client.Create(path+"/shard-", data[:n], FlagSequence); err != nil {
			return fmt.Errorf("failed to write shard: %w", err)
		}
		data = data[n:]
	}
	return nil
}

// ReadSharded reconstructs a sharded value by concatenating its children in
// sorted name order.
func ReadSharded(client Client, path string) ([]byte, error) {
	children, err := client.Children(path)
	if err != nil {
		return nil, err
	}
	sort.Strings(children)
	var buf bytes.Buffer
	for _, child := range children {
		data, _, err := client.Get(path + "/" + child)
		if err != nil {
			return nil, err
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}
