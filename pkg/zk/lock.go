package zk

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Lock is a session-scoped distributed lock. The holder's contender node is
// ephemeral, so a severed session releases the lock; Release on an already
// released lock is a no-op.
type Lock struct {
	client     Client
	path       string
	node       string
	identifier string

	mu       sync.Mutex
	released bool
}

const contenderPrefix = "lock-"

// AcquireLock takes the lock at path. identifier is stored on the contender
// node so other processes can see who is waiting (the reconfiguration path
// uses a distinguished identifier for starvation avoidance). Non-blocking
// acquisition returns ErrLockContended immediately when the lock is held;
// blocking acquisition waits up to timeout (zero means wait forever).
func AcquireLock(client Client, path, identifier string, blocking bool, timeout time.Duration) (*Lock, error) {
	if err := client.EnsurePath(path); err != nil {
		return nil, err
	}
	node, err := client.Create(path+"/"+contenderPrefix, []byte(identifier), FlagEphemeral|FlagSequence)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock contender: %w", err)
	}
	l := &Lock{client: client, path: path, node: node, identifier: identifier}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		predecessor, acquired, err := l.check()
		if err != nil {
			_ = l.Release()
			return nil, err
		}
		if acquired {
			return l, nil
		}
		if !blocking {
			_ = l.Release()
			return nil, ErrLockContended
		}

		// Wait for the contender ahead of us to go away
		exists, _, watch, err := client.ExistsW(predecessor)
		if err != nil {
			_ = l.Release()
			return nil, err
		}
		if !exists {
			continue
		}
		select {
		case <-watch:
		case <-deadline:
			_ = l.Release()
			return nil, ErrLockContended
		case <-client.ConnectionLostCh():
			_ = l.Release()
			return nil, ErrConnectionLost
		}
	}
}

// check reports whether we hold the lock, and if not, the path of the
// contender immediately ahead of us.
func (l *Lock) check() (string, bool, error) {
	children, err := l.client.Children(l.path)
	if err != nil {
		return "", false, err
	}
	contenders := sortContenders(children)
	mine := l.node[strings.LastIndex(l.node, "/")+1:]
	idx := -1
	for i, name := range contenders {
		if name == mine {
			idx = i
			break
		}
	}
	if idx == -1 {
		// Our contender node vanished with the session
		return "", false, ErrConnectionLost
	}
	if idx == 0 {
		return "", true, nil
	}
	return l.path + "/" + contenders[idx-1], false, nil
}

// Release gives up the lock. Idempotent; a missing contender node means the
// session already released it.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true
	err := l.client.Delete(l.node, AnyVersion)
	if errors.Is(err, ErrNoNode) {
		return nil
	}
	return err
}

// Identifier returns the identifier the lock was acquired with
func (l *Lock) Identifier() string {
	return l.identifier
}

// LockContenders returns the identifiers of current contenders in queue
// order, holder first.
func LockContenders(client Client, path string) ([]string, error) {
	children, err := client.Children(path)
	if err != nil {
		if errors.Is(err, ErrNoNode) {
			return nil, nil
		}
		return nil, err
	}
	var identifiers []string
	for _, name := range sortContenders(children) {
		data, _, err := client.Get(path + "/" + name)
		if err != nil {
			if errors.Is(err, ErrNoNode) {
				continue
			}
			return nil, err
		}
		identifiers = append(identifiers, string(data))
	}
	return identifiers, nil
}

// sortContenders orders contender node names by their sequence suffix
func sortContenders(children []string) []string {
	var contenders []string
	for _, name := range children {
		if strings.HasPrefix(name, contenderPrefix) {
			contenders = append(contenders, name)
		}
	}
	sort.Slice(contenders, func(i, j int) bool {
		return contenderSeq(contenders[i]) < contenderSeq(contenders[j])
	})
	return contenders
}

func contenderSeq(name string) int64 {
	seq, err := strconv.ParseInt(name[len(contenderPrefix):], 10, 64)
	if err != nil {
		return int64(^uint64(0) >> 1)
	}
	return seq
}
