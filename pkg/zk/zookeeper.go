package zk

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	gozk "github.com/go-zookeeper/zk"
	"github.com/rs/zerolog"

	"github.com/blurrycontour/zuul-gerrit-sub000/pkg/log"
)

const ltimeNode = Root + "/ltime"

// zkClient is the production Client backed by a ZooKeeper ensemble
type zkClient struct {
	conn   *gozk.Conn
	logger zerolog.Logger

	mu       sync.Mutex
	lostCh   chan struct{}
	lost     bool
	stopCh   chan struct{}
	watchers sync.WaitGroup
}

// Connect establishes a session to the ensemble and waits for it to come up
func Connect(cfg Config) (Client, error) {
	timeout := cfg.SessionTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	conn, events, err := gozk.Connect(cfg.Hosts, timeout, gozk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to zookeeper: %w", err)
	}

	c := &zkClient{
		conn:   conn,
		logger: log.WithComponent("zk"),
		lostCh: make(chan struct{}),
		stopCh: make(chan struct{}),
	}
	go c.sessionWatcher(events)

	if err := c.EnsurePath(ltimeNode); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// sessionWatcher propagates session loss to lock and watch holders
func (c *zkClient) sessionWatcher(events <-chan gozk.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				c.markLost()
				return
			}
			switch ev.State {
			case gozk.StateExpired, gozk.StateAuthFailed:
				c.logger.Warn().Str("state", ev.State.String()).
					Msg("zookeeper session lost")
				c.markLost()
			case gozk.StateHasSession:
				c.mu.Lock()
				if c.lost {
					// New session after an expiration; holders of the
					// old channel have already been notified.
					c.lostCh = make(chan struct{})
					c.lost = false
				}
				c.mu.Unlock()
			}
		case <-c.stopCh:
			return
		}
	}
}

func (c *zkClient) markLost() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lost {
		c.lost = true
		close(c.lostCh)
	}
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gozk.ErrNoNode):
		return ErrNoNode
	case errors.Is(err, gozk.ErrNodeExists):
		return ErrNodeExists
	case errors.Is(err, gozk.ErrBadVersion):
		return ErrBadVersion
	case errors.Is(err, gozk.ErrNotEmpty):
		return ErrNotEmpty
	case errors.Is(err, gozk.ErrSessionExpired), errors.Is(err, gozk.ErrConnectionClosed):
		return ErrConnectionLost
	}
	return err
}

func mapStat(s *gozk.Stat) *Stat {
	if s == nil {
		return nil
	}
	return &Stat{
		Version:        s.Version,
		Czxid:          s.Czxid,
		Mzxid:          s.Mzxid,
		NumChildren:    int(s.NumChildren),
		EphemeralOwner: s.EphemeralOwner,
	}
}

// retryTransient retries an operation across transient connection blips.
// Session expiration is not retried; the caller must observe it.
func (c *zkClient) retryTransient(op func() error) error {
	return retry.Do(op,
		retry.Attempts(5),
		retry.Delay(250*time.Millisecond),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, gozk.ErrConnectionClosed)
		}),
		retry.LastErrorOnly(true),
	)
}

func (c *zkClient) Create(path string, data []byte, flags CreateFlags) (string, error) {
	var zflags int32
	if flags&FlagEphemeral != 0 {
		zflags |= gozk.FlagEphemeral
	}
	if flags&FlagSequence != 0 {
		zflags |= gozk.FlagSequence
	}
	var created string
	err := c.retryTransient(func() error {
		var err error
		created, err = c.conn.Create(path, data, zflags, gozk.WorldACL(gozk.PermAll))
		return err
	})
	return created, mapError(err)
}

func (c *zkClient) Get(path string) ([]byte, *Stat, error) {
	var data []byte
	var stat *gozk.Stat
	err := c.retryTransient(func() error {
		var err error
		data, stat, err = c.conn.Get(path)
		return err
	})
	return data, mapStat(stat), mapError(err)
}

func (c *zkClient) GetW(path string) ([]byte, *Stat, <-chan WatchEvent, error) {
	data, stat, events, err := c.conn.GetW(path)
	if err != nil {
		return nil, nil, nil, mapError(err)
	}
	return data, mapStat(stat), c.forwardWatch(path, events), nil
}

func (c *zkClient) Set(path string, data []byte, version int32) (*Stat, error) {
	var stat *gozk.Stat
	err := c.retryTransient(func() error {
		var err error
		stat, err = c.conn.Set(path, data, version)
		return err
	})
	return mapStat(stat), mapError(err)
}

func (c *zkClient) Delete(path string, version int32) error {
	err := c.retryTransient(func() error {
		return c.conn.Delete(path, version)
	})
	return mapError(err)
}

func (c *zkClient) Children(path string) ([]string, error) {
	var children []string
	err := c.retryTransient(func() error {
		var err error
		children, _, err = c.conn.Children(path)
		return err
	})
	return children, mapError(err)
}

func (c *zkClient) ChildrenW(path string) ([]string, <-chan WatchEvent, error) {
	children, _, events, err := c.conn.ChildrenW(path)
	if err != nil {
		return nil, nil, mapError(err)
	}
	return children, c.forwardWatch(path, events), nil
}

func (c *zkClient) Exists(path string) (bool, *Stat, error) {
	var ok bool
	var stat *gozk.Stat
	err := c.retryTransient(func() error {
		var err error
		ok, stat, err = c.conn.Exists(path)
		return err
	})
	return ok, mapStat(stat), mapError(err)
}

func (c *zkClient) ExistsW(path string) (bool, *Stat, <-chan WatchEvent, error) {
	ok, stat, events, err := c.conn.ExistsW(path)
	if err != nil {
		return false, nil, nil, mapError(err)
	}
	return ok, mapStat(stat), c.forwardWatch(path, events), nil
}

// forwardWatch adapts a one-shot ZooKeeper watch channel to the Client
// watch event type. Session loss is delivered as ConnectionLost.
func (c *zkClient) forwardWatch(path string, events <-chan gozk.Event) <-chan WatchEvent {
	out := make(chan WatchEvent, 1)
	go func() {
		defer close(out)
		select {
		case ev := <-events:
			switch ev.Type {
			case gozk.EventNodeCreated:
				out <- WatchEvent{Type: NodeAdded, Path: ev.Path}
			case gozk.EventNodeDataChanged:
				out <- WatchEvent{Type: NodeUpdated, Path: ev.Path}
			case gozk.EventNodeDeleted:
				out <- WatchEvent{Type: NodeRemoved, Path: ev.Path}
			case gozk.EventNodeChildrenChanged:
				out <- WatchEvent{Type: NodeUpdated, Path: ev.Path}
			default:
				if ev.State == gozk.StateExpired || ev.State == gozk.StateDisconnected {
					out <- WatchEvent{Type: ConnectionLost, Path: path}
				}
			}
		case <-c.stopCh:
		}
	}()
	return out
}

func (c *zkClient) EnsurePath(path string) error {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	cur := ""
	for _, part := range parts {
		cur += "/" + part
		_, err := c.Create(cur, nil, FlagPersistent)
		if err != nil && !errors.Is(err, ErrNodeExists) {
			return err
		}
	}
	return nil
}

// WatchTree watches a subtree by re-scanning it whenever a child watch
// fires, with a slow periodic rescan as a backstop. Events are diffs of
// successive scans keyed by path and mzxid, so redeliveries after a
// reconnect are harmless.
func (c *zkClient) WatchTree(prefix string) (<-chan WatchEvent, func()) {
	out := make(chan WatchEvent, 256)
	stop := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(stop) }) }

	c.watchers.Add(1)
	go func() {
		defer c.watchers.Done()
		defer close(out)
		known := map[string]int64{}
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			trigger := c.scanTree(prefix, known, out)
			select {
			case <-stop:
				return
			case <-c.stopCh:
				return
			case <-c.ConnectionLostCh():
				select {
				case out <- WatchEvent{Type: ConnectionLost, Path: prefix}:
				default:
				}
				select {
				case <-stop:
					return
				case <-ticker.C:
				}
			case <-trigger:
			case <-ticker.C:
			}
		}
	}()
	return out, cancel
}

// scanTree walks the subtree, emits diffs against known, and returns a
// channel that fires when any visited node's children change.
func (c *zkClient) scanTree(prefix string, known map[string]int64, out chan<- WatchEvent) <-chan struct{} {
	trigger := make(chan struct{}, 1)
	seen := map[string]int64{}
	var walk func(path string)
	walk = func(path string) {
		children, events, err := c.ChildrenW(path)
		if err != nil {
			return
		}
		go func() {
			if _, ok := <-events; ok {
				select {
				case trigger <- struct{}{}:
				default:
				}
			}
		}()
		sort.Strings(children)
		for _, child := range children {
			childPath := path + "/" + child
			_, stat, err := c.Exists(childPath)
			if err != nil || stat == nil {
				continue
			}
			seen[childPath] = stat.Mzxid
			walk(childPath)
		}
	}
	walk(prefix)

	for path, mzxid := range seen {
		old, ok := known[path]
		if !ok {
			out <- WatchEvent{Type: NodeAdded, Path: path}
		} else if old != mzxid {
			out <- WatchEvent{Type: NodeUpdated, Path: path}
		}
	}
	for path := range known {
		if _, ok := seen[path]; !ok {
			out <- WatchEvent{Type: NodeRemoved, Path: path}
			delete(known, path)
		}
	}
	for path, mzxid := range seen {
		known[path] = mzxid
	}
	return trigger
}

func (c *zkClient) SessionID() int64 {
	return c.conn.SessionID()
}

func (c *zkClient) ConnectionLostCh() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lostCh
}

// Ltime touches the ltime node and returns the transaction id assigned to
// the write, which is the store's global logical clock.
func (c *zkClient) Ltime() (int64, error) {
	stat, err := c.Set(ltimeNode, nil, AnyVersion)
	if err != nil {
		return 0, err
	}
	return stat.Mzxid, nil
}

func (c *zkClient) Close() error {
	close(c.stopCh)
	c.conn.Close()
	c.watchers.Wait()
	return nil
}
