package zk

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryClient is an in-process Client used by tests. It implements the
// same semantics as the ZooKeeper-backed client: versioned writes, ephemeral
// nodes scoped to a session, sequence children, one-shot watches and tree
// watches, and a monotonic transaction counter serving as ltime.
type MemoryClient struct {
	mu    sync.Mutex
	nodes map[string]*memNode
	zxid  int64

	session int64
	lostCh  chan struct{}

	dataWatches  map[string][]chan WatchEvent
	childWatches map[string][]chan WatchEvent
	treeWatches  map[int]*treeWatch
	nextWatchID  int
}

type memNode struct {
	data           []byte
	version        int32
	czxid          int64
	mzxid          int64
	ephemeralOwner int64
	seq            int64
}

type treeWatch struct {
	prefix string
	ch     chan WatchEvent
}

// NewMemoryClient creates an empty in-memory store with an open session
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		nodes:        map[string]*memNode{"/": {}},
		session:      1,
		lostCh:       make(chan struct{}),
		dataWatches:  map[string][]chan WatchEvent{},
		childWatches: map[string][]chan WatchEvent{},
		treeWatches:  map[int]*treeWatch{},
	}
}

func parent(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

func (c *MemoryClient) nextZxid() int64 {
	c.zxid++
	return c.zxid
}

// fire delivers an event to one-shot watchers of path and all matching tree
// watchers. Caller holds the lock.
func (c *MemoryClient) fire(path string, typ EventType) {
	for _, ch := range c.dataWatches[path] {
		ch <- WatchEvent{Type: typ, Path: path}
		close(ch)
	}
	delete(c.dataWatches, path)

	p := parent(path)
	for _, ch := range c.childWatches[p] {
		ch <- WatchEvent{Type: NodeUpdated, Path: p}
		close(ch)
	}
	delete(c.childWatches, p)

	for _, tw := range c.treeWatches {
		if path == tw.prefix || strings.HasPrefix(path, tw.prefix+"/") {
			select {
			case tw.ch <- WatchEvent{Type: typ, Path: path}:
			default:
			}
		}
	}
}

func (c *MemoryClient) Create(path string, data []byte, flags CreateFlags) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := parent(path)
	pnode, ok := c.nodes[p]
	if !ok {
		return "", ErrNoNode
	}
	if flags&FlagSequence != 0 {
		path = fmt.Sprintf("%s%010d", path, pnode.seq)
		pnode.seq++
	}
	if _, ok := c.nodes[path]; ok {
		return "", ErrNodeExists
	}
	zxid := c.nextZxid()
	node := &memNode{data: append([]byte(nil), data...), czxid: zxid, mzxid: zxid}
	if flags&FlagEphemeral != 0 {
		node.ephemeralOwner = c.session
	}
	c.nodes[path] = node
	c.fire(path, NodeAdded)
	return path, nil
}

func (c *MemoryClient) Get(path string) ([]byte, *Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, ok := c.nodes[path]
	if !ok {
		return nil, nil, ErrNoNode
	}
	return append([]byte(nil), node.data...), c.stat(path, node), nil
}

func (c *MemoryClient) GetW(path string) ([]byte, *Stat, <-chan WatchEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, ok := c.nodes[path]
	if !ok {
		return nil, nil, nil, ErrNoNode
	}
	ch := make(chan WatchEvent, 1)
	c.dataWatches[path] = append(c.dataWatches[path], ch)
	return append([]byte(nil), node.data...), c.stat(path, node), ch, nil
}

func (c *MemoryClient) Set(path string, data []byte, version int32) (*Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, ok := c.nodes[path]
	if !ok {
		return nil, ErrNoNode
	}
	if version != AnyVersion && node.version != version {
		return nil, ErrBadVersion
	}
	node.data = append([]byte(nil), data...)
	node.version++
	node.mzxid = c.nextZxid()
	c.fire(path, NodeUpdated)
	return c.stat(path, node), nil
}

func (c *MemoryClient) Delete(path string, version int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleteLocked(path, version)
}

func (c *MemoryClient) deleteLocked(path string, version int32) error {
	node, ok := c.nodes[path]
	if !ok {
		return ErrNoNode
	}
	if version != AnyVersion && node.version != version {
		return ErrBadVersion
	}
	for other := range c.nodes {
		if strings.HasPrefix(other, path+"/") {
			return ErrNotEmpty
		}
	}
	delete(c.nodes, path)
	c.nextZxid()
	c.fire(path, NodeRemoved)
	return nil
}

func (c *MemoryClient) Children(path string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.childrenLocked(path)
}

func (c *MemoryClient) childrenLocked(path string) ([]string, error) {
	if _, ok := c.nodes[path]; !ok {
		return nil, ErrNoNode
	}
	prefix := path + "/"
	if path == "/" {
		prefix = "/"
	}
	var children []string
	for other := range c.nodes {
		if !strings.HasPrefix(other, prefix) || other == path {
			continue
		}
		rest := other[len(prefix):]
		if !strings.Contains(rest, "/") {
			children = append(children, rest)
		}
	}
	sort.Strings(children)
	return children, nil
}

func (c *MemoryClient) ChildrenW(path string) ([]string, <-chan WatchEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	children, err := c.childrenLocked(path)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan WatchEvent, 1)
	c.childWatches[path] = append(c.childWatches[path], ch)
	return children, ch, nil
}

func (c *MemoryClient) Exists(path string) (bool, *Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, ok := c.nodes[path]
	if !ok {
		return false, nil, nil
	}
	return true, c.stat(path, node), nil
}

func (c *MemoryClient) ExistsW(path string) (bool, *Stat, <-chan WatchEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan WatchEvent, 1)
	c.dataWatches[path] = append(c.dataWatches[path], ch)
	node, ok := c.nodes[path]
	if !ok {
		return false, nil, ch, nil
	}
	return true, c.stat(path, node), ch, nil
}

func (c *MemoryClient) EnsurePath(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	parts := strings.Split(strings.Trim(path, "/"), "/")
	cur := ""
	for _, part := range parts {
		cur += "/" + part
		if _, ok := c.nodes[cur]; !ok {
			zxid := c.nextZxid()
			c.nodes[cur] = &memNode{czxid: zxid, mzxid: zxid}
			c.fire(cur, NodeAdded)
		}
	}
	return nil
}

func (c *MemoryClient) WatchTree(prefix string) (<-chan WatchEvent, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextWatchID
	c.nextWatchID++
	tw := &treeWatch{prefix: prefix, ch: make(chan WatchEvent, 256)}
	c.treeWatches[id] = tw

	// Replay the existing subtree so watchers start from a complete view
	var paths []string
	for path := range c.nodes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	for _, path := range paths {
		if path != prefix {
			tw.ch <- WatchEvent{Type: NodeAdded, Path: path}
		}
	}

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if tw, ok := c.treeWatches[id]; ok {
			delete(c.treeWatches, id)
			close(tw.ch)
		}
	}
	return tw.ch, cancel
}

func (c *MemoryClient) SessionID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *MemoryClient) ConnectionLostCh() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lostCh
}

func (c *MemoryClient) Ltime() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextZxid(), nil
}

func (c *MemoryClient) Close() error {
	return nil
}

func (c *MemoryClient) stat(path string, node *memNode) *Stat {
	children, _ := c.childrenLocked(path)
	return &Stat{
		Version:        node.version,
		Czxid:          node.czxid,
		Mzxid:          node.mzxid,
		NumChildren:    len(children),
		EphemeralOwner: node.ephemeralOwner,
	}
}

// ExpireSession simulates a session expiration: every ephemeral node owned
// by the current session is removed, connection-lost is propagated, and a
// fresh session begins.
func (c *MemoryClient) ExpireSession() {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ephemerals []string
	for path, node := range c.nodes {
		if node.ephemeralOwner == c.session {
			ephemerals = append(ephemerals, path)
		}
	}
	// Deepest first so non-empty checks cannot trip
	sort.Slice(ephemerals, func(i, j int) bool {
		return strings.Count(ephemerals[i], "/") > strings.Count(ephemerals[j], "/")
	})
	for _, path := range ephemerals {
		_ = c.deleteLocked(path, AnyVersion)
	}

	close(c.lostCh)
	c.lostCh = make(chan struct{})
	c.session++

	for _, tw := range c.treeWatches {
		select {
		case tw.ch <- WatchEvent{Type: ConnectionLost, Path: tw.prefix}:
		default:
		}
	}
}
