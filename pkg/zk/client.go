package zk

import (
	"errors"
	"time"
)

// Well-known tree roots. Everything the system persists lives under Root.
const (
	Root              = "/zuul"
	ComponentRoot     = Root + "/components"
	EventRoot         = Root + "/events"
	LayoutRoot        = Root + "/layout"
	ConfigRoot        = Root + "/config"
	PipelineRoot      = Root + "/pipelines"
	BuildRequestRoot  = Root + "/build-requests"
	BuildLockRoot     = Root + "/build-request-locks"
	MergeRequestRoot  = Root + "/merges"
	ResultRoot        = Root + "/results"
	HoldRequestRoot   = Root + "/hold-requests"
	NodepoolRoot      = Root + "/nodepool"
	ElectionRoot      = Root + "/scheduler"
	LockRoot          = Root + "/locks"
	SemaphoreRoot     = Root + "/semaphores"
	BlobRoot          = Root + "/blobs"
)

var (
	// ErrNoNode is returned when the target node does not exist
	ErrNoNode = errors.New("no node")

	// ErrNodeExists is returned when a create hits an existing node
	ErrNodeExists = errors.New("node exists")

	// ErrBadVersion is returned when a versioned write loses the race
	ErrBadVersion = errors.New("bad version")

	// ErrNotEmpty is returned when deleting a node with children
	ErrNotEmpty = errors.New("node has children")

	// ErrConnectionLost is returned when the session to the store is gone;
	// all locks held on that session must be assumed broken
	ErrConnectionLost = errors.New("connection lost")

	// ErrLockContended is returned by non-blocking lock acquisition when
	// someone else holds the lock
	ErrLockContended = errors.New("lock contended")
)

// CreateFlags control node creation
type CreateFlags int

const (
	FlagPersistent CreateFlags = 0
	FlagEphemeral  CreateFlags = 1 << iota
	FlagSequence
)

// AnyVersion disables the version check on Set and Delete
const AnyVersion int32 = -1

// Stat carries the store metadata of a node. Mzxid doubles as the logical
// time (ltime) of the last write.
type Stat struct {
	Version     int32
	Czxid       int64
	Mzxid       int64
	NumChildren int
	EphemeralOwner int64
}

// Ltime returns the logical time of the node's last modification
func (s *Stat) Ltime() int64 {
	return s.Mzxid
}

// EventType classifies tree watch events
type EventType int

const (
	NodeAdded EventType = iota
	NodeUpdated
	NodeRemoved
	// ConnectionLost is delivered on a watch channel when the session to
	// the store is severed; watchers must assume their view is stale.
	ConnectionLost
)

// WatchEvent is one tree watch notification
type WatchEvent struct {
	Type EventType
	Path string
}

// Client is the typed coordination store surface the rest of the system is
// written against. Two implementations exist: the ZooKeeper-backed one used
// in production and an in-memory one used in tests.
type Client interface {
	// Create creates a node. For FlagSequence creates, the returned path
	// carries the assigned sequence suffix.
	Create(path string, data []byte, flags CreateFlags) (string, error)

	// Get returns a node's data and stat
	Get(path string) ([]byte, *Stat, error)

	// GetW is Get plus a one-shot watch that fires on the next change or
	// deletion of the node
	GetW(path string) ([]byte, *Stat, <-chan WatchEvent, error)

	// Set overwrites a node's data iff the version matches (AnyVersion
	// skips the check)
	Set(path string, data []byte, version int32) (*Stat, error)

	// Delete removes a node iff the version matches
	Delete(path string, version int32) error

	// Children lists a node's children, unsorted
	Children(path string) ([]string, error)

	// ChildrenW is Children plus a one-shot watch on membership changes
	ChildrenW(path string) ([]string, <-chan WatchEvent, error)

	// Exists reports whether a node exists
	Exists(path string) (bool, *Stat, error)

	// ExistsW is Exists plus a one-shot watch on creation, change or
	// deletion of the node
	ExistsW(path string) (bool, *Stat, <-chan WatchEvent, error)

	// EnsurePath creates the path and any missing parents as persistent
	// nodes, ignoring nodes that already exist
	EnsurePath(path string) error

	// WatchTree delivers NodeAdded/NodeUpdated/NodeRemoved events for the
	// subtree under prefix until cancel is called. Watches are idempotent
	// and survive transient disconnects.
	WatchTree(prefix string) (<-chan WatchEvent, func())

	// SessionID identifies the current session; ephemeral nodes and locks
	// are scoped to it
	SessionID() int64

	// ConnectionLostCh is closed when the session is severed
	ConnectionLostCh() <-chan struct{}

	// Ltime returns a fresh logical time from the store's transaction
	// counter
	Ltime() (int64, error)

	// Close tears down the session
	Close() error
}

// Config holds connection parameters for the ZooKeeper-backed client
type Config struct {
	Hosts          []string      `yaml:"hosts"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	TLSCert        string        `yaml:"tls_cert"`
	TLSKey         string        `yaml:"tls_key"`
	TLSCA          string        `yaml:"tls_ca"`
}

// DeleteRecursive removes a node and everything under it
func DeleteRecursive(c Client, path string) error {
	children, err := c.Children(path)
	if err != nil {
		if errors.Is(err, ErrNoNode) {
			return nil
		}
		return err
	}
	for _, child := range children {
		if err := DeleteRecursive(c, path+"/"+child); err != nil {
			return err
		}
	}
	err = c.Delete(path, AnyVersion)
	if errors.Is(err, ErrNoNode) {
		return nil
	}
	return err
}
