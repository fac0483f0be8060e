// Package mfs implements a mutable file system over an immutable block
// store: a tree of UnixFS directories addressed by its root CID, with a
// durable pointer to the current root kept in a datastore. Operations
// rebuild the chain of ancestors copy on write and repoint the root, so
// readers always observe a fully persisted tree.
package mfs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ft "github.com/ipfs/boxo/ipld/unixfs"
	cid "github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	ipld "github.com/ipfs/go-ipld-format"
	logging "github.com/ipfs/go-log/v2"

	"github.com/ipfs-shipyard/go-merkledir/dagdir"
)

var log = logging.Logger("mfs")

var (
	// ErrInvalidPath is returned for paths that are not absolute or that
	// name the root where an entry is required.
	ErrInvalidPath = errors.New("invalid path")

	// ErrIsDirectory is returned by file operations pointed at a
	// directory.
	ErrIsDirectory = errors.New("error: is a directory")

	// ErrNoMetadata is returned when setting permissions or times on
	// nodes that cannot carry them (raw leaves).
	ErrNoMetadata = errors.New("node does not carry metadata")
)

// DefaultRootKey is the datastore key under which the root pointer is kept.
var DefaultRootKey = ds.NewKey("/local/filesroot")

const (
	repubQuick = 300 * time.Millisecond
	repubLong  = 3 * time.Second
)

type NodeType int

const (
	TFile NodeType = iota
	TDir
)

func (t NodeType) String() string {
	switch t {
	case TFile:
		return "file"
	case TDir:
		return "directory"
	}
	return "<unknown>"
}

// Root binds a mutable tree to a durable root pointer. Every completed
// operation persists its new blocks through the DAG service and then
// repoints the datastore entry at the new root CID. Concurrent writers are
// not coordinated beyond that pointer swap: the last writer wins and the
// loser's tree, while fully persisted, simply stops being referenced.
type Root struct {
	dserv  ipld.DAGService
	dstore ds.Datastore
	key    ds.Key

	// guards cached
	mu     sync.Mutex
	cached cid.Cid

	pubf  PubFunc
	repub *Republisher

	cidBuilder     cid.Builder
	shardThreshold int
}

// RootOption is a functional option for configuring a Root.
type RootOption func(*Root)

// WithRootKey sets the datastore key holding the root pointer, allowing
// several independent trees over one datastore.
func WithRootKey(key ds.Key) RootOption {
	return func(r *Root) {
		r.key = key
	}
}

// WithCidBuilder sets the CID builder used for nodes created through this
// tree. Existing nodes keep the builder they were encoded with.
func WithCidBuilder(b cid.Builder) RootOption {
	return func(r *Root) {
		r.cidBuilder = b
	}
}

// WithShardThreshold overrides dagdir.DefaultShardThreshold for the
// directories touched through this tree. A negative value disables
// sharding.
func WithShardThreshold(size int) RootOption {
	return func(r *Root) {
		r.shardThreshold = size
	}
}

// WithPublisher registers pf to be called with the new root CID after
// changes, debounced so a burst of operations collapses into one publish.
func WithPublisher(pf PubFunc) RootOption {
	return func(r *Root) {
		r.pubf = pf
	}
}

// NewRoot opens the tree whose root pointer lives in dstore. The pointer is
// read lazily: when it is missing, the first operation starts from the
// canonical empty directory and stores its CID right away.
func NewRoot(dserv ipld.DAGService, dstore ds.Datastore, opts ...RootOption) (*Root, error) {
	if dserv == nil || dstore == nil {
		return nil, errors.New("nil DAGService or Datastore")
	}

	r := &Root{
		dserv:  dserv,
		dstore: dstore,
		key:    DefaultRootKey,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.pubf != nil {
		r.repub = NewRepublisher(r.pubf, repubQuick, repubLong, cid.Undef)
	}
	return r, nil
}

// loadRoot returns the current root CID, reading the pointer on first use.
func (r *Root) loadRoot(ctx context.Context) (cid.Cid, error) {
	r.mu.Lock()
	cached := r.cached
	r.mu.Unlock()
	if cached.Defined() {
		return cached, nil
	}

	val, err := r.dstore.Get(ctx, r.key)
	switch {
	case errors.Is(err, ds.ErrNotFound):
		return r.initRoot(ctx)
	case err != nil:
		return cid.Undef, fmt.Errorf("loading root pointer: %w", err)
	}

	c, err := cid.Cast(val)
	if err != nil {
		// an unreadable pointer is never silently replaced
		return cid.Undef, fmt.Errorf("invalid root pointer at %s: %w", r.key, err)
	}

	r.mu.Lock()
	r.cached = c
	r.mu.Unlock()
	return c, nil
}

// initRoot stores the empty directory node and points the datastore entry
// at it. Only a missing pointer ends up here, read failures propagate.
func (r *Root) initRoot(ctx context.Context) (cid.Cid, error) {
	nd := ft.EmptyDirNode()
	if r.cidBuilder != nil {
		if err := nd.SetCidBuilder(r.cidBuilder); err != nil {
			return cid.Undef, err
		}
	}
	if err := r.dserv.Add(ctx, nd); err != nil {
		return cid.Undef, err
	}
	if err := r.storeRoot(ctx, nd.Cid()); err != nil {
		return cid.Undef, err
	}
	log.Debugf("initialized empty root %s at %s", nd.Cid(), r.key)
	return nd.Cid(), nil
}

// storeRoot writes the root pointer and updates the cache. The write is
// synced so the pointer survives a crash of the process.
func (r *Root) storeRoot(ctx context.Context, c cid.Cid) error {
	if err := r.dstore.Put(ctx, r.key, c.Bytes()); err != nil {
		return fmt.Errorf("storing root pointer: %w", err)
	}
	if err := r.dstore.Sync(ctx, r.key); err != nil {
		return fmt.Errorf("syncing root pointer: %w", err)
	}
	r.mu.Lock()
	r.cached = c
	r.mu.Unlock()
	return nil
}

func (r *Root) setRoot(ctx context.Context, c cid.Cid) error {
	if err := r.storeRoot(ctx, c); err != nil {
		return err
	}
	if r.repub != nil {
		r.repub.Update(c)
	}
	return nil
}

// RootCid returns the CID of the current tree root.
func (r *Root) RootCid(ctx context.Context) (cid.Cid, error) {
	return r.loadRoot(ctx)
}

// Resolve walks pth from the current root and returns the CIDs found along
// the way.
func (r *Root) Resolve(ctx context.Context, pth string) (*dagdir.ResolveResult, error) {
	if _, err := splitPath(pth); err != nil {
		return nil, err
	}
	root, err := r.loadRoot(ctx)
	if err != nil {
		return nil, err
	}
	return dagdir.Resolve(ctx, r.dserv, root, pth)
}

// WaitPub blocks until the current root has been handed to the publisher,
// or returns right away when none is configured. Operations persist before
// returning, so this only matters for external visibility of the root.
func (r *Root) WaitPub(ctx context.Context) error {
	if r.repub == nil {
		return nil
	}
	return r.repub.WaitPub(ctx)
}

// Close publishes the final root value and stops the republisher. The Root
// stays usable for direct operations afterwards.
func (r *Root) Close() error {
	if r.repub != nil {
		return r.repub.Close()
	}
	return nil
}
