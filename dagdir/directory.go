package dagdir

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/units"
	mdag "github.com/ipfs/boxo/ipld/merkledag"
	ft "github.com/ipfs/boxo/ipld/unixfs"
	"github.com/ipfs/boxo/ipld/unixfs/hamt"
	cid "github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
	logging "github.com/ipfs/go-log/v2"

	"github.com/ipfs-shipyard/go-merkledir/internal/linksize"
)

var log = logging.Logger("dagdir")

// DefaultShardThreshold is the default estimated serialized size at which a
// basic single-node directory is written out as a HAMT shard (and below which
// a sharded directory is collapsed back into a single node). The estimate
// aggregates link name and CID lengths, ignoring protobuf framing. Directories
// exactly at the threshold stay basic (> not >=).
var DefaultShardThreshold = int(256 * units.KiB)

// DefaultShardWidth is the fanout of HAMT shards produced when a basic
// directory outgrows the shard threshold.
var DefaultShardWidth = 256

var (
	// ErrNotADirectory is returned when a node expected to hold a directory
	// is neither a UnixFS basic directory nor a HAMT shard.
	ErrNotADirectory = errors.New("merkledag node was not a directory or shard")

	// ErrInvalidName is returned for child names that are empty, contain a
	// path separator or name the special "." and ".." segments.
	ErrInvalidName = errors.New("invalid link name")

	// ErrInvalidEntry is returned when an entry carries neither a defined
	// CID nor a staged directory.
	ErrInvalidEntry = errors.New("entry has no child")
)

// Placeholder footprint of a link whose child is staged in memory and has no
// CID yet. A sha2-256 CIDv0 takes 34 bytes.
const estimatedLinkCidSize = 34

// An Entry describes one child of a directory: a name bound either to the CID
// of an already persisted node or to a directory that has not been flushed
// yet.
type Entry struct {
	Name string

	// Cid addresses the persisted child node. It is ignored when Dir is set.
	Cid cid.Cid

	// Size is the cumulative DAG size of the child, carried as the Tsize
	// hint of the serialized link.
	Size uint64

	// Dir holds a staged subdirectory that will be flushed together with
	// its parent. It is nil for children already living in the blockstore.
	Dir Directory
}

// Directory defines a mutable UnixFS directory over an immutable block store.
// It is used for creating, reading and editing a single directory node;
// working with directory trees is out of its scope, that is managed by the
// mfs layer (the main consumer of this interface).
//
// Implementations never modify nodes already written to the store: every
// Flush of a changed directory produces a new node under a new CID.
type Directory interface {
	// SetCidBuilder sets the CID builder used for nodes written by Flush.
	SetCidBuilder(cid.Builder)

	// GetCidBuilder returns the CID builder used.
	GetCidBuilder() cid.Builder

	// SetShardThreshold sets the estimated size at which the serialized
	// form switches between basic and HAMT layouts. Zero selects
	// DefaultShardThreshold, a negative value disables conversion in both
	// directions.
	SetShardThreshold(size int)

	// SetShardWidth sets the fanout of HAMT shards produced on
	// conversion. Invalid widths (not a power of two, not a multiple
	// of 8) are replaced by DefaultShardWidth.
	SetShardWidth(width int)

	// SetStat sets the optional permissions and modification time stored
	// in the directory node.
	SetStat(os.FileMode, time.Time)

	// AddChild binds e.Name in this directory, replacing any previous
	// child under that name.
	AddChild(context.Context, Entry) error

	// RemoveChild removes the child with the given name.
	//
	// Returns os.ErrNotExist if the child doesn't exist.
	RemoveChild(context.Context, string) error

	// Child returns the entry with the given name.
	//
	// Returns os.ErrNotExist if there is no such entry.
	Child(context.Context, string) (Entry, error)

	// ForEachEntry applies the given function to each entry of the
	// directory, staged subdirectories included. Order is not specified.
	ForEachEntry(context.Context, func(Entry) error) error

	// ChildCount reports the number of entries in the directory, staged
	// subdirectories included.
	ChildCount(context.Context) (int, error)

	// EstimatedSize reports the estimated serialized size of the
	// directory, the quantity compared against the shard threshold.
	EstimatedSize(context.Context) (int, error)

	// Flush writes the directory (and any staged subdirectories, depth
	// first) to the DAG service and returns the resulting root node.
	// Unchanged directories are not written again.
	Flush(context.Context) (ipld.Node, error)
}

// A DirectoryOption can be used to initialize directories.
type DirectoryOption func(d Directory)

// WithCidBuilder sets the CidBuilder for new directories.
func WithCidBuilder(cb cid.Builder) DirectoryOption {
	return func(d Directory) {
		d.SetCidBuilder(cb)
	}
}

// WithShardThreshold sets the size at which directories convert between the
// basic and HAMT layouts.
func WithShardThreshold(size int) DirectoryOption {
	return func(d Directory) {
		d.SetShardThreshold(size)
	}
}

// WithShardWidth sets the fanout of HAMT shards.
func WithShardWidth(width int) DirectoryOption {
	return func(d Directory) {
		d.SetShardWidth(width)
	}
}

// WithStat can be used to set the directory node permissions and modification
// time.
func WithStat(mode os.FileMode, mtime time.Time) DirectoryOption {
	return func(d Directory) {
		d.SetStat(mode, mtime)
	}
}

// Link size estimation function. For production it's usually the one here
// but during test we may mock it to get fixed sizes.
func productionLinkSize(linkName string, linkCid cid.Cid) int {
	return len(linkName) + linkCid.ByteLen()
}

func init() {
	linksize.LinkSizeFunction = productionLinkSize
}

var (
	_ Directory = (*BasicDirectory)(nil)
	_ Directory = (*HAMTDirectory)(nil)
)

// BasicDirectory is the flat implementation of Directory: all entries are
// links of a single dag-pb node. Mutations are staged in memory, including
// whole unflushed subdirectories, and written out on Flush. Once the
// estimated size outgrows the shard threshold, Flush emits a HAMT shard
// instead of the flat node.
type BasicDirectory struct {
	node  *mdag.ProtoNode
	dserv ipld.DAGService

	// Staged subdirectories, kept out of node until flushed. A name lives
	// either here or among the node links, never in both.
	children map[string]Directory

	// Aggregated estimate of the serialized size of all links, stored and
	// staged, compared against the shard threshold on Flush.
	estimatedSize int

	shardThreshold int
	shardWidth     int
	cidBuilder     cid.Builder

	mode  os.FileMode
	mtime time.Time

	dirty bool
	// Node produced by the last Flush, returned again while no mutations
	// happen.
	flushed ipld.Node
}

// HAMTDirectory is the sharded implementation of Directory: entries are
// spread over a HAMT whose shards each fit in one node. Mutations apply to
// the in-memory shard immediately; a running size-change estimate lets Flush
// cheaply decide whether the directory may fit back into a basic node.
type HAMTDirectory struct {
	shard *hamt.Shard
	dserv ipld.DAGService

	// Staged subdirectories, kept out of the shard until flushed.
	children map[string]Directory

	// Track the changes in size by the AddChild and RemoveChild calls
	// for the basic directory switch evaluation.
	sizeChange int

	shardThreshold int
	shardWidth     int
	cidBuilder     cid.Builder

	mode  os.FileMode
	mtime time.Time

	// Set when the last Flush collapsed to a basic node, so the next one
	// re-evaluates the layout even without net removals.
	collapsed bool

	dirty   bool
	flushed ipld.Node
}

// NewDirectory returns a new empty directory backed by dserv. It starts in
// the basic layout and is converted on Flush once it outgrows the shard
// threshold.
func NewDirectory(dserv ipld.DAGService, opts ...DirectoryOption) Directory {
	basicDir := new(BasicDirectory)
	basicDir.node = ft.EmptyDirNode()
	basicDir.dserv = dserv
	basicDir.shardWidth = DefaultShardWidth
	basicDir.children = make(map[string]Directory)
	basicDir.dirty = true
	for _, o := range opts {
		o(basicDir)
	}
	return basicDir
}

// NewHAMTDirectory returns a new empty directory in the sharded layout,
// regardless of its size.
func NewHAMTDirectory(dserv ipld.DAGService, opts ...DirectoryOption) (Directory, error) {
	dir := new(HAMTDirectory)
	dir.dserv = dserv
	dir.shardWidth = DefaultShardWidth
	dir.children = make(map[string]Directory)
	dir.dirty = true
	for _, o := range opts {
		o(dir)
	}
	shard, err := hamt.NewShard(dserv, dir.shardWidth)
	if err != nil {
		return nil, err
	}
	if dir.cidBuilder != nil {
		shard.SetCidBuilder(dir.cidBuilder)
	}
	dir.shard = shard
	return dir, nil
}

// NewDirectoryFromNode reads a directory from a dag-pb node, selecting the
// implementation matching its UnixFS layout.
//
// Returns ErrNotADirectory if the node holds a file or any other non
// directory format.
func NewDirectoryFromNode(dserv ipld.DAGService, node ipld.Node, opts ...DirectoryOption) (Directory, error) {
	protoBufNode, ok := node.(*mdag.ProtoNode)
	if !ok {
		return nil, ErrNotADirectory
	}

	fsNode, err := ft.FSNodeFromBytes(protoBufNode.Data())
	if err != nil {
		return nil, err
	}

	switch fsNode.Type() {
	case ft.TDirectory:
		dir := newBasicDirectoryFromNode(dserv, protoBufNode.Copy().(*mdag.ProtoNode), fsNode)
		for _, o := range opts {
			o(dir)
		}
		return dir, nil
	case ft.THAMTShard:
		dir, err := newHAMTDirectoryFromNode(dserv, node, fsNode)
		if err != nil {
			return nil, err
		}
		for _, o := range opts {
			o(dir)
		}
		return dir, nil
	}

	return nil, ErrNotADirectory
}

// NewDirectoryFromCid fetches the node behind c and wraps it with
// NewDirectoryFromNode.
func NewDirectoryFromCid(ctx context.Context, dserv ipld.DAGService, c cid.Cid, opts ...DirectoryOption) (Directory, error) {
	nd, err := dserv.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	return NewDirectoryFromNode(dserv, nd, opts...)
}

func newBasicDirectoryFromNode(dserv ipld.DAGService, node *mdag.ProtoNode, fsNode *ft.FSNode) *BasicDirectory {
	basicDir := new(BasicDirectory)
	basicDir.node = node
	basicDir.dserv = dserv
	basicDir.shardWidth = DefaultShardWidth
	basicDir.children = make(map[string]Directory)
	basicDir.mode = fsNode.Mode()
	basicDir.mtime = fsNode.ModTime()
	basicDir.flushed = node

	// Scan node links to restore the size estimate.
	basicDir.computeEstimatedSize()

	return basicDir
}

func newHAMTDirectoryFromNode(dserv ipld.DAGService, node ipld.Node, fsNode *ft.FSNode) (*HAMTDirectory, error) {
	shard, err := hamt.NewHamtFromDag(dserv, node)
	if err != nil {
		return nil, err
	}
	dir := new(HAMTDirectory)
	dir.dserv = dserv
	dir.shard = shard
	dir.shardWidth = int(fsNode.Fanout())
	dir.children = make(map[string]Directory)
	dir.mode = fsNode.Mode()
	dir.mtime = fsNode.ModTime()
	dir.flushed = node
	return dir, nil
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Shard widths must be positive powers of two and multiples of 8 so bucket
// indexes map onto whole hex characters of the link name prefix.
func validShardWidth(width int) bool {
	return width > 0 && width%8 == 0 && width&(width-1) == 0
}

func resolveThreshold(threshold int) int {
	if threshold == 0 {
		return DefaultShardThreshold
	}
	return threshold
}

// dirData encodes the UnixFS data field of a directory node carrying the
// given optional permissions and modification time.
func dirData(mode os.FileMode, mtime time.Time) []byte {
	fsNode := ft.NewFSNode(ft.TDirectory)
	if mode != 0 {
		fsNode.SetMode(mode)
	}
	if !mtime.IsZero() {
		fsNode.SetModTime(mtime)
	}
	data, err := fsNode.GetBytes()
	if err != nil {
		// marshaling a freshly built directory node never fails
		panic(err)
	}
	return data
}

// applyStat rewrites the UnixFS data of nd to carry mode and mtime, keeping
// every other field (in particular the HAMT fanout) intact.
func applyStat(nd *mdag.ProtoNode, mode os.FileMode, mtime time.Time) error {
	if mode == 0 && mtime.IsZero() {
		return nil
	}
	fsNode, err := ft.FSNodeFromBytes(nd.Data())
	if err != nil {
		return err
	}
	if mode != 0 {
		fsNode.SetMode(mode)
	}
	if !mtime.IsZero() {
		fsNode.SetModTime(mtime)
	}
	data, err := fsNode.GetBytes()
	if err != nil {
		return err
	}
	nd.SetData(data)
	return nil
}

// SetCidBuilder implements the `Directory` interface.
func (d *BasicDirectory) SetCidBuilder(builder cid.Builder) {
	d.cidBuilder = builder
	d.node.SetCidBuilder(builder)
	d.dirty = true
}

// GetCidBuilder implements the `Directory` interface.
func (d *BasicDirectory) GetCidBuilder() cid.Builder {
	return d.node.CidBuilder()
}

// SetShardThreshold implements the `Directory` interface.
func (d *BasicDirectory) SetShardThreshold(size int) {
	d.shardThreshold = size
}

// SetShardWidth implements the `Directory` interface.
func (d *BasicDirectory) SetShardWidth(width int) {
	if !validShardWidth(width) {
		width = DefaultShardWidth
	}
	d.shardWidth = width
}

// SetStat implements the `Directory` interface.
func (d *BasicDirectory) SetStat(mode os.FileMode, mtime time.Time) {
	d.mode = mode
	d.mtime = mtime
	d.node.SetData(dirData(mode, mtime))
	d.dirty = true
}

func (d *BasicDirectory) threshold() int {
	return resolveThreshold(d.shardThreshold)
}

func (d *BasicDirectory) computeEstimatedSize() {
	d.estimatedSize = 0
	for _, l := range d.node.Links() {
		d.addToEstimatedSize(l.Name, l.Cid)
	}
	for name := range d.children {
		d.estimatedSize += stagedLinkSize(name)
	}
}

func (d *BasicDirectory) addToEstimatedSize(name string, linkCid cid.Cid) {
	d.estimatedSize += linksize.LinkSizeFunction(name, linkCid)
}

func (d *BasicDirectory) removeFromEstimatedSize(name string, linkCid cid.Cid) {
	d.estimatedSize -= linksize.LinkSizeFunction(name, linkCid)
	if d.estimatedSize < 0 {
		// Something has gone very wrong. Log an error and recompute the
		// size from scratch.
		log.Error("BasicDirectory's estimatedSize went below 0")
		d.computeEstimatedSize()
	}
}

func stagedLinkSize(name string) int {
	return len(name) + estimatedLinkCidSize
}

// AddChild implements the `Directory` interface. It adds (or replaces) the
// entry under e.Name.
func (d *BasicDirectory) AddChild(ctx context.Context, e Entry) error {
	if err := validName(e.Name); err != nil {
		return err
	}
	if e.Dir == nil && !e.Cid.Defined() {
		return fmt.Errorf("%w: %q", ErrInvalidEntry, e.Name)
	}

	err := d.removeChild(e.Name)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if e.Dir != nil {
		d.children[e.Name] = e.Dir
		d.estimatedSize += stagedLinkSize(e.Name)
	} else {
		err := d.node.AddRawLink(e.Name, &ipld.Link{Name: e.Name, Cid: e.Cid, Size: e.Size})
		if err != nil {
			return err
		}
		d.addToEstimatedSize(e.Name, e.Cid)
	}
	d.dirty = true
	return nil
}

// removeChild drops the entry under name from the staged children or the
// node links, keeping the size estimate in sync.
func (d *BasicDirectory) removeChild(name string) error {
	if _, ok := d.children[name]; ok {
		delete(d.children, name)
		d.estimatedSize -= stagedLinkSize(name)
		return nil
	}

	link, err := d.node.GetNodeLink(name)
	if errors.Is(err, mdag.ErrLinkNotFound) {
		return os.ErrNotExist
	}
	if err != nil {
		return err
	}
	if err := d.node.RemoveNodeLink(name); err != nil {
		return err
	}
	d.removeFromEstimatedSize(link.Name, link.Cid)
	return nil
}

// RemoveChild implements the `Directory` interface.
func (d *BasicDirectory) RemoveChild(ctx context.Context, name string) error {
	if err := d.removeChild(name); err != nil {
		return err
	}
	d.dirty = true
	return nil
}

// Child implements the `Directory` interface.
func (d *BasicDirectory) Child(ctx context.Context, name string) (Entry, error) {
	if dir, ok := d.children[name]; ok {
		return Entry{Name: name, Dir: dir}, nil
	}
	link, err := d.node.GetNodeLink(name)
	if errors.Is(err, mdag.ErrLinkNotFound) {
		return Entry{}, os.ErrNotExist
	}
	if err != nil {
		return Entry{}, err
	}
	return Entry{Name: name, Cid: link.Cid, Size: link.Size}, nil
}

// ForEachEntry implements the `Directory` interface.
func (d *BasicDirectory) ForEachEntry(ctx context.Context, f func(Entry) error) error {
	for name, dir := range d.children {
		if err := f(Entry{Name: name, Dir: dir}); err != nil {
			return err
		}
	}
	for _, l := range d.node.Links() {
		if err := f(Entry{Name: l.Name, Cid: l.Cid, Size: l.Size}); err != nil {
			return err
		}
	}
	return nil
}

// ChildCount implements the `Directory` interface.
func (d *BasicDirectory) ChildCount(ctx context.Context) (int, error) {
	return len(d.children) + len(d.node.Links()), nil
}

// EstimatedSize implements the `Directory` interface. For basic directories
// the estimate is tracked incrementally and costs nothing to read.
func (d *BasicDirectory) EstimatedSize(ctx context.Context) (int, error) {
	return d.estimatedSize, nil
}

// Flush implements the `Directory` interface.
func (d *BasicDirectory) Flush(ctx context.Context) (ipld.Node, error) {
	if !d.dirty && d.flushed != nil {
		return d.flushed, nil
	}

	if err := d.flushChildren(ctx); err != nil {
		return nil, err
	}

	if t := d.threshold(); t >= 0 && d.estimatedSize > t {
		return d.flushSharded(ctx)
	}

	nd := d.node.Copy().(*mdag.ProtoNode)
	if err := d.dserv.Add(ctx, nd); err != nil {
		return nil, err
	}
	d.dirty = false
	d.flushed = nd
	return nd, nil
}

// flushChildren persists staged subdirectories, depth first, and replaces
// them with regular links.
func (d *BasicDirectory) flushChildren(ctx context.Context) error {
	for name, child := range d.children {
		nd, err := child.Flush(ctx)
		if err != nil {
			return err
		}
		link, err := ipld.MakeLink(nd)
		if err != nil {
			return err
		}
		link.Name = name
		if err := d.node.AddRawLink(name, link); err != nil {
			return err
		}
		delete(d.children, name)
		d.estimatedSize -= stagedLinkSize(name)
		d.addToEstimatedSize(name, link.Cid)
	}
	return nil
}

// flushSharded writes the directory out as a HAMT shard. The in-memory
// representation stays basic; only the serialized layout changes.
func (d *BasicDirectory) flushSharded(ctx context.Context) (ipld.Node, error) {
	shard, err := hamt.NewShard(d.dserv, d.shardWidth)
	if err != nil {
		return nil, err
	}
	shard.SetCidBuilder(d.node.CidBuilder())
	for _, l := range d.node.Links() {
		if err := shard.SetLink(ctx, l.Name, l); err != nil {
			return nil, err
		}
	}

	nd, err := shard.Node()
	if err != nil {
		return nil, err
	}
	pbnd, ok := nd.(*mdag.ProtoNode)
	if !ok {
		return nil, mdag.ErrNotProtobuf
	}
	if err := applyStat(pbnd, d.mode, d.mtime); err != nil {
		return nil, err
	}
	if err := d.dserv.Add(ctx, pbnd); err != nil {
		return nil, err
	}
	d.dirty = false
	d.flushed = pbnd
	return pbnd, nil
}

// SetCidBuilder implements the `Directory` interface.
func (d *HAMTDirectory) SetCidBuilder(builder cid.Builder) {
	d.cidBuilder = builder
	if d.shard != nil {
		d.shard.SetCidBuilder(builder)
	}
	d.dirty = true
}

// GetCidBuilder implements the `Directory` interface.
func (d *HAMTDirectory) GetCidBuilder() cid.Builder {
	return d.shard.CidBuilder()
}

// SetShardThreshold implements the `Directory` interface.
func (d *HAMTDirectory) SetShardThreshold(size int) {
	d.shardThreshold = size
}

// SetShardWidth implements the `Directory` interface. The width of an
// existing shard cannot change; the value is kept for directories this one
// may convert into.
func (d *HAMTDirectory) SetShardWidth(width int) {
	if !validShardWidth(width) {
		width = DefaultShardWidth
	}
	d.shardWidth = width
}

// SetStat implements the `Directory` interface.
func (d *HAMTDirectory) SetStat(mode os.FileMode, mtime time.Time) {
	d.mode = mode
	d.mtime = mtime
	d.dirty = true
}

func (d *HAMTDirectory) threshold() int {
	return resolveThreshold(d.shardThreshold)
}

func (d *HAMTDirectory) addToSizeChange(name string, linkCid cid.Cid) {
	d.sizeChange += linksize.LinkSizeFunction(name, linkCid)
}

func (d *HAMTDirectory) removeFromSizeChange(name string, linkCid cid.Cid) {
	d.sizeChange -= linksize.LinkSizeFunction(name, linkCid)
}

// AddChild implements the `Directory` interface.
func (d *HAMTDirectory) AddChild(ctx context.Context, e Entry) error {
	if err := validName(e.Name); err != nil {
		return err
	}
	if e.Dir == nil && !e.Cid.Defined() {
		return fmt.Errorf("%w: %q", ErrInvalidEntry, e.Name)
	}

	err := d.removeChild(ctx, e.Name)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if e.Dir != nil {
		d.children[e.Name] = e.Dir
		d.sizeChange += stagedLinkSize(e.Name)
	} else {
		err := d.shard.SetLink(ctx, e.Name, &ipld.Link{Name: e.Name, Cid: e.Cid, Size: e.Size})
		if err != nil {
			return err
		}
		d.addToSizeChange(e.Name, e.Cid)
	}
	d.dirty = true
	return nil
}

func (d *HAMTDirectory) removeChild(ctx context.Context, name string) error {
	if _, ok := d.children[name]; ok {
		delete(d.children, name)
		d.sizeChange -= stagedLinkSize(name)
		return nil
	}

	oldChild, err := d.shard.Take(ctx, name)
	if err != nil {
		return err
	}
	if oldChild == nil {
		return os.ErrNotExist
	}
	d.removeFromSizeChange(oldChild.Name, oldChild.Cid)
	return nil
}

// RemoveChild implements the `Directory` interface.
func (d *HAMTDirectory) RemoveChild(ctx context.Context, name string) error {
	if err := d.removeChild(ctx, name); err != nil {
		return err
	}
	d.dirty = true
	return nil
}

// Child implements the `Directory` interface. In contrast with the basic
// implementation it may have to traverse several shard nodes.
func (d *HAMTDirectory) Child(ctx context.Context, name string) (Entry, error) {
	if dir, ok := d.children[name]; ok {
		return Entry{Name: name, Dir: dir}, nil
	}
	link, err := d.shard.Find(ctx, name)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Name: name, Cid: link.Cid, Size: link.Size}, nil
}

// ForEachEntry implements the `Directory` interface.
func (d *HAMTDirectory) ForEachEntry(ctx context.Context, f func(Entry) error) error {
	for name, dir := range d.children {
		if err := f(Entry{Name: name, Dir: dir}); err != nil {
			return err
		}
	}
	return d.shard.ForEachLink(ctx, func(l *ipld.Link) error {
		return f(Entry{Name: l.Name, Cid: l.Cid, Size: l.Size})
	})
}

// ChildCount implements the `Directory` interface. Like EstimatedSize it has
// to enumerate the whole shard.
func (d *HAMTDirectory) ChildCount(ctx context.Context) (int, error) {
	count := len(d.children)
	err := d.shard.ForEachLink(ctx, func(*ipld.Link) error {
		count++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// EstimatedSize implements the `Directory` interface. It enumerates the
// whole shard, visiting every node, so it is considerably more expensive
// than on a basic directory.
func (d *HAMTDirectory) EstimatedSize(ctx context.Context) (int, error) {
	size := 0
	for name := range d.children {
		size += stagedLinkSize(name)
	}
	err := d.shard.ForEachLink(ctx, func(l *ipld.Link) error {
		size += linksize.LinkSizeFunction(l.Name, l.Cid)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return size, nil
}

// Flush implements the `Directory` interface.
func (d *HAMTDirectory) Flush(ctx context.Context) (ipld.Node, error) {
	if !d.dirty && d.flushed != nil {
		return d.flushed, nil
	}

	if err := d.flushChildren(ctx); err != nil {
		return nil, err
	}

	// Evaluate the switch back to a basic node only when entries were
	// removed since the last flush; additions can only grow the estimate.
	if t := d.threshold(); t >= 0 && (d.sizeChange < 0 || d.collapsed) {
		below, err := d.sizeBelowThreshold(ctx, t)
		if err != nil {
			return nil, err
		}
		if below {
			return d.flushBasic(ctx)
		}
	}
	d.collapsed = false

	nd, err := d.shard.Node()
	if err != nil {
		return nil, err
	}
	pbnd, ok := nd.(*mdag.ProtoNode)
	if !ok {
		return nil, mdag.ErrNotProtobuf
	}
	if err := applyStat(pbnd, d.mode, d.mtime); err != nil {
		return nil, err
	}
	if err := d.dserv.Add(ctx, pbnd); err != nil {
		return nil, err
	}
	d.sizeChange = 0
	d.dirty = false
	d.flushed = pbnd
	return pbnd, nil
}

func (d *HAMTDirectory) flushChildren(ctx context.Context) error {
	for name, child := range d.children {
		nd, err := child.Flush(ctx)
		if err != nil {
			return err
		}
		link, err := ipld.MakeLink(nd)
		if err != nil {
			return err
		}
		link.Name = name
		if err := d.shard.SetLink(ctx, name, link); err != nil {
			return err
		}
		delete(d.children, name)
		d.sizeChange -= stagedLinkSize(name)
		d.addToSizeChange(name, link.Cid)
	}
	return nil
}

// sizeBelowThreshold reports whether the aggregated size of all entries
// stays at or below threshold. The enumeration stops as soon as the
// threshold is crossed, so the check costs at most one threshold's worth of
// links no matter how big the directory is.
func (d *HAMTDirectory) sizeBelowThreshold(ctx context.Context, threshold int) (below bool, err error) {
	partialSize := 0
	for name := range d.children {
		partialSize += stagedLinkSize(name)
		if partialSize > threshold {
			return false, nil
		}
	}

	// We stop the enumeration once we have enough information and exit
	// this function.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	below = true
	for linkResult := range d.shard.EnumLinksAsync(ctx) {
		if linkResult.Err != nil {
			return false, linkResult.Err
		}
		partialSize += linksize.LinkSizeFunction(linkResult.Link.Name, linkResult.Link.Cid)
		if partialSize > threshold {
			below = false
			break
		}
	}
	return below, nil
}

// flushBasic collapses the directory into a single basic node. It is only
// called once sizeBelowThreshold confirmed that the entries fit.
func (d *HAMTDirectory) flushBasic(ctx context.Context) (ipld.Node, error) {
	basicDir := new(BasicDirectory)
	basicDir.node = ft.EmptyDirNode()
	basicDir.dserv = d.dserv
	basicDir.shardWidth = d.shardWidth
	basicDir.shardThreshold = d.shardThreshold
	basicDir.children = make(map[string]Directory)
	basicDir.dirty = true
	if builder := d.GetCidBuilder(); builder != nil {
		basicDir.SetCidBuilder(builder)
	}
	if d.mode != 0 || !d.mtime.IsZero() {
		basicDir.SetStat(d.mode, d.mtime)
	}

	err := d.ForEachEntry(ctx, func(e Entry) error {
		return basicDir.AddChild(ctx, e)
	})
	if err != nil {
		return nil, err
	}

	nd, err := basicDir.Flush(ctx)
	if err != nil {
		return nil, err
	}
	d.sizeChange = 0
	d.collapsed = true
	d.dirty = false
	d.flushed = nd
	return nd, nil
}
