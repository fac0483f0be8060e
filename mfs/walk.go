package mfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	mdag "github.com/ipfs/boxo/ipld/merkledag"
	ft "github.com/ipfs/boxo/ipld/unixfs"
	cid "github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"

	"github.com/ipfs-shipyard/go-merkledir/dagdir"
)

// A TrailEntry records one node on the way from the root to the entry an
// operation works on, carrying enough to rebuild every ancestor once the
// leaf has changed.
type TrailEntry struct {
	// Name of the entry in its parent. Empty for the root.
	Name string

	// Cid of the node as it was resolved. Directories synthesized during
	// the walk have no CID until they are persisted.
	Cid cid.Cid

	// Size is the cumulative DAG size, used as the link Tsize when
	// relinking the parent.
	Size uint64

	Type    NodeType
	Mode    os.FileMode
	ModTime time.Time

	dir dagdir.Directory
}

// Directory returns the live directory handle of this entry, or nil when
// the entry is a file.
func (te *TrailEntry) Directory() dagdir.Directory {
	return te.dir
}

// Trail is the chain of entries from the root (index 0) to the node an
// operation targets.
type Trail []TrailEntry

// Leaf returns the last entry of a non-empty trail.
func (t Trail) Leaf() *TrailEntry {
	return &t[len(t)-1]
}

// WalkOpts is used by WalkPath.
type WalkOpts struct {
	// CreateMissing synthesizes empty directories for path components
	// that do not exist yet instead of failing with os.ErrNotExist. The
	// new directories only hit the DAG service once the trail is
	// persisted.
	CreateMissing bool

	// FinalMustBeDir fails the walk when the last component resolves to
	// anything other than a directory.
	FinalMustBeDir bool
}

// WalkPath resolves pth from the current root and returns the trail of
// nodes along it. Intermediate components must be directories.
func (r *Root) WalkPath(ctx context.Context, pth string, opts WalkOpts) (Trail, error) {
	segments, err := splitPath(pth)
	if err != nil {
		return nil, err
	}

	rootCid, err := r.loadRoot(ctx)
	if err != nil {
		return nil, err
	}
	rootEntry, err := r.loadTrailEntry(ctx, "", rootCid)
	if err != nil {
		return nil, err
	}
	if rootEntry.Type != TDir {
		return nil, fmt.Errorf("root %s: %w", rootCid, dagdir.ErrNotADirectory)
	}

	trail := Trail{*rootEntry}
	cur := rootEntry.dir
	for i, name := range segments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var entry *TrailEntry
		child, err := cur.Child(ctx, name)
		switch {
		case err == nil:
			if child.Dir != nil {
				// staged in a parent that was never flushed
				entry = &TrailEntry{Name: name, Type: TDir, dir: child.Dir}
			} else {
				entry, err = r.loadTrailEntry(ctx, name, child.Cid)
				if err != nil {
					return nil, err
				}
			}
		case errors.Is(err, os.ErrNotExist):
			if !opts.CreateMissing {
				return nil, fmt.Errorf("%s: %q: %w", pth, name, os.ErrNotExist)
			}
			entry = r.newDirEntry(name)
		default:
			return nil, err
		}

		if entry.Type != TDir && i < len(segments)-1 {
			return nil, fmt.Errorf("%s: %q: %w", pth, name, dagdir.ErrNotADirectory)
		}
		trail = append(trail, *entry)
		cur = entry.dir
	}

	if opts.FinalMustBeDir && trail.Leaf().Type != TDir {
		return nil, fmt.Errorf("%s: %w", pth, dagdir.ErrNotADirectory)
	}
	return trail, nil
}

// PersistPath flushes the trail's leaf, relinks every ancestor to its
// changed child bottom up and points the stored root at the result, which
// is returned. Subtrees off the trail keep their nodes, the rebuilt
// directories share them.
func (r *Root) PersistPath(ctx context.Context, trail Trail) (cid.Cid, error) {
	if len(trail) == 0 {
		return cid.Undef, errors.New("cannot persist an empty trail")
	}

	leaf := trail.Leaf()
	if leaf.dir != nil {
		nd, err := leaf.dir.Flush(ctx)
		if err != nil {
			return cid.Undef, err
		}
		size, err := nd.Size()
		if err != nil {
			return cid.Undef, err
		}
		leaf.Cid = nd.Cid()
		leaf.Size = size
	}
	if !leaf.Cid.Defined() {
		return cid.Undef, fmt.Errorf("trail leaf %q has no node", leaf.Name)
	}

	childCid, childSize := leaf.Cid, leaf.Size
	for i := len(trail) - 2; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return cid.Undef, err
		}

		parent := &trail[i]
		if parent.dir == nil {
			return cid.Undef, fmt.Errorf("trail entry %q: %w", parent.Name, dagdir.ErrNotADirectory)
		}
		nd, err := dagdir.AddLink(ctx, parent.dir, &ipld.Link{
			Name: trail[i+1].Name,
			Cid:  childCid,
			Size: childSize,
		}, &dagdir.AddLinkOptions{
			AllowOverwriting: true,
			ShardThreshold:   r.shardThreshold,
		})
		if err != nil {
			return cid.Undef, err
		}

		childCid = nd.Cid()
		childSize, err = nd.Size()
		if err != nil {
			return cid.Undef, err
		}
		parent.Cid = childCid
		parent.Size = childSize
	}

	if err := r.setRoot(ctx, childCid); err != nil {
		return cid.Undef, err
	}
	return childCid, nil
}

// loadTrailEntry fetches a node and captures what the trail needs to know
// about it. Directories get a live handle sharing the Root's settings.
func (r *Root) loadTrailEntry(ctx context.Context, name string, c cid.Cid) (*TrailEntry, error) {
	nd, err := r.dserv.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	info, err := describeNode(nd)
	if err != nil {
		return nil, err
	}
	size, err := nd.Size()
	if err != nil {
		return nil, err
	}

	entry := &TrailEntry{
		Name:    name,
		Cid:     c,
		Size:    size,
		Type:    info.Type,
		Mode:    info.Mode,
		ModTime: info.ModTime,
	}
	if info.Type == TDir {
		dir, err := dagdir.NewDirectoryFromNode(r.dserv, nd, r.dirOptions()...)
		if err != nil {
			return nil, err
		}
		entry.dir = dir
	}
	return entry, nil
}

// newDirEntry synthesizes a trail entry for a directory that does not exist
// yet.
func (r *Root) newDirEntry(name string) *TrailEntry {
	return &TrailEntry{
		Name: name,
		Type: TDir,
		dir:  dagdir.NewDirectory(r.dserv, r.dirOptions()...),
	}
}

// dirOptions translates the Root's settings into directory options.
func (r *Root) dirOptions() []dagdir.DirectoryOption {
	opts := []dagdir.DirectoryOption{dagdir.WithShardThreshold(r.shardThreshold)}
	if r.cidBuilder != nil {
		opts = append(opts, dagdir.WithCidBuilder(r.cidBuilder))
	}
	return opts
}

type nodeInfo struct {
	Type     NodeType
	FileSize uint64
	Mode     os.FileMode
	ModTime  time.Time
}

// describeNode classifies a dag node by its UnixFS envelope. Raw leaves
// count as files carrying neither mode nor modification time.
func describeNode(nd ipld.Node) (nodeInfo, error) {
	switch n := nd.(type) {
	case *mdag.ProtoNode:
		fsn, err := ft.FSNodeFromBytes(n.Data())
		if err != nil {
			return nodeInfo{}, err
		}
		info := nodeInfo{Mode: fsn.Mode(), ModTime: fsn.ModTime()}
		switch fsn.Type() {
		case ft.TDirectory, ft.THAMTShard:
			info.Type = TDir
		case ft.TFile, ft.TRaw, ft.TSymlink:
			info.Type = TFile
			info.FileSize = fsn.FileSize()
		default:
			return nodeInfo{}, fmt.Errorf("unsupported UnixFS type %s", fsn.Type())
		}
		return info, nil
	case *mdag.RawNode:
		return nodeInfo{Type: TFile, FileSize: uint64(len(n.RawData()))}, nil
	default:
		return nodeInfo{}, fmt.Errorf("unrecognized node type %T", nd)
	}
}

// splitPath validates an absolute path and returns its components.
func splitPath(pth string) ([]string, error) {
	if !strings.HasPrefix(pth, "/") {
		return nil, fmt.Errorf("%q: %w", pth, ErrInvalidPath)
	}
	return dagdir.SplitPath(pth)
}

// splitParent splits an absolute path into its parent directory path and
// base name. The root has no parent.
func splitParent(pth string) (parent, name string, err error) {
	segments, err := splitPath(pth)
	if err != nil {
		return "", "", err
	}
	if len(segments) == 0 {
		return "", "", fmt.Errorf("%q names the root: %w", pth, ErrInvalidPath)
	}
	return "/" + strings.Join(segments[:len(segments)-1], "/"), segments[len(segments)-1], nil
}
