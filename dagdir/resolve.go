package dagdir

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	cid "github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
)

// A Segment is one resolved step of a path: the entry name looked up and the
// child node it led to.
type Segment struct {
	Name string
	Cid  cid.Cid
	Size uint64
}

// A ResolveResult ties a path to the CIDs found along it. It carries
// everything UpdatePathCids needs to rebuild the chain of ancestors once the
// leaf changes.
type ResolveResult struct {
	// Root is the directory node resolution started from.
	Root cid.Cid

	// Cid is the node the full path resolved to. For an empty path it
	// equals Root.
	Cid cid.Cid

	// Segments holds one entry per path component, in walk order, so
	// len(Segments) always matches the number of components of the path.
	Segments []Segment
}

// SplitPath breaks a slash-separated path into its components. Leading,
// trailing and repeated slashes are ignored, so "/a/b", "a/b" and "a//b/"
// name the same path. "." and ".." components are rejected.
func SplitPath(pth string) ([]string, error) {
	var segments []string
	for _, seg := range strings.Split(pth, "/") {
		switch seg {
		case "":
			continue
		case ".", "..":
			return nil, fmt.Errorf("%w: %q in %q", ErrInvalidName, seg, pth)
		default:
			segments = append(segments, seg)
		}
	}
	return segments, nil
}

// Resolve walks pth starting at the directory behind root and records the
// CID of every node along the way. Each component must name an entry of the
// directory reached by the previous one: resolving through a file fails with
// ErrNotADirectory and a missing entry with os.ErrNotExist, both wrapping
// the first component that could not be resolved.
func Resolve(ctx context.Context, dserv ipld.DAGService, root cid.Cid, pth string) (*ResolveResult, error) {
	segments, err := SplitPath(pth)
	if err != nil {
		return nil, err
	}

	res := &ResolveResult{Root: root, Cid: root}
	cur := root
	for _, name := range segments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dir, err := NewDirectoryFromCid(ctx, dserv, cur)
		if err != nil {
			if errors.Is(err, ErrNotADirectory) {
				return nil, fmt.Errorf("%q: %w", name, ErrNotADirectory)
			}
			return nil, err
		}
		entry, err := dir.Child(ctx, name)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%q: %w", name, os.ErrNotExist)
			}
			return nil, err
		}
		res.Segments = append(res.Segments, Segment{Name: name, Cid: entry.Cid, Size: entry.Size})
		cur = entry.Cid
	}
	res.Cid = cur
	return res, nil
}

// UpdateOptions control UpdatePathCids.
type UpdateOptions struct {
	ShardThreshold int
	CidBuilder     cid.Builder
}

// UpdatePathCids rebuilds the chain of ancestors recorded in res after its
// leaf has been replaced by newLeaf: every directory along the path is
// re-linked to its changed child and flushed, bottom up, and the CID of the
// resulting root returned. Directories off the path are not touched, so the
// new tree shares their nodes with the old one. res itself is not modified.
//
// With no recorded segments the path named the root, and newLeaf simply
// becomes the new root.
func UpdatePathCids(ctx context.Context, dserv ipld.DAGService, res *ResolveResult, newLeaf cid.Cid, opts *UpdateOptions) (cid.Cid, error) {
	if opts == nil {
		opts = &UpdateOptions{}
	}
	if len(res.Segments) == 0 {
		return newLeaf, nil
	}

	childNode, err := dserv.Get(ctx, newLeaf)
	if err != nil {
		return cid.Undef, err
	}
	child := newLeaf
	childSize, err := childNode.Size()
	if err != nil {
		return cid.Undef, err
	}

	for i := len(res.Segments) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return cid.Undef, err
		}
		parentCid := res.Root
		if i > 0 {
			parentCid = res.Segments[i-1].Cid
		}
		dir, err := NewDirectoryFromCid(ctx, dserv, parentCid)
		if err != nil {
			return cid.Undef, err
		}
		nd, err := AddLink(ctx, dir, &ipld.Link{Name: res.Segments[i].Name, Cid: child, Size: childSize}, &AddLinkOptions{
			AllowOverwriting: true,
			ShardThreshold:   opts.ShardThreshold,
			CidBuilder:       opts.CidBuilder,
		})
		if err != nil {
			return cid.Undef, err
		}
		child = nd.Cid()
		childSize, err = nd.Size()
		if err != nil {
			return cid.Undef, err
		}
	}
	return child, nil
}
