package mfs

import (
	"context"
	"os"
	"sort"
	"time"

	cid "github.com/ipfs/go-cid"

	"github.com/ipfs-shipyard/go-merkledir/dagdir"
)

// A DirEntry describes one child in a directory listing.
type DirEntry struct {
	Name string
	Cid  cid.Cid

	// Size is the file size in bytes. Directories report zero.
	Size uint64

	Type    NodeType
	Mode    os.FileMode
	ModTime time.Time
}

// Ls lists the directory at pth sorted by name. Every entry's node is
// fetched to report its type and file size, so listing a large directory
// touches the blockstore once per child.
func Ls(ctx context.Context, r *Root, pth string) ([]DirEntry, error) {
	trail, err := r.WalkPath(ctx, pth, WalkOpts{FinalMustBeDir: true})
	if err != nil {
		return nil, err
	}

	var entries []DirEntry
	err = trail.Leaf().dir.ForEachEntry(ctx, func(e dagdir.Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		nd, err := r.dserv.Get(ctx, e.Cid)
		if err != nil {
			return err
		}
		info, err := describeNode(nd)
		if err != nil {
			return err
		}
		entries = append(entries, DirEntry{
			Name:    e.Name,
			Cid:     e.Cid,
			Size:    info.FileSize,
			Type:    info.Type,
			Mode:    info.Mode,
			ModTime: info.ModTime,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// A Status aggregates what Stat reports about one node of the tree.
type Status struct {
	Cid  cid.Cid
	Type NodeType

	// Size is the file size in bytes. Directories report zero.
	Size uint64

	// CumulativeSize is the total encoded size of all blocks reachable
	// from Cid, each distinct block counted once.
	CumulativeSize uint64

	// Blocks is the number of distinct blocks reachable from Cid.
	Blocks int

	Mode    os.FileMode
	ModTime time.Time
}

// Stat describes the node at pth. The cumulative size and block count come
// from walking the whole DAG behind it. The walk keeps an explicit stack,
// deep trees cannot exhaust the goroutine's.
func Stat(ctx context.Context, r *Root, pth string) (*Status, error) {
	nd, info, err := lookupNode(ctx, r, pth)
	if err != nil {
		return nil, err
	}

	status := &Status{
		Cid:     nd.Cid(),
		Type:    info.Type,
		Size:    info.FileSize,
		Mode:    info.Mode,
		ModTime: info.ModTime,
	}

	seen := cid.NewSet()
	stack := []cid.Cid{nd.Cid()}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !seen.Visit(c) {
			continue
		}

		cur, err := r.dserv.Get(ctx, c)
		if err != nil {
			return nil, err
		}
		status.Blocks++
		status.CumulativeSize += uint64(len(cur.RawData()))
		for _, l := range cur.Links() {
			if !seen.Has(l.Cid) {
				stack = append(stack, l.Cid)
			}
		}
	}
	return status, nil
}
