package mfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	chunker "github.com/ipfs/boxo/chunker"
	mdag "github.com/ipfs/boxo/ipld/merkledag"
	ft "github.com/ipfs/boxo/ipld/unixfs"
	"github.com/ipfs/boxo/ipld/unixfs/importer/balanced"
	ihelper "github.com/ipfs/boxo/ipld/unixfs/importer/helpers"
	uio "github.com/ipfs/boxo/ipld/unixfs/io"
	cid "github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"

	"github.com/ipfs-shipyard/go-merkledir/dagdir"
)

// MkdirOpts is used by Mkdir.
type MkdirOpts struct {
	// Mkparents creates intermediary directories as needed and makes an
	// already existing directory at the path a no-op instead of an
	// error.
	Mkparents  bool
	CidBuilder cid.Builder
	Mode       os.FileMode
	ModTime    time.Time
}

// Mkdir creates a directory at pth. The new directory is staged inside its
// parent and persisted in the same pass, so a single new root covers the
// whole chain.
func Mkdir(ctx context.Context, r *Root, pth string, opts MkdirOpts) error {
	segments, err := splitPath(pth)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		// this only happens on 'mkdir /'
		if opts.Mkparents {
			return nil
		}
		return fmt.Errorf("cannot create directory %q: %w", pth, os.ErrExist)
	}
	parentPath := "/" + strings.Join(segments[:len(segments)-1], "/")
	name := segments[len(segments)-1]

	trail, err := r.WalkPath(ctx, parentPath, WalkOpts{CreateMissing: opts.Mkparents, FinalMustBeDir: true})
	if err != nil {
		return err
	}
	leaf := trail.Leaf()

	existing, err := leaf.dir.Child(ctx, name)
	switch {
	case err == nil:
		if !opts.Mkparents {
			return fmt.Errorf("%s: %w", pth, os.ErrExist)
		}
		if existing.Dir != nil {
			return nil
		}
		nd, err := r.dserv.Get(ctx, existing.Cid)
		if err != nil {
			return err
		}
		info, err := describeNode(nd)
		if err != nil {
			return err
		}
		if info.Type != TDir {
			return fmt.Errorf("%s: %w", pth, dagdir.ErrNotADirectory)
		}
		return nil
	case !errors.Is(err, os.ErrNotExist):
		return err
	}

	dirOpts := r.dirOptions()
	if opts.CidBuilder != nil {
		dirOpts = append(dirOpts, dagdir.WithCidBuilder(opts.CidBuilder))
	}
	if opts.Mode != 0 || !opts.ModTime.IsZero() {
		dirOpts = append(dirOpts, dagdir.WithStat(opts.Mode, opts.ModTime))
	}
	child := dagdir.NewDirectory(r.dserv, dirOpts...)

	if err := leaf.dir.AddChild(ctx, dagdir.Entry{Name: name, Dir: child}); err != nil {
		return err
	}
	_, err = r.PersistPath(ctx, trail)
	return err
}

// WriteOpts is used by Write.
type WriteOpts struct {
	// Parents creates intermediary directories as needed.
	Parents bool

	// RawLeaves stores file leaves as raw blocks instead of wrapping
	// them in UnixFS nodes.
	RawLeaves bool

	// Chunker selects the chunking strategy in its string form
	// ("size-262144", "rabin", ...). Empty means the default splitter.
	Chunker string

	CidBuilder cid.Builder
	Mode       os.FileMode
	ModTime    time.Time
}

// Write imports the contents of rd as a UnixFS file and binds it at pth,
// replacing any file already under that name. Writing over a directory
// returns ErrIsDirectory.
func Write(ctx context.Context, r *Root, pth string, rd io.Reader, opts WriteOpts) error {
	parentPath, name, err := splitParent(pth)
	if err != nil {
		return err
	}

	trail, err := r.WalkPath(ctx, parentPath, WalkOpts{CreateMissing: opts.Parents, FinalMustBeDir: true})
	if err != nil {
		return err
	}
	leaf := trail.Leaf()

	existing, err := leaf.dir.Child(ctx, name)
	switch {
	case err == nil:
		isDir := existing.Dir != nil
		if !isDir {
			nd, err := r.dserv.Get(ctx, existing.Cid)
			if err != nil {
				return err
			}
			info, err := describeNode(nd)
			if err != nil {
				return err
			}
			isDir = info.Type == TDir
		}
		if isDir {
			return fmt.Errorf("%s: %w", pth, ErrIsDirectory)
		}
	case !errors.Is(err, os.ErrNotExist):
		return err
	}

	fileNd, err := buildFileNode(ctx, r, rd, opts)
	if err != nil {
		return err
	}
	link, err := ipld.MakeLink(fileNd)
	if err != nil {
		return err
	}

	if err := leaf.dir.AddChild(ctx, dagdir.Entry{Name: name, Cid: fileNd.Cid(), Size: link.Size}); err != nil {
		return err
	}
	_, err = r.PersistPath(ctx, trail)
	return err
}

// WriteBytes is a Write convenience over an in-memory payload.
func WriteBytes(ctx context.Context, r *Root, pth string, data []byte, opts WriteOpts) error {
	return Write(ctx, r, pth, bytes.NewReader(data), opts)
}

// buildFileNode imports rd through the configured chunker into a balanced
// UnixFS file DAG and returns its root node.
func buildFileNode(ctx context.Context, r *Root, rd io.Reader, opts WriteOpts) (ipld.Node, error) {
	spl, err := chunker.FromString(rd, opts.Chunker)
	if err != nil {
		return nil, err
	}

	builder := opts.CidBuilder
	if builder == nil {
		builder = r.cidBuilder
	}
	params := ihelper.DagBuilderParams{
		Dagserv:    r.dserv,
		RawLeaves:  opts.RawLeaves,
		CidBuilder: builder,
		Maxlinks:   ihelper.DefaultLinksPerBlock,
	}
	db, err := params.New(spl)
	if err != nil {
		return nil, err
	}
	nd, err := balanced.Layout(db)
	if err != nil {
		return nil, err
	}

	if opts.Mode != 0 || !opts.ModTime.IsZero() {
		nd, err = withFileStat(nd, opts.Mode, opts.ModTime)
		if err != nil {
			return nil, err
		}
		if err := r.dserv.Add(ctx, nd); err != nil {
			return nil, err
		}
	}
	return nd, nil
}

// Read opens the file at pth for reading.
func Read(ctx context.Context, r *Root, pth string) (uio.DagReader, error) {
	nd, info, err := lookupNode(ctx, r, pth)
	if err != nil {
		return nil, err
	}
	if info.Type == TDir {
		return nil, fmt.Errorf("%s: %w", pth, ErrIsDirectory)
	}
	return uio.NewDagReader(ctx, nd, r.dserv)
}

// CpOpts is used by Cp.
type CpOpts struct {
	// Parents creates missing intermediary directories of the
	// destination.
	Parents bool
}

// Cp binds the node behind src at dst without copying blocks: both paths
// share the same immutable DAG afterwards. src may be a path in this tree
// or an /ipfs/<cid>[/path] reference. When dst names an existing directory
// the entry is created inside it under the base name of src.
//
// An existing entry at the destination is never replaced, that case
// returns os.ErrExist.
func Cp(ctx context.Context, r *Root, src, dst string, opts CpOpts) error {
	srcCid, srcName, err := resolveSource(ctx, r, src)
	if err != nil {
		return err
	}

	dst, err = intoDirectory(ctx, r, dst, srcName)
	if err != nil {
		return err
	}
	parentPath, name, err := splitParent(dst)
	if err != nil {
		return err
	}

	trail, err := r.WalkPath(ctx, parentPath, WalkOpts{CreateMissing: opts.Parents, FinalMustBeDir: true})
	if err != nil {
		return err
	}

	srcNode, err := r.dserv.Get(ctx, srcCid)
	if err != nil {
		return err
	}
	link, err := ipld.MakeLink(srcNode)
	if err != nil {
		return err
	}
	link.Name = name

	_, err = dagdir.AddLink(ctx, trail.Leaf().dir, link, &dagdir.AddLinkOptions{
		ShardThreshold: r.shardThreshold,
	})
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s: %w", dst, os.ErrExist)
		}
		return err
	}
	_, err = r.PersistPath(ctx, trail)
	return err
}

// resolveSource turns a tree path or an /ipfs/<cid>[/path] reference into
// the CID it designates plus its base name.
func resolveSource(ctx context.Context, r *Root, src string) (cid.Cid, string, error) {
	if rest, ok := strings.CutPrefix(src, "/ipfs/"); ok {
		segments, err := dagdir.SplitPath(rest)
		if err != nil {
			return cid.Undef, "", err
		}
		if len(segments) == 0 {
			return cid.Undef, "", fmt.Errorf("%q: %w", src, ErrInvalidPath)
		}
		c, err := cid.Decode(segments[0])
		if err != nil {
			return cid.Undef, "", fmt.Errorf("%q: %w", src, err)
		}
		if len(segments) == 1 {
			return c, segments[0], nil
		}
		res, err := dagdir.Resolve(ctx, r.dserv, c, strings.Join(segments[1:], "/"))
		if err != nil {
			return cid.Undef, "", err
		}
		return res.Cid, segments[len(segments)-1], nil
	}

	res, err := r.Resolve(ctx, src)
	if err != nil {
		return cid.Undef, "", err
	}
	name := ""
	if n := len(res.Segments); n > 0 {
		name = res.Segments[n-1].Name
	}
	return res.Cid, name, nil
}

// intoDirectory rewrites dst to point inside it when dst names an existing
// directory, mirroring the usual shell cp behavior.
func intoDirectory(ctx context.Context, r *Root, dst, srcName string) (string, error) {
	segments, err := splitPath(dst)
	if err != nil {
		return "", err
	}
	res, err := r.Resolve(ctx, dst)
	if err != nil {
		// a missing destination keeps its given name
		if errors.Is(err, os.ErrNotExist) {
			return dst, nil
		}
		return "", err
	}
	nd, err := r.dserv.Get(ctx, res.Cid)
	if err != nil {
		return "", err
	}
	info, err := describeNode(nd)
	if err != nil {
		return "", err
	}
	if info.Type != TDir {
		return dst, nil
	}
	if srcName == "" {
		return "", fmt.Errorf("copying into %q needs a named source: %w", dst, ErrInvalidPath)
	}
	return "/" + strings.Join(append(segments, srcName), "/"), nil
}

// Mv moves the entry at src to dst. It is a Cp followed by the removal of
// src, so a failure never loses the entry, but a concurrent reader may
// observe the intermediate tree holding both names.
func Mv(ctx context.Context, r *Root, src, dst string) error {
	srcSegments, err := splitPath(src)
	if err != nil {
		return err
	}
	if len(srcSegments) == 0 {
		return fmt.Errorf("cannot move %q: %w", src, ErrInvalidPath)
	}
	dstSegments, err := splitPath(dst)
	if err != nil {
		return err
	}
	if isPathPrefix(srcSegments, dstSegments) {
		return fmt.Errorf("cannot move %q under itself", src)
	}

	if err := Cp(ctx, r, src, dst, CpOpts{}); err != nil {
		return err
	}
	return Rm(ctx, r, src)
}

// isPathPrefix reports whether a is a component-wise prefix of b, equality
// included.
func isPathPrefix(a, b []string) bool {
	if len(a) > len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Rm removes the entry at pth. Directories go with everything below them:
// the blocks stay in the blockstore, the tree just stops referencing them.
func Rm(ctx context.Context, r *Root, pth string) error {
	parentPath, name, err := splitParent(pth)
	if err != nil {
		return err
	}

	trail, err := r.WalkPath(ctx, parentPath, WalkOpts{FinalMustBeDir: true})
	if err != nil {
		return err
	}

	_, err = dagdir.RemoveLink(ctx, trail.Leaf().dir, name, &dagdir.RemoveLinkOptions{
		ShardThreshold: r.shardThreshold,
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", pth, os.ErrNotExist)
		}
		return err
	}
	_, err = r.PersistPath(ctx, trail)
	return err
}

// TouchOpts is used by Touch.
type TouchOpts struct {
	// Mtime is the modification time to set. Zero means now.
	Mtime time.Time
}

// Touch updates the modification time of the entry at pth, creating an
// empty file when nothing exists there yet.
func Touch(ctx context.Context, r *Root, pth string, opts TouchOpts) error {
	mtime := opts.Mtime
	if mtime.IsZero() {
		mtime = time.Now()
	}

	trail, err := r.WalkPath(ctx, pth, WalkOpts{})
	if errors.Is(err, os.ErrNotExist) {
		return Write(ctx, r, pth, bytes.NewReader(nil), WriteOpts{ModTime: mtime})
	}
	if err != nil {
		return err
	}
	leaf := trail.Leaf()
	return applyLeafStat(ctx, r, trail, leaf.Mode, mtime)
}

// Chmod sets the unix permissions of the entry at pth.
func Chmod(ctx context.Context, r *Root, pth string, mode os.FileMode) error {
	trail, err := r.WalkPath(ctx, pth, WalkOpts{})
	if err != nil {
		return err
	}
	leaf := trail.Leaf()
	return applyLeafStat(ctx, r, trail, mode, leaf.ModTime)
}

// applyLeafStat rewrites the metadata of the trail's leaf and persists the
// changed ancestors.
func applyLeafStat(ctx context.Context, r *Root, trail Trail, mode os.FileMode, mtime time.Time) error {
	leaf := trail.Leaf()
	if leaf.dir != nil {
		leaf.dir.SetStat(mode, mtime)
		_, err := r.PersistPath(ctx, trail)
		return err
	}

	nd, err := r.dserv.Get(ctx, leaf.Cid)
	if err != nil {
		return err
	}
	out, err := withFileStat(nd, mode, mtime)
	if err != nil {
		return err
	}
	if err := r.dserv.Add(ctx, out); err != nil {
		return err
	}
	size, err := out.Size()
	if err != nil {
		return err
	}
	leaf.Cid = out.Cid()
	leaf.Size = size
	_, err = r.PersistPath(ctx, trail)
	return err
}

// withFileStat returns a copy of a file node carrying the given mode and
// modification time. Raw nodes have nowhere to store them.
func withFileStat(nd ipld.Node, mode os.FileMode, mtime time.Time) (ipld.Node, error) {
	pbnd, ok := nd.(*mdag.ProtoNode)
	if !ok {
		return nil, ErrNoMetadata
	}
	fsn, err := ft.FSNodeFromBytes(pbnd.Data())
	if err != nil {
		return nil, err
	}
	fsn.SetMode(mode)
	if !mtime.IsZero() {
		fsn.SetModTime(mtime)
	}
	data, err := fsn.GetBytes()
	if err != nil {
		return nil, err
	}
	out := pbnd.Copy().(*mdag.ProtoNode)
	out.SetData(data)
	return out, nil
}

// Exists reports whether pth resolves in the current tree.
func Exists(ctx context.Context, r *Root, pth string) (bool, error) {
	_, err := r.Resolve(ctx, pth)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	}
	return false, err
}

// lookupNode resolves pth and fetches its node.
func lookupNode(ctx context.Context, r *Root, pth string) (ipld.Node, nodeInfo, error) {
	res, err := r.Resolve(ctx, pth)
	if err != nil {
		return nil, nodeInfo{}, err
	}
	nd, err := r.dserv.Get(ctx, res.Cid)
	if err != nil {
		return nil, nodeInfo{}, err
	}
	info, err := describeNode(nd)
	if err != nil {
		return nil, nodeInfo{}, err
	}
	return nd, info, nil
}
