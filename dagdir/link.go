package dagdir

import (
	"context"
	"errors"
	"fmt"
	"os"

	cid "github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
)

// AddLinkOptions control AddLink.
type AddLinkOptions struct {
	// AllowOverwriting authorizes replacing an existing entry under the
	// same name. Without it AddLink fails with os.ErrExist.
	AllowOverwriting bool

	// ShardThreshold overrides the size at which the directory switches
	// between basic and HAMT layouts. Zero keeps the directory's current
	// threshold, a negative value disables conversion.
	ShardThreshold int

	// CidBuilder overrides the CID builder of the emitted node. When nil
	// the directory keeps the builder of the node it was read from.
	CidBuilder cid.Builder
}

// RemoveLinkOptions control RemoveLink.
type RemoveLinkOptions struct {
	ShardThreshold int
	CidBuilder     cid.Builder
}

// AddLink binds link.Name to link.Cid in dir, flushes it and returns the new
// directory node. Nodes already written to the block store are never
// modified; the previous directory node simply stops being referenced.
//
// Returns os.ErrExist (wrapping the name) if the entry exists and
// AllowOverwriting is not set.
func AddLink(ctx context.Context, dir Directory, link *ipld.Link, opts *AddLinkOptions) (ipld.Node, error) {
	if opts == nil {
		opts = &AddLinkOptions{}
	}
	if link == nil || !link.Cid.Defined() {
		return nil, fmt.Errorf("%w: link has no CID", ErrInvalidEntry)
	}
	if err := validName(link.Name); err != nil {
		return nil, err
	}

	if !opts.AllowOverwriting {
		_, err := dir.Child(ctx, link.Name)
		if err == nil {
			return nil, fmt.Errorf("%q: %w", link.Name, os.ErrExist)
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	applyLinkOptions(dir, opts.ShardThreshold, opts.CidBuilder)

	err := dir.AddChild(ctx, Entry{Name: link.Name, Cid: link.Cid, Size: link.Size})
	if err != nil {
		return nil, err
	}
	return dir.Flush(ctx)
}

// RemoveLink removes the entry under name from dir, flushes it and returns
// the new directory node.
//
// Returns os.ErrNotExist (wrapping the name) when there is no such entry.
func RemoveLink(ctx context.Context, dir Directory, name string, opts *RemoveLinkOptions) (ipld.Node, error) {
	if opts == nil {
		opts = &RemoveLinkOptions{}
	}
	if err := validName(name); err != nil {
		return nil, err
	}

	applyLinkOptions(dir, opts.ShardThreshold, opts.CidBuilder)

	if err := dir.RemoveChild(ctx, name); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%q: %w", name, os.ErrNotExist)
		}
		return nil, err
	}
	return dir.Flush(ctx)
}

func applyLinkOptions(dir Directory, threshold int, builder cid.Builder) {
	if threshold != 0 {
		dir.SetShardThreshold(threshold)
	}
	if builder != nil {
		dir.SetCidBuilder(builder)
	}
}
