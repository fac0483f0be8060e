package dagdir

import (
	"context"
	"fmt"

	mdag "github.com/ipfs/boxo/ipld/merkledag"
	ft "github.com/ipfs/boxo/ipld/unixfs"
	ipld "github.com/ipfs/go-ipld-format"

	"github.com/ipfs-shipyard/go-merkledir/internal/linksize"
)

// shardLinkOverhead is the fixed extra footprint charged to every entry when
// estimating the size of an already sharded directory. Stripping the bucket
// prefix alone would make estimates flap around the threshold on every
// conversion; the overhead biases sharded directories toward staying sharded.
const shardLinkOverhead = 8

// IsOverThreshold reports whether the directory node nd exceeds the given
// shard threshold. A zero threshold selects DefaultShardThreshold and a
// negative one disables sharding, in which case nothing is over. A directory
// exactly at the threshold is not over it.
//
// For basic directories the answer comes from the links of nd alone. For
// sharded ones the child shards are fetched through ds, stopping as soon as
// the accumulated estimate crosses the threshold.
//
// Returns ErrNotADirectory if nd holds anything else than a directory.
func IsOverThreshold(ctx context.Context, ds ipld.NodeGetter, nd ipld.Node, threshold int) (bool, error) {
	t := resolveThreshold(threshold)
	if t < 0 {
		return false, nil
	}

	pbnd, ok := nd.(*mdag.ProtoNode)
	if !ok {
		return false, ErrNotADirectory
	}
	fsNode, err := ft.FSNodeFromBytes(pbnd.Data())
	if err != nil {
		return false, err
	}

	switch fsNode.Type() {
	case ft.TDirectory:
		size := 0
		for _, l := range pbnd.Links() {
			size += linksize.LinkSizeFunction(l.Name, l.Cid)
			if size > t {
				return true, nil
			}
		}
		return false, nil
	case ft.THAMTShard:
		size, err := estimateShardedSize(ctx, ds, pbnd, fsNode, t)
		if err != nil {
			return false, err
		}
		return size > t, nil
	}
	return false, ErrNotADirectory
}

// estimateShardedSize walks shard nodes accumulating the estimated flat
// footprint of every entry: the bucket prefix is stripped from stored names
// and shardLinkOverhead charged per entry. The walk keeps an explicit stack
// and stops as soon as the accumulated size crosses max.
func estimateShardedSize(ctx context.Context, ds ipld.NodeGetter, root *mdag.ProtoNode, fsNode *ft.FSNode, max int) (int, error) {
	// Bucket prefixes are the zero-padded hex representation of the
	// bucket index, so their length follows from the fanout.
	prefixLen := len(fmt.Sprintf("%X", fsNode.Fanout()-1))

	size := 0
	stack := []*mdag.ProtoNode{root}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		nd := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for _, l := range nd.Links() {
			if len(l.Name) == prefixLen {
				// a bare bucket prefix links to a child shard
				child, err := ds.Get(ctx, l.Cid)
				if err != nil {
					return 0, err
				}
				childPb, ok := child.(*mdag.ProtoNode)
				if !ok {
					return 0, mdag.ErrNotProtobuf
				}
				stack = append(stack, childPb)
				continue
			}
			size += linksize.LinkSizeFunction(l.Name[prefixLen:], l.Cid) + shardLinkOverhead
			if size > max {
				return size, nil
			}
		}
	}
	return size, nil
}
