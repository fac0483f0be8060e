package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	bserv "github.com/ipfs/boxo/blockservice"
	bstore "github.com/ipfs/boxo/blockstore"
	offline "github.com/ipfs/boxo/exchange/offline"
	dag "github.com/ipfs/boxo/ipld/merkledag"
	bds "github.com/ipfs/go-ds-badger"
	ipld "github.com/ipfs/go-ipld-format"
	logging "github.com/ipfs/go-log/v2"
	mh "github.com/multiformats/go-multihash"
	"github.com/urfave/cli/v2"

	"github.com/ipfs-shipyard/go-merkledir/mfs"
)

// repo bundles the open datastore with the tree rooted in it. The badger
// store holds both the blocks and the root pointer, so a single directory
// on disk is the whole state.
type repo struct {
	root   *mfs.Root
	dserv  ipld.DAGService
	dstore *bds.Datastore
}

func (rp *repo) close() error {
	err := rp.root.Close()
	if cerr := rp.dstore.Close(); err == nil {
		err = cerr
	}
	return err
}

// openRepo opens the badger datastore named by --repo, creating it when
// missing, and builds the tree handle over it.
func openRepo(c *cli.Context) (*repo, error) {
	if c.Bool("verbose") {
		_ = logging.SetLogLevel("mfs", "debug")
		_ = logging.SetLogLevel("dagdir", "debug")
	}

	path := c.String("repo")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	dstore, err := bds.NewDatastore(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening repo at %q: %w", path, err)
	}

	bs := bstore.NewBlockstore(dstore)
	cbs, err := bstore.CachedBlockstore(c.Context, bs, bstore.DefaultCacheOpts())
	if err != nil {
		dstore.Close()
		return nil, err
	}
	dserv := dag.NewDAGService(bserv.New(cbs, offline.Exchange(cbs)))

	prefix, err := dag.PrefixForCidVersion(c.Int("cid-version"))
	if err != nil {
		dstore.Close()
		return nil, err
	}
	hashName := c.String("hash")
	code, ok := mh.Names[strings.ToLower(hashName)]
	if !ok {
		dstore.Close()
		return nil, fmt.Errorf("unrecognized hash function %q", hashName)
	}
	if prefix.Version == 0 && code != mh.SHA2_256 {
		dstore.Close()
		return nil, errors.New("CIDv0 only supports sha2-256")
	}
	prefix.MhType = code
	prefix.MhLength = -1

	root, err := mfs.NewRoot(dserv, dstore,
		mfs.WithCidBuilder(prefix),
		mfs.WithShardThreshold(c.Int("shard-threshold")),
	)
	if err != nil {
		dstore.Close()
		return nil, err
	}
	return &repo{root: root, dserv: dserv, dstore: dstore}, nil
}
