package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	mdag "github.com/ipfs/boxo/ipld/merkledag"
	ft "github.com/ipfs/boxo/ipld/unixfs"
	"github.com/urfave/cli/v2"

	"github.com/ipfs-shipyard/go-merkledir/dagdir"
	"github.com/ipfs-shipyard/go-merkledir/mfs"
)

// ListTree is a command to list the entries of a directory.
func ListTree(c *cli.Context) error {
	rp, err := openRepo(c)
	if err != nil {
		return err
	}
	defer rp.close()

	pth := "/"
	if c.Args().Len() >= 1 {
		pth = c.Args().First()
	}
	entries, err := mfs.Ls(c.Context, rp.root, pth)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !c.Bool("long") {
			fmt.Println(e.Name)
			continue
		}
		size := "-"
		if e.Type == mfs.TFile {
			size = humanize.Bytes(e.Size)
		}
		fmt.Printf("%s\t%s\t%s\t%s\n", e.Type, size, e.Cid, e.Name)
	}
	return nil
}

// StatPath is a command to show the node behind a path.
func StatPath(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return fmt.Errorf("usage: stat <path>")
	}
	rp, err := openRepo(c)
	if err != nil {
		return err
	}
	defer rp.close()

	st, err := mfs.Stat(c.Context, rp.root, c.Args().First())
	if err != nil {
		return err
	}
	fmt.Println(st.Cid)
	fmt.Printf("Type: %s\n", st.Type)
	if st.Type == mfs.TFile {
		fmt.Printf("Size: %s (%d)\n", humanize.Bytes(st.Size), st.Size)
	}
	fmt.Printf("CumulativeSize: %s (%d)\n", humanize.Bytes(st.CumulativeSize), st.CumulativeSize)
	fmt.Printf("Blocks: %d\n", st.Blocks)
	if st.Mode != 0 {
		fmt.Printf("Mode: %s\n", st.Mode)
	}
	if !st.ModTime.IsZero() {
		fmt.Printf("ModTime: %s\n", st.ModTime.Format(time.RFC3339))
	}
	if st.Type == mfs.TDir {
		return printDirLayout(c, rp, st)
	}
	return nil
}

// printDirLayout reports whether the directory is sharded and how it sits
// against the configured shard threshold.
func printDirLayout(c *cli.Context, rp *repo, st *mfs.Status) error {
	nd, err := rp.dserv.Get(c.Context, st.Cid)
	if err != nil {
		return err
	}
	layout := "basic"
	if pbnd, ok := nd.(*mdag.ProtoNode); ok {
		fsn, err := ft.FSNodeFromBytes(pbnd.Data())
		if err != nil {
			return err
		}
		if fsn.Type() == ft.THAMTShard {
			layout = "hamt"
		}
	}
	fmt.Printf("Layout: %s\n", layout)

	dir, err := dagdir.NewDirectoryFromNode(rp.dserv, nd)
	if err != nil {
		return err
	}
	count, err := dir.ChildCount(c.Context)
	if err != nil {
		return err
	}
	fmt.Printf("Entries: %d\n", count)

	over, err := dagdir.IsOverThreshold(c.Context, rp.dserv, nd, c.Int("shard-threshold"))
	if err != nil {
		return err
	}
	fmt.Printf("OverShardThreshold: %v\n", over)
	return nil
}

// CatFile is a command to write the contents of a file to stdout.
func CatFile(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return fmt.Errorf("usage: cat <path>")
	}
	rp, err := openRepo(c)
	if err != nil {
		return err
	}
	defer rp.close()

	rd, err := mfs.Read(c.Context, rp.root, c.Args().First())
	if err != nil {
		return err
	}
	defer rd.Close()
	_, err = io.Copy(os.Stdout, rd)
	return err
}

// PrintRoot is a command to print the CID of the current tree root.
func PrintRoot(c *cli.Context) error {
	rp, err := openRepo(c)
	if err != nil {
		return err
	}
	defer rp.close()

	root, err := rp.root.RootCid(c.Context)
	if err != nil {
		return err
	}
	fmt.Println(root)
	return nil
}
