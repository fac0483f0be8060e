package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ipfs-shipyard/go-merkledir/mfs"
)

// MakeDir is a command to create a directory in the tree.
func MakeDir(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return fmt.Errorf("usage: mkdir <path>")
	}
	rp, err := openRepo(c)
	if err != nil {
		return err
	}
	defer rp.close()

	mode, err := parseMode(c.String("mode"))
	if err != nil {
		return err
	}
	return mfs.Mkdir(c.Context, rp.root, c.Args().First(), mfs.MkdirOpts{
		Mkparents: c.Bool("parents"),
		Mode:      mode,
	})
}

// WriteFile is a command to import a local file or stdin at a path.
func WriteFile(c *cli.Context) error {
	if c.Args().Len() < 1 || c.Args().Len() > 2 {
		return fmt.Errorf("usage: write <path> [local file]")
	}
	rp, err := openRepo(c)
	if err != nil {
		return err
	}
	defer rp.close()

	var in io.Reader = os.Stdin
	if c.Args().Len() == 2 && c.Args().Get(1) != "-" {
		f, err := os.Open(c.Args().Get(1))
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	mode, err := parseMode(c.String("mode"))
	if err != nil {
		return err
	}
	return mfs.Write(c.Context, rp.root, c.Args().First(), in, mfs.WriteOpts{
		Parents:   c.Bool("parents"),
		RawLeaves: c.Bool("raw-leaves"),
		Chunker:   c.String("chunker"),
		Mode:      mode,
	})
}

// CopyEntry is a command to bind a node at a second path. Both paths share
// the same blocks afterwards.
func CopyEntry(c *cli.Context) error {
	if c.Args().Len() != 2 {
		return fmt.Errorf("usage: cp <src> <dst>")
	}
	rp, err := openRepo(c)
	if err != nil {
		return err
	}
	defer rp.close()

	return mfs.Cp(c.Context, rp.root, c.Args().Get(0), c.Args().Get(1), mfs.CpOpts{
		Parents: c.Bool("parents"),
	})
}

// MoveEntry is a command to move an entry to a new path.
func MoveEntry(c *cli.Context) error {
	if c.Args().Len() != 2 {
		return fmt.Errorf("usage: mv <src> <dst>")
	}
	rp, err := openRepo(c)
	if err != nil {
		return err
	}
	defer rp.close()

	return mfs.Mv(c.Context, rp.root, c.Args().Get(0), c.Args().Get(1))
}

// RemoveEntry is a command to remove an entry and everything below it.
func RemoveEntry(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return fmt.Errorf("usage: rm <path>")
	}
	rp, err := openRepo(c)
	if err != nil {
		return err
	}
	defer rp.close()

	return mfs.Rm(c.Context, rp.root, c.Args().First())
}

// TouchEntry is a command to update the modification time of an entry.
func TouchEntry(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return fmt.Errorf("usage: touch <path>")
	}
	rp, err := openRepo(c)
	if err != nil {
		return err
	}
	defer rp.close()

	var opts mfs.TouchOpts
	if sec := c.Int64("mtime"); sec != 0 {
		opts.Mtime = time.Unix(sec, 0)
	}
	return mfs.Touch(c.Context, rp.root, c.Args().First(), opts)
}

// ChmodEntry is a command to change the unix permissions of an entry.
func ChmodEntry(c *cli.Context) error {
	if c.Args().Len() != 2 {
		return fmt.Errorf("usage: chmod <mode> <path>")
	}
	rp, err := openRepo(c)
	if err != nil {
		return err
	}
	defer rp.close()

	mode, err := parseMode(c.Args().First())
	if err != nil {
		return err
	}
	return mfs.Chmod(c.Context, rp.root, c.Args().Get(1), mode)
}

// parseMode parses an octal permission string, empty meaning unset.
func parseMode(s string) (os.FileMode, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q: %w", s, err)
	}
	return os.FileMode(n), nil
}
