package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "merkledir",
		Usage: "Work with a mutable directory tree kept in a local repo",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "repo",
				Usage:   "directory holding the datastore and the root pointer",
				Value:   ".merkledir",
				EnvVars: []string{"MERKLEDIR_PATH"},
			},
			&cli.IntFlag{
				Name:  "shard-threshold",
				Usage: "serialized directory size in bytes above which directories are sharded, 0 for the default, negative to disable sharding",
			},
			&cli.IntFlag{
				Name:  "cid-version",
				Usage: "CID version for newly created nodes",
				Value: 1,
			},
			&cli.StringFlag{
				Name:  "hash",
				Usage: "multihash function for newly created nodes",
				Value: "sha2-256",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "ls",
				Usage:     "List the entries of a directory",
				ArgsUsage: "[path]",
				Action:    ListTree,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "long",
						Aliases: []string{"l"},
						Usage:   "print types, sizes and CIDs along with names",
					},
				},
			},
			{
				Name:      "stat",
				Usage:     "Show information about the node behind a path",
				ArgsUsage: "<path>",
				Action:    StatPath,
			},
			{
				Name:      "cat",
				Usage:     "Write the contents of a file to stdout",
				ArgsUsage: "<path>",
				Action:    CatFile,
			},
			{
				Name:   "root",
				Usage:  "Print the CID of the current tree root",
				Action: PrintRoot,
			},
			{
				Name:      "mkdir",
				Usage:     "Create a directory",
				ArgsUsage: "<path>",
				Action:    MakeDir,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "parents",
						Aliases: []string{"p"},
						Usage:   "create parent directories as needed",
					},
					&cli.StringFlag{
						Name:  "mode",
						Usage: "octal unix permissions for the new directory",
					},
				},
			},
			{
				Name:      "write",
				Usage:     "Import a local file or stdin at a path",
				ArgsUsage: "<path> [local file]",
				Action:    WriteFile,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "parents",
						Aliases: []string{"p"},
						Usage:   "create parent directories as needed",
					},
					&cli.BoolFlag{
						Name:  "raw-leaves",
						Usage: "store file leaves as raw blocks",
					},
					&cli.StringFlag{
						Name:  "chunker",
						Usage: "chunking strategy, like size-262144 or rabin",
					},
					&cli.StringFlag{
						Name:  "mode",
						Usage: "octal unix permissions for the file",
					},
				},
			},
			{
				Name:      "cp",
				Usage:     "Bind an existing node at a second path without copying blocks",
				ArgsUsage: "<src> <dst>",
				Action:    CopyEntry,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "parents",
						Aliases: []string{"p"},
						Usage:   "create parent directories as needed",
					},
				},
			},
			{
				Name:      "mv",
				Usage:     "Move an entry to a new path",
				ArgsUsage: "<src> <dst>",
				Action:    MoveEntry,
			},
			{
				Name:      "rm",
				Usage:     "Remove an entry and everything below it",
				ArgsUsage: "<path>",
				Action:    RemoveEntry,
			},
			{
				Name:      "touch",
				Usage:     "Update the modification time of an entry, creating an empty file when missing",
				ArgsUsage: "<path>",
				Action:    TouchEntry,
				Flags: []cli.Flag{
					&cli.Int64Flag{
						Name:  "mtime",
						Usage: "modification time as unix seconds, 0 means now",
					},
				},
			},
			{
				Name:      "chmod",
				Usage:     "Change the unix permissions of an entry",
				ArgsUsage: "<mode> <path>",
				Action:    ChmodEntry,
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}
