// qvm loads, validates and runs sandboxed bytecode images.
//
// Usage:
//
//	qvm run [flags] <file|image> [args...]
//	qvm validate [flags] <file>
//	qvm import [flags] [-name name] <file>
//	qvm list [flags]
//	qvm snapshots [flags] <image>
//	qvm serve [flags]
//	qvm version
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

type command struct {
	name  string
	usage string
	run   func(args []string) error
}

var commands = []command{
	{"run", "execute an image's entry function", cmdRun},
	{"validate", "load and validate an image without running it", cmdValidate},
	{"import", "add an image to the image store", cmdImport},
	{"list", "list stored images", cmdList},
	{"snapshots", "list the snapshots of a stored image", cmdSnapshots},
	{"serve", "serve the runner gRPC service", cmdServe},
	{"version", "print version and exit", cmdVersion},
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: qvm <command> [flags] [args]\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-10s %s\n", c.name, c.usage)
	}
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	name := os.Args[1]
	for _, c := range commands {
		if c.name == name {
			if err := c.run(os.Args[2:]); err != nil {
				if err == flag.ErrHelp {
					os.Exit(2)
				}
				log.Fatalf("%s: %v", name, err)
			}
			return
		}
	}
	usage()
	os.Exit(2)
}

func cmdVersion(args []string) error {
	fmt.Printf("qvm %s (%s)\n", Version, GitCommit)
	return nil
}
