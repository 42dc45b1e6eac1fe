// pivstore is a thin demo CLI over the object store core. It operates
// against an in-memory emulator snapshotted to disk between invocations
// (no PC/SC binding ships in this module's dependency set — see
// device.Hardware's doc comment), which is enough to exercise every
// operation end to end without a physical token attached.
//
// Usage:
//
//	pivstore format [-c count] [-s size] [-k slot] --admin <token>
//	pivstore store <name> <file> [--encrypted] --admin <token>
//	pivstore fetch <name> [--pin <pin>]
//	pivstore rm <name> --admin <token>
//	pivstore ls
//	pivstore fsck
//	pivstore shell
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/pivstore/pivstore/internal/pivconfig"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	globalFlags := flag.NewFlagSet("pivstore", flag.ContinueOnError)
	globalFlags.SetInterspersed(false)
	configPath := globalFlags.StringP("config", "c", "", "use specified config `file` instead of .pivstore.json")

	if err := globalFlags.Parse(args); err != nil {
		return 1
	}

	cfg, err := pivconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)

		return 1
	}

	rest := globalFlags.Args()
	if len(rest) == 0 {
		printUsage()

		return 1
	}

	cmd, cmdArgs := rest[0], rest[1:]

	handler, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", cmd)
		printUsage()

		return 1
	}

	if err := handler(cfg, cmdArgs); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)

		return 1
	}

	return 0
}

var commands = map[string]func(cfg pivconfig.Config, args []string) error{
	"format": cmdFormat,
	"store":  cmdStore,
	"fetch":  cmdFetch,
	"rm":     cmdRemove,
	"ls":     cmdList,
	"fsck":   cmdFsck,
	"shell":  cmdShell,
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: pivstore <command> [args]")
	fmt.Fprintln(os.Stderr, "Commands: format, store, fetch, rm, ls, fsck, shell")
}
