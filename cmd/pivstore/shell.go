package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/pivstore/pivstore"
	"github.com/pivstore/pivstore/internal/pivconfig"
)

// cmdShell starts an interactive REPL against the device: a liner-backed
// prompt with tab completion and persistent history, dispatching to the
// same PivStore operations the one-shot subcommands use.
func cmdShell(cfg pivconfig.Config, args []string) error {
	count, size := storeParams(cfg)

	keySlots := []int(nil)
	if cfg.EncryptionKeySlot != 0 {
		keySlots = []int{cfg.EncryptionKeySlot}
	}

	dev, err := openDevice(cfg, count, size, keySlots)
	if err != nil {
		return err
	}

	repl := &repl{store: pivstore.New(dev)}

	return repl.run()
}

type repl struct {
	store *pivstore.PivStore
	liner *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".pivstore_history")
}

func (r *repl) run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Println("pivstore shell - type 'help' for commands")

	for {
		line, err := r.liner.Prompt("pivstore> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nBye!")

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd, cmdArgs := strings.ToLower(parts[0]), parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			r.saveHistory()

			return nil
		case "help", "?":
			r.printHelp()
		case "format":
			r.cmdFormat(cmdArgs)
		case "store", "put":
			r.cmdStore(cmdArgs)
		case "fetch", "get":
			r.cmdFetch(cmdArgs)
		case "rm", "del":
			r.cmdRemove(cmdArgs)
		case "ls", "list":
			r.cmdList()
		case "fsck":
			r.cmdFsck()
		default:
			fmt.Printf("unknown command: %s (type 'help')\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

func (r *repl) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *repl) completer(line string) []string {
	commands := []string{"format", "store", "fetch", "rm", "ls", "fsck", "help", "exit", "quit", "q"}

	var out []string

	for _, c := range commands {
		if strings.HasPrefix(c, strings.ToLower(line)) {
			out = append(out, c)
		}
	}

	return out
}

func (r *repl) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  format <count> <size> <admin>          Format the store")
	fmt.Println("  store <name> <file> <admin> [enc]      Store a blob (enc: 'encrypted' or omit)")
	fmt.Println("  fetch <name> [pin]                     Print a blob to stdout")
	fmt.Println("  rm <name> <admin>                      Remove a blob")
	fmt.Println("  ls                                      List blobs")
	fmt.Println("  fsck                                    Dump raw object state")
	fmt.Println("  exit / quit / q                         Exit")
}

func (r *repl) cmdFormat(args []string) {
	if len(args) < 3 {
		fmt.Println("usage: format <count> <size> <admin>")

		return
	}

	count, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Println("bad count:", err)

		return
	}

	size, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Println("bad size:", err)

		return
	}

	if err := r.store.Format(pivstore.FormatOptions{ObjectCount: count, ObjectSize: size}, args[2]); err != nil {
		fmt.Println("error:", err)

		return
	}

	fmt.Printf("OK: formatted %d x %d\n", count, size)
}

func (r *repl) cmdStore(args []string) {
	if len(args) < 3 {
		fmt.Println("usage: store <name> <file> <admin> [encrypted]")

		return
	}

	payload, err := os.ReadFile(args[1])
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	encrypted := len(args) >= 4 && args[3] == "encrypted"

	if err := r.store.Store(args[0], payload, pivstore.StoreOptions{Encrypted: encrypted}, args[2]); err != nil {
		fmt.Println("error:", err)

		return
	}

	fmt.Printf("OK: stored %q (%d bytes)\n", args[0], len(payload))
}

func (r *repl) cmdFetch(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: fetch <name> [pin]")

		return
	}

	pin := ""
	if len(args) >= 2 {
		pin = args[1]
	}

	payload, err := r.store.Fetch(args[0], pin)
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	os.Stdout.Write(payload)
	fmt.Println()
}

func (r *repl) cmdRemove(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: rm <name> <admin>")

		return
	}

	if err := r.store.Remove(args[0], args[1]); err != nil {
		fmt.Println("error:", err)

		return
	}

	fmt.Printf("OK: removed %q\n", args[0])
}

func (r *repl) cmdList() {
	list, err := r.store.List()
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	if len(list) == 0 {
		fmt.Println("(empty)")

		return
	}

	for _, info := range list {
		enc := ""
		if info.Encrypted {
			enc = " [encrypted]"
		}

		fmt.Printf("%-24s %8d bytes  %2d chunk(s)%s\n", info.Name, info.Size, info.ChunkCount, enc)
	}
}

func (r *repl) cmdFsck() {
	objects, err := r.store.Fsck()
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	for i, obj := range objects {
		switch {
		case obj.IsEmpty():
			fmt.Printf("%3d: empty\n", i)
		case obj.IsHead():
			fmt.Printf("%3d: head  age=%-6d next=%-3d name=%q size=%d\n", i, obj.ObjectAge, obj.NextIndex, obj.BlobName, obj.BlobSize)
		default:
			fmt.Printf("%3d: body  age=%-6d pos=%-4d next=%d\n", i, obj.ObjectAge, obj.ChunkPos, obj.NextIndex)
		}
	}
}
