package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/pivstore/pivstore"
	"github.com/pivstore/pivstore/device"
	"github.com/pivstore/pivstore/internal/pivconfig"
)

// openDevice constructs the emulator backing every demo-CLI invocation,
// reloading its persisted snapshot (if any) so state survives across
// separate process runs. Encryption key material does not survive a
// restart: slots listed in keySlots are (re)generated fresh each run, so
// ciphertext stored by one process is only fetchable within that same
// process's lifetime. A real deployment's keys live on the physical token
// and have no such limitation.
func openDevice(cfg pivconfig.Config, objectCount, objectSize int, keySlots []int) (*device.Emulator, error) {
	path := cfg.EmulatorPath
	if path == "" {
		path = ".pivstore.img"
	}

	return device.NewEmulator(device.EmulatorOptions{
		ObjectCount: objectCount,
		ObjectSize:  objectSize,
		KeySlots:    keySlots,
		PersistPath: path,
	})
}

// storeParams resolves the object_count/object_size that every command
// except Format needs to open the device, from the config file (Format is
// the only command allowed to choose new ones).
func storeParams(cfg pivconfig.Config) (count, size int) {
	count, size = cfg.ObjectCount, cfg.ObjectSize
	if count == 0 {
		count = 16
	}

	if size == 0 {
		size = 3052
	}

	return count, size
}

func cmdFormat(cfg pivconfig.Config, args []string) error {
	fs := flag.NewFlagSet("format", flag.ContinueOnError)
	defCount, defSize := storeParams(cfg)
	count := fs.IntP("count", "c", defCount, "object_count_in_store")
	size := fs.IntP("size", "s", defSize, "object_size_in_store")
	keySlot := fs.IntP("key-slot", "k", cfg.EncryptionKeySlot, "device slot holding the store's encryption key (0 = none)")
	admin := fs.String("admin", "", "admin token (required)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *admin == "" {
		return fmt.Errorf("format: --admin is required")
	}

	keySlots := []int(nil)
	if *keySlot != 0 {
		keySlots = []int{*keySlot}
	}

	dev, err := openDevice(cfg, *count, *size, keySlots)
	if err != nil {
		return err
	}

	store := pivstore.New(dev)

	err = store.Format(pivstore.FormatOptions{
		ObjectCount:       *count,
		ObjectSize:        *size,
		EncryptionKeySlot: uint8(*keySlot),
	}, *admin)
	if err != nil {
		return err
	}

	fmt.Printf("formatted: %d objects x %d bytes\n", *count, *size)

	return nil
}

func cmdStore(cfg pivconfig.Config, args []string) error {
	fs := flag.NewFlagSet("store", flag.ContinueOnError)
	encrypted := fs.Bool("encrypted", false, "wrap the payload in the crypto envelope")
	admin := fs.String("admin", "", "admin token (required)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() < 2 {
		return fmt.Errorf("usage: pivstore store [flags] <name> <file>")
	}

	if *admin == "" {
		return fmt.Errorf("store: --admin is required")
	}

	name, path := fs.Arg(0), fs.Arg(1)

	payload, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("store: read %s: %w", path, err)
	}

	count, size := storeParams(cfg)

	keySlot := cfg.EncryptionKeySlot

	keySlots := []int(nil)
	if keySlot != 0 {
		keySlots = []int{keySlot}
	}

	dev, err := openDevice(cfg, count, size, keySlots)
	if err != nil {
		return err
	}

	store := pivstore.New(dev)

	err = store.Store(name, payload, pivstore.StoreOptions{Encrypted: *encrypted}, *admin)
	if err != nil {
		return err
	}

	fmt.Printf("stored %q (%d bytes)\n", name, len(payload))

	return nil
}

func cmdFetch(cfg pivconfig.Config, args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	pin := fs.String("pin", "", "PIN, required only for encrypted blobs")
	out := fs.StringP("out", "o", "", "write to `file` instead of stdout")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() < 1 {
		return fmt.Errorf("usage: pivstore fetch [flags] <name>")
	}

	name := fs.Arg(0)
	count, size := storeParams(cfg)

	keySlots := []int(nil)
	if cfg.EncryptionKeySlot != 0 {
		keySlots = []int{cfg.EncryptionKeySlot}
	}

	dev, err := openDevice(cfg, count, size, keySlots)
	if err != nil {
		return err
	}

	store := pivstore.New(dev)

	payload, err := store.Fetch(name, *pin)
	if err != nil {
		return err
	}

	if *out == "" {
		_, err = os.Stdout.Write(payload)

		return err
	}

	return os.WriteFile(*out, payload, 0o600)
}

func cmdRemove(cfg pivconfig.Config, args []string) error {
	fs := flag.NewFlagSet("rm", flag.ContinueOnError)
	admin := fs.String("admin", "", "admin token (required)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() < 1 {
		return fmt.Errorf("usage: pivstore rm --admin <token> <name>")
	}

	if *admin == "" {
		return fmt.Errorf("rm: --admin is required")
	}

	name := fs.Arg(0)
	count, size := storeParams(cfg)

	dev, err := openDevice(cfg, count, size, nil)
	if err != nil {
		return err
	}

	store := pivstore.New(dev)

	if err := store.Remove(name, *admin); err != nil {
		return err
	}

	fmt.Printf("removed %q\n", name)

	return nil
}

func cmdList(cfg pivconfig.Config, args []string) error {
	count, size := storeParams(cfg)

	dev, err := openDevice(cfg, count, size, nil)
	if err != nil {
		return err
	}

	store := pivstore.New(dev)

	list, err := store.List()
	if err != nil {
		return err
	}

	if len(list) == 0 {
		fmt.Println("(empty)")

		return nil
	}

	for _, info := range list {
		enc := ""
		if info.Encrypted {
			enc = " [encrypted]"
		}

		fmt.Printf("%-24s %8d bytes  %2d chunk(s)%s\n", info.Name, info.Size, info.ChunkCount, enc)
	}

	return nil
}

func cmdFsck(cfg pivconfig.Config, args []string) error {
	count, size := storeParams(cfg)

	dev, err := openDevice(cfg, count, size, nil)
	if err != nil {
		return err
	}

	store := pivstore.New(dev)

	objects, err := store.Fsck()
	if err != nil {
		return err
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

	return nil
}
