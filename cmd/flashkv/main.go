package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-flashkv/internal/config"
	"github.com/i5heu/ouroboros-flashkv/internal/imageFile"
	"github.com/i5heu/ouroboros-flashkv/internal/imageStore"
	"github.com/i5heu/ouroboros-flashkv/pkg/flashkv"
	"github.com/i5heu/ouroboros-flashkv/pkg/hasher"
	"github.com/i5heu/ouroboros-flashkv/pkg/status"
)

func usage() {
	fmt.Println("Usage: flashkv [-config flashkv.yaml] [-ops-interval 1s] <command> [arguments]")
	fmt.Println("Commands:")
	fmt.Println("  init")
	fmt.Println("  put <key> <value>")
	fmt.Println("  put -file <path> <key>")
	fmt.Println("  get <key>")
	fmt.Println("  delete <key>")
	fmt.Println("  shred <key>")
	fmt.Println("  gc")
	fmt.Println("  zeroise")
	fmt.Println("  stats")
	fmt.Println("  dump <file>")
	fmt.Println("  load <file>")
}

func main() {
	global := flag.NewFlagSet("flashkv", flag.ExitOnError)
	configPath := global.String("config", "", "path of the YAML configuration")
	opsInterval := global.Duration("ops-interval", 0, "log flash operations per interval, 0 disables")
	global.Usage = usage
	global.Parse(os.Args[1:])

	if global.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	conf, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	log := conf.Logger()

	is, err := openImage(conf, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening flash image: %v\n", err)
		os.Exit(1)
	}
	defer is.Close()

	if *opsInterval > 0 {
		stop := make(chan struct{})
		defer close(stop)
		is.StartTransactionCounter(*opsInterval, stop)
	}

	mode, _ := conf.Mode()
	store, err := flashkv.New(is, flashkv.Config{Geometry: conf.Geometry, ChecksumMode: mode, Logger: log})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating store: %v\n", err)
		os.Exit(1)
	}

	cmd, args := global.Arg(0), global.Args()[1:]
	if err := run(store, is, cmd, args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		is.Close()
		os.Exit(1)
	}
}

func openImage(conf config.Config, log *logrus.Logger) (*imageStore.ImageStore, error) {
	dir := conf.Path
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(home, ".flashkv", "data")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return imageStore.NewImageStore(imageStore.StoreConfig{
		Path:             dir,
		Geometry:         conf.Geometry,
		MinimumFreeSpace: conf.MinimumFreeSpace,
		SyncWrites:       conf.SyncWrites,
		Logger:           log,
	})
}

func run(store *flashkv.Store, is *imageStore.ImageStore, cmd string, args []string) error {
	switch cmd {
	case "zeroise":
		if _, err := store.Zeroise(hasher.New()); err != nil {
			return err
		}
		fmt.Println("Flash zeroised.")
		return nil
	case "load":
		if len(args) < 1 {
			return errors.New("usage: flashkv load <file>")
		}
		return loadImage(store, is, args[0])
	}

	code, err := store.Initialise(hasher.NewPair())
	if err != nil {
		return fmt.Errorf("initialise: %w", err)
	}

	switch cmd {
	case "init":
		if code == status.Written {
			fmt.Printf("Formatted %s.\n", store.Geometry())
		} else {
			fmt.Printf("Flash %s already formatted.\n", store.Geometry())
		}
		return nil

	case "put":
		putCmd := flag.NewFlagSet("put", flag.ExitOnError)
		file := putCmd.String("file", "", "read the value from a file")
		putCmd.Parse(args)
		var key, value []byte
		switch {
		case *file != "" && putCmd.NArg() == 1:
			content, err := os.ReadFile(*file)
			if err != nil {
				return err
			}
			key, value = []byte(putCmd.Arg(0)), content
		case *file == "" && putCmd.NArg() == 2:
			key, value = []byte(putCmd.Arg(0)), []byte(putCmd.Arg(1))
		default:
			return errors.New("usage: flashkv put <key> <value> | put -file <path> <key>")
		}
		if _, err := store.AppendKey(hasher.New(), key, value); err != nil {
			return err
		}
		fmt.Printf("Stored %d bytes under %q.\n", len(value), key)
		return nil

	case "get":
		if len(args) < 1 {
			return errors.New("usage: flashkv get <key>")
		}
		buf := make([]byte, store.Geometry().RegionSize)
		n, err := store.GetKey(hasher.New(), []byte(args[0]), buf)
		if err != nil {
			return err
		}
		os.Stdout.Write(buf[:n])
		fmt.Println()
		return nil

	case "delete", "shred":
		if len(args) < 1 {
			return fmt.Errorf("usage: flashkv %s <key>", cmd)
		}
		if cmd == "shred" {
			_, err = store.ZeroiseKey(hasher.New(), []byte(args[0]))
		} else {
			_, err = store.InvalidateKey(hasher.New(), []byte(args[0]))
		}
		if err != nil {
			return err
		}
		fmt.Printf("Removed %q.\n", args[0])
		return nil

	case "gc":
		start := time.Now()
		freed, err := store.GarbageCollect()
		if err != nil {
			return err
		}
		fmt.Printf("Reclaimed %d bytes in %s.\n", freed, time.Since(start).Round(time.Millisecond))
		return nil

	case "stats":
		printStats(store.Stats(), is.Counters())
		return nil

	case "dump":
		if len(args) < 1 {
			return errors.New("usage: flashkv dump <file>")
		}
		img, err := is.Image()
		if err != nil {
			return err
		}
		if err := imageFile.DumpFile(args[0], is.Geometry(), img); err != nil {
			return err
		}
		fmt.Printf("Dumped %s to %s.\n", is.Geometry(), args[0])
		return nil
	}

	usage()
	return fmt.Errorf("unknown command: %s", cmd)
}

// loadImage replaces the device with an image file and checks that the
// result can be initialised.
func loadImage(store *flashkv.Store, is *imageStore.ImageStore, path string) error {
	m, img, err := imageFile.LoadFile(path)
	if err != nil {
		return err
	}
	if m.Geometry != is.Geometry() {
		return fmt.Errorf("image has geometry %s, device is %s", m.Geometry, is.Geometry())
	}
	if err := is.LoadImage(img); err != nil {
		return err
	}
	if _, err := store.Initialise(hasher.NewPair()); err != nil {
		return fmt.Errorf("loaded image does not initialise: %w", err)
	}
	fmt.Printf("Loaded image from %s (created %s).\n", path, m.Created.Format(time.RFC3339))
	return nil
}

func printStats(st flashkv.Stats, c imageStore.Counters) {
	fmt.Println("Flash Statistics:")
	fmt.Printf("  Live bytes:     %d\n", st.Live)
	fmt.Printf("  Garbage bytes:  %d\n", st.Garbage)
	fmt.Printf("  Free bytes:     %d\n", st.Free)
	fmt.Printf("  Reads:          %d\n", c.Reads)
	fmt.Printf("  Writes:         %d\n", c.Writes)
	fmt.Printf("  Erases:         %d\n", c.Erases)
	fmt.Println("Regions:")
	for _, r := range st.Regions {
		torn := ""
		if r.Torn {
			torn = " torn"
		}
		fmt.Printf("  %4d  offset %6d  live %6d  garbage %6d%s\n", r.Region, r.Offset, r.Live, r.Garbage, torn)
	}
}
