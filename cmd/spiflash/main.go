// Command spiflash reads and writes JEDEC serial NOR flash chips through
// an SPI host backend. It talks to the chip directly via the host's raw
// transfer path; no driver registration is involved.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/thinhost/spidrv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "spiflash: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "", "YAML config file")
	hostName := flag.String("host", "", "Host backend (sim, spidev, periph, dl:<path>)")
	deviceName := flag.String("device", "", "Device name to target (default: first enumerated)")
	addr := flag.Uint("addr", 0, "Start address")
	size := flag.Int("size", 0, "Byte count (0 = chip capacity from the JEDEC id)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <id|dump|program> [file]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Read and write serial NOR flash through an SPI host.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -host sim id\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -host sim dump flash.bin\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -device w25q -size 65536 dump boot.bin\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -host spidev program image.bin\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if *hostName != "" {
		cfg.Host = *hostName
	}
	if *deviceName != "" {
		cfg.Device = *deviceName
	}

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		return fmt.Errorf("operation required (id, dump, program)")
	}
	op := args[0]
	if *addr >= 1<<24 {
		return fmt.Errorf("address %#x outside 3-byte addressing", *addr)
	}

	backend, err := spidrv.OpenHost(cfg.Host)
	if err != nil {
		return fmt.Errorf("open host: %w", err)
	}
	defer backend.Close()

	// The simulated host starts empty; give it a 1 MiB chip so every
	// operation can run without hardware.
	if s, ok := backend.(*spidrv.SimHost); ok {
		name := cfg.Device
		if name == "" {
			name = "flash"
		}
		if _, err := s.AddDevice(name, spidrv.NewNORFlash(1<<20, [3]byte{0xEF, 0x40, 0x14})); err != nil {
			return fmt.Errorf("seed simulated flash: %w", err)
		}
	}

	dev, info, err := findDevice(backend, cfg.Device)
	if err != nil {
		return err
	}
	slog.Debug("using device", "token", info.Token, "name", info.Name, "node", info.Node)

	fl := &flash{dev: dev, page: cfg.PageSize, sector: cfg.SectorSize}
	id, err := fl.jedec()
	if err != nil {
		return err
	}

	switch op {
	case "id":
		fmt.Printf("jedec id: %02x %02x %02x\n", id[0], id[1], id[2])
		if capacity := capacityFromID(id); capacity > 0 {
			fmt.Printf("capacity: %d bytes\n", capacity)
		}
		return nil
	case "dump":
		if len(args) < 2 {
			return fmt.Errorf("dump needs an output file")
		}
		n, err := resolveSize(*size, id, uint32(*addr))
		if err != nil {
			return err
		}
		return dumpToFile(fl, uint32(*addr), n, cfg.ChunkSize, args[1])
	case "program":
		if len(args) < 2 {
			return fmt.Errorf("program needs an input file")
		}
		return programFromFile(fl, uint32(*addr), args[1])
	default:
		flag.Usage()
		return fmt.Errorf("unknown operation %q", op)
	}
}

func resolveSize(size int, id [3]byte, addr uint32) (int, error) {
	if size > 0 {
		return size, nil
	}
	capacity := capacityFromID(id)
	if capacity == 0 {
		return 0, fmt.Errorf("chip capacity unknown (jedec %02x %02x %02x); pass -size", id[0], id[1], id[2])
	}
	if int(addr) >= capacity {
		return 0, fmt.Errorf("address %#x past the %d-byte chip", addr, capacity)
	}
	return capacity - int(addr), nil
}

func findDevice(backend spidrv.Backend, name string) (*spidrv.Device, spidrv.DeviceInfo, error) {
	enum, ok := backend.(spidrv.Enumerator)
	if !ok {
		return nil, spidrv.DeviceInfo{}, fmt.Errorf("host cannot enumerate devices; this backend needs a bound driver instead")
	}
	snap := enum.Snapshot()
	if len(snap) == 0 {
		return nil, spidrv.DeviceInfo{}, fmt.Errorf("host has no devices")
	}
	if name == "" {
		return spidrv.FromRaw(backend, snap[0].Token), snap[0], nil
	}
	var known []string
	for _, info := range snap {
		if info.Name == name {
			return spidrv.FromRaw(backend, info.Token), info, nil
		}
		known = append(known, info.Name)
	}
	return nil, spidrv.DeviceInfo{}, fmt.Errorf("no device named %q (have: %s)", name, strings.Join(known, ", "))
}

func dumpToFile(fl *flash, addr uint32, n, chunk int, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}

	var w io.Writer = f
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.DefaultBytes(int64(n), fmt.Sprintf("dump %s", path))
		defer bar.Close()
		w = io.MultiWriter(f, bar)
	}
	if err := fl.dump(addr, n, chunk, w); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	slog.Info("dump complete", "bytes", n, "path", path)
	return nil
}

func programFromFile(fl *flash, addr uint32, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("input %s is empty", path)
	}

	var progress io.Writer
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.DefaultBytes(int64(len(data)), fmt.Sprintf("program %s", path))
		defer bar.Close()
		progress = bar
	}
	if err := fl.program(addr, data, progress); err != nil {
		return err
	}
	slog.Info("program complete", "bytes", len(data), "path", path)
	return nil
}
