// Command spidummy registers a minimal SPI driver named "dummy" and logs
// its lifecycle callbacks until interrupted. On the simulated host it seeds
// a matching device so the probe path runs end to end.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/thinhost/spidrv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "spidummy: %v\n", err)
		os.Exit(1)
	}
}

type dummyDriver struct {
	logger *slog.Logger
}

func (d *dummyDriver) Probe(dev *spidrv.Device) error {
	d.logger.Info("dummy probe", "device", dev.Raw())
	return nil
}

func (d *dummyDriver) Remove(dev *spidrv.Device) error {
	d.logger.Info("dummy remove", "device", dev.Raw())
	return nil
}

func (d *dummyDriver) Shutdown(dev *spidrv.Device) error {
	d.logger.Info("dummy shutdown", "device", dev.Raw())
	return nil
}

func run() error {
	hostName := flag.String("host", "sim", "Host backend (sim, spidev, periph, dl:<path>)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Register the sample \"dummy\" SPI driver and wait for a signal.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -host spidev -debug\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	backend, err := spidrv.OpenHost(*hostName)
	if err != nil {
		return fmt.Errorf("open host: %w", err)
	}
	defer backend.Close()

	// A simulated host starts empty; seed it so the probe has something to
	// bind.
	if s, ok := backend.(*spidrv.SimHost); ok {
		if _, err := s.AddDevice("dummy", &spidrv.Echo{}); err != nil {
			return fmt.Errorf("add dummy device: %w", err)
		}
	}

	reg, err := spidrv.NewRegistered(backend, &dummyDriver{logger: slog.Default()}, spidrv.Config{
		Name:    "dummy",
		IDTable: spidrv.MustIDTable(spidrv.IDEntry{Name: "dummy", Data: 42}),
		Module: &spidrv.ModuleInfo{
			Name:        "spi_dummy",
			Author:      "thinhost",
			Description: "sample SPI driver",
			License:     "GPL v2",
		},
	})
	if err != nil {
		return fmt.Errorf("register driver: %w", err)
	}

	slog.Info("driver registered", "name", reg.Name(), "host", *hostName)

	ch := make(chan os.Signal, 1)
	signalNotify(ch)
	sig := <-ch
	slog.Info("unregistering", "signal", sig.String())

	if err := reg.Close(); err != nil {
		return fmt.Errorf("close registration: %w", err)
	}
	return nil
}
