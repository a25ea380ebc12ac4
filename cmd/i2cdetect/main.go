// Command i2cdetect is a standalone I²C address-space scan utility,
// modeled on the classic i2c-tools i2cdetect(8): it prints the
// discovered-address table for one bus and exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/time/rate"

	"github.com/fieldsense/i2csensors/internal/detect"
	"github.com/fieldsense/i2csensors/internal/models"
	"github.com/fieldsense/i2csensors/internal/transport"
)

// scanAddr is the pseudo-address this standalone scan opens the bus
// under; it never shares a handle with a running i2csensord.
const scanAddr models.Address = 0x01

func main() {
	var (
		bus        = flag.String("bus", "/dev/i2c-1", "I2C bus device path")
		includeMux = flag.Bool("muxes", false, "include TCA9548 multiplexer addresses in the results")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	tr := transport.NewLinux(rate.NewLimiter(rate.Limit(200), 10))

	h, err := tr.Open(context.Background(), models.BusPath(*bus), scanAddr)
	if err != nil {
		slog.Error("failed to open bus", "bus", *bus, "err", err)
		os.Exit(1)
	}
	defer tr.Close(h)

	cfg := models.DefaultScanConfig()
	cfg.IncludeMultiplexer = *includeMux
	result := detect.Perform(tr, h, cfg)

	fmt.Println(result.Table)
	for _, d := range result.Devices {
		fmt.Printf("0x%02x: %s\n", d.Address, d.DeviceType)
	}
}
