// Command astra-update boots one or more devices through a boot bundle and
// then drives a flash plan (SPI or eMMC) to completion.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin"

	"github.com/ardnew/astra-update/internal/bootbundle"
	"github.com/ardnew/astra-update/internal/cliutil"
	"github.com/ardnew/astra-update/internal/flashplan"
	"github.com/ardnew/astra-update/internal/manifest"
	"github.com/ardnew/astra-update/internal/supervisor"
	"github.com/ardnew/astra-update/internal/transport"
	"github.com/ardnew/astra-update/pkg"
	"github.com/ardnew/astra-update/pkg/linux/usbid"
	"github.com/ardnew/astra-update/pkg/prof"
)

func main() {
	imagePath := kingpin.Arg("image-path", "flash image directory or file").Required().String()
	bundleDir := kingpin.Arg("bundle-dir", "directory containing the boot bundle(s) used to reach the flash prompt").Required().String()

	imageType := kingpin.Flag("image-type", "spi, emmc, or nand, overriding manifest/auto-detection").String()
	chip := kingpin.Flag("chip", "target chip id, overriding the flash manifest").String()
	board := kingpin.Flag("board", "target board id, overriding the flash manifest").String()
	secureBoot := kingpin.Flag("secure-boot", "gen2 or genx, overriding the flash manifest").String()
	memoryLayout := kingpin.Flag("memory-layout", "1gb, 2gb, 3gb, or 4gb, overriding the flash manifest").String()
	ddrType := kingpin.Flag("ddr-type", "ddr3, ddr4, lpddr4, lpddr4x, or ddr4x16").String()
	reset := kingpin.Flag("reset", "enable or disable the post-flash reset, overriding the flash manifest").String()

	continuous := kingpin.Flag("continuous", "keep watching for further devices after an update completes instead of shutting down").Bool()
	allowedPaths := kingpin.Flag("path", "comma-separated bus-path allowlist, e.g. 1-2,1-3").String()
	logFormat := kingpin.Flag("log-format", "text or json").Default("text").String()
	logLevel := kingpin.Flag("log-level", "debug, info, warn, or error").Default("info").String()
	cpuProfile := kingpin.Flag("cpuprofile", "write a CPU profile to this path before exiting (builds with the profile tag only; otherwise a no-op)").String()
	kingpin.Parse()

	cliutil.ConfigureLogging(*logFormat, *logLevel)

	if *cpuProfile != "" {
		if err := prof.StartCPU(*cpuProfile); err != nil {
			pkg.LogWarn(pkg.ComponentSupervisor, "cpu profile disabled", "err", err)
		} else {
			defer prof.StopCPU()
		}
	}

	config := &manifest.Manifest{Values: map[string]string{}}
	setIfNonEmpty(config.Values, "image_type", *imageType)
	setIfNonEmpty(config.Values, "chip", *chip)
	setIfNonEmpty(config.Values, "board", *board)
	setIfNonEmpty(config.Values, "secure_boot", *secureBoot)
	setIfNonEmpty(config.Values, "memory_layout", *memoryLayout)
	setIfNonEmpty(config.Values, "ddr_type", *ddrType)
	setIfNonEmpty(config.Values, "reset", *reset)

	plan, err := flashplan.Factory(*imagePath, config)
	if err != nil {
		cliutil.Fatal(err)
	}

	collection, err := bootbundle.LoadCollection(*bundleDir)
	if err != nil {
		cliutil.Fatal(err)
	}

	bundle, err := collection.SelectBest(bootbundle.Criteria{
		Chip:         plan.Chip(),
		Board:        plan.Board(),
		SecureBoot:   plan.SecureBoot(),
		MemoryLayout: plan.MemoryLayout(),
	})
	if err != nil {
		cliutil.Fatal(err)
	}

	logUpdateTarget(plan, bundle)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sv := supervisor.New(supervisor.Config{
		Bundle: bundle,
		Plan:   plan,
		Filter: transport.Filter{
			VendorID:        bundle.VendorID,
			ProductID:       bundle.ProductID,
			AllowedPrefixes: transport.ParsePrefixes(*allowedPaths),
		},
		TempRoot:   os.TempDir(),
		Sink:       cliutil.PrintStatus,
		Continuous: *continuous,
	})

	if err := sv.Run(ctx); err != nil && ctx.Err() == nil {
		cliutil.Fatal(err)
	}
}

func setIfNonEmpty(values map[string]string, key, value string) {
	if value != "" {
		values[key] = value
	}
}

func logUpdateTarget(plan flashplan.Plan, bundle *bootbundle.Bundle) {
	db := usbid.New()
	db.Load()
	pkg.LogInfo(pkg.ComponentSupervisor, "update target selected",
		"plan_type", plan.Type(),
		"chip", plan.Chip(),
		"board", plan.Board(),
		"bundle", bundle.ID,
		"vendor", db.LookupVendor(bundle.VendorID),
		"product", db.LookupProduct(bundle.VendorID, bundle.ProductID),
		"vendor_id", fmt.Sprintf("0x%04x", bundle.VendorID),
		"product_id", fmt.Sprintf("0x%04x", bundle.ProductID))
}
