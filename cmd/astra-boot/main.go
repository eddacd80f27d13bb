// Command astra-boot watches for a device in USB download mode and serves
// it a boot bundle until it reaches a running console or Linux userspace.
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
	"github.com/ardnew/astra-update/internal/supervisor"
	"github.com/ardnew/astra-update/internal/transport"
	"github.com/ardnew/astra-update/pkg"
	"github.com/ardnew/astra-update/pkg/linux/usbid"
	"github.com/ardnew/astra-update/pkg/prof"
)

func main() {
	bundleDir := kingpin.Arg("bundle-dir", "directory containing manifest.yaml and boot images").Required().String()
	bundleID := kingpin.Flag("bundle", "bundle id to select when bundle-dir holds more than one").String()
	bootCommand := kingpin.Flag("boot-command", "U-Boot command embedded into a synthesized uEnv.txt").String()
	continuous := kingpin.Flag("continuous", "keep watching for further devices after a boot completes instead of shutting down").Bool()
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

	collection, err := bootbundle.LoadCollection(*bundleDir)
	if err != nil {
		cliutil.Fatal(err)
	}

	bundle, err := selectBundle(collection, *bundleID)
	if err != nil {
		cliutil.Fatal(err)
	}

	logBootTarget(bundle)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sv := supervisor.New(supervisor.Config{
		Bundle:      bundle,
		BootCommand: *bootCommand,
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

func selectBundle(c *bootbundle.Collection, id string) (*bootbundle.Bundle, error) {
	if id != "" {
		return c.ByID(id)
	}
	all := c.All()
	if len(all) == 0 {
		return nil, pkg.Classify(pkg.KindBundleNotFound, pkg.ErrNotFound)
	}
	return all[0], nil
}

func logBootTarget(b *bootbundle.Bundle) {
	db := usbid.New()
	db.Load()
	pkg.LogInfo(pkg.ComponentSupervisor, "boot target selected",
		"bundle", b.ID,
		"chip", b.Chip,
		"board", b.Board,
		"vendor", db.LookupVendor(b.VendorID),
		"product", db.LookupProduct(b.VendorID, b.ProductID),
		"vendor_id", fmt.Sprintf("0x%04x", b.VendorID),
		"product_id", fmt.Sprintf("0x%04x", b.ProductID))
}
