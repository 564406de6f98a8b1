// Command packagefsd mounts a packagefs volume via FUSE and serves the
// control socket activation requests arrive on (spec.md §4.5/§6),
// replacing the kernel packagefs driver's mount(2)/ioctl() surface with a
// userspace process.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"github.com/distr1/packagefs/internal/activation"
	"github.com/distr1/packagefs/internal/control"
	"github.com/distr1/packagefs/internal/logging"
	"github.com/distr1/packagefs/internal/metrics"
	"github.com/distr1/packagefs/internal/root"
	"github.com/distr1/packagefs/internal/vfsfuse"
	"github.com/distr1/packagefs/internal/volume"
)

var (
	mountOpts   = flag.String("o", "", "mount parameters, as a whitespace-separated key=value string (packages=, volume-name=, type=, shine-through=, state=)")
	socketPath  = flag.String("socket", "/run/packagefs/control.sock", "control socket path for activate/deactivate/reactivate requests")
	metricsAddr = flag.String("metrics-listen", "", "host:port to serve Prometheus metrics on; empty disables the metrics server")
	logJSON     = flag.Bool("log-json", false, "emit structured JSON logs instead of console-formatted ones")
	debug       = flag.Bool("debug", false, "enable debug-level logging")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: packagefsd -o 'packages=/var/packages [volume-name=...]' <mountpoint>")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	mountpoint := flag.Arg(0)

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	logging.Init(logging.Config{Level: level, JSONOutput: *logJSON})

	if err := run(mountpoint); err != nil {
		logging.WithComponent("packagefsd").Fatal().Err(err).Msg("packagefsd exiting")
	}
}

func run(mountpoint string) error {
	log := logging.WithComponent("packagefsd")

	params, err := volume.ParseParams(*mountOpts)
	if err != nil {
		return xerrors.Errorf("parse mount parameters: %w", err)
	}

	vol := volume.New(params)
	if err := vol.LoadInitial(); err != nil {
		return xerrors.Errorf("load initial packages: %w", err)
	}
	log.Info().Str("volume", vol.VolumeName()).Strs("packages", vol.Packages()).Msg("loaded initial packages")

	fsRoot, err := resolveRoot(mountpoint, params)
	if err != nil {
		return xerrors.Errorf("resolve package-fs root: %w", err)
	}
	fsRoot.AddVolume(vol)
	defer func() {
		fsRoot.RemoveVolume(vol)
		fsRoot.Release()
	}()

	manager, err := activation.NewManager(vol, fsRoot)
	if err != nil {
		return xerrors.Errorf("construct activation manager: %w", err)
	}

	ctlServer, err := control.Listen(*socketPath, manager)
	if err != nil {
		return xerrors.Errorf("listen on control socket %s: %w", *socketPath, err)
	}
	go func() {
		if err := ctlServer.Serve(); err != nil {
			log.Error().Err(err).Msg("control server stopped")
		}
	}()
	defer ctlServer.Close()

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, vol, log)
	}

	fs := vfsfuse.New(vol)
	mfs, err := vfsfuse.Mount(mountpoint, fs)
	if err != nil {
		return xerrors.Errorf("mount %s: %w", mountpoint, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		log.Info().Msg("signal received, unmounting")
		if err := vfsfuse.Unmount(mountpoint); err != nil {
			log.Error().Err(err).Msg("unmount failed")
		}
	}()

	return mfs.Join(context.Background())
}

// resolveRoot looks up (or creates) the PackageFSRoot this mount belongs
// to, keyed by the mountpoint directory's device/inode exactly as
// spec.md §4.6 keys PackageFSRoot lookups by mount-point identity —
// custom mounts never share a root (spec.md §4.6 "custom mounts always
// get their own root").
func resolveRoot(mountpoint string, params *volume.Params) (*root.PackageFSRoot, error) {
	if params.Type == volume.TypeCustom {
		return root.NewCustomRoot(), nil
	}

	fi, err := os.Stat(mountpoint)
	if err != nil {
		return nil, err
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, xerrors.New("unsupported platform: no syscall.Stat_t for mountpoint")
	}
	return root.GetOrCreateRoot(root.Identity{Device: uint64(st.Dev), Inode: st.Ino}), nil
}

// serveMetrics serves the Prometheus scrape endpoint and periodically
// refreshes this volume's gauges, since nothing else in the process
// touches them on a schedule.
func serveMetrics(addr string, vol *volume.Volume, log zerolog.Logger) {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			metrics.PackagesActive.WithLabelValues(vol.VolumeName()).Set(float64(len(vol.Packages())))
			metrics.NodesTotal.WithLabelValues(vol.VolumeName()).Set(float64(vol.NodeCount()))
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	log.Info().Str("addr", addr).Msg("serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("metrics server stopped")
	}
}
