// virtiofs-probe boots an in-process virtio-fs device over a loopback
// transport and drives it through the driver. It runs a scripted session
// that exercises the filesystem operations, or a concurrent load with -n.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/tinyrange/virtiofs/internal/devices/virtio"
	"github.com/tinyrange/virtiofs/internal/fuse"
	"github.com/tinyrange/virtiofs/internal/vfs"
	"github.com/tinyrange/virtiofs/internal/virtiofs"
)

const probeTag = "probe"

type probe struct {
	log *slog.Logger
	drv *virtiofs.Driver
	lb  *virtio.Loopback

	passed int
	failed int
}

func (p *probe) check(name string, err error) {
	if err != nil {
		fmt.Printf("  FAIL  %s: %v\n", name, err)
		p.failed++
	} else {
		fmt.Printf("  PASS  %s\n", name)
		p.passed++
	}
}

// boot starts the device and binds a driver to it.
func (p *probe) boot(ctx context.Context, cfg virtiofs.Config, dir string, queues int, reg *prometheus.Registry) error {
	mem := vfs.NewMemFS(p.log)
	if dir != "" {
		if err := mem.ImportDir(dir); err != nil {
			return fmt.Errorf("import %s: %w", dir, err)
		}
	}

	dev, err := virtio.NewFS(virtio.FSConfig{
		Tag:              probeTag,
		NumRequestQueues: uint32(queues),
		NotifyBufSize:    256,
		Backend:          mem,
		Logger:           p.log,
	})
	if err != nil {
		return fmt.Errorf("create device: %w", err)
	}
	p.lb, err = virtio.NewLoopback(dev, virtio.LoopbackConfig{MemorySize: 64 << 20, QueueSize: 128, Logger: p.log})
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	if err := p.lb.Start(ctx, virtiofs.NegotiateFeatures(p.lb.DeviceFeatures())); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	cfg.Tag = probeTag
	p.drv, err = virtiofs.New(p.lb, cfg,
		virtiofs.WithLogger(p.log),
		virtiofs.WithMetrics(virtiofs.NewMetrics(reg)),
		virtiofs.WithNotifyHandler(func(n fuse.Notification) {
			p.log.Info("notification", "code", n.Code())
		}),
	)
	if err != nil {
		return fmt.Errorf("bind driver: %w", err)
	}

	out, err := p.drv.Init(ctx)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	p.log.Info("session up", "version", p.drv.Version(), "max_write", out.MaxWrite, "request_queues", p.drv.RequestQueues())
	return nil
}

func (p *probe) close() {
	if p.drv != nil {
		p.drv.Close()
	}
	if p.lb != nil {
		p.lb.Close()
	}
}

// session walks a file through its lifetime under the root.
func (p *probe) session(ctx context.Context) {
	d := p.drv

	fmt.Println("Running scripted session...")

	_, err := d.Lookup(ctx, fuse.RootID, "probe-missing")
	if errors.Is(err, unix.ENOENT) {
		err = nil
	} else if err == nil {
		err = errors.New("lookup of a missing name succeeded")
	}
	p.check("lookup missing", err)

	dir, err := d.Mkdir(ctx, fuse.RootID, "probe-dir", 0o755, 0o022)
	p.check("mkdir", err)
	if err != nil {
		return
	}

	created, err := d.Create(ctx, dir.NodeID, "hello.txt", unix.O_RDWR, unix.S_IFREG|0o644, 0o022)
	p.check("create", err)
	if err != nil {
		return
	}
	node, fh := created.Entry.NodeID, created.Open.Fh
	payload := []byte("hello from virtiofs-probe\n")

	_, err = d.Write(ctx, node, fh, 0, payload)
	p.check("write", err)

	got, err := d.Read(ctx, node, fh, 0, 4096)
	if err == nil && !bytes.Equal(got, payload) {
		err = fmt.Errorf("read back %q", got)
	}
	p.check("read", err)

	attr, err := d.Getattr(ctx, node, &fh)
	if err == nil && attr.Attr.Size != uint64(len(payload)) {
		err = fmt.Errorf("size %d", attr.Attr.Size)
	}
	p.check("getattr", err)

	p.check("setxattr", d.Setxattr(ctx, node, "user.probe", []byte("1"), 0))
	_, err = d.Getxattr(ctx, node, "user.probe", 64)
	p.check("getxattr", err)

	dh, err := d.Opendir(ctx, dir.NodeID, 0)
	p.check("opendir", err)
	if err == nil {
		ents, err := d.Readdir(ctx, dir.NodeID, dh.Fh, 0, 4096)
		if err == nil && len(ents) != 3 {
			err = fmt.Errorf("%d entries", len(ents))
		}
		p.check("readdir", err)
		p.check("releasedir", d.Releasedir(ctx, dir.NodeID, dh.Fh))
	}

	_, err = d.Poll(ctx, node, fuse.PollIn{Fh: fh, Kh: 1, Flags: fuse.PollScheduleNotify, Events: unix.POLLIN})
	p.check("poll", err)

	st, err := d.Statfs(ctx, fuse.RootID)
	if err == nil {
		p.log.Debug("statfs", "blocks", st.Blocks, "bfree", st.Bfree, "bsize", st.Bsize)
	}
	p.check("statfs", err)

	p.check("release", d.Release(ctx, node, fh, unix.O_RDWR))
	p.check("rename", d.Rename(ctx, dir.NodeID, "hello.txt", dir.NodeID, "renamed.txt"))
	p.check("unlink", d.Unlink(ctx, dir.NodeID, "renamed.txt"))
	p.check("forget", d.Forget(ctx, node, 1))
	p.check("rmdir", d.Rmdir(ctx, fuse.RootID, "probe-dir"))
	p.check("forget dir", d.Forget(ctx, dir.NodeID, 1))
}

// load runs n create/write/read/unlink cycles with the given parallelism.
func (p *probe) load(ctx context.Context, n, parallel int) error {
	pb := progressbar.Default(int64(n))
	defer pb.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	start := time.Now()
	for i := range n {
		g.Go(func() error {
			if err := p.cycle(ctx, i); err != nil {
				return err
			}
			pb.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)
	p.log.Info("load finished", "cycles", n, "elapsed", elapsed, "per_cycle", elapsed/time.Duration(max(n, 1)))
	return nil
}

func (p *probe) cycle(ctx context.Context, i int) error {
	d := p.drv
	name := fmt.Sprintf("load-%06d", i)
	out, err := d.Create(ctx, fuse.RootID, name, unix.O_RDWR, unix.S_IFREG|0o644, 0)
	if err != nil {
		return fmt.Errorf("%s: create: %w", name, err)
	}
	node, fh := out.Entry.NodeID, out.Open.Fh
	if _, err := d.Write(ctx, node, fh, 0, []byte(name)); err != nil {
		return fmt.Errorf("%s: write: %w", name, err)
	}
	got, err := d.Read(ctx, node, fh, 0, 64)
	if err != nil {
		return fmt.Errorf("%s: read: %w", name, err)
	}
	if string(got) != name {
		return fmt.Errorf("%s: read back %q", name, got)
	}
	if err := d.Release(ctx, node, fh, 0); err != nil {
		return fmt.Errorf("%s: release: %w", name, err)
	}
	if err := d.Unlink(ctx, fuse.RootID, name); err != nil {
		return fmt.Errorf("%s: unlink: %w", name, err)
	}
	return d.Forget(ctx, node, 1)
}

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	configPath := fs.String("config", "", "YAML driver config file")
	dir := fs.String("dir", "", "host directory to import into the shared filesystem")
	queues := fs.Int("queues", 2, "number of request queues on the device")
	n := fs.Int("n", 0, "run this many load cycles instead of the scripted session")
	parallel := fs.Int("parallel", 16, "concurrent callers in load mode")
	metricsAddr := fs.String("metrics", "", "serve prometheus metrics on this address")
	verbose := fs.Bool("v", false, "enable debug logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("failed to parse args: %w", err)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := virtiofs.DefaultConfig()
	if *configPath != "" {
		loaded, err := virtiofs.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *n > 0 {
		cfg.RetryQueueFull = true
	}

	reg := prometheus.NewRegistry()
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error("metrics server stopped", "err", err)
			}
		}()
	}

	ctx := context.Background()
	p := &probe{log: log}
	defer p.close()
	if err := p.boot(ctx, cfg, *dir, *queues, reg); err != nil {
		return err
	}

	if *n > 0 {
		return p.load(ctx, *n, *parallel)
	}

	p.session(ctx)
	fmt.Printf("\n%d passed, %d failed\n", p.passed, p.failed)
	if p.failed > 0 {
		return fmt.Errorf("%d checks failed", p.failed)
	}
	return p.drv.Destroy(ctx)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "virtiofs-probe: %v\n", err)
		os.Exit(1)
	}
}
