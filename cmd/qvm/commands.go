package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fortiblox/qvm/internal/types"
	"github.com/fortiblox/qvm/pkg/dashboard"
	"github.com/fortiblox/qvm/pkg/imagestore"
	"github.com/fortiblox/qvm/pkg/qvm"
	"github.com/fortiblox/qvm/pkg/qvm/bytecode"
	qsys "github.com/fortiblox/qvm/pkg/qvm/syscall"
	"github.com/fortiblox/qvm/pkg/runner"
	"github.com/fortiblox/qvm/pkg/snapshot"
)

func openImages(cfg Config) (*imagestore.Store, error) {
	sc := imagestore.DefaultConfig(cfg.imagePath())
	sc.Load.StackSize = cfg.StackSize
	return imagestore.Open(sc)
}

func openSnapshots(cfg Config, logger *log.Logger) (*snapshot.Store, error) {
	sc := snapshot.DefaultConfig(cfg.snapshotPath())
	sc.Logger = logger
	return snapshot.Open(sc)
}

func verboseLogger(cfg Config) *log.Logger {
	if cfg.Verbose {
		return log.Default()
	}
	return nil
}

// readImage reads ref as a file, or looks it up in the image store.
func readImage(cfg Config, ref string) ([]byte, error) {
	raw, err := os.ReadFile(ref)
	if err == nil {
		return raw, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	images, err := openImages(cfg)
	if err != nil {
		return nil, err
	}
	defer images.Close()
	id, err := images.Lookup(ref)
	if err != nil {
		return nil, fmt.Errorf("%s: no such file or stored image", ref)
	}
	return images.Get(id)
}

func parseArgs(args []string) ([]int32, error) {
	out := make([]int32, len(args))
	for i, a := range args {
		v, err := strconv.ParseInt(a, 0, 64)
		if err != nil || v < -1<<31 || v > 1<<32-1 {
			return nil, fmt.Errorf("argument %q is not a 32-bit integer", a)
		}
		out[i] = int32(v)
	}
	return out, nil
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	var vf vmFlags
	vf.register(fs)
	restore := fs.String("snapshot", "", "Restore the named snapshot before the call")
	save := fs.String("save", "", "Save a snapshot with this name after the call")
	remote := fs.String("remote", "", "Run on a runner service at this address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("missing image")
	}
	cfg, err := vf.resolve(fs)
	if err != nil {
		return err
	}
	callArgs, err := parseArgs(fs.Args()[1:])
	if err != nil {
		return err
	}

	if *remote != "" {
		return runRemote(*remote, &runner.RunRequest{
			Image:    fs.Arg(0),
			Args:     callArgs,
			Strategy: cfg.Strategy,
			Restore:  *restore,
			SaveAs:   *save,
		})
	}

	raw, err := readImage(cfg, fs.Arg(0))
	if err != nil {
		return err
	}
	opts, err := cfg.VMOptions()
	if err != nil {
		return err
	}
	opts.Logger = verboseLogger(cfg)

	out := log.New(os.Stdout, "", 0)
	vm, err := qvm.Load(raw, qsys.NewRegistry(qsys.NewLogContext(out)), opts)
	if err != nil {
		return err
	}
	defer vm.Close()

	var snaps *snapshot.Store
	if *restore != "" || *save != "" {
		if snaps, err = openSnapshots(cfg, opts.Logger); err != nil {
			return err
		}
		defer snaps.Close()
	}
	if *restore != "" {
		snap, err := snaps.Load(vm.ID(), *restore)
		if err != nil {
			return err
		}
		if err := snapshot.Apply(vm, snap); err != nil {
			return err
		}
	}

	start := time.Now()
	result, err := vm.Call(callArgs...)
	elapsed := time.Since(start)
	if err != nil {
		return fmt.Errorf("%s: %w", vm.ID().Short(), err)
	}

	fmt.Printf("result: %d (%#x)\n", result, uint32(result))
	if cfg.Verbose {
		log.Printf("%s: %s in %s, peak call depth %d, %d breaks",
			vm.ID().Short(), vm.Strategy(), elapsed, vm.LastCallDepth(), vm.BreakCount())
	}

	if *save != "" {
		if err := snaps.Save(snapshot.Capture(vm, *save)); err != nil {
			return err
		}
		fmt.Printf("saved snapshot %q\n", *save)
	}
	return nil
}

func runRemote(addr string, req *runner.RunRequest) error {
	client, err := runner.Dial(runner.DefaultClientConfig(addr))
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	resp, err := client.Run(ctx, req)
	if err != nil {
		return err
	}
	for _, line := range resp.Output {
		fmt.Println(line)
	}
	if resp.Failed() {
		return errors.New(resp.Trap)
	}
	fmt.Printf("result: %d (%#x)\n", resp.Result, uint32(resp.Result))
	if resp.Saved != "" {
		fmt.Printf("saved snapshot %q\n", resp.Saved)
	}
	return nil
}

func cmdValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	var vf vmFlags
	vf.register(fs)
	procs := fs.Bool("procs", false, "List every function")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("expected one image")
	}
	cfg, err := vf.resolve(fs)
	if err != nil {
		return err
	}
	raw, err := readImage(cfg, fs.Arg(0))
	if err != nil {
		return err
	}

	img, err := bytecode.Parse(raw)
	if err != nil {
		return err
	}
	prog, err := bytecode.Validate(img, bytecode.LoadOptions{StackSize: cfg.StackSize})
	if err != nil {
		return err
	}

	fmt.Printf("id:            %s\n", prog.ID)
	fmt.Printf("instructions:  %d\n", prog.Count())
	fmt.Printf("functions:     %d\n", len(prog.Procs))
	fmt.Printf("jump targets:  %d\n", len(img.JumpTargets))
	fmt.Printf("data segment:  %d bytes (%d initialised, %d bss)\n",
		prog.DataSize, len(img.Data), img.Header.BssLength)
	fmt.Printf("program stack: %d bytes\n", prog.StackSize)

	if *procs {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "START\tEND\tFRAME\tDEPTH")
		for _, p := range prog.Procs {
			fmt.Fprintf(w, "%d\t%d\t%d\t%d\n", p.Start, p.End, p.Frame, p.MaxDepth)
		}
		w.Flush()
	}
	return nil
}

func cmdImport(args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	var vf vmFlags
	vf.register(fs)
	name := fs.String("name", "", "Name to bind to the image")
	remote := fs.String("remote", "", "Import into a runner service at this address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("expected one image file")
	}
	cfg, err := vf.resolve(fs)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}

	if *remote != "" {
		client, err := runner.Dial(runner.DefaultClientConfig(*remote))
		if err != nil {
			return err
		}
		defer client.Close()
		info, err := client.Import(context.Background(), *name, raw)
		if err != nil {
			return err
		}
		fmt.Println(info.ID)
		return nil
	}

	images, err := openImages(cfg)
	if err != nil {
		return err
	}
	defer images.Close()
	meta, err := images.Put(*name, raw)
	if err != nil {
		return err
	}
	fmt.Println(meta.ID)
	return nil
}

func cmdList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	var vf vmFlags
	vf.register(fs)
	remote := fs.String("remote", "", "List the images of a runner service at this address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := vf.resolve(fs)
	if err != nil {
		return err
	}

	var infos []runner.ImageInfo
	if *remote != "" {
		client, err := runner.Dial(runner.DefaultClientConfig(*remote))
		if err != nil {
			return err
		}
		defer client.Close()
		if infos, err = client.List(context.Background()); err != nil {
			return err
		}
	} else {
		images, err := openImages(cfg)
		if err != nil {
			return err
		}
		defer images.Close()
		metas, err := images.List()
		if err != nil {
			return err
		}
		for _, m := range metas {
			infos = append(infos, runner.ImageInfo{
				ID:           m.ID.String(),
				Names:        m.Names,
				Size:         m.Size,
				Instructions: m.Instructions,
				DataSize:     m.DataSize,
			})
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAMES\tSIZE\tINSTRUCTIONS\tDATA")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%v\t%d\t%d\t%d\n", info.ID, info.Names, info.Size, info.Instructions, info.DataSize)
	}
	return w.Flush()
}

func cmdSnapshots(args []string) error {
	fs := flag.NewFlagSet("snapshots", flag.ContinueOnError)
	var vf vmFlags
	vf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("expected one image")
	}
	cfg, err := vf.resolve(fs)
	if err != nil {
		return err
	}
	raw, err := readImage(cfg, fs.Arg(0))
	if err != nil {
		return err
	}
	img, err := bytecode.Parse(raw)
	if err != nil {
		return err
	}

	snaps, err := openSnapshots(cfg, verboseLogger(cfg))
	if err != nil {
		return err
	}
	defer snaps.Close()
	infos, err := snaps.List(img.ID)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTAKEN\tSIZE\tSTORED\tDIGEST")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", info.Name, info.Taken.Format(time.RFC3339),
			info.Size, info.Stored, types.ImageID(info.Sum).Short())
	}
	return w.Flush()
}

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	var vf vmFlags
	vf.register(fs)
	addr := fs.String("addr", DefaultConfig().Serve.Addr, "Listen address")
	dash := fs.String("dashboard", "", "Status HTTP address (empty disables)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := vf.resolve(fs)
	if err != nil {
		return err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Serve.Addr = *addr
		case "dashboard":
			cfg.Serve.Dashboard = *dash
		}
	})

	opts, err := cfg.VMOptions()
	if err != nil {
		return err
	}
	opts.Logger = verboseLogger(cfg)

	images, err := openImages(cfg)
	if err != nil {
		return err
	}
	defer images.Close()
	snaps, err := openSnapshots(cfg, opts.Logger)
	if err != nil {
		return err
	}
	defer snaps.Close()

	rc := runner.DefaultConfig()
	rc.VM = opts
	rc.MaxConcurrent = cfg.Serve.MaxConcurrent
	rc.MaxOutputLines = cfg.Serve.MaxOutputLines
	rc.Logger = log.Default()
	srv := runner.NewServer(rc, images, snaps)

	lis, err := net.Listen("tcp", cfg.Serve.Addr)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Serve.Dashboard != "" {
		dc := dashboard.DefaultConfig()
		dc.Addr = cfg.Serve.Dashboard
		d := dashboard.New(dc, images, srv)
		go func() {
			log.Printf("Dashboard listening on %s", d.Address())
			if err := d.Start(ctx); err != nil {
				log.Printf("Dashboard error: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
		srv.Stop()
	}()

	log.Printf("Starting qvm runner %s", Version)
	return srv.Serve(lis)
}
