// Package runner exposes qvm execution as a gRPC service.
//
// The service loads images from an imagestore, runs one call per request in
// a fresh VM and can start from, or save, a data-segment snapshot. Each image
// is validated and compiled once per strategy; the prepared module is shared
// by every VM created for it. Messages
// are CBOR-encoded; the service descriptor is written by hand so no
// generated code is needed.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/fortiblox/qvm/internal/types"
	"github.com/fortiblox/qvm/pkg/imagestore"
	"github.com/fortiblox/qvm/pkg/qvm"
	"github.com/fortiblox/qvm/pkg/qvm/bytecode"
	"github.com/fortiblox/qvm/pkg/qvm/machine"
	"github.com/fortiblox/qvm/pkg/qvm/syscall"
	"github.com/fortiblox/qvm/pkg/snapshot"
)

const serviceName = "qvm.Runner"

// Config holds service configuration.
type Config struct {
	// VM is the template for every VM the service creates. Strategy is the
	// default when a request names none.
	VM qvm.Options

	// MaxConcurrent bounds the number of calls executing at once.
	MaxConcurrent int

	// MaxOutputLines bounds the print output returned per call.
	MaxOutputLines int

	// MaxMessageSize bounds request and response sizes.
	MaxMessageSize int

	// Logger receives request and error logs. Nil disables logging.
	Logger *log.Logger
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() Config {
	return Config{
		VM:             qvm.DefaultOptions(),
		MaxConcurrent:  8,
		MaxOutputLines: 256,
		MaxMessageSize: 64 << 20,
	}
}

// runnerServer is the service interface registered with gRPC.
type runnerServer interface {
	Run(context.Context, *RunRequest) (*RunResponse, error)
	Import(context.Context, *ImportRequest) (*ImageInfo, error)
	List(context.Context, *ListRequest) (*ListResponse, error)
}

// Server implements the runner service.
type Server struct {
	config Config
	images *imagestore.Store
	snaps  *snapshot.Store
	slots  chan struct{}

	mu      sync.Mutex
	modules map[moduleKey]*qvm.Module
	grpc    *grpc.Server

	started time.Time
	runs    atomic.Uint64
	traps   atomic.Uint64
	active  atomic.Int64
	micros  atomic.Uint64
}

// Stats is a point-in-time view of service activity.
type Stats struct {
	Uptime  time.Duration
	Runs    uint64 // completed calls, including trapped ones
	Traps   uint64
	Active  int64 // calls executing now
	Cached  int   // prepared modules held in memory
	AvgCall time.Duration
}

// Stats returns the current service counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	cached := len(s.modules)
	s.mu.Unlock()

	st := Stats{
		Uptime: time.Since(s.started),
		Runs:   s.runs.Load(),
		Traps:  s.traps.Load(),
		Active: s.active.Load(),
		Cached: cached,
	}
	if st.Runs > 0 {
		st.AvgCall = time.Duration(s.micros.Load()/st.Runs) * time.Microsecond
	}
	return st
}

// NewServer creates a service over images. snaps may be nil, in which case
// requests naming snapshots are rejected.
func NewServer(config Config, images *imagestore.Store, snaps *snapshot.Store) *Server {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 1
	}
	return &Server{
		config:   config,
		images:   images,
		snaps:    snaps,
		slots:    make(chan struct{}, config.MaxConcurrent),
		modules:  make(map[moduleKey]*qvm.Module),
		started:  time.Now(),
	}
}

func (s *Server) logf(format string, args ...interface{}) {
	if s.config.Logger != nil {
		s.config.Logger.Printf(format, args...)
	}
}

// Register adds the service to a gRPC server.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	g := grpc.NewServer(
		grpc.ForceServerCodec(codec{}),
		grpc.MaxRecvMsgSize(s.config.MaxMessageSize),
		grpc.MaxSendMsgSize(s.config.MaxMessageSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    time.Minute,
			Timeout: 20 * time.Second,
		}),
	)
	s.Register(g)

	s.mu.Lock()
	s.grpc = g
	s.mu.Unlock()

	s.logf("runner: serving on %s", lis.Addr())
	return g.Serve(lis)
}

// Stop waits for running calls, stops serving and releases cached modules.
func (s *Server) Stop() {
	s.mu.Lock()
	g := s.grpc
	s.mu.Unlock()
	if g != nil {
		g.GracefulStop()
	}

	s.mu.Lock()
	modules := s.modules
	s.modules = make(map[moduleKey]*qvm.Module)
	s.mu.Unlock()
	for _, m := range modules {
		m.Close()
	}
}

// moduleKey identifies a prepared module by the strategy requested, not the
// one in use after fallback.
type moduleKey struct {
	id       types.ImageID
	strategy qvm.Strategy
}

// module returns the prepared module for id, validating and compiling the
// image on first use.
func (s *Server) module(id types.ImageID, opts qvm.Options) (*qvm.Module, error) {
	key := moduleKey{id, opts.Strategy}
	s.mu.Lock()
	m, ok := s.modules[key]
	s.mu.Unlock()
	if ok {
		return m, nil
	}

	var prog *bytecode.Program
	s.mu.Lock()
	for k, other := range s.modules {
		if k.id == id {
			prog = other.Program()
			break
		}
	}
	s.mu.Unlock()

	if prog == nil {
		raw, err := s.images.Get(id)
		if err != nil {
			return nil, err
		}
		prog, err = bytecode.Load(raw, bytecode.LoadOptions{StackSize: opts.StackSize})
		if err != nil {
			return nil, err
		}
	}
	m, err := qvm.Prepare(prog, opts)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// lost a race with a concurrent first request
	if other, ok := s.modules[key]; ok {
		m.Close()
		return other, nil
	}
	s.modules[key] = m
	return m, nil
}

// Run implements the Run method.
func (s *Server) Run(ctx context.Context, req *RunRequest) (*RunResponse, error) {
	if len(req.Args) > bytecode.MaxArgs {
		return nil, status.Errorf(codes.InvalidArgument, "%d arguments, at most %d", len(req.Args), bytecode.MaxArgs)
	}
	if (req.Restore != "" || req.SaveAs != "") && s.snaps == nil {
		return nil, status.Error(codes.FailedPrecondition, "snapshots not enabled")
	}

	opts := s.config.VM
	if req.Strategy != "" {
		strategy, err := qvm.ParseStrategy(req.Strategy)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		opts.Strategy = strategy
	}

	id, err := s.images.Lookup(req.Image)
	if err != nil {
		return nil, toStatus(err)
	}
	mod, err := s.module(id, opts)
	if err != nil {
		return nil, toStatus(err)
	}

	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}

	out := &output{start: time.Now(), limit: s.config.MaxOutputLines}
	vm := mod.NewVM(syscall.NewRegistry(out))
	defer vm.Close()

	if req.Restore != "" {
		snap, err := s.snaps.Load(id, req.Restore)
		if err != nil {
			return nil, toStatus(err)
		}
		if err := snapshot.Apply(vm, snap); err != nil {
			return nil, toStatus(err)
		}
	}

	s.active.Add(1)
	start := time.Now()
	result, callErr := vm.Call(req.Args...)
	elapsed := time.Since(start)
	s.active.Add(-1)
	s.runs.Add(1)
	s.micros.Add(uint64(elapsed.Microseconds()))

	resp := &RunResponse{
		ImageID:   id.String(),
		Strategy:  vm.Strategy().String(),
		Result:    result,
		Breaks:    vm.BreakCount(),
		CallDepth: vm.LastCallDepth(),
		Output:    out.lines,
		Micros:    elapsed.Microseconds(),
	}

	if callErr != nil {
		s.traps.Add(1)
		resp.Trap = callErr.Error()
		resp.TrapIP = -1
		var tr *machine.Trap
		if errors.As(callErr, &tr) {
			resp.TrapIP = tr.IP
		}
		s.logf("runner: %s: %v", id.Short(), callErr)
		return resp, nil
	}

	if req.SaveAs != "" {
		if err := s.snaps.Save(snapshot.Capture(vm, req.SaveAs)); err != nil {
			return nil, toStatus(err)
		}
		resp.Saved = req.SaveAs
	}
	return resp, nil
}

// Import implements the Import method.
func (s *Server) Import(ctx context.Context, req *ImportRequest) (*ImageInfo, error) {
	meta, err := s.images.Put(req.Name, req.Image)
	if err != nil {
		return nil, toStatus(err)
	}
	s.logf("runner: imported %s (%d instructions)", meta.ID.Short(), meta.Instructions)
	return imageInfo(meta), nil
}

// List implements the List method.
func (s *Server) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	metas, err := s.images.List()
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &ListResponse{}
	for i := range metas {
		resp.Images = append(resp.Images, *imageInfo(&metas[i]))
	}
	return resp, nil
}

func imageInfo(m *imagestore.Meta) *ImageInfo {
	return &ImageInfo{
		ID:           m.ID.String(),
		Names:        m.Names,
		Size:         m.Size,
		Instructions: m.Instructions,
		DataSize:     m.DataSize,
	}
}

// toStatus maps package errors to gRPC status codes.
func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, imagestore.ErrNotFound), errors.Is(err, snapshot.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, bytecode.ErrInvalidProgram),
		errors.Is(err, bytecode.ErrInvalidMagic),
		errors.Is(err, bytecode.ErrInvalidHeader),
		errors.Is(err, bytecode.ErrTruncated),
		errors.Is(err, bytecode.ErrTooLarge),
		errors.Is(err, imagestore.ErrInvalidName),
		errors.Is(err, snapshot.ErrInvalidName):
		code = codes.InvalidArgument
	case errors.Is(err, snapshot.ErrImageMismatch), errors.Is(err, qvm.ErrSnapshotSize), errors.Is(err, snapshot.ErrCorrupt):
		code = codes.FailedPrecondition
	case errors.Is(err, imagestore.ErrClosed), errors.Is(err, snapshot.ErrClosed):
		code = codes.Unavailable
	}
	return status.Error(code, err.Error())
}

// output collects program output for one call.
type output struct {
	start time.Time
	limit int
	lines []string
}

func (o *output) Print(msg string) {
	if len(o.lines) < o.limit {
		o.lines = append(o.lines, msg)
	}
}

func (o *output) Milliseconds() int32 {
	return int32(time.Since(o.start).Milliseconds())
}

func runHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RunRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(runnerServer).Run(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRun}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(runnerServer).Run(ctx, req.(*RunRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func importHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ImportRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(runnerServer).Import(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodImport}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(runnerServer).Import(ctx, req.(*ImportRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func listHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ListRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(runnerServer).List(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodList}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(runnerServer).List(ctx, req.(*ListRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var (
	methodRun    = fmt.Sprintf("/%s/Run", serviceName)
	methodImport = fmt.Sprintf("/%s/Import", serviceName)
	methodList   = fmt.Sprintf("/%s/List", serviceName)
)

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*runnerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Run", Handler: runHandler},
		{MethodName: "Import", Handler: importHandler},
		{MethodName: "List", Handler: listHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "qvm/runner",
}
