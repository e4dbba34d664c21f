// Package dashboard serves a read-only JSON view of a running qvm service.
//
// Routes:
//
//	GET /api/status          service counters
//	GET /api/images          stored images
//	GET /api/images/{ref}    one image, by name or id
//	GET /api/metrics         runtime and store statistics
//	GET /health              liveness probe
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fortiblox/qvm/pkg/imagestore"
	"github.com/fortiblox/qvm/pkg/runner"
)

// Config holds dashboard configuration options.
type Config struct {
	// Addr is the listen address.
	// Default: "127.0.0.1:7421"
	Addr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns the default dashboard configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:7421",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// StatsSource provides service counters. *runner.Server implements it.
type StatsSource interface {
	Stats() runner.Stats
}

// Dashboard is the status HTTP server.
type Dashboard struct {
	config Config
	images *imagestore.Store
	stats  StatsSource
	server *http.Server

	mu      sync.Mutex
	running bool
}

// New creates a dashboard. stats may be nil when no service is running.
func New(config Config, images *imagestore.Store, stats StatsSource) *Dashboard {
	def := DefaultConfig()
	if config.Addr == "" {
		config.Addr = def.Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	return &Dashboard{config: config, images: images, stats: stats}
}

// Handler returns the dashboard routes.
func (d *Dashboard) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", d.handleHealth)
	mux.HandleFunc("/api/status", d.handleStatus)
	mux.HandleFunc("/api/images", d.handleImages)
	mux.HandleFunc("/api/images/", d.handleImage)
	mux.HandleFunc("/api/metrics", d.handleMetrics)
	return mux
}

// Start serves until ctx is done or Stop is called.
func (d *Dashboard) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dashboard already running")
	}
	d.running = true
	d.server = &http.Server{
		Addr:         d.config.Addr,
		Handler:      d.Handler(),
		ReadTimeout:  d.config.ReadTimeout,
		WriteTimeout: d.config.WriteTimeout,
		IdleTimeout:  d.config.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	srv := d.server
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.Stop()
	}()

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server.
func (d *Dashboard) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	srv := d.server
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// Address returns the listen address.
func (d *Dashboard) Address() string {
	return d.config.Addr
}

// StatusResponse is the response for GET /api/status.
type StatusResponse struct {
	Running       bool    `json:"running"`
	Uptime        string  `json:"uptime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	Runs          uint64  `json:"runs"`
	Traps         uint64  `json:"traps"`
	Active        int64   `json:"active"`
	Cached        int     `json:"cachedModules"`
	AvgCallMicros int64   `json:"avgCallMicros"`
}

// ImageResponse describes one stored image.
type ImageResponse struct {
	ID           string   `json:"id"`
	Names        []string `json:"names,omitempty"`
	Size         int      `json:"size"`
	Stored       int      `json:"stored"`
	Instructions int32    `json:"instructions"`
	Procs        int      `json:"procs"`
	DataSize     int32    `json:"dataSize"`
	JumpTargets  int      `json:"jumpTargets"`
	Added        string   `json:"added"`
}

// MetricsResponse is the response for GET /api/metrics.
type MetricsResponse struct {
	MemAlloc     uint64 `json:"memAlloc"`
	MemSys       uint64 `json:"memSys"`
	NumGC        uint32 `json:"numGC"`
	NumGoroutine int    `json:"numGoroutine"`
	NumCPU       int    `json:"numCPU"`
	GoVersion    string `json:"goVersion"`

	Images       int    `json:"images"`
	Names        int    `json:"names"`
	RawBytes     int64  `json:"rawBytes"`
	StoredBytes  int64  `json:"storedBytes"`
	DatabaseSize string `json:"databaseSize"`
}

func (d *Dashboard) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

func (d *Dashboard) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var resp StatusResponse
	if d.stats != nil {
		st := d.stats.Stats()
		resp = StatusResponse{
			Running:       true,
			Uptime:        formatDuration(st.Uptime),
			UptimeSeconds: st.Uptime.Seconds(),
			Runs:          st.Runs,
			Traps:         st.Traps,
			Active:        st.Active,
			Cached:        st.Cached,
			AvgCallMicros: st.AvgCall.Microseconds(),
		}
	}
	writeJSON(w, resp)
}

func (d *Dashboard) handleImages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	metas, err := d.images.List()
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := make([]ImageResponse, len(metas))
	for i := range metas {
		resp[i] = imageResponse(&metas[i])
	}
	writeJSON(w, resp)
}

func (d *Dashboard) handleImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ref := strings.TrimPrefix(r.URL.Path, "/api/images/")
	if ref == "" {
		writeError(w, "Missing image reference", http.StatusBadRequest)
		return
	}
	id, err := d.images.Lookup(ref)
	if err != nil {
		writeError(w, "Image not found", http.StatusNotFound)
		return
	}
	meta, err := d.images.Meta(id)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, imageResponse(meta))
}

func (d *Dashboard) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	resp := MetricsResponse{
		MemAlloc:     m.Alloc,
		MemSys:       m.Sys,
		NumGC:        m.NumGC,
		NumGoroutine: runtime.NumGoroutine(),
		NumCPU:       runtime.NumCPU(),
		GoVersion:    runtime.Version(),
	}
	if st, err := d.images.Stats(); err == nil {
		resp.Images = st.Images
		resp.Names = st.Names
		resp.RawBytes = st.RawBytes
		resp.StoredBytes = st.StoredBytes
		resp.DatabaseSize = formatBytes(st.DatabaseSize)
	}
	writeJSON(w, resp)
}

func imageResponse(m *imagestore.Meta) ImageResponse {
	return ImageResponse{
		ID:           m.ID.String(),
		Names:        m.Names,
		Size:         m.Size,
		Stored:       m.Stored,
		Instructions: m.Instructions,
		Procs:        m.Procs,
		DataSize:     m.DataSize,
		JumpTargets:  m.JumpTargets,
		Added:        m.Added.UTC().Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dd %dh", int(d.Hours()/24), int(d.Hours())%24)
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
