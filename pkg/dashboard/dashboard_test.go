package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/fortiblox/qvm/internal/qvmtest"
	"github.com/fortiblox/qvm/internal/types"
	"github.com/fortiblox/qvm/pkg/imagestore"
	"github.com/fortiblox/qvm/pkg/runner"
)

type fixedStats runner.Stats

func (f fixedStats) Stats() runner.Stats { return runner.Stats(f) }

var addImage = qvmtest.Program("ENTER 8\nCONST 5\nCONST 3\nADD\nLEAVE 8")

func newTestDashboard(t *testing.T, stats StatsSource) *Dashboard {
	t.Helper()
	images, err := imagestore.Open(imagestore.DefaultConfig(filepath.Join(t.TempDir(), "images.db")))
	if err != nil {
		t.Fatalf("Failed to open image store: %v", err)
	}
	t.Cleanup(func() { images.Close() })
	if _, err := images.Put("add", addImage); err != nil {
		t.Fatalf("Failed to put image: %v", err)
	}
	return New(DefaultConfig(), images, stats)
}

func get(t *testing.T, d *Dashboard, path string, out interface{}) int {
	t.Helper()
	w := httptest.NewRecorder()
	d.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	resp := w.Result()
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

// TestStatus checks that service counters are reported.
func TestStatus(t *testing.T) {
	d := newTestDashboard(t, fixedStats{
		Uptime:  90 * time.Second,
		Runs:    12,
		Traps:   2,
		Active:  1,
		Cached:  3,
		AvgCall: 250 * time.Microsecond,
	})

	var status StatusResponse
	if code := get(t, d, "/api/status", &status); code != http.StatusOK {
		t.Fatalf("status code %d", code)
	}
	want := StatusResponse{
		Running:       true,
		Uptime:        "1m 30s",
		UptimeSeconds: 90,
		Runs:          12,
		Traps:         2,
		Active:        1,
		Cached:        3,
		AvgCallMicros: 250,
	}
	if status != want {
		t.Errorf("status = %+v, want %+v", status, want)
	}

	idle := newTestDashboard(t, nil)
	status = StatusResponse{}
	get(t, idle, "/api/status", &status)
	if status.Running {
		t.Error("dashboard without a service reports running")
	}
}

// TestImages checks listing and lookup by name and id.
func TestImages(t *testing.T) {
	d := newTestDashboard(t, nil)
	id := types.ComputeImageID(addImage)

	var list []ImageResponse
	if code := get(t, d, "/api/images", &list); code != http.StatusOK {
		t.Fatalf("status code %d", code)
	}
	if len(list) != 1 || list[0].ID != id.String() || list[0].Instructions != 5 {
		t.Fatalf("images = %+v", list)
	}

	for _, ref := range []string{"add", id.String()} {
		var img ImageResponse
		if code := get(t, d, "/api/images/"+ref, &img); code != http.StatusOK {
			t.Fatalf("%s: status code %d", ref, code)
		}
		if img.ID != id.String() || len(img.Names) != 1 || img.Names[0] != "add" {
			t.Errorf("%s: image = %+v", ref, img)
		}
	}

	if code := get(t, d, "/api/images/missing", nil); code != http.StatusNotFound {
		t.Errorf("missing image: status code %d", code)
	}
	if code := get(t, d, "/api/images/", nil); code != http.StatusBadRequest {
		t.Errorf("empty reference: status code %d", code)
	}
}

// TestMetrics checks that store statistics are included.
func TestMetrics(t *testing.T) {
	d := newTestDashboard(t, nil)
	var m MetricsResponse
	if code := get(t, d, "/api/metrics", &m); code != http.StatusOK {
		t.Fatalf("status code %d", code)
	}
	if m.Images != 1 || m.Names != 1 || m.RawBytes != int64(len(addImage)) {
		t.Errorf("metrics = %+v", m)
	}
	if m.NumCPU == 0 || m.GoVersion == "" {
		t.Error("runtime fields not filled")
	}
}

// TestMethodNotAllowed checks that API routes reject writes.
func TestMethodNotAllowed(t *testing.T) {
	d := newTestDashboard(t, nil)
	for _, path := range []string{"/api/status", "/api/images", "/api/images/add", "/api/metrics"} {
		w := httptest.NewRecorder()
		d.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, nil))
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST %s: status code %d", path, w.Code)
		}
	}
}

// TestFormatHelpers checks the display formatting.
func TestFormatHelpers(t *testing.T) {
	durations := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{5*time.Minute + 30*time.Second, "5m 30s"},
		{2*time.Hour + 30*time.Minute, "2h 30m"},
		{50 * time.Hour, "2d 2h"},
	}
	for _, tt := range durations {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}

	sizes := []struct {
		n    int64
		want string
	}{
		{500, "500 B"},
		{1536, "1.5 KB"},
		{3 << 20, "3.0 MB"},
	}
	for _, tt := range sizes {
		if got := formatBytes(tt.n); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}
