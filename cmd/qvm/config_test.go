package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fortiblox/qvm/pkg/qvm"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "qvm.toml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestLoadConfig checks that file values override the defaults.
func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
data_dir = "/var/lib/qvm"
strategy = "interpreted"
stack_size = 4096

[serve]
addr = "0.0.0.0:9000"
dashboard = "127.0.0.1:9001"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	want := DefaultConfig()
	want.DataDir = "/var/lib/qvm"
	want.Strategy = "interpreted"
	want.StackSize = 4096
	want.Serve.Addr = "0.0.0.0:9000"
	want.Serve.Dashboard = "127.0.0.1:9001"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

// TestLoadConfigErrors checks unknown keys and bad files.
func TestLoadConfigErrors(t *testing.T) {
	if _, err := LoadConfig(writeConfig(t, "stratgy = \"jit\"\n")); err == nil {
		t.Error("unknown key accepted")
	}
	if _, err := LoadConfig(writeConfig(t, "strategy = \n")); err == nil {
		t.Error("malformed file accepted")
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("missing file accepted")
	}
	cfg, err := LoadConfig("")
	if err != nil || cfg != DefaultConfig() {
		t.Errorf("empty path = %+v, %v", cfg, err)
	}
}

// TestFlagsOverrideConfig checks that only explicitly set flags win over
// the file.
func TestFlagsOverrideConfig(t *testing.T) {
	path := writeConfig(t, "strategy = \"interpreted\"\ncheck_data = false\nstack_size = 4096\n")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var vf vmFlags
	vf.register(fs)
	if err := fs.Parse([]string{"-config", path, "-stack", "8192", "-v"}); err != nil {
		t.Fatal(err)
	}
	cfg, err := vf.resolve(fs)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Strategy != "interpreted" || cfg.CheckData {
		t.Errorf("file values lost: %+v", cfg)
	}
	if cfg.StackSize != 8192 || !cfg.Verbose {
		t.Errorf("flags not applied: %+v", cfg)
	}

	opts, err := cfg.VMOptions()
	if err != nil {
		t.Fatal(err)
	}
	if opts.Strategy != qvm.Interpreted || opts.StackSize != 8192 || !opts.Fallback {
		t.Errorf("options = %+v", opts)
	}
}

// TestParseArgs checks call argument parsing.
func TestParseArgs(t *testing.T) {
	got, err := parseArgs([]string{"1", "-2", "0x10", "0xffffffff"})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int32{1, -2, 16, -1}, got); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}
	for _, bad := range []string{"x", "0x100000000", "-2147483649"} {
		if _, err := parseArgs([]string{bad}); err == nil {
			t.Errorf("%q accepted", bad)
		}
	}
}
