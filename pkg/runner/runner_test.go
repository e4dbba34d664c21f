package runner

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/fortiblox/qvm/internal/qvmtest"
	"github.com/fortiblox/qvm/pkg/imagestore"
	"github.com/fortiblox/qvm/pkg/qvm"
	"github.com/fortiblox/qvm/pkg/snapshot"
)

// counterSource adds its argument to the word at address 0, prints the
// string at 16 and returns the new total.
const counterSource = `
	ENTER 16
	CONST 0
	CONST 0
	LOAD4
	LOCAL 24
	LOAD4
	ADD
	STORE4
	CONST 16
	ARG 8
	CONST -1
	CALL
	POP
	CONST 0
	LOAD4
	LEAVE 16
`

func startServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	images, err := imagestore.Open(imagestore.DefaultConfig(filepath.Join(t.TempDir(), "images.db")))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { images.Close() })

	snapCfg := snapshot.DefaultConfig("")
	snapCfg.InMemory = true
	snaps, err := snapshot.Open(snapCfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { snaps.Close() })

	config := DefaultConfig()
	config.VM.Strategy = qvm.Interpreted
	srv := NewServer(config, images, snaps)

	lis := bufconn.Listen(1 << 20)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	client, err := Dial(DefaultClientConfig("bufnet"),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { client.Close() })
	return srv, client
}

func counterImage() []byte {
	data := make([]byte, 16)
	return qvmtest.MustBuild(qvmtest.Image{
		Source: counterSource,
		Data:   append(data, "tick\x00\x00\x00\x00"...),
	})
}

// TestRunner exercises import, list, run and snapshots over gRPC.
func TestRunner(t *testing.T) {
	_, client := startServer(t)
	ctx := context.Background()

	info, err := client.Import(ctx, "counter", counterImage())
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if info.Instructions != 16 {
		t.Errorf("Instructions = %d, want 16", info.Instructions)
	}

	images, err := client.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(images) != 1 || !cmp.Equal(images[0].Names, []string{"counter"}) {
		t.Errorf("List = %+v", images)
	}

	resp, err := client.Run(ctx, &RunRequest{Image: "counter", Args: []int32{5}, SaveAs: "five"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Failed() || resp.Result != 5 || resp.Saved != "five" {
		t.Errorf("Run = %+v", resp)
	}
	if diff := cmp.Diff([]string{"tick"}, resp.Output); diff != "" {
		t.Errorf("output (-want +got):\n%s", diff)
	}

	for _, strategy := range []string{"interpreted", "compiled"} {
		resp, err = client.Run(ctx, &RunRequest{Image: info.ID, Args: []int32{2}, Restore: "five", Strategy: strategy})
		if err != nil {
			t.Fatalf("%s: Run from snapshot: %v", strategy, err)
		}
		if resp.Result != 7 {
			t.Errorf("%s: result from snapshot = %d, want 7", strategy, resp.Result)
		}
	}
}

// TestRunErrors checks status codes and trap reporting.
func TestRunErrors(t *testing.T) {
	srv, client := startServer(t)
	ctx := context.Background()

	if _, err := client.Import(ctx, "bad", qvmtest.Program("ENTER 8\nLEAVE 8")); status.Code(err) != codes.InvalidArgument {
		t.Errorf("Import invalid image: %v", err)
	}
	if _, err := client.Run(ctx, &RunRequest{Image: "missing"}); status.Code(err) != codes.NotFound {
		t.Errorf("Run missing image: %v", err)
	}

	if _, err := client.Import(ctx, "div", qvmtest.Program("ENTER 8\nCONST 1\nLOCAL 16\nLOAD4\nDIVI\nLEAVE 8")); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Run(ctx, &RunRequest{Image: "div", Strategy: "quantum"}); status.Code(err) != codes.InvalidArgument {
		t.Errorf("Run with unknown strategy: %v", err)
	}
	if _, err := client.Run(ctx, &RunRequest{Image: "div", Restore: "nope"}); status.Code(err) != codes.NotFound {
		t.Errorf("Run with missing snapshot: %v", err)
	}

	resp, err := client.Run(ctx, &RunRequest{Image: "div", Args: []int32{0}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !resp.Failed() || !strings.Contains(resp.Trap, "divide by zero") || resp.TrapIP != 4 {
		t.Errorf("trap response %+v", resp)
	}

	st := srv.Stats()
	if st.Runs != 1 || st.Traps != 1 || st.Active != 0 || st.Cached != 1 {
		t.Errorf("Stats = %+v", st)
	}
}

// TestModuleCache checks that each image is prepared once per requested
// strategy and that every run still starts from the image's data.
func TestModuleCache(t *testing.T) {
	srv, client := startServer(t)
	ctx := context.Background()

	if _, err := client.Import(ctx, "counter", counterImage()); err != nil {
		t.Fatal(err)
	}
	for i, strategy := range []string{"", "interpreted", "compiled", "compiled"} {
		resp, err := client.Run(ctx, &RunRequest{Image: "counter", Args: []int32{3}, Strategy: strategy})
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if resp.Result != 3 {
			t.Errorf("run %d (%q) = %d, want 3", i, strategy, resp.Result)
		}
	}
	if st := srv.Stats(); st.Cached != 2 || st.Runs != 4 {
		t.Errorf("Stats = %+v, want 2 cached modules after 4 runs", st)
	}

	srv.Stop()
	if st := srv.Stats(); st.Cached != 0 {
		t.Errorf("Cached after Stop = %d, want 0", st.Cached)
	}
}
