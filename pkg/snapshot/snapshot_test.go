package snapshot

import (
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/go-cmp/cmp"

	"github.com/fortiblox/qvm/internal/qvmtest"
	"github.com/fortiblox/qvm/internal/types"
	"github.com/fortiblox/qvm/pkg/qvm"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig("")
	cfg.InMemory = true
	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("failed to open snapshot store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// counterSource increments the word at address 0 and returns it.
const counterSource = `
	ENTER 8
	CONST 0
	CONST 0
	LOAD4
	CONST 1
	ADD
	STORE4
	CONST 0
	LOAD4
	LEAVE 8
`

// TestSaveLoad checks storage round trips and listing.
func TestSaveLoad(t *testing.T) {
	store := openStore(t)
	id := types.ComputeImageID([]byte("image"))
	other := types.ComputeImageID([]byte("other"))

	data := make([]byte, 1<<16)
	for i := range data[:256] {
		data[i] = byte(i)
	}
	taken := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for _, name := range []string{"b", "a"} {
		if err := store.Save(&Snapshot{ImageID: id, Name: name, Taken: taken, Breaks: 3, Data: data}); err != nil {
			t.Fatalf("Save(%s): %v", name, err)
		}
	}
	if err := store.Save(&Snapshot{ImageID: other, Name: "a", Data: []byte{1}}); err != nil {
		t.Fatal(err)
	}

	got, err := store.Load(id, "a")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := &Snapshot{ImageID: id, Name: "a", Taken: taken, Breaks: 3, Data: data}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("snapshot (-want +got):\n%s", diff)
	}

	infos, err := store.List(id)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, info := range infos {
		names = append(names, info.Name)
		if info.Size != len(data) || info.Stored >= info.Size {
			t.Errorf("%s: size %d stored %d", info.Name, info.Size, info.Stored)
		}
	}
	if diff := cmp.Diff([]string{"a", "b"}, names); diff != "" {
		t.Errorf("names (-want +got):\n%s", diff)
	}

	if _, err := store.Load(id, "c"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load(c) error %v", err)
	}
	if err := store.Save(&Snapshot{ImageID: id}); !errors.Is(err, ErrInvalidName) {
		t.Errorf("Save without name error %v", err)
	}
}

// TestDelete checks single and per-image deletion.
func TestDelete(t *testing.T) {
	store := openStore(t)
	id := types.ComputeImageID([]byte("image"))
	other := types.ComputeImageID([]byte("other"))
	for _, name := range []string{"x", "y", "z"} {
		store.Save(&Snapshot{ImageID: id, Name: name, Data: []byte(name)})
	}
	store.Save(&Snapshot{ImageID: other, Name: "x", Data: []byte("keep")})

	if err := store.Delete(id, "y"); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(id, "y"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete error %v", err)
	}

	n, err := store.DeleteImage(id)
	if err != nil || n != 2 {
		t.Errorf("DeleteImage = %d, %v; want 2", n, err)
	}
	if infos, _ := store.List(id); len(infos) != 0 {
		t.Errorf("%d snapshots left", len(infos))
	}
	if _, err := store.Load(other, "x"); err != nil {
		t.Errorf("other image's snapshot removed: %v", err)
	}
}

// TestCaptureApply checks snapshotting a live VM and restoring it.
func TestCaptureApply(t *testing.T) {
	store := openStore(t)
	opts := qvm.DefaultOptions()
	opts.Strategy = qvm.Interpreted
	vm, err := qvm.Load(qvmtest.Program(counterSource), nil, opts)
	if err != nil {
		t.Fatal(err)
	}
	defer vm.Close()

	vm.Call()
	vm.Call()
	if err := store.Save(Capture(vm, "two")); err != nil {
		t.Fatal(err)
	}
	vm.Call()

	snap, err := store.Load(vm.ID(), "two")
	if err != nil {
		t.Fatal(err)
	}
	if err := Apply(vm, snap); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got, _ := vm.Call(); got != 3 {
		t.Errorf("call after apply = %d, want 3", got)
	}

	snap.ImageID = types.ComputeImageID(nil)
	if err := Apply(vm, snap); !errors.Is(err, ErrImageMismatch) {
		t.Errorf("Apply to other image error %v", err)
	}
}

// TestClosed checks operations on a closed store.
func TestClosed(t *testing.T) {
	store := openStore(t)
	store.Close()
	if err := store.Save(&Snapshot{Name: "a"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Save error %v", err)
	}
	if _, err := store.List(types.ImageID{}); !errors.Is(err, ErrClosed) {
		t.Errorf("List error %v", err)
	}
}

// TestCorruptRecord checks that damaged records are reported as corrupt
// instead of being decoded.
func TestCorruptRecord(t *testing.T) {
	store := openStore(t)
	id := types.ComputeImageID([]byte("image"))

	encode := func(rec record) []byte {
		b, err := cbor.Marshal(rec)
		if err != nil {
			t.Fatal(err)
		}
		return b
	}
	packed := store.enc.EncodeAll([]byte{1, 2, 3, 4}, nil)

	tests := []struct {
		name  string
		value []byte
	}{
		{"garbage", []byte{0xff, 0x00, 0x13}},
		{"negative size", encode(record{ImageID: id, Name: "negative size", Size: -1, Data: packed})},
		{"oversized", encode(record{ImageID: id, Name: "oversized", Size: 1 << 30, Data: packed})},
		{"bad digest", encode(record{ImageID: id, Name: "bad digest", Size: 4, Data: packed})},
		{"bad data", encode(record{ImageID: id, Name: "bad data", Size: 4, Data: []byte("not zstd")})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.db.Update(func(txn *badger.Txn) error {
				return txn.Set(snapshotKey(id, tt.name), tt.value)
			})
			if err != nil {
				t.Fatal(err)
			}
			if _, err := store.Load(id, tt.name); !errors.Is(err, ErrCorrupt) {
				t.Errorf("Load error %v, want ErrCorrupt", err)
			}
		})
	}
}
