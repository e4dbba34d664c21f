package imagestore

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fortiblox/qvm/internal/qvmtest"
	"github.com/fortiblox/qvm/internal/types"
	"github.com/fortiblox/qvm/pkg/qvm/bytecode"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(DefaultConfig(filepath.Join(t.TempDir(), "images.db")))
	if err != nil {
		t.Fatalf("failed to open image store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

var (
	addImage = qvmtest.Program("ENTER 8\nCONST 5\nCONST 3\nADD\nLEAVE 8")
	subImage = qvmtest.MustBuild(qvmtest.Image{
		Source: "ENTER 8\nCONST 5\nCONST 3\nSUB\nLEAVE 8",
		Data:   make([]byte, 1024),
	})
)

// TestImageStore exercises put, get, names and delete.
func TestImageStore(t *testing.T) {
	store := openStore(t)

	t.Run("Put", func(t *testing.T) {
		meta, err := store.Put("add", addImage)
		if err != nil {
			t.Fatalf("failed to put image: %v", err)
		}
		if meta.ID != types.ComputeImageID(addImage) {
			t.Errorf("ID = %s", meta.ID)
		}
		if meta.Instructions != 5 || meta.Procs != 1 || meta.Size != len(addImage) {
			t.Errorf("meta = %+v", meta)
		}
	})

	t.Run("PutCompressed", func(t *testing.T) {
		packed, err := bytecode.Compress(subImage)
		if err != nil {
			t.Fatal(err)
		}
		meta, err := store.Put("sub", packed)
		if err != nil {
			t.Fatalf("failed to put compressed image: %v", err)
		}
		if meta.ID != types.ComputeImageID(subImage) {
			t.Error("compressed image stored under a different id")
		}
		if meta.Stored >= meta.Size {
			t.Errorf("stored %d bytes for %d", meta.Stored, meta.Size)
		}
	})

	t.Run("Get", func(t *testing.T) {
		id := types.ComputeImageID(subImage)
		raw, err := store.Get(id)
		if err != nil {
			t.Fatalf("failed to get image: %v", err)
		}
		if diff := cmp.Diff(subImage, raw); diff != "" {
			t.Errorf("image differs:\n%s", diff)
		}
	})

	t.Run("Resolve", func(t *testing.T) {
		id, err := store.Resolve("add")
		if err != nil || id != types.ComputeImageID(addImage) {
			t.Errorf("Resolve(add) = %s, %v", id, err)
		}
		if _, err := store.Resolve("missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Resolve(missing) error %v", err)
		}
		if _, err := store.Resolve(""); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Resolve(\"\") error %v", err)
		}
	})

	t.Run("Lookup", func(t *testing.T) {
		want := types.ComputeImageID(addImage)
		for _, ref := range []string{"add", want.String()} {
			if id, err := store.Lookup(ref); err != nil || id != want {
				t.Errorf("Lookup(%q) = %s, %v", ref, id, err)
			}
		}
		if _, err := store.Lookup(types.ComputeImageID(nil).String()); !errors.Is(err, ErrNotFound) {
			t.Errorf("Lookup of unknown id error %v", err)
		}
	})

	t.Run("Alias", func(t *testing.T) {
		if _, err := store.Put("plus", addImage); err != nil {
			t.Fatal(err)
		}
		meta, err := store.Meta(types.ComputeImageID(addImage))
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]string{"add", "plus"}, meta.Names); diff != "" {
			t.Errorf("names (-want +got):\n%s", diff)
		}
	})

	t.Run("List", func(t *testing.T) {
		list, err := store.List()
		if err != nil {
			t.Fatal(err)
		}
		var got [][]string
		for _, m := range list {
			got = append(got, m.Names)
		}
		want := [][]string{{"add", "plus"}, {"sub"}}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("names (-want +got):\n%s", diff)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		st, err := store.Stats()
		if err != nil {
			t.Fatal(err)
		}
		if st.Images != 2 || st.Names != 3 {
			t.Errorf("stats = %+v", st)
		}
		if st.RawBytes != int64(len(addImage)+len(subImage)) {
			t.Errorf("RawBytes = %d", st.RawBytes)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		id := types.ComputeImageID(addImage)
		if err := store.Delete(id); err != nil {
			t.Fatalf("failed to delete: %v", err)
		}
		if _, err := store.Get(id); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get after delete error %v", err)
		}
		if _, err := store.Resolve("plus"); !errors.Is(err, ErrNotFound) {
			t.Errorf("name survived delete: %v", err)
		}
		if err := store.Delete(id); !errors.Is(err, ErrNotFound) {
			t.Errorf("second delete error %v", err)
		}
	})

	t.Run("Unname", func(t *testing.T) {
		if err := store.Unname("sub"); err != nil {
			t.Fatal(err)
		}
		if _, err := store.Resolve("sub"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Resolve after unname error %v", err)
		}
		if _, err := store.Get(types.ComputeImageID(subImage)); err != nil {
			t.Errorf("image removed with its name: %v", err)
		}
	})
}

// TestPutRejectsInvalid checks that invalid images are never stored.
func TestPutRejectsInvalid(t *testing.T) {
	store := openStore(t)
	bad := qvmtest.Program("ENTER 8\nCONST 1\nCONST 2\nLEAVE 8")
	if _, err := store.Put("bad", bad); !errors.Is(err, bytecode.ErrInvalidProgram) {
		t.Errorf("Put error %v, want ErrInvalidProgram", err)
	}
	if _, err := store.Put("junk", []byte("not an image")); err == nil {
		t.Error("Put accepted junk")
	}
	list, _ := store.List()
	if len(list) != 0 {
		t.Errorf("store holds %d images", len(list))
	}
}

// TestReopen checks persistence across Open calls.
func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "images.db")
	store, err := Open(DefaultConfig(path))
	if err != nil {
		t.Fatal(err)
	}
	first, err := store.Put("add", addImage)
	if err != nil {
		t.Fatal(err)
	}
	store.Close()

	if _, err := store.Get(first.ID); !errors.Is(err, ErrClosed) {
		t.Errorf("Get on closed store error %v", err)
	}

	store, err = Open(DefaultConfig(path))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	again, err := store.Put("add", addImage)
	if err != nil {
		t.Fatal(err)
	}
	if !again.Added.Equal(first.Added) {
		t.Errorf("Added changed from %v to %v", first.Added, again.Added)
	}
	if _, err := store.Get(first.ID); err != nil {
		t.Errorf("Get after reopen: %v", err)
	}
}
