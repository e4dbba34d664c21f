// Package imagestore provides persistent storage for qvm bytecode images.
//
// Images are validated before they are stored, kept zstd-compressed and
// keyed by their content ID. A name index maps operator-chosen names to
// IDs; several names may refer to one image.
package imagestore

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/qvm/internal/types"
	"github.com/fortiblox/qvm/pkg/qvm/bytecode"
)

var (
	// ErrNotFound is returned when an image or name doesn't exist.
	ErrNotFound = errors.New("image not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("imagestore closed")

	// ErrInvalidName is returned for empty names.
	ErrInvalidName = errors.New("invalid image name")
)

// Bucket names.
var (
	// bucketImages stores compressed image bytes keyed by ID.
	bucketImages = []byte("images")

	// bucketMeta stores CBOR-encoded Meta keyed by ID.
	bucketMeta = []byte("meta")

	// bucketNames maps names to IDs.
	bucketNames = []byte("names")
)

// Config holds image store configuration options.
type Config struct {
	// Path is the database file.
	Path string

	// NoSync disables fsync after each write.
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool

	// Timeout bounds the wait for the database file lock.
	Timeout time.Duration

	// Load configures validation of stored images.
	Load bytecode.LoadOptions
}

// DefaultConfig returns the default configuration for a database at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:    path,
		Timeout: 5 * time.Second,
		Load:    bytecode.DefaultLoadOptions(),
	}
}

// Meta describes a stored image.
type Meta struct {
	ID           types.ImageID `cbor:"1,keyasint"`
	Size         int           `cbor:"2,keyasint"` // uncompressed bytes
	Stored       int           `cbor:"3,keyasint"` // compressed bytes
	Instructions int32         `cbor:"4,keyasint"`
	Procs        int           `cbor:"5,keyasint"`
	DataSize     int32         `cbor:"6,keyasint"`
	JumpTargets  int           `cbor:"7,keyasint"`
	Added        time.Time     `cbor:"8,keyasint"`

	// Names is filled from the name index on read.
	Names []string `cbor:"-"`
}

// Stats contains store statistics.
type Stats struct {
	Images       int
	Names        int
	RawBytes     int64
	StoredBytes  int64
	DatabaseSize int64
}

// Store is a bbolt-backed image store.
type Store struct {
	db     *bolt.DB
	config Config
	enc    *zstd.Encoder
	dec    *zstd.Decoder

	mu     sync.RWMutex
	closed bool
}

// Open creates or opens an image store.
func Open(config Config) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(config.Path, 0600, &bolt.Options{
		Timeout:  config.Timeout,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, config: config}
	if !config.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			for _, name := range [][]byte{bucketImages, bucketMeta, bucketNames} {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return fmt.Errorf("create bucket %s: %w", name, err)
				}
			}
			return nil
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}

	if s.enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression)); err != nil {
		db.Close()
		return nil, err
	}
	if s.dec, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(bytecode.MaxImageSize)); err != nil {
		s.enc.Close()
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Put validates raw, which may be zstd-compressed, and stores it under its
// content ID. A non-empty name is bound to the ID, replacing any earlier
// binding of that name. Storing an image twice is not an error.
func (s *Store) Put(name string, raw []byte) (*Meta, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	plain := raw
	if bytes.HasPrefix(raw, []byte{0x28, 0xb5, 0x2f, 0xfd}) {
		var err error
		if plain, err = s.dec.DecodeAll(raw, nil); err != nil {
			return nil, fmt.Errorf("decompress image: %w", err)
		}
	}
	img, err := bytecode.Parse(plain)
	if err != nil {
		return nil, err
	}
	prog, err := bytecode.Validate(img, s.config.Load)
	if err != nil {
		return nil, err
	}
	packed := s.enc.EncodeAll(plain, nil)
	meta := &Meta{
		ID:           prog.ID,
		Size:         len(plain),
		Stored:       len(packed),
		Instructions: prog.Count(),
		Procs:        len(prog.Procs),
		DataSize:     prog.DataSize,
		JumpTargets:  len(img.JumpTargets),
		Added:        time.Now().UTC().Truncate(time.Second),
	}

	key := prog.ID.Bytes()
	err = s.db.Update(func(tx *bolt.Tx) error {
		metas := tx.Bucket(bucketMeta)
		if old := metas.Get(key); old != nil {
			// keep the original insertion time
			var prev Meta
			if err := cbor.Unmarshal(old, &prev); err == nil {
				meta.Added = prev.Added
			}
		}
		enc, err := cbor.Marshal(meta)
		if err != nil {
			return fmt.Errorf("encode meta: %w", err)
		}
		if err := metas.Put(key, enc); err != nil {
			return err
		}
		if err := tx.Bucket(bucketImages).Put(key, packed); err != nil {
			return err
		}
		if name != "" {
			return tx.Bucket(bucketNames).Put([]byte(name), key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if name != "" {
		meta.Names = []string{name}
	}
	return meta, nil
}

// Get returns the uncompressed image bytes.
func (s *Store) Get(id types.ImageID) ([]byte, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	var packed []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketImages).Get(id.Bytes())
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		packed = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	raw, err := s.dec.DecodeAll(packed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", id, err)
	}
	if types.ComputeImageID(raw) != id {
		return nil, fmt.Errorf("image %s: content does not match id", id)
	}
	return raw, nil
}

// Resolve returns the ID bound to name.
func (s *Store) Resolve(name string) (types.ImageID, error) {
	var id types.ImageID
	if err := s.check(); err != nil {
		return id, err
	}
	if name == "" {
		return id, ErrInvalidName
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketNames).Get([]byte(name))
		if v == nil {
			return fmt.Errorf("%w: name %q", ErrNotFound, name)
		}
		var err error
		id, err = types.ImageIDFromBytes(v)
		return err
	})
	return id, err
}

// Lookup resolves ref as a name first and then as a base58 image ID.
func (s *Store) Lookup(ref string) (types.ImageID, error) {
	id, err := s.Resolve(ref)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return id, err
	}
	if parsed, perr := types.ImageIDFromBase58(ref); perr == nil {
		if _, merr := s.Meta(parsed); merr == nil {
			return parsed, nil
		}
	}
	return id, err
}

// Meta returns the metadata of a stored image, including its names.
func (s *Store) Meta(id types.ImageID) (*Meta, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var meta Meta
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(id.Bytes())
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err := cbor.Unmarshal(v, &meta); err != nil {
			return fmt.Errorf("decode meta: %w", err)
		}
		names := namesByID(tx)
		meta.Names = names[id]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// List returns every stored image ordered by first name, unnamed images
// last in ID order.
func (s *Store) List() ([]Meta, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var out []Meta
	err := s.db.View(func(tx *bolt.Tx) error {
		names := namesByID(tx)
		return tx.Bucket(bucketMeta).ForEach(func(k, v []byte) error {
			var meta Meta
			if err := cbor.Unmarshal(v, &meta); err != nil {
				return fmt.Errorf("decode meta %x: %w", k, err)
			}
			meta.Names = names[meta.ID]
			out = append(out, meta)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Names, out[j].Names
		switch {
		case len(a) == 0:
			return false
		case len(b) == 0:
			return true
		}
		return a[0] < b[0]
	})
	return out, nil
}

// namesByID inverts the name index. Names come out sorted.
func namesByID(tx *bolt.Tx) map[types.ImageID][]string {
	names := make(map[types.ImageID][]string)
	tx.Bucket(bucketNames).ForEach(func(k, v []byte) error {
		if id, err := types.ImageIDFromBytes(v); err == nil {
			names[id] = append(names[id], string(k))
		}
		return nil
	})
	return names
}

// Delete removes an image and every name bound to it.
func (s *Store) Delete(id types.ImageID) error {
	if err := s.check(); err != nil {
		return err
	}
	key := id.Bytes()
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketMeta).Get(key) == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err := tx.Bucket(bucketMeta).Delete(key); err != nil {
			return err
		}
		if err := tx.Bucket(bucketImages).Delete(key); err != nil {
			return err
		}

		names := tx.Bucket(bucketNames)
		var stale [][]byte
		names.ForEach(func(k, v []byte) error {
			if bytes.Equal(v, key) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		for _, k := range stale {
			if err := names.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Unname removes a name binding.
func (s *Store) Unname(name string) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketNames)
		if names.Get([]byte(name)) == nil {
			return fmt.Errorf("%w: name %q", ErrNotFound, name)
		}
		return names.Delete([]byte(name))
	})
}

// Stats returns store statistics.
func (s *Store) Stats() (*Stats, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var st Stats
	err := s.db.View(func(tx *bolt.Tx) error {
		st.Names = tx.Bucket(bucketNames).Stats().KeyN
		st.DatabaseSize = tx.Size()
		return tx.Bucket(bucketMeta).ForEach(func(k, v []byte) error {
			var meta Meta
			if err := cbor.Unmarshal(v, &meta); err != nil {
				return err
			}
			st.Images++
			st.RawBytes += int64(meta.Size)
			st.StoredBytes += int64(meta.Stored)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}
