// Package snapshot stores qvm data-segment snapshots in BadgerDB.
//
// A snapshot is the full data segment of one VM instance taken between
// calls. Snapshots are keyed by image ID and name, CBOR-encoded and hold the
// segment zstd-compressed together with its BLAKE3 digest, which is checked
// on every load.
package snapshot

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/fortiblox/qvm/internal/types"
	"github.com/fortiblox/qvm/pkg/qvm"
	"github.com/fortiblox/qvm/pkg/qvm/bytecode"
)

var (
	// ErrNotFound is returned when a snapshot doesn't exist.
	ErrNotFound = errors.New("snapshot not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("snapshot store closed")

	// ErrCorrupt is returned when a stored segment fails its digest check.
	ErrCorrupt = errors.New("snapshot corrupt")

	// ErrImageMismatch is returned when a snapshot is applied to a VM
	// running a different image.
	ErrImageMismatch = errors.New("snapshot belongs to a different image")

	// ErrInvalidName is returned for empty snapshot names.
	ErrInvalidName = errors.New("invalid snapshot name")
)

// prefixSnapshot starts every snapshot key.
// Key format: prefixSnapshot + image ID (32 bytes) + name
var prefixSnapshot = []byte{0x01}

func snapshotKey(id types.ImageID, name string) []byte {
	key := make([]byte, 0, len(prefixSnapshot)+types.IDSize+len(name))
	key = append(key, prefixSnapshot...)
	key = append(key, id[:]...)
	return append(key, name...)
}

func imagePrefix(id types.ImageID) []byte {
	return snapshotKey(id, "")
}

// Config contains store configuration.
type Config struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	// Logger receives badger's messages. Nil disables logging.
	Logger *log.Logger
}

// DefaultConfig returns the default configuration for a database at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
	}
}

// Snapshot is one saved data segment.
type Snapshot struct {
	ImageID types.ImageID
	Name    string
	Taken   time.Time

	// Breaks is the VM's BREAK count when the snapshot was taken.
	Breaks int64

	// Data is the uncompressed data segment.
	Data []byte
}

// Info describes a stored snapshot without its data.
type Info struct {
	Name   string
	Taken  time.Time
	Size   int
	Stored int
	Sum    [32]byte
}

// record is the stored form of a snapshot.
type record struct {
	ImageID types.ImageID `cbor:"1,keyasint"`
	Name    string        `cbor:"2,keyasint"`
	Taken   time.Time     `cbor:"3,keyasint"`
	Breaks  int64         `cbor:"4,keyasint"`
	Size    int           `cbor:"5,keyasint"`
	Sum     [32]byte      `cbor:"6,keyasint"`
	Data    []byte        `cbor:"7,keyasint"` // zstd
}

// Store is a BadgerDB-backed snapshot store.
type Store struct {
	db  *badger.DB
	enc *zstd.Encoder
	dec *zstd.Decoder

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates a snapshot store.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	var logger badger.Logger
	if cfg.Logger != nil {
		logger = badgerLogger{cfg.Logger}
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	s := &Store{db: db}
	if s.enc, err = zstd.NewWriter(nil); err != nil {
		db.Close()
		return nil, err
	}
	if s.dec, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(bytecode.MaxDataSize)); err != nil {
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

// Save stores snap, replacing any snapshot with the same image and name.
func (s *Store) Save(snap *Snapshot) error {
	if err := s.check(); err != nil {
		return err
	}
	if snap.Name == "" {
		return ErrInvalidName
	}

	taken := snap.Taken
	if taken.IsZero() {
		taken = time.Now()
	}
	rec := record{
		ImageID: snap.ImageID,
		Name:    snap.Name,
		Taken:   taken.UTC(),
		Breaks:  snap.Breaks,
		Size:    len(snap.Data),
		Sum:     blake3.Sum256(snap.Data),
		Data:    s.enc.EncodeAll(snap.Data, nil),
	}
	val, err := cbor.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(snap.ImageID, snap.Name), val)
	})
}

// Load returns the named snapshot of an image.
func (s *Store) Load(id types.ImageID, name string) (*Snapshot, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	var rec record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(id, name))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, id.Short(), name)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := cbor.Unmarshal(val, &rec); err != nil {
				return fmt.Errorf("%w: %s/%s: %v", ErrCorrupt, id.Short(), name, err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if rec.Size < 0 || rec.Size > bytecode.MaxDataSize {
		return nil, fmt.Errorf("%w: %s/%s size %d", ErrCorrupt, id.Short(), name, rec.Size)
	}

	data, err := s.dec.DecodeAll(rec.Data, make([]byte, 0, rec.Size))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if len(data) != rec.Size || blake3.Sum256(data) != rec.Sum {
		return nil, fmt.Errorf("%w: %s/%s digest mismatch", ErrCorrupt, id.Short(), name)
	}
	return &Snapshot{
		ImageID: rec.ImageID,
		Name:    rec.Name,
		Taken:   rec.Taken,
		Breaks:  rec.Breaks,
		Data:    data,
	}, nil
}

// List returns the snapshots of an image in name order.
func (s *Store) List(id types.ImageID) ([]Info, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	var out []Info
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := imagePrefix(id)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec record
			err := it.Item().Value(func(val []byte) error {
				return cbor.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("decode snapshot: %w", err)
			}
			out = append(out, Info{
				Name:   rec.Name,
				Taken:  rec.Taken,
				Size:   rec.Size,
				Stored: len(rec.Data),
				Sum:    rec.Sum,
			})
		}
		return nil
	})
	return out, err
}

// Delete removes one snapshot.
func (s *Store) Delete(id types.ImageID, name string) error {
	if err := s.check(); err != nil {
		return err
	}
	key := snapshotKey(id, name)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, id.Short(), name)
		} else if err != nil {
			return err
		}
		return txn.Delete(key)
	})
}

// DeleteImage removes every snapshot of an image and returns how many were
// removed.
func (s *Store) DeleteImage(id types.ImageID) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := imagePrefix(id)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(keys), nil
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

// Capture copies the current data segment of vm.
func Capture(vm *qvm.VM, name string) *Snapshot {
	return &Snapshot{
		ImageID: vm.ID(),
		Name:    name,
		Taken:   time.Now().UTC(),
		Breaks:  vm.BreakCount(),
		Data:    append([]byte(nil), vm.Memory()...),
	}
}

// Apply restores snap into vm. The VM must be idle and run the image the
// snapshot was taken from.
func Apply(vm *qvm.VM, snap *Snapshot) error {
	if snap.ImageID != vm.ID() {
		return fmt.Errorf("%w: snapshot of %s, vm runs %s", ErrImageMismatch, snap.ImageID.Short(), vm.ID().Short())
	}
	return vm.Restore(snap.Data)
}

// badgerLogger routes badger messages to a standard logger.
type badgerLogger struct {
	l *log.Logger
}

func (b badgerLogger) Errorf(f string, v ...interface{})   { b.l.Printf("badger: ERROR: "+f, v...) }
func (b badgerLogger) Warningf(f string, v ...interface{}) { b.l.Printf("badger: WARN: "+f, v...) }
func (b badgerLogger) Infof(f string, v ...interface{})    { b.l.Printf("badger: "+f, v...) }
func (b badgerLogger) Debugf(string, ...interface{})       {}
