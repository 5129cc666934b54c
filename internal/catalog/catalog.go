package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when no record exists for a ref.
var ErrNotFound = errors.New("object not found")

const objectPrefix = "object:"

// Record is the metadata of one committed object.
type Record struct {
	Ref        string    `json:"ref"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	StoredSize int64     `json:"stored_size"`
	CRC32      uint32    `json:"crc32"`
	Encrypted  bool      `json:"encrypted"`
	Path       string    `json:"path"`
	CreatedAt  time.Time `json:"created_at"`
}

// Catalog wraps BadgerDB for object metadata.
type Catalog struct {
	db *badger.DB
}

// Open opens (or creates) a catalog at dir.
func Open(dir string) (*Catalog, error) {
	return open(badger.DefaultOptions(dir).WithLogger(nil))
}

// OpenInMemory opens a catalog that lives only as long as the process.
func OpenInMemory() (*Catalog, error) {
	return open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
}

func open(opts badger.Options) (*Catalog, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Put stores rec, replacing any record with the same ref.
func (c *Catalog) Put(rec Record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(rec.Ref), val)
	})
}

// Get returns the record for ref.
func (c *Catalog) Get(ref string) (Record, error) {
	var rec Record
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(ref))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// Delete removes the record for ref. Deleting a missing ref is not an error.
func (c *Catalog) Delete(ref string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(ref))
	})
}

// List returns all records ordered by ref.
func (c *Catalog) List() ([]Record, error) {
	var out []Record
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(objectPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func key(ref string) []byte {
	return []byte(objectPrefix + ref)
}
