// Package catalog tracks the column families sharing one chert store file.
//
// Every column family owns a disjoint physical window [Base, Base+Bound) of
// the store file. The catalog is the authoritative name -> window mapping and
// is serialized into the store header, so a reopened database rediscovers its
// keyspaces without scanning the file.
package catalog

import (
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// ColumnFamily describes one keyspace partition. Window coordinates are
// physical file offsets; all logical addressing inside the window is done by
// the storage backend.
type ColumnFamily struct {
	ID   int32  `msgpack:"id"`
	Name string `msgpack:"name"`
	// Base is the physical file offset where this family's window starts.
	Base int64 `msgpack:"base"`
	// Bound is the window length in bytes. Accesses at logical offsets
	// >= Bound are window violations, not I/O errors.
	Bound int64 `msgpack:"bound"`
	// MetaPages is the number of leading pages of the window reserved for
	// the family's page-table snapshot.
	MetaPages int64 `msgpack:"meta_pages"`
}

// Directory is the in-memory catalog. It is safe for concurrent use.
type Directory struct {
	mu     sync.RWMutex
	byName map[string]*ColumnFamily
	byID   map[int32]*ColumnFamily
	nextID int32
}

func NewDirectory() *Directory {
	return &Directory{
		byName: map[string]*ColumnFamily{},
		byID:   map[int32]*ColumnFamily{},
		nextID: 1,
	}
}

// Get returns the column family registered under name, or nil.
func (d *Directory) Get(name string) *ColumnFamily {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.byName[name]
}

// GetByID returns the column family with the given identifier, or nil.
func (d *Directory) GetByID(id int32) *ColumnFamily {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.byID[id]
}

// Create registers a new column family with the given window. The caller is
// responsible for having grown the file to cover the window before the
// catalog is persisted.
func (d *Directory) Create(name string, base, bound, metaPages int64) (*ColumnFamily, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byName[name]; ok {
		return nil, FamilyAlreadyExists(name)
	}
	cf := &ColumnFamily{
		ID:        d.nextID,
		Name:      name,
		Base:      base,
		Bound:     bound,
		MetaPages: metaPages,
	}
	d.nextID++
	d.byName[name] = cf
	d.byID[cf.ID] = cf
	return cf, nil
}

// List returns the registered family names in lexical order.
func (d *Directory) List() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.byName))
	for name := range d.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the registered families sorted by ID.
func (d *Directory) All() []*ColumnFamily {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*ColumnFamily, 0, len(d.byID))
	for _, cf := range d.byID {
		out = append(out, cf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HighWater returns the physical end offset of the last window, i.e. the
// declared layout length contributed by column family windows.
func (d *Directory) HighWater() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var hw int64
	for _, cf := range d.byID {
		if end := cf.Base + cf.Bound; end > hw {
			hw = end
		}
	}
	return hw
}

// Serialize encodes the catalog for embedding into the store header.
func (d *Directory) Serialize() ([]byte, error) {
	families := d.All()
	buf, err := msgpack.Marshal(families)
	if err != nil {
		return nil, UnableToSerializeCatalog(err.Error())
	}
	return buf, nil
}

// Load replaces the directory contents with the families decoded from buf.
func (d *Directory) Load(buf []byte) error {
	var families []*ColumnFamily
	if err := msgpack.Unmarshal(buf, &families); err != nil {
		return UnableToLoadCatalog(err.Error())
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byName = map[string]*ColumnFamily{}
	d.byID = map[int32]*ColumnFamily{}
	d.nextID = 1
	for _, cf := range families {
		d.byName[cf.Name] = cf
		d.byID[cf.ID] = cf
		if cf.ID >= d.nextID {
			d.nextID = cf.ID + 1
		}
	}
	return nil
}
