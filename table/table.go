// Package table is a thin typed facade over per-column-family transactions:
// named sorted key/value runs laid out across the family's logical pages. It
// stands where a full B-tree layer would plug in; callers needing ordered
// key/value access through the transaction API get it here without committing
// the engine to a node format.
package table

import (
	"bytes"
	"fmt"
	"math"
	"sort"

	"github.com/vmihailenco/msgpack/v5"

	cio "github.com/chertdb/chert/utils/io"
)

// Txn is what a table view needs from a read transaction.
type Txn interface {
	PageSize() int
	ReadPage(logical int64) ([]byte, error)
}

// WriteTxn adds the mutation surface of a write transaction.
type WriteTxn interface {
	Txn
	WritePage(logical int64, data []byte) error
	FreePage(logical int64) error
}

// Logical page 0 of every column family is the table directory.
const directoryPage = 0

type tableInfo struct {
	Start int64 `msgpack:"start"`
	Pages int64 `msgpack:"pages"`
	Count int64 `msgpack:"count"`
}

type directory struct {
	NextPage int64                 `msgpack:"next"`
	Tables   map[string]*tableInfo `msgpack:"tables"`
}

// Item is one key/value pair. Keys are unique within a table; inserting an
// existing key replaces its value.
type Item struct {
	Key   []byte
	Value []byte
}

// Table is a named sorted run of key/value pairs materialized from one
// transaction's view. Mutations are write-through: each mutating call
// re-persists the run into freshly allocated logical pages and frees the old
// ones, so the change rides the enclosing transaction's commit.
type Table struct {
	name  string
	txn   Txn
	wtxn  WriteTxn
	dir   *directory
	items []Item
}

// Open materializes the named table from the transaction's snapshot. A name
// with no persisted run yields an empty table; on a write transaction the
// table is registered in the directory at first save.
func Open(txn Txn, name string) (*Table, error) {
	dir, err := loadDirectory(txn)
	if err != nil {
		return nil, err
	}
	t := &Table{name: name, txn: txn, dir: dir}
	t.wtxn, _ = txn.(WriteTxn)

	info := dir.Tables[name]
	if info == nil || info.Count == 0 {
		return t, nil
	}
	buf := make([]byte, 0, info.Pages*int64(txn.PageSize()))
	for p := int64(0); p < info.Pages; p++ {
		page, err := txn.ReadPage(info.Start + p)
		if err != nil {
			return nil, fmt.Errorf("table %q: %w", name, err)
		}
		buf = append(buf, page...)
	}
	t.items, err = decodeRun(buf, info.Count)
	if err != nil {
		return nil, fmt.Errorf("table %q: %w", name, err)
	}
	return t, nil
}

// Get returns the value stored under key and whether it exists. The returned
// slice aliases the table's materialized run and must not be mutated.
func (t *Table) Get(key []byte) ([]byte, bool) {
	i := t.search(key)
	if i < len(t.items) && bytes.Equal(t.items[i].Key, key) {
		return t.items[i].Value, true
	}
	return nil, false
}

// Len returns the number of pairs in the table.
func (t *Table) Len() int {
	return len(t.items)
}

// Scan calls fn for each pair in key order until fn returns false.
func (t *Table) Scan(fn func(key, value []byte) bool) {
	for _, it := range t.items {
		if !fn(it.Key, it.Value) {
			return
		}
	}
}

// Insert stores value under key, replacing any existing value.
func (t *Table) Insert(key, value []byte) error {
	if t.wtxn == nil {
		return ReadOnlyError(t.name)
	}
	if err := checkItem(t.name, key, value); err != nil {
		return err
	}
	t.upsert(Item{Key: key, Value: value})
	return t.save()
}

// Remove deletes key if present. Removing an absent key is a no-op.
func (t *Table) Remove(key []byte) error {
	if t.wtxn == nil {
		return ReadOnlyError(t.name)
	}
	i := t.search(key)
	if i >= len(t.items) || !bytes.Equal(t.items[i].Key, key) {
		return nil
	}
	t.items = append(t.items[:i], t.items[i+1:]...)
	return t.save()
}

// InsertBulk stores every item with a single re-persist of the run. When the
// caller already holds the items in key order it passes sorted=true and the
// sort pass is skipped. Later duplicates win.
func (t *Table) InsertBulk(items []Item, sorted bool) error {
	if t.wtxn == nil {
		return ReadOnlyError(t.name)
	}
	if len(items) == 0 {
		return nil
	}
	for _, it := range items {
		if err := checkItem(t.name, it.Key, it.Value); err != nil {
			return err
		}
	}
	incoming := items
	if !sorted {
		incoming = make([]Item, len(items))
		copy(incoming, items)
		sort.SliceStable(incoming, func(i, j int) bool {
			return bytes.Compare(incoming[i].Key, incoming[j].Key) < 0
		})
	}
	t.items = mergeRuns(t.items, incoming)
	return t.save()
}

// RemoveBulk deletes every listed key with a single re-persist of the run.
func (t *Table) RemoveBulk(keys [][]byte) error {
	if t.wtxn == nil {
		return ReadOnlyError(t.name)
	}
	if len(keys) == 0 {
		return nil
	}
	drop := make(map[string]bool, len(keys))
	for _, k := range keys {
		drop[string(k)] = true
	}
	kept := t.items[:0]
	removed := false
	for _, it := range t.items {
		if drop[string(it.Key)] {
			removed = true
			continue
		}
		kept = append(kept, it)
	}
	t.items = kept
	if !removed {
		return nil
	}
	return t.save()
}

func (t *Table) search(key []byte) int {
	return sort.Search(len(t.items), func(i int) bool {
		return bytes.Compare(t.items[i].Key, key) >= 0
	})
}

func (t *Table) upsert(it Item) {
	i := t.search(it.Key)
	if i < len(t.items) && bytes.Equal(t.items[i].Key, it.Key) {
		t.items[i].Value = it.Value
		return
	}
	t.items = append(t.items, Item{})
	copy(t.items[i+1:], t.items[i:])
	t.items[i] = it
}

// mergeRuns merges two key-sorted runs; items from b shadow equal keys in a,
// and within b the later occurrence wins.
func mergeRuns(a, b []Item) []Item {
	out := make([]Item, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch c := bytes.Compare(a[i].Key, b[j].Key); {
		case c < 0:
			out = append(out, a[i])
			i++
		case c > 0:
			out = append(out, b[j])
			j++
		default:
			out = append(out, b[j])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	// Collapse duplicates introduced within b itself.
	dedup := out[:0]
	for _, it := range out {
		if len(dedup) > 0 && bytes.Equal(dedup[len(dedup)-1].Key, it.Key) {
			dedup[len(dedup)-1] = it
			continue
		}
		dedup = append(dedup, it)
	}
	return dedup
}

// save re-encodes the run into fresh logical pages, frees the pages of the
// previous persisted version and rewrites the directory page.
func (t *Table) save() error {
	ps := int64(t.wtxn.PageSize())
	buf := encodeRun(t.items)

	var (
		start int64
		pages int64
	)
	if len(buf) > 0 {
		pages = (int64(len(buf)) + ps - 1) / ps
		start = t.dir.NextPage
		t.dir.NextPage += pages
		for p := int64(0); p < pages; p++ {
			chunk := make([]byte, ps)
			lo := p * ps
			hi := lo + ps
			if hi > int64(len(buf)) {
				hi = int64(len(buf))
			}
			copy(chunk, buf[lo:hi])
			if err := t.wtxn.WritePage(start+p, chunk); err != nil {
				return fmt.Errorf("table %q: %w", t.name, err)
			}
		}
	}

	old := t.dir.Tables[t.name]
	if old != nil {
		for p := int64(0); p < old.Pages; p++ {
			if err := t.wtxn.FreePage(old.Start + p); err != nil {
				return fmt.Errorf("table %q: %w", t.name, err)
			}
		}
	}
	if t.dir.Tables == nil {
		t.dir.Tables = map[string]*tableInfo{}
	}
	t.dir.Tables[t.name] = &tableInfo{Start: start, Pages: pages, Count: int64(len(t.items))}
	return t.saveDirectory()
}

func (t *Table) saveDirectory() error {
	body, err := msgpack.Marshal(t.dir)
	if err != nil {
		return fmt.Errorf("table %q: %w", t.name, err)
	}
	ps := t.wtxn.PageSize()
	if len(body)+4 > ps {
		return DirectoryOverflowError(t.name)
	}
	page := make([]byte, 0, ps)
	page = cio.AppendInt32(page, int32(len(body)))
	page = append(page, body...)
	page = append(page, make([]byte, ps-len(page))...)
	return t.wtxn.WritePage(directoryPage, page)
}

func loadDirectory(txn Txn) (*directory, error) {
	page, err := txn.ReadPage(directoryPage)
	if err != nil {
		return nil, fmt.Errorf("table directory: %w", err)
	}
	bodyLen := int(cio.ToInt32(page[0:4]))
	if bodyLen == 0 {
		return &directory{NextPage: 1}, nil
	}
	if bodyLen < 0 || bodyLen+4 > len(page) {
		return nil, CorruptTableError("directory")
	}
	dir := &directory{}
	if err := msgpack.Unmarshal(page[4:4+bodyLen], dir); err != nil {
		return nil, fmt.Errorf("table directory: %w", err)
	}
	if dir.NextPage < 1 {
		dir.NextPage = 1
	}
	return dir, nil
}

func checkItem(name string, key, value []byte) error {
	if len(key) == 0 || len(key) > math.MaxInt16 {
		return KeyTooLargeError(fmt.Sprintf("%s: key of %d bytes", name, len(key)))
	}
	if len(value) > math.MaxInt32 {
		return KeyTooLargeError(fmt.Sprintf("%s: value of %d bytes", name, len(value)))
	}
	return nil
}

func encodeRun(items []Item) []byte {
	size := 0
	for _, it := range items {
		size += 2 + len(it.Key) + 4 + len(it.Value)
	}
	buf := make([]byte, 0, size)
	for _, it := range items {
		buf = cio.AppendInt16(buf, int16(len(it.Key)))
		buf = append(buf, it.Key...)
		buf = cio.AppendInt32(buf, int32(len(it.Value)))
		buf = append(buf, it.Value...)
	}
	return buf
}

func decodeRun(buf []byte, count int64) ([]Item, error) {
	items := make([]Item, 0, count)
	cursor := 0
	for i := int64(0); i < count; i++ {
		if cursor+2 > len(buf) {
			return nil, CorruptTableError(fmt.Sprintf("run truncated at item %d", i))
		}
		keyLen := int(cio.ToInt16(buf[cursor : cursor+2]))
		cursor += 2
		if keyLen <= 0 || cursor+keyLen+4 > len(buf) {
			return nil, CorruptTableError(fmt.Sprintf("run truncated at item %d key", i))
		}
		key := buf[cursor : cursor+keyLen]
		cursor += keyLen
		valLen := int(cio.ToInt32(buf[cursor : cursor+4]))
		cursor += 4
		if valLen < 0 || cursor+valLen > len(buf) {
			return nil, CorruptTableError(fmt.Sprintf("run truncated at item %d value", i))
		}
		items = append(items, Item{Key: key, Value: buf[cursor : cursor+valLen]})
		cursor += valLen
	}
	return items, nil
}
