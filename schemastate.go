package objdb

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// metaBucket maps database names to their msgpack-encoded dbState.
const metaBucket = "\x00meta"

const (
	dataBucket        = "data"
	indexBucketPrefix = "i_"
)

var generatorKey = []byte("_seq")

// dbState is the persisted schema of one database. Published states are
// never modified; an upgrade works on a clone and swaps it in on commit.
type dbState struct {
	Version  uint64                 `msgpack:"v"`
	Stores   map[string]*storeState `msgpack:"s"`
	LastSeen time.Time              `msgpack:"t"`

	name string
}

type storeState struct {
	KeyPath          KeyPath                `msgpack:"kp,omitempty"`
	AutoIncrement    bool                   `msgpack:"ai,omitempty"`
	LastIndexOrdinal uint64                 `msgpack:"li"`
	Indices          map[string]*indexState `msgpack:"i"`

	name             string
	bucketName       string
	indexStatesByOrd map[uint64]*indexState
}

type indexState struct {
	KeyPath      KeyPath `msgpack:"kp"`
	Unique       bool    `msgpack:"u,omitempty"`
	IndexOrdinal uint64  `msgpack:"o"`

	name string
}

func newDBState(name string) *dbState {
	return &dbState{
		Stores: make(map[string]*storeState),
		name:   name,
	}
}

func validateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty %s name", ErrInvalidName, kind)
	}
	if strings.IndexByte(name, 0) >= 0 {
		return fmt.Errorf("%w: %s name %q contains NUL", ErrInvalidName, kind, name)
	}
	return nil
}

func storeBucketName(dbName, storeName string) string {
	return dbName + "\x00" + storeName
}

func (is *indexState) bucketName() string {
	return indexBucketPrefix + is.name
}

func (ds *dbState) prepare(name string) {
	ds.name = name
	if ds.Stores == nil {
		ds.Stores = make(map[string]*storeState)
	}
	for sn, ss := range ds.Stores {
		ss.prepare(name, sn)
	}
}

func (ss *storeState) prepare(dbName, name string) {
	ss.name = name
	ss.bucketName = storeBucketName(dbName, name)
	if ss.Indices == nil {
		ss.Indices = make(map[string]*indexState)
	}
	ss.indexStatesByOrd = make(map[uint64]*indexState, len(ss.Indices))
	for in, is := range ss.Indices {
		is.name = in
		ss.indexStatesByOrd[is.IndexOrdinal] = is
	}
}

func (ds *dbState) clone() *dbState {
	c := &dbState{
		Version:  ds.Version,
		Stores:   make(map[string]*storeState, len(ds.Stores)),
		LastSeen: ds.LastSeen,
	}
	for sn, ss := range ds.Stores {
		sc := &storeState{
			KeyPath:          slices.Clone(ss.KeyPath),
			AutoIncrement:    ss.AutoIncrement,
			LastIndexOrdinal: ss.LastIndexOrdinal,
			Indices:          make(map[string]*indexState, len(ss.Indices)),
		}
		for in, is := range ss.Indices {
			sc.Indices[in] = &indexState{
				KeyPath:      slices.Clone(is.KeyPath),
				Unique:       is.Unique,
				IndexOrdinal: is.IndexOrdinal,
			}
		}
		c.Stores[sn] = sc
	}
	c.prepare(ds.name)
	return c
}

func (ds *dbState) version() uint64 {
	if ds == nil {
		return 0
	}
	return ds.Version
}

func (ds *dbState) storeNames() []string {
	if ds == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(ds.Stores))
}

func (ds *dbState) store(name string) *storeState {
	if ds == nil {
		return nil
	}
	return ds.Stores[name]
}

func (ss *storeState) indexByOrdinal(ord uint64) *indexState {
	return ss.indexStatesByOrd[ord]
}

func (ss *storeState) indexNames() []string {
	return slices.Sorted(maps.Keys(ss.Indices))
}

// sortedIndices returns the indexes in ordinal order, the order index
// rows are kept in.
func (ss *storeState) sortedIndices() []*indexState {
	result := slices.Collect(maps.Values(ss.Indices))
	slices.SortFunc(result, func(a, b *indexState) int {
		return cmp.Compare(a.IndexOrdinal, b.IndexOrdinal)
	})
	return result
}

func (ss *storeState) addIndex(name string, kp KeyPath, unique bool) *indexState {
	ss.LastIndexOrdinal++
	is := &indexState{
		KeyPath:      kp,
		Unique:       unique,
		IndexOrdinal: ss.LastIndexOrdinal,
		name:         name,
	}
	ss.Indices[name] = is
	ss.indexStatesByOrd[is.IndexOrdinal] = is
	return is
}

func (ss *storeState) removeIndex(is *indexState) {
	delete(ss.Indices, is.name)
	delete(ss.indexStatesByOrd, is.IndexOrdinal)
}

func loadDBState(stx storageTx, name string) (*dbState, error) {
	meta := stx.Bucket(metaBucket, "")
	if meta == nil {
		return nil, nil
	}
	raw := meta.Get([]byte(name))
	if raw == nil {
		return nil, nil
	}
	ds := new(dbState)
	if err := decodeMsgpack(raw, ds); err != nil {
		return nil, fmt.Errorf("database %s: failed to decode state: %w", name, err)
	}
	ds.prepare(name)
	return ds, nil
}

func saveDBState(stx storageTx, ds *dbState) error {
	meta, err := stx.CreateBucket(metaBucket, "")
	if err != nil {
		return err
	}
	raw, err := encodeMsgpack(nil, ds)
	if err != nil {
		return err
	}
	return meta.Put([]byte(ds.name), raw)
}

func listDatabases(stx storageTx) []string {
	meta := stx.Bucket(metaBucket, "")
	if meta == nil {
		return nil
	}
	var names []string
	c := meta.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		names = append(names, string(k))
	}
	return names
}
