package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/coocood/freecache"
	"github.com/dgraph-io/badger/v3"
	"github.com/tinylib/msgp/msgp"

	"github.com/janelia-flyem/maskchan/dvid"
	"github.com/janelia-flyem/maskchan/maskchan"
)

// minCacheBytes is the smallest cache freecache will allocate.
const minCacheBytes = 512 * dvid.Kilo

// StoreConfig is the [store] section of a batch configuration.
type StoreConfig struct {
	Path    string // badger directory; empty for an in-memory store
	CacheMB int    `toml:"cache_mb"`
}

// FragmentStats are the persisted statistics of a decoded fragment.
type FragmentStats struct {
	Name            string
	VoxelCount      int64
	ChannelAverages []float64
	BatchID         string
}

// MarshalMsg appends the msgpack encoding of the stats to b.
func (fs *FragmentStats) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendMapHeader(b, 4)
	o = msgp.AppendString(o, "name")
	o = msgp.AppendString(o, fs.Name)
	o = msgp.AppendString(o, "voxels")
	o = msgp.AppendInt64(o, fs.VoxelCount)
	o = msgp.AppendString(o, "averages")
	o = msgp.AppendArrayHeader(o, uint32(len(fs.ChannelAverages)))
	for _, avg := range fs.ChannelAverages {
		o = msgp.AppendFloat64(o, avg)
	}
	o = msgp.AppendString(o, "batch")
	o = msgp.AppendString(o, fs.BatchID)
	return o, nil
}

// UnmarshalMsg decodes stats from msgpack, returning any remaining bytes.
func (fs *FragmentStats) UnmarshalMsg(bts []byte) ([]byte, error) {
	numFields, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return bts, err
	}
	for i := uint32(0); i < numFields; i++ {
		var field []byte
		if field, bts, err = msgp.ReadMapKeyZC(bts); err != nil {
			return bts, err
		}
		switch string(field) {
		case "name":
			fs.Name, bts, err = msgp.ReadStringBytes(bts)
		case "voxels":
			fs.VoxelCount, bts, err = msgp.ReadInt64Bytes(bts)
		case "averages":
			var n uint32
			if n, bts, err = msgp.ReadArrayHeaderBytes(bts); err != nil {
				return bts, err
			}
			fs.ChannelAverages = make([]float64, n)
			for j := range fs.ChannelAverages {
				if fs.ChannelAverages[j], bts, err = msgp.ReadFloat64Bytes(bts); err != nil {
					return bts, err
				}
			}
		case "batch":
			fs.BatchID, bts, err = msgp.ReadStringBytes(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return bts, err
		}
	}
	return bts, nil
}

// StatsStore persists fragment statistics in badger, keyed by fragment id,
// with voxel counts cached in memory.
type StatsStore struct {
	db    *badger.DB
	path  string
	cache *freecache.Cache
}

// OpenStatsStore opens or creates the store described by the config.
func OpenStatsStore(config StoreConfig) (*StatsStore, error) {
	var opts badger.Options
	if config.Path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(config.Path, 0744); err != nil {
			return nil, fmt.Errorf("can't make stats store directory at %s: %v", config.Path, err)
		}
		opts = badger.DefaultOptions(config.Path)
	}
	opts = opts.WithLogger(nil).WithNumVersionsToKeep(1).WithSyncWrites(false)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	s := &StatsStore{db: db, path: config.Path}
	if config.CacheMB > 0 {
		numBytes := config.CacheMB * dvid.Mega
		if numBytes < minCacheBytes {
			numBytes = minCacheBytes
		}
		s.cache = freecache.NewCache(numBytes)
		dvid.Infof("Created freecache of ~ %d MB for voxel counts.\n", config.CacheMB)
	}
	return s, nil
}

func (s *StatsStore) String() string {
	if s.path == "" {
		return "in-memory stats store"
	}
	return fmt.Sprintf("stats store @ %s", s.path)
}

func statsKey(fragmentID int64) []byte {
	k := make([]byte, 9)
	k[0] = 's'
	binary.BigEndian.PutUint64(k[1:], uint64(fragmentID))
	return k
}

// Put stores the stats of a fragment, replacing any earlier stats.
func (s *StatsStore) Put(fragmentID int64, stats *FragmentStats) error {
	value, err := stats.MarshalMsg(nil)
	if err != nil {
		return err
	}
	key := statsKey(fragmentID)
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	}); err != nil {
		return err
	}
	if s.cache != nil {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(stats.VoxelCount))
		if err := s.cache.Set(key, buf[:], 0); err != nil {
			dvid.Warningf("unable to cache voxel count of fragment %d: %v\n", fragmentID, err)
		}
	}
	return nil
}

// Get returns the stored stats of a fragment or nil if there are none.
func (s *StatsStore) Get(fragmentID int64) (*FragmentStats, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(statsKey(fragmentID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil || value == nil {
		return nil, err
	}
	stats := new(FragmentStats)
	if _, err := stats.UnmarshalMsg(value); err != nil {
		return nil, fmt.Errorf("bad stats stored for fragment %d: %w", fragmentID, err)
	}
	return stats, nil
}

// VoxelCount returns the stored voxel count of a fragment, or 0 if unknown.
func (s *StatsStore) VoxelCount(fragmentID int64) (int64, error) {
	key := statsKey(fragmentID)
	if s.cache != nil {
		buf, err := s.cache.Get(key)
		if err == nil && len(buf) == 8 {
			return int64(binary.LittleEndian.Uint64(buf)), nil
		}
		if err != nil && !errors.Is(err, freecache.ErrNotFound) {
			return 0, err
		}
	}
	stats, err := s.Get(fragmentID)
	if err != nil || stats == nil {
		return 0, err
	}
	if s.cache != nil {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(stats.VoxelCount))
		s.cache.Set(key, buf[:], 0)
	}
	return stats.VoxelCount, nil
}

// Close closes the underlying badger database.
func (s *StatsStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// StoredCounter supplies voxel counts from a StatsStore, asking Fallback for
// fragments without stored stats.
type StoredCounter struct {
	Store    *StatsStore
	Fallback maskchan.VoxelCounter
}

func (sc StoredCounter) CountVoxels(ctx context.Context, frag *maskchan.Fragment) (int64, error) {
	n, err := sc.Store.VoxelCount(frag.ID)
	if err != nil {
		return 0, err
	}
	if n != 0 || sc.Fallback == nil {
		return n, nil
	}
	return sc.Fallback.CountVoxels(ctx, frag)
}
