package maskchan

import (
	"sort"
	"sync"
)

// StatsRecorder collects per-fragment channel averages from decoders.
type StatsRecorder interface {
	AddChannelAverages(fragmentID int64, averages []float64)
}

// FileStats is a thread-safe StatsRecorder.  Averages reported for the same
// fragment are summed, so the partial averages of disjoint segments add up to
// the average over the whole fragment.
type FileStats struct {
	mu       sync.RWMutex
	averages map[int64][]float64
}

func NewFileStats() *FileStats {
	return &FileStats{averages: make(map[int64][]float64)}
}

func (fs *FileStats) AddChannelAverages(fragmentID int64, averages []float64) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	cur := fs.averages[fragmentID]
	if len(cur) < len(averages) {
		grown := make([]float64, len(averages))
		copy(grown, cur)
		cur = grown
	}
	for i, v := range averages {
		cur[i] += v
	}
	fs.averages[fragmentID] = cur
}

// ChannelAverages returns a copy of the averages for a fragment, or nil if
// none were recorded.
func (fs *FileStats) ChannelAverages(fragmentID int64) []float64 {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	cur, found := fs.averages[fragmentID]
	if !found {
		return nil
	}
	out := make([]float64, len(cur))
	copy(out, cur)
	return out
}

// FragmentIDs returns the ids of all fragments with recorded averages, sorted.
func (fs *FileStats) FragmentIDs() []int64 {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	ids := make([]int64, 0, len(fs.averages))
	for id := range fs.averages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
