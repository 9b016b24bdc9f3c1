package volume

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/janelia-flyem/maskchan/maskchan"
)

// MultiMaskTracker issues combined mask ids for voxels shared by several
// fragments.  Each combined id stands for a set of single fragment mask ids.
type MultiMaskTracker struct {
	mu       sync.Mutex
	first    uint32
	next     uint32
	capacity uint32

	members map[uint32][]uint32 // combined id -> sorted single ids
	bySet   map[string]uint32
}

// NewMultiMaskTracker returns a tracker that issues ids no greater than capacity.
func NewMultiMaskTracker(capacity uint32) *MultiMaskTracker {
	return &MultiMaskTracker{
		first:    1,
		next:     1,
		capacity: capacity,
		members:  make(map[uint32][]uint32),
		bySet:    make(map[string]uint32),
	}
}

// SetFirstMaskNum sets the first combined id, normally one past the highest
// fragment mask id.  It must be called before any Combine.
func (mt *MultiMaskTracker) SetFirstMaskNum(first uint32) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.first = first
	mt.next = first
}

// Combine returns the combined id for the voxel's existing owner(s) plus candidate.
func (mt *MultiMaskTracker) Combine(candidate, existing uint32) (uint32, error) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	singles, isMulti := mt.members[existing]
	if !isMulti {
		singles = []uint32{existing}
	}
	pos := sort.Search(len(singles), func(i int) bool { return singles[i] >= candidate })
	if pos < len(singles) && singles[pos] == candidate {
		return existing, nil
	}
	set := make([]uint32, 0, len(singles)+1)
	set = append(set, singles[:pos]...)
	set = append(set, candidate)
	set = append(set, singles[pos:]...)

	key := setKey(set)
	if id, found := mt.bySet[key]; found {
		return id, nil
	}
	if mt.next > mt.capacity || mt.next == 0 {
		return 0, maskchan.ErrMasksExhausted
	}
	id := mt.next
	mt.next++
	mt.members[id] = set
	mt.bySet[key] = id
	return id, nil
}

// Members returns the single mask ids behind an id.  A single id returns itself.
func (mt *MultiMaskTracker) Members(id uint32) []uint32 {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if set, found := mt.members[id]; found {
		out := make([]uint32, len(set))
		copy(out, set)
		return out
	}
	return []uint32{id}
}

// Len returns the number of combined ids issued.
func (mt *MultiMaskTracker) Len() int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return len(mt.members)
}

func (mt *MultiMaskTracker) String() string {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return fmt.Sprintf("%d combined masks from %d, capacity %d", len(mt.members), mt.first, mt.capacity)
}

func setKey(set []uint32) string {
	var sb strings.Builder
	for i, id := range set {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatUint(uint64(id), 10))
	}
	return sb.String()
}
