package maskchan

import (
	"fmt"
	"sync/atomic"
)

// Fragment describes one renderable neuron fragment or compartment whose mask
// and optional channel files are merged into a shared volume.
type Fragment struct {
	ID            int64  // entity id, used to key statistics
	TranslatedNum uint32 // mask id written into the output volume
	Name          string
	InvertedY     bool
	Compartment   bool
	GroupID       string // owning neuron separation, if any
	MaskPath      string
	ChannelPath   string

	voxelCount atomic.Int64
}

// VoxelCount returns the fragment's voxel count, or 0 if still unknown.
func (f *Fragment) VoxelCount() int64 {
	return f.voxelCount.Load()
}

// SetVoxelCount records the voxel count if it is still unknown.  It returns
// false if a count was already set.
func (f *Fragment) SetVoxelCount(n int64) bool {
	return f.voxelCount.CompareAndSwap(0, n)
}

func (f *Fragment) String() string {
	kind := "fragment"
	if f.Compartment {
		kind = "compartment"
	}
	return fmt.Sprintf("%s %q (id %d, mask %d)", kind, f.Name, f.ID, f.TranslatedNum)
}
