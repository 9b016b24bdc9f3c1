package maskchan

import (
	"context"
	"sort"

	"github.com/dustin/go-humanize"

	"github.com/janelia-flyem/maskchan/dvid"
)

// Unlimited disables the per-group cap of an AdmissionFilter.
const Unlimited = -1

// VoxelCounter determines a fragment's voxel count, typically by reading only
// its mask header.
type VoxelCounter interface {
	CountVoxels(ctx context.Context, frag *Fragment) (int64, error)
}

// HeaderCounter counts voxels by parsing mask headers from a StreamSource.
type HeaderCounter struct {
	Source StreamSource
}

func (hc HeaderCounter) CountVoxels(ctx context.Context, frag *Fragment) (int64, error) {
	rc, err := hc.Source.OpenMask(ctx, frag)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	return CountVoxels(rc)
}

// AdmissionFilter selects which fragments of a scene are worth decoding.
type AdmissionFilter struct {
	MinVoxels   int64 // regular fragments smaller than this are dropped
	MaxPerGroup int   // cap on fragments admitted per group; negative (Unlimited) for none
	Counter     VoxelCounter
}

// Filter fills unknown voxel counts, sorts fragments by descending voxel count
// and returns the admitted ones in that order.  Compartments are always
// admitted.  Fragments with an empty GroupID are not subject to the group cap.
func (af *AdmissionFilter) Filter(ctx context.Context, frags []*Fragment) []*Fragment {
	if af.Counter != nil {
		for _, frag := range frags {
			if frag.VoxelCount() != 0 {
				continue
			}
			n, err := af.Counter.CountVoxels(ctx, frag)
			if err != nil {
				dvid.Warningf("Unable to read voxel count for %s: %v\n", frag, err)
				continue
			}
			frag.SetVoxelCount(n)
		}
	}

	sorted := make([]*Fragment, len(frags))
	copy(sorted, frags)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].VoxelCount() > sorted[j].VoxelCount()
	})

	perGroup := make(map[string]int)
	admitted := make([]*Fragment, 0, len(sorted))
	var admittedVoxels uint64
	for _, frag := range sorted {
		if !frag.Compartment {
			if frag.VoxelCount() < af.MinVoxels {
				continue
			}
			if af.MaxPerGroup >= 0 && frag.GroupID != "" {
				if perGroup[frag.GroupID] >= af.MaxPerGroup {
					continue
				}
				perGroup[frag.GroupID]++
			}
		}
		admitted = append(admitted, frag)
		admittedVoxels += uint64(frag.VoxelCount())
	}
	dvid.Infof("Admitted %d fragments (%s voxels), discarded %d of %d.\n",
		len(admitted), humanize.Comma(int64(admittedVoxels)), len(sorted)-len(admitted), len(sorted))
	return admitted
}
