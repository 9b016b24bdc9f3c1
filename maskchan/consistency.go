package maskchan

import (
	"fmt"
	"sync"

	"github.com/janelia-flyem/maskchan/dvid"
)

// ConsistencyChecker verifies that all fragments loaded in a batch report the
// same extents and channel metadata as the first fragment.
type ConsistencyChecker struct {
	mu sync.Mutex

	refName    string
	extents    *Extents
	refChanSrc string
	metadata   *ChannelMetaData

	problems []string
}

func NewConsistencyChecker() *ConsistencyChecker {
	return &ConsistencyChecker{}
}

// CheckExtents compares a fragment's extents against the first seen.
func (cc *ConsistencyChecker) CheckExtents(frag *Fragment, ext Extents) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.extents == nil {
		cc.extents = &ext
		cc.refName = frag.String()
		return
	}
	if cc.extents.Original != ext.Original || cc.extents.Padded != ext.Padded {
		cc.problems = append(cc.problems,
			fmt.Sprintf("%s has extents %s, expected %s from %s", frag, ext, *cc.extents, cc.refName))
	}
}

// CheckChannelMetaData compares a fragment's channel layout against the first seen.
func (cc *ConsistencyChecker) CheckChannelMetaData(frag *Fragment, md *ChannelMetaData) {
	if md == nil {
		return
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.metadata == nil {
		cp := *md
		cc.metadata = &cp
		cc.refChanSrc = frag.String()
		return
	}
	if !cc.metadata.Equals(md) {
		cc.problems = append(cc.problems,
			fmt.Sprintf("%s has channel metadata %s, expected %s from %s", frag, md, cc.metadata, cc.refChanSrc))
	}
}

// Problems returns all discrepancies found so far.
func (cc *ConsistencyChecker) Problems() []string {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	out := make([]string, len(cc.problems))
	copy(out, cc.problems)
	return out
}

// Report logs every discrepancy and returns how many were found.
func (cc *ConsistencyChecker) Report() int {
	problems := cc.Problems()
	if len(problems) == 0 {
		dvid.Debugf("Volume consistency check found no discrepancies.\n")
		return 0
	}
	dvid.Errorf("Volume consistency check found %d discrepancies:\n", len(problems))
	for _, p := range problems {
		dvid.Errorf("  %s\n", p)
	}
	return len(problems)
}
