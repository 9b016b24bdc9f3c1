package maskchan

import (
	"fmt"
	"io"
	"sort"
)

// RayRecord is one record of a mask stream: the number of rays skipped since
// the ray after the previous record, then runs along the current ray.
type RayRecord struct {
	Skip  int64
	Pairs [][2]int64 // [start, end) along the fastest-varying axis
}

// Voxels returns the number of voxels covered by the record.
func (rec RayRecord) Voxels() int64 {
	var n int64
	for _, p := range rec.Pairs {
		n += p[1] - p[0]
	}
	return n
}

// rayKey returns the ray number and position along the ray of a canonical voxel.
func rayKey(size [3]int64, layout [3]int, v [3]int64) (ray, pos int64) {
	return v[layout[2]]*size[layout[1]] + v[layout[1]], v[layout[0]]
}

// OrderVoxels returns the distinct voxels in the order a mask stream visits
// them, which is also the order of their samples in a channel stream.
func OrderVoxels(size [3]int64, axis AxisOrder, voxels [][3]int64) ([][3]int64, error) {
	if !axis.Valid() {
		return nil, ErrBadAxisOrder
	}
	layout := axis.Layout()
	seen := make(map[[3]int64]struct{}, len(voxels))
	out := make([][3]int64, 0, len(voxels))
	for _, v := range voxels {
		for i := 0; i < 3; i++ {
			if v[i] < 0 || v[i] >= size[i] {
				return nil, fmt.Errorf("voxel %v outside volume %v", v, size)
			}
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, pi := rayKey(size, layout, out[i])
		rj, pj := rayKey(size, layout, out[j])
		if ri != rj {
			return ri < rj
		}
		return pi < pj
	})
	return out, nil
}

// RaysFromVoxels converts canonical voxel coordinates into ray records.
func RaysFromVoxels(size [3]int64, axis AxisOrder, voxels [][3]int64) ([]RayRecord, error) {
	ordered, err := OrderVoxels(size, axis, voxels)
	if err != nil {
		return nil, err
	}
	layout := axis.Layout()
	var records []RayRecord
	var nextRay int64
	curRay := int64(-1)
	for _, v := range ordered {
		ray, pos := rayKey(size, layout, v)
		if ray != curRay {
			records = append(records, RayRecord{Skip: ray - nextRay})
			curRay = ray
			nextRay = ray + 1
		}
		rec := &records[len(records)-1]
		if n := len(rec.Pairs); n > 0 && rec.Pairs[n-1][1] == pos {
			rec.Pairs[n-1][1] = pos + 1
		} else {
			rec.Pairs = append(rec.Pairs, [2]int64{pos, pos + 1})
		}
	}
	return records, nil
}

// EncodeMask writes a mask stream holding the given canonical voxels and
// returns the header written.  Bounds and total voxel count are computed from
// the voxels.
func EncodeMask(w io.Writer, size [3]int64, microns [3]float32, axis AxisOrder, voxels [][3]int64) (*Header, error) {
	records, err := RaysFromVoxels(size, axis, voxels)
	if err != nil {
		return nil, err
	}
	h := &Header{Size: size, Microns: microns, Axis: axis}
	for i, v := range voxels {
		for a := 0; a < 3; a++ {
			if i == 0 || v[a] < h.Bounds[a][0] {
				h.Bounds[a][0] = v[a]
			}
			if i == 0 || v[a]+1 > h.Bounds[a][1] {
				h.Bounds[a][1] = v[a] + 1
			}
		}
	}
	for _, rec := range records {
		h.TotalVoxels += rec.Voxels()
	}
	if err := h.Write(w); err != nil {
		return nil, err
	}
	if err := WriteRays(w, records); err != nil {
		return nil, err
	}
	return h, nil
}

// WriteRays writes ray records in mask stream layout.
func WriteRays(w io.Writer, records []RayRecord) error {
	s := NewStreamWriter(w)
	for _, rec := range records {
		s.WriteInt64(rec.Skip)
		s.WriteInt64(int64(len(rec.Pairs)))
		for _, p := range rec.Pairs {
			s.WriteInt64(p[0])
			s.WriteInt64(p[1])
		}
	}
	return s.Err()
}

// EncodeChannels writes a channel stream.  Each channel array must hold
// totalVoxels samples of md.ByteCount bytes, in mask stream voxel order.
func EncodeChannels(w io.Writer, totalVoxels int64, md ChannelMetaData, channels [][]byte) error {
	if len(channels) != md.RawChannelCount {
		return fmt.Errorf("got %d channel arrays for %d raw channels", len(channels), md.RawChannelCount)
	}
	want := totalVoxels * int64(md.ByteCount)
	for c, data := range channels {
		if int64(len(data)) != want {
			return fmt.Errorf("channel %d has %d bytes, expected %d", c, len(data), want)
		}
	}
	cd := &ChannelData{MetaData: md, TotalVoxels: totalVoxels, Channels: channels}
	return cd.Write(w)
}
