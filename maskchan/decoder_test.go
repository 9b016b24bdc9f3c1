package maskchan

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"
)

func TestDecodeRoundTrip(t *testing.T) {
	size := [3]int64{13, 7, 5}
	voxels := randomVoxels(7, size, 150)
	want := distinct(voxels)

	for _, axis := range []AxisOrder{AxisX, AxisY, AxisZ} {
		for _, inverted := range []bool{false, true} {
			data := encodeMask(t, size, axis, voxels)
			frag := &Fragment{ID: 1, TranslatedNum: 3, InvertedY: inverted}
			sink := newRecordingSink(MaskInterest)
			d := NewDecoder(bytes.NewReader(data), frag, []Sink{sink})
			if err := d.Decode(context.Background(), nil); err != nil {
				t.Fatalf("axis %s, inverted %t: %v", axis, inverted, err)
			}
			if len(sink.coords) != len(want) {
				t.Errorf("axis %s, inverted %t: expected %d voxels, got %d", axis, inverted, len(want), len(sink.coords))
			}
			for c, n := range sink.coords {
				if n != 1 {
					t.Errorf("axis %s: voxel %v written %d times", axis, c, n)
				}
				orig := c
				if inverted {
					orig[1] = size[1] - c[1] - 1
				}
				if _, found := want[orig]; !found {
					t.Errorf("axis %s, inverted %t: unexpected voxel %v", axis, inverted, c)
				}
				pos := sink.ext.Index(c[0], c[1], c[2])
				if id, found := sink.masks[pos]; !found || id != 3 {
					t.Errorf("voxel %v not recorded at linear position %d", c, pos)
				}
			}
			if frag.VoxelCount() != int64(len(want)) {
				t.Errorf("expected voxel count %d set by header, got %d", len(want), frag.VoxelCount())
			}
			if sink.spaceCalls != 1 {
				t.Errorf("expected 1 SetSpaceSize call, got %d", sink.spaceCalls)
			}
		}
	}
}

func TestDecodeHeaderIdempotent(t *testing.T) {
	data := encodeMask(t, [3]int64{10, 10, 10}, AxisX, [][3]int64{{1, 2, 3}, {2, 2, 3}})
	sink := newRecordingSink(MaskInterest)
	d := NewDecoder(bytes.NewReader(data), nil, []Sink{sink})
	h1, err := d.ReadHeader()
	if err != nil {
		t.Fatal(err)
	}
	h2, err := d.ReadHeader()
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 || sink.spaceCalls != 1 {
		t.Errorf("header parse not idempotent: %d SetSpaceSize calls", sink.spaceCalls)
	}
	if err := d.Decode(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if len(sink.coords) != 2 {
		t.Errorf("expected 2 voxels after header read, got %d", len(sink.coords))
	}
	if d.Extents().Padded != [3]int64{64, 64, 64} {
		t.Errorf("unexpected padded extents %v", d.Extents().Padded)
	}
}

func TestCountVoxels(t *testing.T) {
	data := encodeMask(t, [3]int64{10, 10, 10}, AxisY, randomVoxels(3, [3]int64{10, 10, 10}, 40))
	n, err := CountVoxels(bytes.NewReader(data[:HeaderBytes]))
	if err != nil {
		t.Fatalf("header-only count failed: %v", err)
	}
	full, _ := ReadHeader(bytes.NewReader(data))
	if n != full.TotalVoxels || n == 0 {
		t.Errorf("expected %d voxels, got %d", full.TotalVoxels, n)
	}
}

func singleVoxelStreams(t *testing.T, value byte) (mask, chans []byte) {
	t.Helper()
	size := [3]int64{4, 4, 4}
	voxels := [][3]int64{{1, 2, 3}}
	mask = encodeMask(t, size, AxisX, voxels)
	md := ChannelMetaData{RawChannelCount: 1, ChannelCount: 1, ByteCount: 1}
	var buf bytes.Buffer
	if err := EncodeChannels(&buf, 1, md, [][]byte{{value}}); err != nil {
		t.Fatal(err)
	}
	return mask, buf.Bytes()
}

func TestChannelAveraging(t *testing.T) {
	mask, chanBytes := singleVoxelStreams(t, 200)
	chans, err := ReadChannelData(bytes.NewReader(chanBytes), 1)
	if err != nil {
		t.Fatal(err)
	}
	for _, divisor := range []int{1, 5} {
		stats := NewFileStats()
		frag := &Fragment{ID: 77, TranslatedNum: 1}
		sink := newRecordingSink(BothInterest)
		d := NewDecoder(bytes.NewReader(mask), frag, []Sink{sink}, WithIntensityDivisor(divisor), WithStats(stats))
		if err := d.Decode(context.Background(), chans); err != nil {
			t.Fatal(err)
		}
		avg := stats.ChannelAverages(77)
		if len(avg) != 1 || math.Abs(avg[0]-200.0/256.0) > 1e-9 {
			t.Errorf("divisor %d: expected average %f, got %v", divisor, 200.0/256.0, avg)
		}
		if len(sink.channels) != 1 {
			t.Fatalf("expected 1 channel voxel, got %d", len(sink.channels))
		}
		for _, b := range sink.channels {
			if b[0] != byte(200/divisor) {
				t.Errorf("divisor %d: expected channel byte %d, got %d", divisor, 200/divisor, b[0])
			}
		}
	}
}

func TestMultiByteChannels(t *testing.T) {
	size := [3]int64{8, 8, 8}
	voxels := [][3]int64{{0, 0, 0}, {1, 0, 0}}
	mask := encodeMask(t, size, AxisX, voxels)
	md := ChannelMetaData{RawChannelCount: 3, ChannelCount: 3, ByteCount: 2, RedIndex: 2, GreenIndex: 1, BlueIndex: 0}
	// little-endian 16-bit samples: voxel 0 then voxel 1
	channels := [][]byte{
		{0x01, 0x02, 0x03, 0x04},
		{0x10, 0x20, 0x30, 0x40},
		{0xa0, 0xb0, 0xc0, 0xd0},
	}
	var buf bytes.Buffer
	if err := EncodeChannels(&buf, 2, md, channels); err != nil {
		t.Fatal(err)
	}
	chans, err := ReadChannelData(&buf, 2)
	if err != nil {
		t.Fatal(err)
	}
	if chans.MetaData != md {
		t.Fatalf("expected metadata %v, got %v", md, chans.MetaData)
	}
	stats := NewFileStats()
	sink := newRecordingSink(ChannelInterest)
	frag := &Fragment{ID: 5, TranslatedNum: 2}
	if err := NewDecoder(bytes.NewReader(mask), frag, []Sink{sink}, WithStats(stats)).Decode(context.Background(), chans); err != nil {
		t.Fatal(err)
	}
	first := sink.channels[0]
	expected := []byte{0x02, 0x01, 0x20, 0x10, 0xb0, 0xa0}
	if !bytes.Equal(first, expected) {
		t.Errorf("expected reversed bytes %x, got %x", expected, first)
	}
	avg := stats.ChannelAverages(5)
	factor := 1.0 / (2 * 65536.0)
	// raw channel 0 is blue, 2 is red
	wantBlue := (float64(0x0102) + float64(0x0304)) * factor
	wantRed := (float64(0xa0b0) + float64(0xc0d0)) * factor
	if math.Abs(avg[2]-wantBlue) > 1e-12 || math.Abs(avg[0]-wantRed) > 1e-12 {
		t.Errorf("unexpected averages %v", avg)
	}
}

func TestSyntheticChannels(t *testing.T) {
	mask := encodeMask(t, [3]int64{4, 4, 4}, AxisZ, [][3]int64{{0, 1, 2}})
	stats := NewFileStats()
	sink := newRecordingSink(BothInterest)
	frag := &Fragment{ID: 9}
	if err := NewDecoder(bytes.NewReader(mask), frag, []Sink{sink}, WithIntensityDivisor(5), WithStats(stats)).Decode(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	for _, b := range sink.channels {
		if !bytes.Equal(b, []byte{25, 25, 25, 25}) {
			t.Errorf("expected dimmed substitute values, got %v", b)
		}
	}
	if sink.md.ChannelCount != 4 || sink.md.RawChannelCount != 3 {
		t.Errorf("unexpected synthetic metadata %v", sink.md)
	}
	if avg := stats.ChannelAverages(9); avg == nil {
		t.Errorf("expected averages recorded for synthetic data")
	}
}

func TestChannelVoxelMismatch(t *testing.T) {
	_, chanBytes := singleVoxelStreams(t, 10)
	if _, err := ReadChannelData(bytes.NewReader(chanBytes), 2); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed for voxel count mismatch, got %v", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	size := [3]int64{10, 10, 10}
	data := encodeMask(t, size, AxisY, randomVoxels(11, size, 50))
	sink := newRecordingSink(MaskInterest)
	err := NewDecoder(bytes.NewReader(data[:len(data)-8]), nil, []Sink{sink}).Decode(context.Background(), nil)
	var trunc *TruncatedStreamError
	if !errors.As(err, &trunc) {
		t.Fatalf("expected truncated stream error, got %v", err)
	}
	if trunc.Field != "ray end" {
		t.Errorf("expected truncation in ray end, got %q", trunc.Field)
	}
}

func TestDecodeMalformed(t *testing.T) {
	size := [3]int64{8, 8, 8}
	header := func(total int64) *bytes.Buffer {
		var buf bytes.Buffer
		h := Header{Size: size, TotalVoxels: total, Axis: AxisX}
		if err := h.Write(&buf); err != nil {
			t.Fatal(err)
		}
		return &buf
	}
	tests := []struct {
		name    string
		total   int64
		records []RayRecord
		want    error
	}{
		{"empty record", 2, []RayRecord{{Skip: 0}}, ErrEmptyRecord},
		{"reversed run", 2, []RayRecord{{Skip: 0, Pairs: [][2]int64{{4, 2}}}}, ErrMalformed},
		{"run past ray", 2, []RayRecord{{Skip: 0, Pairs: [][2]int64{{7, 9}}}}, ErrMalformed},
		{"overshoot", 2, []RayRecord{{Skip: 0, Pairs: [][2]int64{{0, 3}}}}, ErrMalformed},
		{"ray past volume", 1, []RayRecord{{Skip: 64, Pairs: [][2]int64{{0, 1}}}}, ErrMalformed},
	}
	for _, tc := range tests {
		buf := header(tc.total)
		if err := WriteRays(buf, tc.records); err != nil {
			t.Fatal(err)
		}
		err := NewDecoder(buf, nil, nil).Decode(context.Background(), nil)
		if !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestDecodeSpan(t *testing.T) {
	size := [3]int64{8, 8, 8}
	voxels := randomVoxels(5, size, 100)
	data := encodeMask(t, size, AxisZ, voxels)
	ext, _ := PadExtents(size, 1)
	var total int
	for i := 0; i < 3; i++ {
		start, end := SegmentSpan(ext.NumVoxels(), i, 3)
		sink := newRecordingSink(MaskInterest)
		if err := NewDecoder(bytes.NewReader(data), nil, []Sink{sink}, WithDivisibility(1), WithSpan(start, end)).Decode(context.Background(), nil); err != nil {
			t.Fatal(err)
		}
		for pos := range sink.masks {
			if pos < start || pos >= end {
				t.Errorf("position %d outside span [%d,%d)", pos, start, end)
			}
		}
		total += len(sink.masks)
	}
	if total != len(distinct(voxels)) {
		t.Errorf("spans covered %d voxels, expected %d", total, len(distinct(voxels)))
	}
}

func TestSegmentSpan(t *testing.T) {
	for _, total := range []int64{1, 15, 16, 17, 4096, 262147} {
		for _, n := range []int{1, 3, 16} {
			var next int64
			for i := 0; i < n; i++ {
				start, end := SegmentSpan(total, i, n)
				if start != next || end < start {
					t.Fatalf("total %d, n %d: segment %d is [%d,%d), expected start %d", total, n, i, start, end, next)
				}
				next = end
			}
			if next != total {
				t.Errorf("total %d, n %d: segments end at %d", total, n, next)
			}
		}
	}
}

func TestDecodeRayLayout(t *testing.T) {
	size := [3]int64{4, 5, 6}
	tests := []struct {
		axis    AxisOrder
		records []RayRecord
		want    [][3]int64
	}{
		// y varies fastest, rays step through z, slices step through x
		{AxisY, []RayRecord{
			{Skip: 8, Pairs: [][2]int64{{1, 3}}},
			{Skip: 9, Pairs: [][2]int64{{4, 5}}},
		}, [][3]int64{{1, 1, 2}, {1, 2, 2}, {3, 4, 0}}},
		// z varies fastest, rays step through y, slices step through x
		{AxisZ, []RayRecord{
			{Skip: 7, Pairs: [][2]int64{{0, 2}}},
			{Skip: 11, Pairs: [][2]int64{{5, 6}}},
		}, [][3]int64{{1, 2, 0}, {1, 2, 1}, {3, 4, 5}}},
	}
	for _, tc := range tests {
		var buf bytes.Buffer
		h := Header{Size: size, TotalVoxels: int64(len(tc.want)), Axis: tc.axis}
		if err := h.Write(&buf); err != nil {
			t.Fatal(err)
		}
		if err := WriteRays(&buf, tc.records); err != nil {
			t.Fatal(err)
		}
		sink := newRecordingSink(MaskInterest)
		if err := NewDecoder(&buf, nil, []Sink{sink}, WithDivisibility(1)).Decode(context.Background(), nil); err != nil {
			t.Fatalf("%s: %v", tc.axis, err)
		}
		if len(sink.coords) != len(tc.want) {
			t.Errorf("%s: expected %d voxels, got %v", tc.axis, len(tc.want), sink.coords)
		}
		for _, c := range tc.want {
			if sink.coords[c] != 1 {
				t.Errorf("%s: expected voxel %v once, got %d", tc.axis, c, sink.coords[c])
			}
			if _, found := sink.masks[sink.ext.Index(c[0], c[1], c[2])]; !found {
				t.Errorf("%s: no mask write at padded index of %v", tc.axis, c)
			}
		}
	}
}

func TestChannelSizeGuards(t *testing.T) {
	oversized := func(total int64, byteCount uint8) *bytes.Buffer {
		var buf bytes.Buffer
		s := NewStreamWriter(&buf)
		s.WriteInt64(total)
		for _, b := range []uint8{1, 0, 0, 0, byteCount} {
			s.WriteUint8(b)
		}
		if err := s.Err(); err != nil {
			t.Fatal(err)
		}
		return &buf
	}
	if _, err := ReadChannelData(oversized(1<<62, 4), 1<<62); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed for overflowing channel size, got %v", err)
	}
	buf := oversized(1<<40, 1)
	buf.Write(make([]byte, 100))
	_, err := ReadChannelData(buf, 1<<40)
	var trunc *TruncatedStreamError
	if !errors.As(err, &trunc) {
		t.Fatalf("expected truncated stream error for missing channel bytes, got %v", err)
	}
	if trunc.Got != 100 {
		t.Errorf("expected 100 bytes read before truncation, got %d", trunc.Got)
	}

	mask := encodeMask(t, [3]int64{4, 4, 4}, AxisX, [][3]int64{{0, 0, 0}, {1, 0, 0}})
	short := &ChannelData{
		MetaData:    ChannelMetaData{RawChannelCount: 1, ChannelCount: 1, ByteCount: 1},
		TotalVoxels: 2,
		Channels:    [][]byte{{9}},
	}
	sink := newRecordingSink(ChannelInterest)
	err = NewDecoder(bytes.NewReader(mask), nil, []Sink{sink}).Decode(context.Background(), short)
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed for short channel array, got %v", err)
	}
	if sink.adds != 0 {
		t.Errorf("expected no channel writes, got %d", sink.adds)
	}
}

func TestDecodeCancelled(t *testing.T) {
	size := [3]int64{8, 8, 8}
	data := encodeMask(t, size, AxisX, randomVoxels(3, size, 40))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink := newRecordingSink(MaskInterest)
	err := NewDecoder(bytes.NewReader(data), nil, []Sink{sink}).Decode(ctx, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if sink.adds != 0 {
		t.Errorf("expected no writes after cancellation, got %d", sink.adds)
	}
}
