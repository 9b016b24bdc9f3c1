package maskchan

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"
)

// recordingSink captures everything a decoder sends.
type recordingSink struct {
	interest Interest

	mu         sync.Mutex
	spaceCalls int
	ext        Extents
	masks      map[int64]uint32
	coords     map[[3]int64]int
	channels   map[int64][]byte
	md         *ChannelMetaData
	ended      int
	adds       int // mask and channel writes
	afterEnd   int // writes received after EndData
}

func newRecordingSink(interest Interest) *recordingSink {
	return &recordingSink{
		interest: interest,
		masks:    make(map[int64]uint32),
		coords:   make(map[[3]int64]int),
		channels: make(map[int64][]byte),
	}
}

func (rs *recordingSink) Interest() Interest { return rs.interest }

func (rs *recordingSink) SetSpaceSize(ext Extents) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.spaceCalls++
	rs.ext = ext
	return nil
}

func (rs *recordingSink) AddMaskData(maskID uint32, pos, x, y, z int64) (int, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.countAdd()
	rs.masks[pos] = maskID
	rs.coords[[3]int64{x, y, z}]++
	return 1, nil
}

func (rs *recordingSink) AddChannelData(maskID uint32, b []byte, pos, x, y, z int64, md *ChannelMetaData) (int, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.countAdd()
	rs.channels[pos] = append([]byte(nil), b...)
	rs.md = md
	return 1, nil
}

func (rs *recordingSink) countAdd() {
	rs.adds++
	if rs.ended > 0 {
		rs.afterEnd++
	}
}

func (rs *recordingSink) EndData() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.ended++
	return nil
}

// memSource serves fragment streams from memory, keyed by path.
type memSource struct {
	mu    sync.Mutex
	files map[string][]byte
	opens map[string]int
}

func newMemSource() *memSource {
	return &memSource{files: make(map[string][]byte), opens: make(map[string]int)}
}

func (ms *memSource) put(path string, data []byte) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.files[path] = data
}

func (ms *memSource) open(path string) (io.ReadCloser, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	data, found := ms.files[path]
	if !found {
		return nil, fmt.Errorf("no such file %q", path)
	}
	ms.opens[path]++
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (ms *memSource) OpenMask(ctx context.Context, frag *Fragment) (io.ReadCloser, error) {
	return ms.open(frag.MaskPath)
}

func (ms *memSource) OpenChannel(ctx context.Context, frag *Fragment) (io.ReadCloser, error) {
	if frag.ChannelPath == "" {
		return nil, nil
	}
	return ms.open(frag.ChannelPath)
}

// slowSource serves one mask whose reads each stall for delay.
type slowSource struct {
	mask  []byte
	delay time.Duration
}

type slowReader struct {
	r     io.Reader
	delay time.Duration
}

func (sr *slowReader) Read(p []byte) (int, error) {
	time.Sleep(sr.delay)
	return sr.r.Read(p)
}

func (ss *slowSource) OpenMask(ctx context.Context, frag *Fragment) (io.ReadCloser, error) {
	return io.NopCloser(&slowReader{r: bytes.NewReader(ss.mask), delay: ss.delay}), nil
}

func (ss *slowSource) OpenChannel(ctx context.Context, frag *Fragment) (io.ReadCloser, error) {
	return nil, nil
}

func randomVoxels(seed int64, size [3]int64, n int) [][3]int64 {
	r := rand.New(rand.NewSource(seed))
	voxels := make([][3]int64, n)
	for i := range voxels {
		voxels[i] = [3]int64{r.Int63n(size[0]), r.Int63n(size[1]), r.Int63n(size[2])}
	}
	return voxels
}

func encodeMask(t *testing.T, size [3]int64, axis AxisOrder, voxels [][3]int64) []byte {
	t.Helper()
	var buf bytes.Buffer
	if _, err := EncodeMask(&buf, size, [3]float32{0.5, 0.5, 1}, axis, voxels); err != nil {
		t.Fatalf("unable to encode mask: %v", err)
	}
	return buf.Bytes()
}

func distinct(voxels [][3]int64) map[[3]int64]struct{} {
	set := make(map[[3]int64]struct{}, len(voxels))
	for _, v := range voxels {
		set[v] = struct{}{}
	}
	return set
}
