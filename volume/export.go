package volume

import (
	"bytes"
	"fmt"
	"io"

	"github.com/blang/semver"

	"github.com/janelia-flyem/maskchan/dvid"
	"github.com/janelia-flyem/maskchan/maskchan"
)

// FormatVersion is the version of the exported volume layout.
var FormatVersion = semver.MustParse("1.0.0")

var exportMagic = []byte("MCVOL")

// Exportable is a volume that can be written with Export.
type Exportable interface {
	Extents() maskchan.Extents
	BytesPerVoxel() int
	Data() []byte
}

// Snapshot is a volume read back by Import.
type Snapshot struct {
	Version       semver.Version
	Ext           maskchan.Extents
	BytesPerVoxel int
	Compression   dvid.Compression
	Payload       []byte
}

func (s *Snapshot) Extents() maskchan.Extents { return s.Ext }
func (s *Snapshot) Data() []byte              { return s.Payload }

// Export writes a volume as a header followed by serialized voxel data.
func Export(w io.Writer, v Exportable, compress dvid.Compression) error {
	payload, err := dvid.SerializeData(v.Data(), compress, dvid.CRC32)
	if err != nil {
		return err
	}
	s := maskchan.NewStreamWriter(w)
	s.WriteBytes(exportMagic)
	version := FormatVersion.String()
	s.WriteUint8(uint8(len(version)))
	s.WriteBytes([]byte(version))
	ext := v.Extents()
	for i := 0; i < 3; i++ {
		s.WriteInt64(ext.Original[i])
	}
	for i := 0; i < 3; i++ {
		s.WriteInt64(ext.Padded[i])
	}
	for i := 0; i < 3; i++ {
		s.WriteFloat32(ext.Coverage[i])
	}
	s.WriteUint8(uint8(v.BytesPerVoxel()))
	s.WriteInt64(int64(len(payload)))
	s.WriteBytes(payload)
	return s.Err()
}

// Import reads a volume written by Export.  Volumes with a different major
// format version are rejected.
func Import(r io.Reader) (*Snapshot, error) {
	s := maskchan.NewStreamReader(r)
	magic := make([]byte, len(exportMagic))
	if err := s.ReadFull("magic", magic); err != nil {
		return nil, err
	}
	if !bytes.Equal(magic, exportMagic) {
		return nil, fmt.Errorf("not an exported volume: bad magic %q", magic)
	}
	n, err := s.ReadUint8("version length")
	if err != nil {
		return nil, err
	}
	vbytes := make([]byte, n)
	if err := s.ReadFull("version", vbytes); err != nil {
		return nil, err
	}
	version, err := semver.Make(string(vbytes))
	if err != nil {
		return nil, fmt.Errorf("bad export version %q: %w", vbytes, err)
	}
	if version.Major != FormatVersion.Major {
		return nil, fmt.Errorf("export version %s incompatible with %s", version, FormatVersion)
	}

	snap := &Snapshot{Version: version}
	for i := 0; i < 3; i++ {
		if snap.Ext.Original[i], err = s.ReadInt64("original extent"); err != nil {
			return nil, err
		}
	}
	for i := 0; i < 3; i++ {
		if snap.Ext.Padded[i], err = s.ReadInt64("padded extent"); err != nil {
			return nil, err
		}
	}
	for i := 0; i < 3; i++ {
		if snap.Ext.Coverage[i], err = s.ReadFloat32("coverage"); err != nil {
			return nil, err
		}
	}
	bpv, err := s.ReadUint8("bytes per voxel")
	if err != nil {
		return nil, err
	}
	snap.BytesPerVoxel = int(bpv)
	length, err := s.ReadInt64("payload length")
	if err != nil {
		return nil, err
	}
	if length < 0 {
		return nil, fmt.Errorf("bad payload length %d", length)
	}
	payload := make([]byte, length)
	if err := s.ReadFull("payload", payload); err != nil {
		return nil, err
	}
	if snap.Payload, snap.Compression, err = dvid.DeserializeData(payload, true); err != nil {
		return nil, err
	}
	want := snap.Ext.NumVoxels() * int64(snap.BytesPerVoxel)
	if int64(len(snap.Payload)) != want {
		return nil, fmt.Errorf("volume payload has %d bytes, expected %d", len(snap.Payload), want)
	}
	return snap, nil
}
