package dvid

import (
	"bytes"

	. "github.com/janelia-flyem/go/gocheck"
)

func (suite *DataSuite) TestSerialization(c *C) {
	data := bytes.Repeat([]byte{0, 0, 7, 7, 255, 1, 2, 3}, 1000)

	for _, compression := range []Compression{Uncompressed, Snappy, Zstd} {
		for _, checksum := range []Checksum{NoChecksum, CRC32} {
			s, err := SerializeData(data, compression, checksum)
			c.Assert(err, IsNil)
			if len(s) == 0 {
				c.Errorf("Bad SerializeData() - output length 0")
			}

			out, compress, err := DeserializeData(s, true)
			c.Assert(err, IsNil)
			c.Assert(compress, Equals, compression)
			c.Assert(bytes.Equal(out, data), Equals, true)

			if checksum != NoChecksum {
				s[7] = s[7] ^ 0x04 // Flip a bit
				_, _, err = DeserializeData(s, true)
				c.Assert(err, NotNil)
			}
		}
	}
}

func (suite *DataSuite) TestSerializationFormat(c *C) {
	format := EncodeSerializationFormat(Zstd, CRC32)
	compress, checksum := DecodeSerializationFormat(format)
	c.Assert(compress, Equals, Zstd)
	c.Assert(checksum, Equals, CRC32)

	_, _, err := DeserializeData(nil, true)
	c.Assert(err, NotNil)

	_, err = ParseCompression("lz77")
	c.Assert(err, NotNil)
	compress, err = ParseCompression("snappy")
	c.Assert(err, IsNil)
	c.Assert(compress, Equals, Snappy)
}
