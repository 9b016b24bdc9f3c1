package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	. "github.com/janelia-flyem/go/gocheck"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/memblob"
)

type ResolverSuite struct{}

var _ = Suite(&ResolverSuite{})

func (s *ResolverSuite) TestLocalResolver(c *C) {
	ctx := context.Background()
	lr := LocalResolver{Root: "/data/scene"}
	path, err := lr.Resolve(ctx, "masks/a.mask")
	c.Assert(err, IsNil)
	c.Assert(path, Equals, filepath.Join("/data/scene", "masks", "a.mask"))

	path, err = lr.Resolve(ctx, "/abs/b.mask")
	c.Assert(err, IsNil)
	c.Assert(path, Equals, "/abs/b.mask")
}

func (s *ResolverSuite) TestBlobResolverMem(c *C) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	c.Assert(bucket.WriteAll(ctx, "scene/a.mask", []byte("mask bytes"), nil), IsNil)

	br, err := NewBlobResolver(bucket, c.MkDir(), 2)
	c.Assert(err, IsNil)
	defer br.Close()

	local, err := br.Resolve(ctx, "/scene/a.mask")
	c.Assert(err, IsNil)
	data, err := os.ReadFile(local)
	c.Assert(err, IsNil)
	c.Assert(string(data), Equals, "mask bytes")

	again, err := br.Resolve(ctx, "scene/a.mask")
	c.Assert(err, IsNil)
	c.Assert(again, Equals, local)
	c.Assert(br.Fetched(), Equals, 1)

	// a removed cache file is fetched again
	c.Assert(os.Remove(local), IsNil)
	_, err = br.Resolve(ctx, "scene/a.mask")
	c.Assert(err, IsNil)
	c.Assert(br.Fetched(), Equals, 2)

	_, err = br.Resolve(ctx, "scene/missing.mask")
	c.Assert(errors.Is(err, os.ErrNotExist), Equals, true)

	_, err = br.Resolve(ctx, "")
	c.Assert(err, NotNil)
}

func (s *ResolverSuite) TestBlobResolverFile(c *C) {
	ctx := context.Background()
	srcDir := c.MkDir()
	c.Assert(os.MkdirAll(filepath.Join(srcDir, "chans"), 0755), IsNil)
	c.Assert(os.WriteFile(filepath.Join(srcDir, "chans", "a.chan"), []byte{1, 2, 3}, 0644), IsNil)

	bucket, err := fileblob.OpenBucket(srcDir, nil)
	c.Assert(err, IsNil)
	br, err := NewBlobResolver(bucket, c.MkDir(), 0)
	c.Assert(err, IsNil)
	defer br.Close()

	local, err := br.Resolve(ctx, "chans/a.chan")
	c.Assert(err, IsNil)
	data, err := os.ReadFile(local)
	c.Assert(err, IsNil)
	c.Assert(data, DeepEquals, []byte{1, 2, 3})
}

func (s *ResolverSuite) TestOpenResolver(c *C) {
	ctx := context.Background()
	r, closeFn, err := OpenResolver(ctx, ResolverConfig{Root: "/x"})
	c.Assert(err, IsNil)
	_, ok := r.(LocalResolver)
	c.Assert(ok, Equals, true)
	c.Assert(closeFn(), IsNil)

	r, closeFn, err = OpenResolver(ctx, ResolverConfig{Bucket: "mem://", CacheDir: c.MkDir()})
	c.Assert(err, IsNil)
	_, ok = r.(*BlobResolver)
	c.Assert(ok, Equals, true)
	c.Assert(closeFn(), IsNil)

	_, _, err = OpenResolver(ctx, ResolverConfig{Bucket: "mem://"})
	c.Assert(err, NotNil)
}
