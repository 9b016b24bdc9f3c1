package storage

import (
	"context"
	"fmt"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcp"

	"github.com/janelia-flyem/maskchan/dvid"
)

// OpenBucket returns a blob.Bucket holding fragment files.
// The reference should be of the form:
//
//	gs://<bucketname>
//	s3://<bucketname>/<prefix>
//	file:///<directory>
//	mem://
//
// A bare name without a scheme is taken as a GCS bucket.
func OpenBucket(ctx context.Context, ref string) (bucket *blob.Bucket, err error) {
	switch {
	case strings.HasPrefix(ref, "s3://"):
		// Requires AWS credentials and AWS_REGION set where gocloud can find them.
		bucket, err = blob.OpenBucket(ctx, ref)
		if err != nil {
			dvid.Errorf("Can't open bucket reference @ %q: %v\n", ref, err)
			return nil, err
		}
		parts := strings.SplitN(strings.TrimPrefix(ref, "s3://"), "/", 2)
		if len(parts) == 2 && parts[1] != "" {
			prefix := parts[1]
			if !strings.HasSuffix(prefix, "/") {
				prefix += "/"
			}
			bucket = blob.PrefixedBucket(bucket, prefix)
		}

	case strings.HasPrefix(ref, "file://"), strings.HasPrefix(ref, "mem://"):
		bucket, err = blob.OpenBucket(ctx, ref)
		if err != nil {
			dvid.Errorf("Can't open bucket reference @ %q: %v\n", ref, err)
			return nil, err
		}

	default:
		name := strings.TrimPrefix(strings.TrimPrefix(ref, "gs://"), "gcs://")
		if name == "" {
			return nil, fmt.Errorf("bad bucket reference %q", ref)
		}
		// See https://cloud.google.com/docs/authentication/production
		creds, err := gcp.DefaultCredentials(ctx)
		if err != nil {
			return nil, err
		}
		client, err := gcp.NewHTTPClient(gcp.DefaultTransport(), gcp.CredentialsTokenSource(creds))
		if err != nil {
			return nil, err
		}
		bucket, err = gcsblob.OpenBucket(ctx, client, name, nil)
		if err != nil {
			dvid.Errorf("Can't open bucket reference @ %q: %v\n", ref, err)
			return nil, err
		}
	}
	return bucket, nil
}
