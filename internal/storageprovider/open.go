package storageprovider

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/dgraph-io/badger/v4"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"

	"github.com/getsentry/sampletree/internal/storageutil"
)

const (
	badgerScheme = "badger://"
	gcsScheme    = "gs://"
)

// OpenHandler opens the object storage at url and returns a closer
// releasing it. badger:// opens a badger database in the given directory,
// gs:// a Google Cloud Storage bucket and any other URL is opened with
// gocloud.dev/blob, such as file:// or mem://.
func OpenHandler(ctx context.Context, url string) (storageutil.ObjectHandler, io.Closer, error) {
	switch {
	case strings.HasPrefix(url, badgerScheme):
		dir := strings.TrimPrefix(url, badgerScheme)
		if dir == "" {
			return nil, nil, fmt.Errorf("storageprovider: missing badger directory in %q", url)
		}
		db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
		if err != nil {
			return nil, nil, err
		}
		return &Badger{DB: db}, db, nil
	case strings.HasPrefix(url, gcsScheme):
		bucket := strings.TrimSuffix(strings.TrimPrefix(url, gcsScheme), "/")
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, err
		}
		return &Gcs{BucketHandle: client.Bucket(bucket)}, client, nil
	}
	b, err := Open(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	return b, b, nil
}
