package storageprovider

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/dgraph-io/badger/v4"
	"github.com/fsouza/fake-gcs-server/fakestorage"
	"github.com/google/uuid"
	"github.com/phayes/freeport"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/memblob"

	"github.com/getsentry/sampletree/internal/storageutil"
	"github.com/getsentry/sampletree/internal/testutil"
)

const bucketName = "snapshots"

var (
	gcsServer *fakestorage.Server
	badgerDB  *badger.DB
)

type snapshot struct {
	Weights map[string]int64 `json:"weights"`
	Threads []int32          `json:"threads"`
}

func TestMain(m *testing.M) {
	port, err := freeport.GetFreePort()
	if err != nil {
		log.Fatalf("no free port found: %v", err)
	}
	publicHost := fmt.Sprintf("127.0.0.1:%d", port)
	gcsServer, err = fakestorage.NewServerWithOptions(fakestorage.Options{
		PublicHost: publicHost,
		Host:       "127.0.0.1",
		Port:       uint16(port),
		Scheme:     "http",
	})
	if err != nil {
		log.Fatalf("couldn't set up gcs server: %v", err)
	}
	os.Setenv("STORAGE_EMULATOR_HOST", publicHost)
	gcsServer.CreateBucketWithOpts(fakestorage.CreateBucketOpts{Name: bucketName})

	badgerDB, err = badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		log.Fatalf("couldn't create an in-memory badgerdb: %v", err)
	}

	code := m.Run()

	if err := badgerDB.Close(); err != nil {
		log.Printf("closing in-memory badgerdb: %v", err)
	}
	gcsServer.Stop()
	os.Exit(code)
}

func handlers(t *testing.T) map[string]storageutil.ObjectHandler {
	t.Helper()
	ctx := context.Background()
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		t.Fatalf("we should be able to create a client: %v", err)
	}
	t.Cleanup(func() { _ = storageClient.Close() })

	fileBucket, err := fileblob.OpenBucket(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("we should be able to open a file bucket: %v", err)
	}
	memBucket := memblob.OpenBucket(nil)
	t.Cleanup(func() {
		_ = fileBucket.Close()
		_ = memBucket.Close()
	})

	return map[string]storageutil.ObjectHandler{
		"GCS":      &Gcs{BucketHandle: storageClient.Bucket(bucketName)},
		"Badger":   &Badger{DB: badgerDB},
		"Fileblob": &Blob{Bucket: fileBucket},
		"Memblob":  &Blob{Bucket: memBucket},
	}
}

func TestRoundTrip(t *testing.T) {
	original := snapshot{
		Weights: map[string]int64{"1:1": 25, "1:2": 20},
		Threads: []int32{4, 2},
	}
	for name, h := range handlers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			objectName := uuid.New().String()
			if err := storageutil.CompressedWrite(ctx, h, objectName, original); err != nil {
				t.Fatalf("we should be able to write: %v", err)
			}
			var got snapshot
			if err := storageutil.UnmarshalCompressed(ctx, h, objectName, &got); err != nil {
				t.Fatalf("we should be able to read the object: %v", err)
			}
			if diff := testutil.Diff(got, original); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}
}

func TestNotFound(t *testing.T) {
	for name, h := range handlers(t) {
		t.Run(name, func(t *testing.T) {
			_, err := h.Get(context.Background(), uuid.New().String())
			if !errors.Is(err, storageutil.ErrObjectNotFound) {
				t.Fatalf("expected ErrObjectNotFound, got %v", err)
			}
		})
	}
}

func TestOpenHandler(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{name: "Badger", url: "badger://" + t.TempDir()},
		{name: "GCS", url: "gs://" + bucketName},
		{name: "Fileblob", url: "file://" + t.TempDir()},
		{name: "Memblob", url: "mem://"},
		{name: "MissingBadgerDirectory", url: "badger://", wantErr: true},
		{name: "UnknownScheme", url: "nope://bucket", wantErr: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ctx := context.Background()
			h, closer, err := OpenHandler(ctx, test.url)
			if (err != nil) != test.wantErr {
				t.Fatalf("unexpected error: %v", err)
			}
			if test.wantErr {
				return
			}
			defer closer.Close()

			original := snapshot{Weights: map[string]int64{"1:1": 1}}
			objectName := uuid.New().String()
			if err := storageutil.CompressedWrite(ctx, h, objectName, original); err != nil {
				t.Fatalf("we should be able to write: %v", err)
			}
			var got snapshot
			if err := storageutil.UnmarshalCompressed(ctx, h, objectName, &got); err != nil {
				t.Fatalf("we should be able to read the object: %v", err)
			}
			if diff := testutil.Diff(got, original); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}
}
