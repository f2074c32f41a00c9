package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/alphamarket/internal/domain"
)

type memEvents struct {
	recs    []domain.EventRecord
	deletes []uint64
}

func (m *memEvents) ListBefore(_ context.Context, before time.Time, limit int) ([]domain.EventRecord, error) {
	var out []domain.EventRecord
	for _, r := range m.recs {
		if r.Timestamp < before.Unix() && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memEvents) DeleteThrough(_ context.Context, seq uint64) (int64, error) {
	m.deletes = append(m.deletes, seq)
	var keep []domain.EventRecord
	var n int64
	for _, r := range m.recs {
		if r.Seq <= seq {
			n++
			continue
		}
		keep = append(keep, r)
	}
	m.recs = keep
	return n, nil
}

type memBucket struct {
	objects map[string][]byte
	failPut bool
	// staleExists makes Exists miss objects that Put then finds, as when
	// another node uploads between the two calls.
	staleExists bool
}

func (b *memBucket) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if b.failPut {
		return errors.New("bucket unavailable")
	}
	if _, ok := b.objects[path]; ok {
		return domain.ErrAlreadyExists
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.objects[path] = raw
	return nil
}

func (b *memBucket) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return b.Put(ctx, path, data, "")
}

func (b *memBucket) Get(_ context.Context, path string) (io.ReadCloser, error) {
	raw, ok := b.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (b *memBucket) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var out []domain.BlobInfo
	for k, v := range b.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, domain.BlobInfo{Path: k, Size: int64(len(v))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (b *memBucket) Exists(_ context.Context, path string) (bool, error) {
	_, ok := b.objects[path]
	return ok && !b.staleExists, nil
}

func records(n int) []domain.EventRecord {
	out := make([]domain.EventRecord, n)
	for i := range out {
		out[i] = domain.EventRecord{
			ID:        fmt.Sprintf("ev-%d", i+1),
			Seq:       uint64(i + 1),
			Name:      domain.EventModelCreated,
			Timestamp: int64(i * 3600),
			Args:      json.RawMessage(fmt.Sprintf(`{"modelId":"m%d"}`, i+1)),
		}
	}
	return out
}

func TestArchiveEvents(t *testing.T) {
	events := &memEvents{recs: records(5)}
	bucket := &memBucket{objects: map[string][]byte{}}
	a := NewArchiver(events, bucket, bucket, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.batchSize = 2
	ctx := context.Background()

	// events at hours 0..3 are older than the cutoff
	n, err := a.ArchiveEvents(ctx, time.Unix(3*3600+1, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, []uint64{2, 4}, events.deletes)
	require.Len(t, events.recs, 1)
	assert.Equal(t, uint64(5), events.recs[0].Seq)

	objs, err := a.Archived(ctx)
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, "archive/events/1970-01-01/00000000000000000001-00000000000000000002.jsonl", objs[0].Path)

	got, err := a.Restore(ctx, objs[1].Path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ev-3", got[0].ID)
	assert.JSONEq(t, `{"modelId":"m4"}`, string(got[1].Args))

	n, err = a.ArchiveEvents(ctx, time.Unix(3*3600+1, 0))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestArchiveEventsKeepsRowsWhenUploadFails(t *testing.T) {
	events := &memEvents{recs: records(3)}
	bucket := &memBucket{objects: map[string][]byte{}, failPut: true}
	a := NewArchiver(events, bucket, bucket, slog.New(slog.NewTextHandler(io.Discard, nil)))

	n, err := a.ArchiveEvents(context.Background(), time.Unix(1<<40, 0))
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Len(t, events.recs, 3)
	assert.Empty(t, events.deletes)
}

func TestArchiveEventsResumesAfterPartialRun(t *testing.T) {
	events := &memEvents{recs: records(2)}
	bucket := &memBucket{objects: map[string][]byte{}}
	a := NewArchiver(events, bucket, bucket, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	path := archivePath(events.recs[0], events.recs[1])
	bucket.objects[path] = []byte("uploaded earlier\n")
	bucket.failPut = true

	n, err := a.ArchiveEvents(ctx, time.Unix(1<<40, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Empty(t, events.recs)
	assert.Equal(t, "uploaded earlier\n", string(bucket.objects[path]))
}

func TestArchiveEventsToleratesConcurrentUpload(t *testing.T) {
	ctx := context.Background()
	events := &memEvents{recs: records(2)}
	bucket := &memBucket{objects: map[string][]byte{}, staleExists: true}
	a := NewArchiver(events, bucket, bucket, slog.Default())

	path := archivePath(events.recs[0], events.recs[1])
	bucket.objects[path] = []byte("from another node\n")

	n, err := a.ArchiveEvents(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Empty(t, events.recs)
	assert.Equal(t, "from another node\n", string(bucket.objects[path]))
}

type statusError int

func (e statusError) Error() string       { return http.StatusText(int(e)) }
func (e statusError) HTTPStatusCode() int { return int(e) }

func TestUploadErrorMapsPreconditionFailed(t *testing.T) {
	err := uploadError("put", "archive/events/x", fmt.Errorf("wrapped: %w", statusError(http.StatusPreconditionFailed)))
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	err = uploadError("put", "archive/events/x", statusError(http.StatusServiceUnavailable))
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&types.NoSuchKey{}))
	assert.True(t, isNotFound(&types.NotFound{}))
	assert.True(t, isNotFound(statusError(http.StatusNotFound)))
	assert.False(t, isNotFound(statusError(http.StatusForbidden)))
}

func TestAppendBlobInfosSkipsFolderMarkers(t *testing.T) {
	modified := time.Date(2033, 5, 18, 0, 0, 0, 0, time.UTC)
	infos := appendBlobInfos(nil, []types.Object{
		{Key: aws.String("archive/events/2033-05-18/"), Size: aws.Int64(0)},
		{Key: aws.String("archive/events/2033-05-18/a.jsonl"), Size: aws.Int64(42), LastModified: &modified},
	})
	require.Len(t, infos, 1)
	assert.Equal(t, domain.BlobInfo{
		Path:         "archive/events/2033-05-18/a.jsonl",
		Size:         42,
		ContentType:  jsonlContentType,
		LastModified: modified,
	}, infos[0])
}

func TestRestoreMissing(t *testing.T) {
	bucket := &memBucket{objects: map[string][]byte{}}
	a := NewArchiver(&memEvents{}, bucket, bucket, slog.Default())
	_, err := a.Restore(context.Background(), "archive/events/nope.jsonl")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRestoreOutsideArchivePrefix(t *testing.T) {
	bucket := &memBucket{objects: map[string][]byte{"secrets/key.json": []byte(`{"id":"x"}` + "\n")}}
	a := NewArchiver(&memEvents{}, bucket, bucket, slog.Default())
	for _, path := range []string{"secrets/key.json", "archive/events/../../secrets/key.json"} {
		_, err := a.Restore(context.Background(), path)
		require.ErrorIs(t, err, domain.ErrNotFound, path)
	}
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("https://s3.example.com", false))
	assert.Equal(t, "http://minio.local", normaliseEndpoint("minio.local", false))
	assert.Equal(t, "https://minio.local", normaliseEndpoint("minio.local", true))
}
