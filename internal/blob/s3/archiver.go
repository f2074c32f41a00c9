package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/alphamarket/internal/domain"
)

const (
	jsonlContentType = "application/x-ndjson"
	archivePrefix    = "archive/events/"
	defaultBatchSize = 5000
)

// EventSource is the slice of domain.EventStore the archiver needs.
type EventSource interface {
	ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.EventRecord, error)
	DeleteThrough(ctx context.Context, seq uint64) (int64, error)
}

// EventArchiver implements domain.Archiver. It moves events older than a
// cutoff to JSONL objects, one per batch, and deletes each batch from the
// database only after its upload succeeded.
type EventArchiver struct {
	events    EventSource
	writer    domain.BlobWriter
	reader    domain.BlobReader
	batchSize int
	logger    *slog.Logger
}

// NewArchiver creates an EventArchiver.
func NewArchiver(events EventSource, writer domain.BlobWriter, reader domain.BlobReader, logger *slog.Logger) *EventArchiver {
	return &EventArchiver{
		events:    events,
		writer:    writer,
		reader:    reader,
		batchSize: defaultBatchSize,
		logger:    logger,
	}
}

// ArchiveEvents returns how many events were moved.
func (a *EventArchiver) ArchiveEvents(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for {
		batch, err := a.events.ListBefore(ctx, before, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive events query: %w", err)
		}
		if len(batch) == 0 {
			return total, nil
		}

		buf, err := marshalJSONL(batch)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive events marshal: %w", err)
		}

		first, last := batch[0], batch[len(batch)-1]
		path := archivePath(first, last)

		// A run that uploaded but died before deleting leaves the object
		// behind; the batch is identical, so only the delete is redone.
		exists, err := a.reader.Exists(ctx, path)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive events exists %s: %w", path, err)
		}
		switch {
		case exists:
			a.logger.Warn("archive object already present, skipping upload", "path", path)
		case int64(len(buf)) > minPartSize:
			err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
		default:
			err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
		}
		if errors.Is(err, domain.ErrAlreadyExists) {
			// Another node uploaded the same batch between Exists and Put.
			a.logger.Warn("archive object written concurrently, keeping existing", "path", path)
			err = nil
		}
		if err != nil {
			return total, fmt.Errorf("s3blob: archive events upload %s: %w", path, err)
		}

		if _, err := a.events.DeleteThrough(ctx, last.Seq); err != nil {
			return total, fmt.Errorf("s3blob: archive events delete through %d: %w", last.Seq, err)
		}
		total += int64(len(batch))
		a.logger.Info("archived events", "path", path, "count", len(batch), "first_seq", first.Seq, "last_seq", last.Seq)

		if len(batch) < a.batchSize {
			return total, nil
		}
	}
}

// Archived lists every archive object, oldest batch first.
func (a *EventArchiver) Archived(ctx context.Context) ([]domain.BlobInfo, error) {
	return a.reader.List(ctx, archivePrefix)
}

// Restore reads one archive object back into records.
// Paths outside the archive prefix are reported as not found.
func (a *EventArchiver) Restore(ctx context.Context, path string) ([]domain.EventRecord, error) {
	if !strings.HasPrefix(path, archivePrefix) || strings.Contains(path, "..") {
		return nil, fmt.Errorf("s3blob: restore %s: %w", path, domain.ErrNotFound)
	}
	body, err := a.reader.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var out []domain.EventRecord
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var rec domain.EventRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("s3blob: restore %s line %d: %w", path, len(out)+1, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("s3blob: restore %s: %w", path, err)
	}
	return out, nil
}

// archivePath names a batch by the day its first event happened and its
// sequence range, so lexical order is sequence order.
//
//	archive/events/2025-01-02/00000000000000000001-00000000000000005000.jsonl
func archivePath(first, last domain.EventRecord) string {
	day := time.Unix(first.Timestamp, 0).UTC().Format("2006-01-02")
	return fmt.Sprintf("%s%s/%020d-%020d.jsonl", archivePrefix, day, first.Seq, last.Seq)
}

// marshalJSONL encodes each record as one compact JSON line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*EventArchiver)(nil)
