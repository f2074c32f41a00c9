package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/alphamarket/internal/domain"
)

type stubArchive struct {
	batches map[string][]domain.EventRecord
	err     error
}

func (a *stubArchive) Archived(context.Context) ([]domain.BlobInfo, error) {
	if a.err != nil {
		return nil, a.err
	}
	var out []domain.BlobInfo
	for p := range a.batches {
		out = append(out, domain.BlobInfo{Path: p, Size: 10})
	}
	return out, nil
}

func (a *stubArchive) Restore(_ context.Context, path string) ([]domain.EventRecord, error) {
	if a.err != nil {
		return nil, a.err
	}
	recs, ok := a.batches[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return recs, nil
}

func TestArchiveHandler(t *testing.T) {
	const path = "archive/events/2033-05-18/00000000000000000001-00000000000000000002.jsonl"
	archive := &stubArchive{batches: map[string][]domain.EventRecord{
		path: {
			{ID: "a", Seq: 1, Name: domain.EventTournamentCreated, Args: json.RawMessage(`{}`)},
			{ID: "b", Seq: 2, Name: domain.EventModelCreated, Args: json.RawMessage(`{}`)},
		},
	}}
	h := NewArchiveHandler(archive, slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := httptest.NewRecorder()
	h.ListBatches(rec, httptest.NewRequest(http.MethodGet, "/api/archive", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Batches []archiveObject `json:"batches"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Batches, 1)
	assert.Equal(t, path, list.Batches[0].Path)

	rec = httptest.NewRecorder()
	h.GetBatch(rec, httptest.NewRequest(http.MethodGet, "/api/archive/events?path="+path, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var batch struct {
		Events []domain.EventRecord `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &batch))
	require.Len(t, batch.Events, 2)
	assert.Equal(t, uint64(2), batch.Events[1].Seq)

	for target, status := range map[string]int{
		"/api/archive/events":                       http.StatusBadRequest,
		"/api/archive/events?path=archive/events/x": http.StatusNotFound,
	} {
		rec = httptest.NewRecorder()
		h.GetBatch(rec, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, status, rec.Code, target)
	}

	archive.err = errors.New("bucket unreachable")
	rec = httptest.NewRecorder()
	h.ListBatches(rec, httptest.NewRequest(http.MethodGet, "/api/archive", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
