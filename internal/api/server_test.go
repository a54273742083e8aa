package api

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filora/filora/internal/auth"
	"github.com/filora/filora/internal/events"
	"github.com/filora/filora/internal/files"
	"github.com/filora/filora/internal/metadata"
	"github.com/filora/filora/internal/protocol"
	"github.com/filora/filora/internal/quota"
	"github.com/filora/filora/internal/rangeread"
	"github.com/filora/filora/internal/storage"
	"github.com/filora/filora/internal/storage/storagetest"
	"github.com/filora/filora/internal/upload"
)

const chunkSize = 400

type testServer struct {
	handler     http.Handler
	auth        *auth.Auth
	repo        *metadata.MemoryStore
	store       *storagetest.MemoryStore
	broadcaster *events.Broadcaster
	uploads     *upload.Manager
}

func newTestServer(t *testing.T) *testServer {
	return newLimitedServer(t, nil)
}

func newLimitedServer(t *testing.T, limiter *quota.RateLimiter) *testServer {
	t.Helper()
	ts := &testServer{
		auth:        auth.New("test-secret"),
		repo:        metadata.NewMemoryStore(),
		store:       storagetest.NewMemoryStore(storage.KindLocal, storage.ModeOffset),
		broadcaster: events.NewBroadcaster(),
	}
	reg := storage.NewRegistry(ts.store)
	notifier := events.Fanout{ts.broadcaster}
	ts.uploads = upload.NewManager(upload.Config{
		MaxUploadSize: 10_000,
		IdleTimeout:   time.Hour,
		Policy: upload.Policy{
			ChunkSizeDefault:    chunkSize,
			ChunkSizeLarge:      chunkSize,
			ChunkSizeMedia:      chunkSize,
			LargeFileThreshold:  1 << 30,
			LargeMediaThreshold: 1 << 30,
		},
	}, reg, ts.repo, notifier)
	t.Cleanup(ts.uploads.Wait)

	srv := NewServer(ts.uploads, files.NewService(ts.repo, reg, notifier), ts.repo, ts.broadcaster, ts.auth, limiter)
	ts.handler = srv.Handler()
	return ts
}

func (ts *testServer) token(t *testing.T, subject string) string {
	t.Helper()
	tok, _, err := ts.auth.IssueToken(subject, subject, time.Hour)
	require.NoError(t, err)
	return tok
}

func (ts *testServer) do(t *testing.T, user string, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token(t, user))
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) json(t *testing.T, user, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	return ts.do(t, user, req)
}

func chunkRequest(t *testing.T, path string, fields map[string]string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if data != nil {
		fw, err := mw.CreateFormFile(protocol.ChunkFieldData, "blob")
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/256)
	}
	return b
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (ts *testServer) initUpload(t *testing.T, user string, size int) protocol.InitUploadResponse {
	t.Helper()
	rec := ts.json(t, user, http.MethodPost, "/api/v1/uploads", protocol.InitUploadRequest{
		Filename: "clip.bin",
		Size:     int64(size),
		MimeType: "application/octet-stream",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[protocol.InitUploadResponse](t, rec)
}

func (ts *testServer) sendChunk(t *testing.T, user string, id uuid.UUID, seq int, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	path := fmt.Sprintf("/api/v1/uploads/%s/chunks", id)
	return ts.do(t, user, chunkRequest(t, path, map[string]string{
		protocol.ChunkFieldSequence: strconv.Itoa(seq),
	}, data))
}

// upload stores data as a complete file owned by user.
func (ts *testServer) upload(t *testing.T, user string, data []byte) metadata.File {
	t.Helper()
	init := ts.initUpload(t, user, len(data))
	for seq := 0; seq < init.TotalChunks; seq++ {
		lo := seq * chunkSize
		hi := min(lo+chunkSize, len(data))
		rec := ts.sendChunk(t, user, init.UploadID, seq, data[lo:hi])
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	rec := ts.do(t, user, httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/v1/uploads/%s/complete", init.UploadID), nil))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[metadata.File](t, rec)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, "", httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/api/v1/uploads/" + uuid.NewString(), "/api/v1/files/" + uuid.NewString(), "/api/v1/webhooks"} {
		rec := ts.do(t, "", httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestRateLimitedRoutes(t *testing.T) {
	ts := newLimitedServer(t, quota.NewRateLimiter(2))
	for i := 0; i < 2; i++ {
		rec := ts.do(t, "alice", httptest.NewRequest(http.MethodGet, "/api/v1/webhooks", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := ts.do(t, "alice", httptest.NewRequest(http.MethodGet, "/api/v1/webhooks", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = ts.do(t, "bob", httptest.NewRequest(http.MethodGet, "/api/v1/webhooks", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, "", httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUploadAndDownload(t *testing.T) {
	ts := newTestServer(t)
	data := payload(1000)

	init := ts.initUpload(t, "alice", len(data))
	assert.Equal(t, int64(chunkSize), init.ChunkSize)
	assert.Equal(t, 3, init.TotalChunks)
	assert.Equal(t, int64(10_000), init.MaxFileSize)
	assert.Equal(t, "local", init.BackendKind)

	// Chunks may arrive in any order on an offset store; the alias field
	// name is accepted.
	path := fmt.Sprintf("/api/v1/uploads/%s/chunks", init.UploadID)
	rec := ts.do(t, "alice", chunkRequest(t, path, map[string]string{
		protocol.ChunkFieldSequenceAlt: "2",
		protocol.ChunkFieldTotal:       "3",
	}, data[800:]))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[upload.ChunkResult](t, rec)
	assert.Equal(t, 2, res.Sequence)
	assert.Equal(t, 1, res.ChunksAccepted)

	require.Equal(t, http.StatusOK, ts.sendChunk(t, "alice", init.UploadID, 0, data[:400]).Code)

	rec = ts.do(t, "alice", httptest.NewRequest(http.MethodGet, "/api/v1/uploads/"+init.UploadID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeBody[upload.Status](t, rec)
	assert.Equal(t, []int{0, 2}, st.Accepted)
	assert.Equal(t, []int{1}, st.Missing)

	require.Equal(t, http.StatusOK, ts.sendChunk(t, "alice", init.UploadID, 1, data[400:800]).Code)
	rec = ts.do(t, "alice", httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/v1/uploads/%s/complete", init.UploadID), nil))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	f := decodeBody[metadata.File](t, rec)
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), f.Checksum)
	assert.Equal(t, int64(1000), f.Size)

	rec = ts.do(t, "alice", httptest.NewRequest(http.MethodGet, "/api/v1/files/"+f.ID.String()+"/download", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, data, rec.Body.Bytes())
	assert.Equal(t, "1000", rec.Header().Get("Content-Length"))
	assert.Equal(t, `"`+f.Checksum+`"`, rec.Header().Get("ETag"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))
	assert.Equal(t, `attachment; filename=clip.bin`, rec.Header().Get("Content-Disposition"))

	rec = ts.do(t, "alice", httptest.NewRequest(http.MethodGet, "/api/v1/files/"+f.ID.String()+"/stream", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Disposition"), "inline"))

	stored, err := ts.repo.GetFile(context.Background(), f.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.DownloadCount)
}

func TestRangeRequests(t *testing.T) {
	ts := newTestServer(t)
	data := payload(1000)
	f := ts.upload(t, "alice", data)
	url := "/api/v1/files/" + f.ID.String() + "/stream"

	tests := []struct {
		header       string
		wantCode     int
		wantRange    string
		wantStart    int
		wantEnd      int
		wantEmptyErr bool
	}{
		{"bytes=100-199", http.StatusPartialContent, "bytes 100-199/1000", 100, 199, false},
		{"bytes=0-0", http.StatusPartialContent, "bytes 0-0/1000", 0, 0, false},
		{"bytes=900-", http.StatusPartialContent, "bytes 900-999/1000", 900, 999, false},
		{"bytes=-10", http.StatusPartialContent, "bytes 990-999/1000", 990, 999, false},
		{"bytes=950-5000", http.StatusPartialContent, "bytes 950-999/1000", 950, 999, false},
		{"bytes=1000-1001", http.StatusRequestedRangeNotSatisfiable, "bytes */1000", 0, 0, true},
		{"bytes=abc-", http.StatusBadRequest, "", 0, 0, true},
		{"bytes=5-1", http.StatusBadRequest, "", 0, 0, true},
		{"bytes=0-1,5-6", http.StatusBadRequest, "", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, url, nil)
			req.Header.Set("Range", tt.header)
			rec := ts.do(t, "alice", req)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantRange, rec.Header().Get("Content-Range"))
			if tt.wantEmptyErr {
				assert.Contains(t, rec.Body.String(), `"error"`)
				return
			}
			assert.Equal(t, data[tt.wantStart:tt.wantEnd+1], rec.Body.Bytes())
			assert.Equal(t, strconv.Itoa(tt.wantEnd-tt.wantStart+1), rec.Header().Get("Content-Length"))
		})
	}
}

func TestDownloadAccess(t *testing.T) {
	ts := newTestServer(t)
	f := ts.upload(t, "alice", payload(500))
	url := "/api/v1/files/" + f.ID.String()

	rec := ts.do(t, "bob", httptest.NewRequest(http.MethodGet, url+"/download", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "Access denied")

	rec = ts.json(t, "bob", http.MethodPut, url+"/public", map[string]bool{"public": true})
	assert.Equal(t, http.StatusNotFound, rec.Code, "only the owner can publish")

	rec = ts.json(t, "alice", http.MethodPut, url+"/public", map[string]bool{"public": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeBody[metadata.File](t, rec).IsPublic)

	rec = ts.do(t, "bob", httptest.NewRequest(http.MethodGet, url+"/download", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, rec.Body.Bytes(), 500)

	rec = ts.do(t, "bob", httptest.NewRequest(http.MethodDelete, url, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, "alice", httptest.NewRequest(http.MethodDelete, url, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, ts.store.Handles())

	rec = ts.do(t, "alice", httptest.NewRequest(http.MethodGet, url+"/download", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadMissingBlob(t *testing.T) {
	ts := newTestServer(t)
	f := ts.upload(t, "alice", payload(300))
	for _, h := range ts.store.Handles() {
		require.NoError(t, ts.store.Delete(context.Background(), h))
	}
	rec := ts.do(t, "alice", httptest.NewRequest(http.MethodGet, "/api/v1/files/"+f.ID.String()+"/download", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInitUploadErrors(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		name string
		body any
		want int
	}{
		{"too large", protocol.InitUploadRequest{Filename: "a", Size: 10_001}, http.StatusRequestEntityTooLarge},
		{"missing filename", protocol.InitUploadRequest{Size: 10}, http.StatusBadRequest},
		{"zero size", protocol.InitUploadRequest{Filename: "a"}, http.StatusBadRequest},
		{"unknown folder", protocol.InitUploadRequest{Filename: "a", Size: 10, FolderID: ptr(uuid.New())}, http.StatusNotFound},
		{"not json", "{", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rec *httptest.ResponseRecorder
			if s, ok := tt.body.(string); ok {
				req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", strings.NewReader(s))
				rec = ts.do(t, "alice", req)
			} else {
				rec = ts.json(t, "alice", http.MethodPost, "/api/v1/uploads", tt.body)
			}
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestChunkErrors(t *testing.T) {
	ts := newTestServer(t)
	init := ts.initUpload(t, "alice", 1000)
	path := fmt.Sprintf("/api/v1/uploads/%s/chunks", init.UploadID)

	rec := ts.do(t, "alice", chunkRequest(t, path, map[string]string{protocol.ChunkFieldSequence: "0"}, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing chunk")
	assert.Contains(t, rec.Body.String(), "missing chunk data")

	rec = ts.do(t, "alice", chunkRequest(t, path, nil, payload(400)))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing sequence")

	rec = ts.sendChunk(t, "alice", init.UploadID, 0, payload(100))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "short non-final chunk")

	rec = ts.sendChunk(t, "alice", init.UploadID, 7, payload(400))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "sequence out of range")

	require.Equal(t, http.StatusOK, ts.sendChunk(t, "alice", init.UploadID, 0, payload(400)).Code)
	rec = ts.sendChunk(t, "alice", init.UploadID, 0, payload(400))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[upload.ChunkResult](t, rec).Duplicate)

	rec = ts.sendChunk(t, "bob", init.UploadID, 1, payload(400))
	assert.Equal(t, http.StatusNotFound, rec.Code, "foreign session")

	rec = ts.sendChunk(t, "alice", uuid.New(), 0, payload(400))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, "alice", chunkRequest(t, "/api/v1/uploads/not-a-uuid/chunks", nil, payload(1)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOversizedChunkBody(t *testing.T) {
	ts := newTestServer(t)
	init := ts.initUpload(t, "alice", 1000)
	rec := ts.sendChunk(t, "alice", init.UploadID, 0, payload(chunkSize+multipartOverhead+1))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestCancelUpload(t *testing.T) {
	ts := newTestServer(t)
	init := ts.initUpload(t, "alice", 1000)
	require.Equal(t, http.StatusOK, ts.sendChunk(t, "alice", init.UploadID, 0, payload(400)).Code)

	url := "/api/v1/uploads/" + init.UploadID.String()
	rec := ts.do(t, "alice", httptest.NewRequest(http.MethodDelete, url, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"Upload cancelled"}`, rec.Body.String())
	assert.Empty(t, ts.store.Handles())

	rec = ts.do(t, "alice", httptest.NewRequest(http.MethodDelete, url, nil))
	assert.Equal(t, http.StatusOK, rec.Code, "cancel is idempotent")

	rec = ts.sendChunk(t, "alice", init.UploadID, 1, payload(400))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompleteShortUpload(t *testing.T) {
	ts := newTestServer(t)
	data := payload(1000)
	init := ts.initUpload(t, "alice", len(data))
	require.Equal(t, http.StatusOK, ts.sendChunk(t, "alice", init.UploadID, 0, data[:400]).Code)
	require.Equal(t, http.StatusOK, ts.sendChunk(t, "alice", init.UploadID, 1, data[400:800]).Code)

	url := "/api/v1/uploads/" + init.UploadID.String()
	rec := ts.do(t, "alice", httptest.NewRequest(http.MethodPost, url+"/complete", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "size mismatch")
	assert.Empty(t, ts.store.Handles())

	rec = ts.do(t, "alice", httptest.NewRequest(http.MethodGet, url, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, upload.StateFailed, decodeBody[upload.Status](t, rec).State)
}

func TestVersions(t *testing.T) {
	ts := newTestServer(t)
	f := ts.upload(t, "alice", payload(300))

	rec := ts.json(t, "alice", http.MethodPost, "/api/v1/uploads", protocol.InitUploadRequest{
		Filename: "clip.bin", Size: 200, ReplaceFileID: &f.ID,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	init := decodeBody[protocol.InitUploadResponse](t, rec)
	require.Equal(t, http.StatusOK, ts.sendChunk(t, "alice", init.UploadID, 0, payload(200)).Code)
	rec = ts.do(t, "alice", httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/v1/uploads/%s/complete", init.UploadID), nil))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	replaced := decodeBody[metadata.File](t, rec)
	assert.Equal(t, f.ID, replaced.ID)
	assert.Equal(t, 2, replaced.Version)
	assert.Equal(t, int64(200), replaced.Size)

	rec = ts.do(t, "alice", httptest.NewRequest(http.MethodGet, "/api/v1/files/"+f.ID.String()+"/versions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	versions := decodeBody[[]metadata.FileVersion](t, rec)
	require.Len(t, versions, 1)
	assert.Equal(t, int64(300), versions[0].Size)

	restore := fmt.Sprintf("/api/v1/files/%s/versions/%s/restore", f.ID, versions[0].ID)
	rec = ts.do(t, "bob", httptest.NewRequest(http.MethodPost, restore, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(t, "alice", httptest.NewRequest(http.MethodPost, restore, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(300), decodeBody[metadata.File](t, rec).Size)
}

func TestFolders(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.json(t, "alice", http.MethodPost, "/api/v1/folders", protocol.CreateFolderRequest{Name: "Photos"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	parent := decodeBody[metadata.Folder](t, rec)
	assert.Equal(t, "alice", parent.OwnerID)

	rec = ts.json(t, "alice", http.MethodPost, "/api/v1/folders", protocol.CreateFolderRequest{Name: "2026", ParentID: &parent.ID})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.json(t, "bob", http.MethodPost, "/api/v1/folders", protocol.CreateFolderRequest{Name: "x", ParentID: &parent.ID})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.json(t, "alice", http.MethodPost, "/api/v1/folders", protocol.CreateFolderRequest{Name: "a/b"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.json(t, "alice", http.MethodPost, "/api/v1/folders", protocol.CreateFolderRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhooks(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.json(t, "alice", http.MethodPost, "/api/v1/webhooks", protocol.CreateWebhookRequest{
		URL:    "https://hooks.example.com/filora",
		Events: []string{"upload.completed", "file.deleted"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[protocol.WebhookResponse](t, rec)
	assert.Len(t, created.Secret, 64)
	assert.True(t, created.Active)

	rec = ts.do(t, "alice", httptest.NewRequest(http.MethodGet, "/api/v1/webhooks", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decodeBody[[]protocol.WebhookResponse](t, rec)
	require.Len(t, listed, 1)
	assert.Equal(t, created.ID, listed[0].ID)
	assert.Empty(t, listed[0].Secret)

	rec = ts.do(t, "bob", httptest.NewRequest(http.MethodGet, "/api/v1/webhooks", nil))
	assert.JSONEq(t, `[]`, rec.Body.String())

	for name, req := range map[string]protocol.CreateWebhookRequest{
		"unknown event": {URL: "https://example.com", Events: []string{"user.created"}},
		"no events":     {URL: "https://example.com"},
		"bad url":       {URL: "ftp://example.com", Events: []string{"file.deleted"}},
		"short secret":  {URL: "https://example.com", Events: []string{"file.deleted"}, Secret: "short"},
	} {
		rec := ts.json(t, "alice", http.MethodPost, "/api/v1/webhooks", req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events?token="+ts.token(t, "alice"), nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return ts.broadcaster.Count() == 1 }, time.Second, 10*time.Millisecond)

	rec := ts.json(t, "bob", http.MethodPost, "/api/v1/folders", protocol.CreateFolderRequest{Name: "other"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = ts.json(t, "alice", http.MethodPost, "/api/v1/folders", protocol.CreateFolderRequest{Name: "mine"})
	require.Equal(t, http.StatusCreated, rec.Code)

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		if sc.Text() == "" {
			break
		}
		lines = append(lines, sc.Text())
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "event: folder.created", lines[0])
	assert.Contains(t, lines[1], `"name":"mine"`)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{upload.ErrTooLarge, http.StatusRequestEntityTooLarge},
		{fmt.Errorf("%w: 1 GiB used", quota.ErrQuotaExceeded), http.StatusRequestEntityTooLarge},
		{fmt.Errorf("x: %w", upload.ErrValidation), http.StatusBadRequest},
		{upload.ErrSessionNotFound, http.StatusNotFound},
		{files.ErrNotFound, http.StatusNotFound},
		{files.ErrForbidden, http.StatusForbidden},
		{upload.ErrOutOfOrderChunk, http.StatusConflict},
		{&upload.SizeMismatchError{Expected: 1000, Actual: 900}, http.StatusBadRequest},
		{rangeread.ErrMalformedRange, http.StatusBadRequest},
		{rangeread.ErrRangeNotSatisfiable, http.StatusRequestedRangeNotSatisfiable},
		{storage.ErrBackendUnavailable, http.StatusServiceUnavailable},
		{storage.Wrap(storage.KindLocal, "write", "h", errors.New("disk full")), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func ptr[T any](v T) *T { return &v }
