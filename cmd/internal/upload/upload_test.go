package upload

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T, opts ...Option) (*Handler, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "uploads")
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	h, err := NewHandler(dir, opts...)
	require.NoError(t, err)
	h.now = func() time.Time { return time.UnixMilli(1714564800000) }
	h.newID = func() string { return "0f8fad5b-d9cb-469f-a165-70867728950e" }
	return h, dir
}

func multipartBody(t *testing.T, field, name, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "ignored"))
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+name+`"`)
	if contentType != "" {
		hdr.Set("Content-Type", contentType)
	}
	pw, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = pw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUpload_StoresFile(t *testing.T) {
	h, dir := newTestHandler(t)
	body, ct := multipartBody(t, "file", "Holiday Photo.PNG", "image/png", []byte("\x89PNG\r\n\x1a\nrest"))

	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var res Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, "/uploads/file-1714564800000-0f8fad5b-d9cb-469f-a165-70867728950e.png", res.URL)
	require.Equal(t, "Holiday Photo.PNG", res.OriginalName)
	require.Equal(t, int64(12), res.Size)
	require.Equal(t, "image/png", res.MimeType)

	got, err := os.ReadFile(filepath.Join(dir, filepath.Base(res.URL)))
	require.NoError(t, err)
	require.Equal(t, "\x89PNG\r\n\x1a\nrest", string(got))

	srv := httptest.NewRecorder()
	h.Files().ServeHTTP(srv, httptest.NewRequest(http.MethodGet, res.URL, nil))
	require.Equal(t, http.StatusOK, srv.Code)
	require.Equal(t, "nosniff", srv.Header().Get("X-Content-Type-Options"))
}

func TestUpload_TooLarge(t *testing.T) {
	h, dir := newTestHandler(t, WithMaxBytes(8))
	body, ct := multipartBody(t, "file", "big.bin", "", bytes.Repeat([]byte("x"), 9))

	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestUpload_MissingFile(t *testing.T) {
	h, _ := newTestHandler(t)
	body, ct := multipartBody(t, "avatar", "x.txt", "text/plain", []byte("hi"))

	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "missing_file")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/upload", bytes.NewBufferString("{}")))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCleanExtAndDetectType(t *testing.T) {
	require.Equal(t, ".pdf", cleanExt("report.PDF"))
	require.Equal(t, "", cleanExt("noext"))
	require.Equal(t, "", cleanExt("weird.p$f"))

	require.Equal(t, "text/plain", detectType("", ".txt", []byte("hello")))
	require.Equal(t, "image/gif", detectType("application/octet-stream", "", []byte("GIF89a...")))
}

func TestFiles_NoListing(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := httptest.NewRecorder()
	h.Files().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/uploads/", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
