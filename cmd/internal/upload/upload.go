// Package upload stores chat attachments on local disk and serves them back.
package upload

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxBytes is the largest accepted attachment.
const DefaultMaxBytes = 50 << 20

// URLPrefix is where stored files are served.
const URLPrefix = "/uploads/"

const formField = "file"

// Result describes a stored attachment.
type Result struct {
	URL          string `json:"url"`
	OriginalName string `json:"originalName"`
	Size         int64  `json:"size"`
	MimeType     string `json:"mimetype"`
}

// Handler accepts multipart uploads into dir.
type Handler struct {
	dir      string
	maxBytes int64
	log      *slog.Logger
	now      func() time.Time
	newID    func() string
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithMaxBytes overrides DefaultMaxBytes.
func WithMaxBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBytes = n
		}
	}
}

// NewHandler creates dir if needed.
func NewHandler(dir string, opts ...Option) (*Handler, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("upload: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("upload: create dir: %w", err)
	}
	h := &Handler{
		dir:      dir,
		maxBytes: DefaultMaxBytes,
		log:      slog.Default(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	// Leave room for multipart framing around the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+64<<10)

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_multipart", "expected multipart/form-data")
		return
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			writeError(w, http.StatusBadRequest, "missing_file", "no file uploaded")
			return
		}
		if err != nil {
			h.writeReadError(w, err)
			return
		}
		if part.FormName() != formField || part.FileName() == "" {
			_ = part.Close()
			continue
		}

		res, err := h.store(part.FileName(), part.Header.Get("Content-Type"), part)
		_ = part.Close()
		if err != nil {
			h.writeReadError(w, err)
			return
		}
		h.log.Info("upload.ok", "name", res.URL, "size", res.Size, "mimetype", res.MimeType)
		writeJSON(w, http.StatusOK, res)
		return
	}
}

var errTooLarge = errors.New("upload: file too large")

func (h *Handler) store(original, contentType string, src io.Reader) (Result, error) {
	original = filepath.Base(strings.ReplaceAll(original, `\`, "/"))
	ext := cleanExt(original)

	tmp, err := os.CreateTemp(h.dir, ".upload-*")
	if err != nil {
		return Result{}, err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	sniff := make([]byte, 0, 512)
	n, err := io.Copy(tmp, io.TeeReader(io.LimitReader(src, h.maxBytes+1), &prefix{buf: &sniff}))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Result{}, err
	}
	if n > h.maxBytes {
		return Result{}, errTooLarge
	}

	name := fmt.Sprintf("file-%d-%s%s", h.now().UnixMilli(), h.newID(), ext)
	if err := os.Rename(tmpName, filepath.Join(h.dir, name)); err != nil {
		return Result{}, err
	}
	return Result{
		URL:          URLPrefix + name,
		OriginalName: original,
		Size:         n,
		MimeType:     detectType(contentType, ext, sniff),
	}, nil
}

func (h *Handler) writeReadError(w http.ResponseWriter, err error) {
	var mbe *http.MaxBytesError
	if errors.Is(err, errTooLarge) || errors.As(err, &mbe) {
		writeError(w, http.StatusRequestEntityTooLarge, "file_too_large", fmt.Sprintf("file exceeds %d bytes", h.maxBytes))
		return
	}
	h.log.Warn("upload.fail", "err", err)
	writeError(w, http.StatusBadRequest, "upload_failed", "could not read upload")
}

// Files serves stored uploads without directory listings.
func (h *Handler) Files() http.Handler {
	fs := http.StripPrefix(URLPrefix, http.FileServer(http.Dir(h.dir)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		base := strings.TrimPrefix(r.URL.Path, URLPrefix)
		if base == "" || strings.HasSuffix(base, "/") || strings.HasPrefix(base, ".") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("X-Content-Type-Options", "nosniff")
		fs.ServeHTTP(w, r)
	})
}

type prefix struct{ buf *[]byte }

func (p *prefix) Write(b []byte) (int, error) {
	if room := cap(*p.buf) - len(*p.buf); room > 0 {
		*p.buf = append(*p.buf, b[:min(room, len(b))]...)
	}
	return len(b), nil
}

func cleanExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) < 2 || len(ext) > 16 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}

func detectType(declared, ext string, head []byte) string {
	if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "application/octet-stream" {
		return mt
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if mt, _, err := mime.ParseMediaType(t); err == nil {
			return mt
		}
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(head))
	return mt
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, struct {
		Error apiError `json:"error"`
	}{Error: apiError{Code: code, Message: msg}})
}
