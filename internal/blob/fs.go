package blob

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// FS keeps blobs in a local directory. Read URLs point either at an HTTP
// endpoint serving Handler, signed with an HMAC and an expiry, or, without a
// base URL, at the file itself.
type FS struct {
	dir     string
	baseURL string
	key     []byte
	now     func() time.Time
	logger  *slog.Logger
}

// NewFS creates dir if needed. baseURL is the public prefix under which
// Handler is mounted, e.g. http://127.0.0.1:8080/blobs.
func NewFS(dir, baseURL string, signingKey []byte) (*FS, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating blob dir: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving blob dir: %w", err)
	}
	if baseURL != "" && len(signingKey) == 0 {
		return nil, errors.New("blob: signing key required when a base URL is set")
	}
	return &FS{
		dir:     abs,
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     signingKey,
		now:     time.Now,
		logger:  slog.Default(),
	}, nil
}

// resolve maps a storage path to a file under dir, rejecting escapes.
func (s *FS) resolve(p string) (string, error) {
	clean := path.Clean("/" + p)
	if clean == "/" {
		return "", fmt.Errorf("blob: empty path")
	}
	return filepath.Join(s.dir, filepath.FromSlash(clean)), nil
}

func (s *FS) Put(ctx context.Context, p string, data []byte) (string, error) {
	full, err := s.resolve(p)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return "", fmt.Errorf("creating blob dir: %w", err)
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("writing blob: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("writing blob: %w", err)
	}
	return strings.TrimPrefix(path.Clean("/"+p), "/"), nil
}

// Get reads a stored blob.
func (s *FS) Get(ctx context.Context, p string) ([]byte, error) {
	full, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	return data, err
}

func (s *FS) ReadURL(ctx context.Context, p string, ttl time.Duration) (string, error) {
	full, err := s.resolve(p)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", p, ErrNotFound)
		}
		return "", err
	}
	if s.baseURL == "" {
		return (&url.URL{Scheme: "file", Path: filepath.ToSlash(full)}).String(), nil
	}

	clean := strings.TrimPrefix(path.Clean("/"+p), "/")
	expires := strconv.FormatInt(s.now().Add(ttl).Unix(), 10)
	q := url.Values{}
	q.Set("expires", expires)
	q.Set("sig", s.sign(clean, expires))
	return s.baseURL + "/" + (&url.URL{Path: clean}).EscapedPath() + "?" + q.Encode(), nil
}

func (s *FS) sign(p, expires string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(p))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(expires))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by ReadURL.
func (s *FS) Verify(p, expires, sig string) bool {
	if len(s.key) == 0 {
		return false
	}
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || s.now().Unix() > exp {
		return false
	}
	want, err := hex.DecodeString(s.sign(p, expires))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}

// Handler serves blobs whose request path (relative to the mount point) and
// query carry a valid signature.
func (s *FS) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		p := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
		q := r.URL.Query()
		if !s.Verify(p, q.Get("expires"), q.Get("sig")) {
			http.Error(w, "invalid or expired signature", http.StatusForbidden)
			return
		}
		full, err := s.resolve(p)
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		f, err := os.Open(full)
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil || info.IsDir() {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		s.logger.Debug("serving blob", "path", p, "size", info.Size())
		http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	})
}
