// Package blob resolves stored image references into URLs a grading model can fetch.
package blob

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// MaxInlineBytes caps the size of a file inlined as a data URL.
const MaxInlineBytes = 5 << 20

var (
	ErrUnresolvable = errors.New("image reference cannot be resolved")
	ErrTooLarge     = errors.New("image exceeds inline size limit")
)

// Resolver maps image references to public URLs. Absolute http(s) and data URLs
// pass through unchanged. Relative keys are joined to BaseURL when it is set,
// otherwise read from Dir and inlined.
type Resolver struct {
	baseURL  string
	dir      string
	maxBytes int64
}

func NewResolver(baseURL, dir string) *Resolver {
	return &Resolver{
		baseURL:  strings.TrimRight(baseURL, "/"),
		dir:      dir,
		maxBytes: MaxInlineBytes,
	}
}

// Resolve returns a URL for ref. An empty ref resolves to an empty string.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", nil
	}
	if isAbsolute(ref) {
		return ref, nil
	}
	key, err := cleanKey(ref)
	if err != nil {
		return "", err
	}
	if r.baseURL != "" {
		return r.baseURL + "/" + escapeKey(key), nil
	}
	if r.dir == "" {
		return "", fmt.Errorf("%w: %q has no base URL or directory", ErrUnresolvable, ref)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return r.inline(key)
}

func (r *Resolver) inline(key string) (string, error) {
	f, err := os.Open(filepath.Join(r.dir, filepath.FromSlash(key)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnresolvable, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, r.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	if int64(len(data)) > r.maxBytes {
		return "", fmt.Errorf("%w: %s", ErrTooLarge, key)
	}

	ctype := mime.TypeByExtension(path.Ext(key))
	if ctype == "" {
		ctype = http.DetectContentType(data)
	}
	if i := strings.Index(ctype, ";"); i >= 0 {
		ctype = ctype[:i]
	}
	return "data:" + ctype + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func isAbsolute(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "data:")
}

// cleanKey normalizes a storage key and rejects keys that escape the root.
func cleanKey(ref string) (string, error) {
	key := path.Clean("/" + strings.ReplaceAll(ref, "\\", "/"))
	key = strings.TrimPrefix(key, "/")
	if key == "" || key == "." || strings.Contains(ref, "..") {
		return "", fmt.Errorf("%w: invalid key %q", ErrUnresolvable, ref)
	}
	return key, nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
