// Package attachments is the upload collaborator for message media.
//
// Blobs are content addressed (BLAKE2b-256) and kept in an embedded Pebble store,
// so uploading the same bytes twice yields the same ref.
package attachments

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"golang.org/x/crypto/blake2b"
)

// DefaultAllowedTypes are the raster formats browsers render without running script.
var DefaultAllowedTypes = []string{"image/png", "image/jpeg", "image/gif", "image/webp"}

var (
	// ErrNotFound is returned when a ref is unknown.
	ErrNotFound = errors.New("attachment not found")

	// ErrEmpty is returned for a zero-byte upload.
	ErrEmpty = errors.New("empty attachment")

	// ErrTooLarge is returned when an upload exceeds the configured limit.
	ErrTooLarge = errors.New("attachment too large")

	// ErrUnsupportedType is returned when the content type is not allowed.
	ErrUnsupportedType = errors.New("unsupported attachment type")
)

const (
	// DefaultMaxBytes matches the browser client's upload cap.
	DefaultMaxBytes = 10 << 20

	// URIPrefix is the public path attachments are served from.
	URIPrefix = "/api/attachments/"

	blobPrefix = "blob:"
	metaPrefix = "meta:"
)

// Attachment describes one stored blob.
type Attachment struct {
	Ref         string    `json:"ref"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"createdAt"`
}

// URI is the attachmentRef stored on messages.
func (a Attachment) URI() string {
	return URIPrefix + a.Ref
}

// Options configures a Store.
type Options struct {
	// MaxBytes caps one upload (default DefaultMaxBytes).
	MaxBytes int64

	// AllowedTypes lists accepted content types (default DefaultAllowedTypes).
	// An entry ending in "/" matches every subtype.
	AllowedTypes []string

	// FS overrides the Pebble filesystem (tests use vfs.NewMem()).
	FS vfs.FS
}

// Store persists attachments in Pebble.
type Store struct {
	db       *pebble.DB
	maxBytes int64
	allowed  []string
	now      func() time.Time
}

// Open opens (or creates) the store at dir.
func Open(dir string, opts Options) (*Store, error) {
	popts := &pebble.Options{}
	if opts.FS != nil {
		popts.FS = opts.FS
	} else if err := os.MkdirAll(filepath.Clean(dir), 0o700); err != nil {
		return nil, fmt.Errorf("attachments dir: %w", err)
	}

	db, err := pebble.Open(dir, popts)
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}

	s := &Store{
		db:       db,
		maxBytes: opts.MaxBytes,
		allowed:  opts.AllowedTypes,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if s.maxBytes <= 0 {
		s.maxBytes = DefaultMaxBytes
	}
	if len(s.allowed) == 0 {
		s.allowed = DefaultAllowedTypes
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// MaxBytes returns the per-upload limit.
func (s *Store) MaxBytes() int64 { return s.maxBytes }

// Upload stores the bytes read from r. The stored type is the one sniffed from the data;
// a declared contentType must agree with it unless it is empty or application/octet-stream.
func (s *Store) Upload(ctx context.Context, contentType string, r io.Reader) (Attachment, error) {
	if err := ctx.Err(); err != nil {
		return Attachment{}, err
	}

	data, err := io.ReadAll(io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return Attachment{}, fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return Attachment{}, ErrEmpty
	}
	if int64(len(data)) > s.maxBytes {
		return Attachment{}, ErrTooLarge
	}

	declared := normalizeType(contentType)
	sniffed := normalizeType(http.DetectContentType(data))
	if declared != "" && declared != "application/octet-stream" && !s.typeAllowed(declared) {
		return Attachment{}, fmt.Errorf("%w: %s", ErrUnsupportedType, declared)
	}
	if !s.typeAllowed(sniffed) {
		return Attachment{}, fmt.Errorf("%w: content is %s", ErrUnsupportedType, sniffed)
	}
	contentType = sniffed

	sum := blake2b.Sum256(data)
	ref := hex.EncodeToString(sum[:])

	if existing, err := s.Stat(ref); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Attachment{}, err
	}

	att := Attachment{
		Ref:         ref,
		ContentType: contentType,
		Size:        int64(len(data)),
		CreatedAt:   s.now(),
	}
	meta, err := json.Marshal(att)
	if err != nil {
		return Attachment{}, err
	}

	b := s.db.NewBatch()
	defer func() { _ = b.Close() }()
	if err := b.Set([]byte(blobPrefix+ref), data, nil); err != nil {
		return Attachment{}, err
	}
	if err := b.Set([]byte(metaPrefix+ref), meta, nil); err != nil {
		return Attachment{}, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return Attachment{}, fmt.Errorf("commit attachment: %w", err)
	}
	return att, nil
}

// Stat returns the metadata for ref.
func (s *Store) Stat(ref string) (Attachment, error) {
	raw, err := s.get(metaPrefix + ref)
	if err != nil {
		return Attachment{}, err
	}
	var att Attachment
	if err := json.Unmarshal(raw, &att); err != nil {
		return Attachment{}, fmt.Errorf("decode attachment meta: %w", err)
	}
	return att, nil
}

// Get returns the metadata and bytes for ref.
func (s *Store) Get(ref string) (Attachment, []byte, error) {
	att, err := s.Stat(ref)
	if err != nil {
		return Attachment{}, nil, err
	}
	data, err := s.get(blobPrefix + ref)
	if err != nil {
		return Attachment{}, nil, err
	}
	return att, data, nil
}

// RefFromURI extracts the ref from an attachmentRef produced by this store.
func RefFromURI(uri string) (string, bool) {
	ref, ok := strings.CutPrefix(uri, URIPrefix)
	if !ok || !validRef(ref) {
		return "", false
	}
	return ref, true
}

func (s *Store) get(key string) ([]byte, error) {
	v, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer func() { _ = closer.Close() }()

	// Pebble owns v until closer is closed.
	return bytes.Clone(v), nil
}

func (s *Store) typeAllowed(ct string) bool {
	for _, p := range s.allowed {
		switch {
		case p == "*", p == ct:
			return true
		case strings.HasSuffix(p, "/") && strings.HasPrefix(ct, p):
			return true
		}
	}
	return false
}

func normalizeType(ct string) string {
	ct = strings.TrimSpace(strings.ToLower(ct))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct
}

func validRef(ref string) bool {
	if len(ref) != blake2b.Size256*2 {
		return false
	}
	_, err := hex.DecodeString(ref)
	return err == nil
}
