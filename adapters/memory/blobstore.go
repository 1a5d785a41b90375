package memory

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/artpar/utter/ports"
)

// ErrBlobNotFound is returned for unknown keys.
var ErrBlobNotFound = errors.New("blob not found")

type blob struct {
	data        []byte
	contentType string
}

// BlobStore is an in-memory ports.BlobStore. Signed URLs point at BaseURL
// and carry an HMAC of key and expiry so handlers can verify them.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]blob
	baseURL string
	secret  []byte
	now     func() time.Time
}

// NewBlobStore creates an in-memory blob store.
func NewBlobStore(baseURL, secret string) *BlobStore {
	return &BlobStore{
		objects: make(map[string]blob),
		baseURL: baseURL,
		secret:  []byte(secret),
		now:     time.Now,
	}
}

// Put stores data under key, replacing any previous object.
func (s *BlobStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = blob{data: cp, contentType: contentType}
	return nil
}

// Get returns the object stored under key.
func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.objects[key]
	if !ok {
		return nil, ErrBlobNotFound
	}
	cp := make([]byte, len(b.data))
	copy(cp, b.data)
	return cp, nil
}

// ContentType returns the content type recorded for key.
func (s *BlobStore) ContentType(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.objects[key].contentType
}

// Exists reports whether key is stored.
func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok, nil
}

// Delete removes key. Missing keys are not an error.
func (s *BlobStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

// SignedURL returns a download URL valid for ttl.
func (s *BlobStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return s.sign("GET", key, ttl), nil
}

// UploadURL returns an upload URL valid for ttl.
func (s *BlobStore) UploadURL(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	return s.sign("PUT", key, ttl), nil
}

// Verify checks a signature produced by SignedURL or UploadURL.
func (s *BlobStore) Verify(method, key, expires, sig string) bool {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || s.now().Unix() > exp {
		return false
	}
	want := s.mac(method, key, exp)
	return hmac.Equal([]byte(want), []byte(sig))
}

func (s *BlobStore) sign(method, key string, ttl time.Duration) string {
	exp := s.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(exp, 10))
	q.Set("sig", s.mac(method, key, exp))
	return s.baseURL + "/" + escapeKey(key) + "?" + q.Encode()
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func (s *BlobStore) mac(method, key string, exp int64) string {
	m := hmac.New(sha256.New, s.secret)
	m.Write([]byte(method + "\n" + key + "\n" + strconv.FormatInt(exp, 10)))
	return hex.EncodeToString(m.Sum(nil))
}

// Ensure interface compliance.
var _ ports.BlobStore = (*BlobStore)(nil)
