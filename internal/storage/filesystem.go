package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidSignature is returned by Verify for forged or expired links.
var ErrInvalidSignature = errors.New("storage: invalid or expired signature")

// Store is the object storage contract used by the item executors.
type Store interface {
	PutSigned(ctx context.Context, key string, data []byte, contentType string) (string, error)
	SignedURL(key string, ttl time.Duration) (string, error)
}

// FileStore persists artifacts onto the local filesystem and hands out
// HMAC-signed download links. It is intended for single-node deployments
// and tests where an object storage service is not available.
type FileStore struct {
	basePath   string
	publicBase string
	signingKey []byte
	now        func() time.Time
}

// NewFileStore initializes a FileStore rooted at basePath. Links are built
// on publicBase and signed with signingKey.
func NewFileStore(basePath, publicBase string, signingKey []byte) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	if len(signingKey) == 0 {
		return nil, errors.New("storage: signing key is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	return &FileStore{
		basePath:   basePath,
		publicBase: strings.TrimRight(publicBase, "/"),
		signingKey: signingKey,
		now:        time.Now,
	}, nil
}

// BasePath returns the configured root directory.
func (s *FileStore) BasePath() string {
	if s == nil {
		return ""
	}
	return s.basePath
}

// PutSigned writes data under key together with its content type and
// returns the canonical key. Keys are cleaned to prevent directory traversal.
func (s *FileStore) PutSigned(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if s == nil {
		return "", errors.New("storage: no store configured")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(cleanKey))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("storage: ensure directory: %w", err)
	}
	if err := writeAtomic(fullPath, data); err != nil {
		return "", err
	}
	if contentType != "" {
		if err := os.WriteFile(fullPath+".type", []byte(contentType), 0o644); err != nil {
			return "", fmt.Errorf("storage: write content type: %w", err)
		}
	}
	return cleanKey, nil
}

// Open returns the stored bytes and content type of key.
func (s *FileStore) Open(key string) ([]byte, string, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return nil, "", err
	}
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(cleanKey))
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, "", fmt.Errorf("storage: read file: %w", err)
	}
	contentType := "application/octet-stream"
	if raw, err := os.ReadFile(fullPath + ".type"); err == nil && len(raw) > 0 {
		contentType = string(raw)
	}
	return data, contentType, nil
}

// SignedURL returns a link to key that Verify accepts until ttl elapses.
func (s *FileStore) SignedURL(key string, ttl time.Duration) (string, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	expires := s.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.sign(cleanKey, expires))
	return s.publicBase + "/" + cleanKey + "?" + q.Encode(), nil
}

// Verify checks a key, expiry and signature triple taken from a signed link.
func (s *FileStore) Verify(key, expires, sig string) error {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return err
	}
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || s.now().Unix() > exp {
		return ErrInvalidSignature
	}
	if !hmac.Equal([]byte(sig), []byte(s.sign(cleanKey, exp))) {
		return ErrInvalidSignature
	}
	return nil
}

func (s *FileStore) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.signingKey)
	mac.Write([]byte(key))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("storage: rename file: %w", err)
	}
	return nil
}

// sanitizeKey normalizes a key and prevents escaping the storage root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("storage: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.Clean(key)
	cleaned = strings.ReplaceAll(cleaned, "\\", "/")
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("storage: invalid key")
	}
	if strings.HasSuffix(cleaned, ".type") {
		return "", errors.New("storage: reserved key suffix")
	}
	return cleaned, nil
}

var _ Store = (*FileStore)(nil)
