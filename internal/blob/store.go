package blob

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/haven-labs/haven-audio/internal/config"
)

// Store keeps synthesized audio on the local filesystem under a fixed layout:
// fragments at {userID}/cache/{textHash}.mp3 and assembled results at
// {userID}/assembly-results/{fileName}. Downloads go through expiring
// HMAC-signed URLs served by the HTTP API.
type Store struct {
	root   string
	secret []byte
	ttl    time.Duration
	log    *slog.Logger
	clock  func() time.Time
}

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("blob: not found")

// ErrBadSignature is returned for missing, invalid or expired URL signatures.
var ErrBadSignature = errors.New("blob: invalid or expired signature")

func Open(cfg config.BlobConfig, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	secret := []byte(cfg.URLSigningSecret)
	if len(secret) == 0 {
		// Ephemeral secret: previously issued URLs stop verifying after restart.
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate signing secret: %w", err)
		}
		log.Warn("blob url_signing_secret not configured, using an ephemeral secret")
	}
	return &Store{
		root:   cfg.Root,
		secret: secret,
		ttl:    time.Duration(cfg.SignedURLTTLMin) * time.Minute,
		log:    log,
		clock:  time.Now,
	}, nil
}

// FragmentPath returns the storage path for a cached fragment.
func FragmentPath(userID, textHash string) string {
	return path.Join(userID, "cache", textHash+".mp3")
}

// ResultPath returns the storage path for an assembled result file.
func ResultPath(userID, fileName string) string {
	return path.Join(userID, "assembly-results", fileName)
}

func (s *Store) resolve(objectPath string) (string, error) {
	clean := path.Clean("/" + objectPath)
	if clean == "/" {
		return "", errors.New("blob: empty path")
	}
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

// Put writes the object, creating parent directories as needed.
func (s *Store) Put(objectPath string, data []byte) error {
	full, err := s.resolve(objectPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("write blob %s: %w", objectPath, err)
	}
	return nil
}

// Get reads the object bytes.
func (s *Store) Get(objectPath string) ([]byte, error) {
	full, err := s.resolve(objectPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read blob %s: %w", objectPath, err)
	}
	return data, nil
}

// Exists reports whether the object is present.
func (s *Store) Exists(objectPath string) bool {
	full, err := s.resolve(objectPath)
	if err != nil {
		return false
	}
	_, err = os.Stat(full)
	return err == nil
}

// SignedURL produces a relative download URL valid until the configured TTL elapses.
func (s *Store) SignedURL(objectPath string) (string, time.Time) {
	expires := s.clock().Add(s.ttl).UTC()
	sig := s.sign(objectPath, expires.Unix())
	u := url.URL{
		Path: "/files/" + strings.TrimPrefix(objectPath, "/"),
		RawQuery: url.Values{
			"expires": []string{strconv.FormatInt(expires.Unix(), 10)},
			"sig":     []string{sig},
		}.Encode(),
	}
	return u.String(), expires
}

// Verify checks the signature and expiry for a download request.
func (s *Store) Verify(objectPath, expiresRaw, sig string) error {
	expires, err := strconv.ParseInt(expiresRaw, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	if s.clock().UTC().Unix() > expires {
		return ErrBadSignature
	}
	expected := s.sign(objectPath, expires)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return ErrBadSignature
	}
	return nil
}

func (s *Store) sign(objectPath string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s|%d", strings.TrimPrefix(objectPath, "/"), expires)
	return hex.EncodeToString(mac.Sum(nil))
}
