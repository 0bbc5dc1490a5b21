package credentials

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aatumaykin/seorunner/internal/secrets"
)

// StoredKey is a persisted credential key with its sealed document.
type StoredKey struct {
	ID         string
	OwnerID    string
	Sealed     []byte
	SiteURL    string
	PropertyID string
}

// KeyLoader fetches an owner's active credential key.
type KeyLoader interface {
	ActiveCredentialKey(ctx context.Context, ownerID, keyID string) (StoredKey, error)
}

// Resolver materialises an owner's current worker configuration under a
// per-owner directory. Files are rewritten only when their content changes,
// so a long-lived worker keeps reading a stable path.
type Resolver struct {
	keys   KeyLoader
	cipher *secrets.Cipher
	dir    string

	mu     sync.Mutex
	hashes map[string][sha256.Size]byte
}

// NewResolver creates a resolver writing below dir.
func NewResolver(keys KeyLoader, cipher *secrets.Cipher, dir string) *Resolver {
	return &Resolver{
		keys:   keys,
		cipher: cipher,
		dir:    dir,
		hashes: make(map[string][sha256.Size]byte),
	}
}

// ResolveConfig reloads the owner's credentials and returns the path of the
// generated configuration.
func (r *Resolver) ResolveConfig(ctx context.Context, ownerID, keyID string) (string, error) {
	key, err := r.keys.ActiveCredentialKey(ctx, ownerID, keyID)
	if err != nil {
		return "", fmt.Errorf("failed to load credential key: %w", err)
	}

	doc, err := r.cipher.Open(key.Sealed)
	if err != nil {
		return "", fmt.Errorf("failed to open credential key %s: %w", key.ID, err)
	}
	defer secrets.Wipe(doc)

	bundle := Bundle{Document: doc, SiteURL: key.SiteURL, PropertyID: key.PropertyID}
	if err := bundle.Validate(); err != nil {
		return "", err
	}

	ownerDir := r.ownerDir(ownerID)
	paths := Artifacts{
		CredentialsPath: filepath.Join(ownerDir, "credentials.json"),
		ConfigPath:      filepath.Join(ownerDir, "config.yaml"),
	}

	cfg, err := NewWorkerConfig(paths.CredentialsPath, bundle).Marshal()
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write(doc)
	h.Write(cfg)
	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.hashes[ownerID]; ok && prev == sum && !missing(paths) {
		return paths.ConfigPath, nil
	}

	if err := os.MkdirAll(ownerDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create owner config dir: %w", err)
	}
	if err := writeAtomic(paths.CredentialsPath, doc); err != nil {
		return "", fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := writeAtomic(paths.ConfigPath, cfg); err != nil {
		return "", fmt.Errorf("failed to write worker config: %w", err)
	}

	r.hashes[ownerID] = sum
	return paths.ConfigPath, nil
}

// Purge removes everything written for ownerID.
func (r *Resolver) Purge(ownerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.hashes, ownerID)
	return os.RemoveAll(r.ownerDir(ownerID))
}

func (r *Resolver) ownerDir(ownerID string) string {
	return filepath.Join(r.dir, sanitizeName(ownerID))
}

func missing(a Artifacts) bool {
	return !fileExists(a.CredentialsPath) || !fileExists(a.ConfigPath)
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// sanitizeName keeps owner ids from escaping the config directory.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
