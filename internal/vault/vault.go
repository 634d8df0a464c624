// Package vault stores named secrets encrypted with a workspace master key
// and resolves {{secret:name}} placeholders and sv1 ciphertext tokens.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	keyLen      = 32
	nonceLen    = 12
	tagLen      = 16
	tokenPrefix = "sv1."
	maxNameLen  = 80
)

var nameRe = regexp.MustCompile(`^[a-z0-9_.-]+$`)

// Vault encrypts and stores named secrets under a workspace directory.
// Key material lives in runtime/security/master.key; ciphertexts in the
// secrets table of runtime/security/secrets.db.
type Vault struct {
	mu     sync.Mutex
	db     *sql.DB
	key    []byte
	logger *slog.Logger
}

// Entry describes one stored secret without exposing its plaintext.
type Entry struct {
	Name       string    `json:"name"`
	Ciphertext string    `json:"ciphertext"`
	UpdatedAt  time.Time `json:"updated_at"`
}

var (
	factoryMu sync.Mutex
	factory   = map[string]*Vault{}
)

// ForWorkspace returns the vault for a workspace path, creating it on first
// use. One vault per workspace path amortizes the key load.
func ForWorkspace(workspace string) (*Vault, error) {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if v, ok := factory[abs]; ok {
		return v, nil
	}
	v, err := Open(abs)
	if err != nil {
		return nil, err
	}
	factory[abs] = v
	return v, nil
}

// Open loads or initializes the vault for a workspace directory.
func Open(workspace string) (*Vault, error) {
	dir := filepath.Join(workspace, "runtime", "security")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create security dir: %w", err)
	}
	key, err := loadOrCreateKey(filepath.Join(dir, "master.key"))
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "secrets.db"))
	if err != nil {
		return nil, fmt.Errorf("open secrets store: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS secrets (
		name TEXT PRIMARY KEY,
		ciphertext TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init secrets table: %w", err)
	}
	return &Vault{
		db:     db,
		key:    key,
		logger: slog.Default().With("component", "vault"),
	}, nil
}

// Close releases the underlying store.
func (v *Vault) Close() error {
	return v.db.Close()
}

func loadOrCreateKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		key, derr := base64.RawURLEncoding.DecodeString(strings.TrimSpace(string(raw)))
		if derr != nil || len(key) != keyLen {
			return nil, fmt.Errorf("master key at %s is corrupt", path)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read master key: %w", err)
	}
	key := make([]byte, keyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(key)
	if err := os.WriteFile(path, []byte(encoded+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("persist master key: %w", err)
	}
	return key, nil
}

// NormalizeName lowercases and validates a secret name. Returns an empty
// string when the name cannot be used.
func NormalizeName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" || len(n) > maxNameLen || !nameRe.MatchString(n) {
		return ""
	}
	return n
}

// Put encrypts plaintext under the normalized name and upserts it.
// Invalid names are a no-op.
func (v *Vault) Put(name, plaintext string) error {
	n := NormalizeName(name)
	if n == "" {
		return nil
	}
	token, err := v.encrypt([]byte(plaintext), aadFor(n))
	if err != nil {
		return err
	}
	_, err = v.db.Exec(`INSERT INTO secrets (name, ciphertext, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET ciphertext = excluded.ciphertext, updated_at = excluded.updated_at`,
		n, token, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store secret %q: %w", n, err)
	}
	return nil
}

// Remove deletes a secret. Unknown or invalid names are a no-op.
func (v *Vault) Remove(name string) error {
	n := NormalizeName(name)
	if n == "" {
		return nil
	}
	_, err := v.db.Exec(`DELETE FROM secrets WHERE name = ?`, n)
	return err
}

// ListNames returns all stored secret names sorted ascending.
func (v *Vault) ListNames() ([]string, error) {
	rows, err := v.db.Query(`SELECT name FROM secrets ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// GetCipher returns the stored ciphertext token for a name, or "" when absent.
func (v *Vault) GetCipher(name string) (string, error) {
	n := NormalizeName(name)
	if n == "" {
		return "", nil
	}
	var token string
	err := v.db.QueryRow(`SELECT ciphertext FROM secrets WHERE name = ?`, n).Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return token, nil
}

// Reveal decrypts a stored secret. Decryption failures return an empty
// string so callers never see partial plaintext.
func (v *Vault) Reveal(name string) (string, error) {
	n := NormalizeName(name)
	if n == "" {
		return "", nil
	}
	token, err := v.GetCipher(n)
	if err != nil || token == "" {
		return "", err
	}
	plain, ok := v.decrypt(token, aadFor(n))
	if !ok {
		v.logger.Warn("secret decryption failed", "name", n)
		return "", nil
	}
	return string(plain), nil
}

func aadFor(name string) []byte {
	return []byte("secret:" + name)
}

// encrypt produces an sv1.<iv>.<tag>.<content> token. Go's GCM appends the
// tag to the ciphertext, so it is split back out for the token form.
func (v *Vault) encrypt(plaintext, aad []byte) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nil, nonce, plaintext, aad)
	content := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]
	enc := base64.RawURLEncoding
	return tokenPrefix + enc.EncodeToString(nonce) + "." + enc.EncodeToString(tag) + "." + enc.EncodeToString(content), nil
}

// decrypt reverses encrypt. The boolean is false for malformed tokens and
// authentication failures.
func (v *Vault) decrypt(token string, aad []byte) ([]byte, bool) {
	iv, tag, content, ok := splitToken(token)
	if !ok {
		return nil, false
	}
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, false
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, false
	}
	sealed := append(append([]byte{}, content...), tag...)
	plain, err := gcm.Open(nil, iv, sealed, aad)
	if err != nil {
		return nil, false
	}
	return plain, true
}

func splitToken(token string) (iv, tag, content []byte, ok bool) {
	if !strings.HasPrefix(token, tokenPrefix) {
		return nil, nil, nil, false
	}
	parts := strings.Split(token[len(tokenPrefix):], ".")
	if len(parts) != 3 {
		return nil, nil, nil, false
	}
	enc := base64.RawURLEncoding
	iv, err := enc.DecodeString(parts[0])
	if err != nil || len(iv) != nonceLen {
		return nil, nil, nil, false
	}
	tag, err = enc.DecodeString(parts[1])
	if err != nil || len(tag) != tagLen {
		return nil, nil, nil, false
	}
	content, err = enc.DecodeString(parts[2])
	if err != nil {
		return nil, nil, nil, false
	}
	return iv, tag, content, true
}
