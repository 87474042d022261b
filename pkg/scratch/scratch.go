// Package scratch persists the expected challenge values between the
// authenticate and cleanup runs of the hook.
//
// Every (validation domain, value) pair gets one file holding the sealed
// value and nothing else, so an apex and a wildcard challenge of the same
// name do not overwrite each other. The key is derived from the cPanel API
// token, which both runs load from the same configuration; files are
// created 0600.
package scratch

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	filePrefix     = "cpanel-dns01-"
	tokenSuffix    = ".token"
	snapshotSuffix = ".snapshot.json"
	// valueSep never appears in a sanitized domain.
	valueSep  = "+"
	digestLen = 8
	fileMode  = 0o600
	keySize   = 32
	nonceSize = 24
	hkdfInfo  = "cpanel-dns01-hook scratch v1"
	hkdfName  = "cpanel-dns01-hook scratch names v1"
)

var (
	ErrNoSecret = errors.New("scratch key secret is empty")
	ErrCorrupt  = errors.New("scratch file is corrupt or sealed with another key")
)

type Store struct {
	dir     string
	key     [keySize]byte
	nameKey [keySize]byte
}

func New(dir, secret string) (*Store, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}

	s := &Store{dir: dir}
	if err := derive(secret, hkdfInfo, s.key[:]); err != nil {
		return nil, err
	}
	if err := derive(secret, hkdfName, s.nameKey[:]); err != nil {
		return nil, err
	}
	return s, nil
}

func derive(secret, info string, out []byte) error {
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return fmt.Errorf("deriving scratch key: %w", err)
	}
	return nil
}

// TokenPath returns the file holding value for domain. The value only
// enters the name as a keyed digest.
func (s *Store) TokenPath(domain, value string) string {
	mac := hmac.New(sha256.New, s.nameKey[:])
	mac.Write([]byte(value))
	digest := hex.EncodeToString(mac.Sum(nil)[:digestLen])
	return filepath.Join(s.dir, filePrefix+fileName(domain)+valueSep+digest+tokenSuffix)
}

func (s *Store) SnapshotPath(domain string) string {
	return filepath.Join(s.dir, filePrefix+fileName(domain)+snapshotSuffix)
}

// Save seals value and atomically replaces its token file.
func (s *Store) Save(domain, value string) error {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], []byte(value), &nonce, &s.key)
	encoded := base64.RawURLEncoding.EncodeToString(sealed)

	return writeFile(s.TokenPath(domain, value), []byte(encoded))
}

// Load returns every value saved for domain and not removed yet, in file
// name order. Unreadable files are skipped and reported in the error next
// to the values that could be read.
func (s *Store) Load(domain string) ([]string, error) {
	paths, err := s.tokenFiles(domain)
	if err != nil {
		return nil, err
	}

	var (
		values []string
		errs   []error
	)
	for _, path := range paths {
		value, err := s.open(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(path), err))
			continue
		}
		values = append(values, value)
	}
	return values, errors.Join(errs...)
}

func (s *Store) open(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	sealed, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(string(b)))
	if err != nil || len(sealed) < nonceSize+secretbox.Overhead {
		return "", ErrCorrupt
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	value, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", ErrCorrupt
	}
	return string(value), nil
}

// SaveSnapshot dumps v as indented JSON next to the token files.
func (s *Store) SaveSnapshot(domain string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFile(s.SnapshotPath(domain), b)
}

// Remove deletes the token file of value and the snapshot of domain. Files
// that do not exist are not an error. Token files of other values of
// domain are kept.
func (s *Store) Remove(domain, value string) error {
	return removeFiles(s.TokenPath(domain, value), s.SnapshotPath(domain))
}

// RemoveAll deletes every scratch file of domain.
func (s *Store) RemoveAll(domain string) error {
	paths, err := s.tokenFiles(domain)
	if err != nil {
		return err
	}
	return removeFiles(append(paths, s.SnapshotPath(domain))...)
}

func (s *Store) tokenFiles(domain string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	prefix := filePrefix + fileName(domain) + valueSep
	var paths []string
	for _, e := range entries {
		digest, ok := strings.CutPrefix(e.Name(), prefix)
		if !ok || e.IsDir() {
			continue
		}
		digest, ok = strings.CutSuffix(digest, tokenSuffix)
		if !ok || len(digest) != 2*digestLen {
			continue
		}
		if _, err := hex.DecodeString(digest); err != nil {
			continue
		}
		paths = append(paths, filepath.Join(s.dir, e.Name()))
	}
	slices.Sort(paths)
	return paths, nil
}

func removeFiles(paths ...string) error {
	var errs []error
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func writeFile(path string, b []byte) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(f.Name())
		}
	}()

	if err := f.Chmod(fileMode); err != nil {
		_ = f.Close()
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

// fileName maps a domain onto a safe file name component.
func fileName(domain string) string {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, domain)
}
