// Package store provides the local vault file store and its change watcher.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sly67/compote/internal/policy"
)

// Store is the local half of the sync pair: a hierarchical file store
// addressed by vault-relative paths.
type Store interface {
	Read(rel string) ([]byte, error)
	Write(rel string, content []byte) error
	Create(rel string, content []byte) error
	Delete(rel string) error
	Rename(oldRel, newRel string) error
	List(prefix string) ([]string, error)
	Exists(rel string) bool
	Root() string
}

// ContentHash returns the hex sha256 digest used as the content hash
// throughout the sync core.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Local is a Store backed by a directory on disk.
type Local struct {
	root string
}

// NewLocal opens (creating if needed) a vault rooted at dir.
func NewLocal(dir string) (*Local, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve vault root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create vault root: %w", err)
	}
	return &Local{root: abs}, nil
}

// Root returns the absolute vault root.
func (l *Local) Root() string {
	return l.root
}

// Abs converts a vault-relative path to an absolute one.
func (l *Local) Abs(rel string) string {
	return filepath.Join(l.root, filepath.FromSlash(policy.Normalize(rel)))
}

// Rel converts an absolute path inside the vault to the relative form used
// by the sync core. Returns ok=false for paths outside the vault.
func (l *Local) Rel(abs string) (string, bool) {
	rel, err := filepath.Rel(l.root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return policy.Normalize(filepath.ToSlash(rel)), true
}

// Read returns the file's content.
func (l *Local) Read(rel string) ([]byte, error) {
	data, err := os.ReadFile(l.Abs(rel))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	return data, nil
}

// Write stores content at the path, creating parent directories as needed.
// The write is atomic: content lands in a temp file first, then renames
// over the target.
func (l *Local) Write(rel string, content []byte) error {
	abs := l.Abs(rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("create parent dirs for %s: %w", rel, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(abs), ".compote-write-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", rel, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", rel, err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

// Create writes content at a path that must not already exist.
func (l *Local) Create(rel string, content []byte) error {
	if l.Exists(rel) {
		return fmt.Errorf("create %s: %w", rel, fs.ErrExist)
	}
	return l.Write(rel, content)
}

// Delete removes the file.
func (l *Local) Delete(rel string) error {
	if err := os.Remove(l.Abs(rel)); err != nil {
		return fmt.Errorf("delete %s: %w", rel, err)
	}
	return nil
}

// Rename moves a file, creating parent directories for the target.
func (l *Local) Rename(oldRel, newRel string) error {
	newAbs := l.Abs(newRel)
	if err := os.MkdirAll(filepath.Dir(newAbs), 0755); err != nil {
		return fmt.Errorf("create parent dirs for %s: %w", newRel, err)
	}
	if err := os.Rename(l.Abs(oldRel), newAbs); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", oldRel, newRel, err)
	}
	return nil
}

// List returns the relative paths of all files under the prefix.
func (l *Local) List(prefix string) ([]string, error) {
	var out []string
	prefix = policy.Normalize(prefix)

	err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped
		}
		if d.IsDir() {
			return nil
		}
		rel, ok := l.Rel(p)
		if !ok {
			return nil
		}
		if prefix == "" || rel == prefix || strings.HasPrefix(rel, prefix+"/") {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return out, nil
}

// Exists reports whether the path exists and is a regular file.
func (l *Local) Exists(rel string) bool {
	info, err := os.Stat(l.Abs(rel))
	return err == nil && info.Mode().IsRegular()
}
