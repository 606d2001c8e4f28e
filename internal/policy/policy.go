// Package policy decides which vault paths participate in sync. The sync
// engine and the write interceptor must share one Policy instance: if their
// filters diverged, a path could be pushed but never reconciled (or the
// reverse), silently losing data.
package policy

import (
	"path"
	"strings"
)

// Policy is an allow-list of extensions and metadata files combined with a
// deny-list of internal path prefixes. Paths are vault-relative, slash
// separated, without a leading slash.
type Policy struct {
	extensions map[string]struct{}
	metaFiles  map[string]struct{}
	denied     []string
}

// New builds a policy. Extensions include the dot (".note"); deny prefixes
// are directory prefixes matched whole-segment (".history/" matches
// ".history/x" but not ".historyx").
func New(extensions, metaFiles, denyPrefixes []string) *Policy {
	p := &Policy{
		extensions: make(map[string]struct{}, len(extensions)),
		metaFiles:  make(map[string]struct{}, len(metaFiles)),
	}
	for _, ext := range extensions {
		p.extensions[strings.ToLower(ext)] = struct{}{}
	}
	for _, f := range metaFiles {
		p.metaFiles[Normalize(f)] = struct{}{}
	}
	for _, prefix := range denyPrefixes {
		prefix = strings.TrimSuffix(Normalize(prefix), "/")
		if prefix != "" {
			p.denied = append(p.denied, prefix+"/")
		}
	}
	return p
}

// Default returns the standard Compote vault policy.
func Default() *Policy {
	return New(
		[]string{".note", ".board"},
		[]string{"compote.json"},
		[]string{".compote/", ".quarantine/", ".history/", "attachments/"},
	)
}

// IsAllowed reports whether the path participates in sync.
func (p *Policy) IsAllowed(rel string) bool {
	rel = Normalize(rel)
	if rel == "" {
		return false
	}

	for _, prefix := range p.denied {
		if strings.HasPrefix(rel, prefix) {
			return false
		}
	}

	if _, ok := p.metaFiles[rel]; ok {
		return true
	}

	_, ok := p.extensions[strings.ToLower(path.Ext(rel))]
	return ok
}

// Normalize converts a path to the vault-relative form used everywhere in
// the sync core: forward slashes, no leading slash, cleaned.
func Normalize(rel string) string {
	rel = strings.ReplaceAll(rel, "\\", "/")
	rel = path.Clean("/" + rel)
	return strings.TrimPrefix(rel, "/")
}
