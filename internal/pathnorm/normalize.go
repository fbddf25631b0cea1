// Package pathnorm maps the file locations reported by the media server (or seen by the
// filesystem watcher) onto one canonical relative path under the storage root.
//
// Output is host independent: separators are always "/", and nothing here touches the
// filesystem.
package pathnorm

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrInvalidPath is matched by every *InvalidPathError.
var ErrInvalidPath = errors.New("invalid path")

// InvalidPathError reports a path that is empty after cleaning or escapes the storage root.
type InvalidPathError struct {
	Raw    string
	Reason string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid path %q: %s", e.Raw, e.Reason)
}

func (e *InvalidPathError) Is(target error) bool { return target == ErrInvalidPath }

// Result is a normalized location.
type Result struct {
	RelativePath string
	AbsolutePath string
}

// Normalizer holds the storage root and the legacy prefixes stripped from reported paths.
type Normalizer struct {
	root     string
	prefixes []string
	minRun   int
}

const defaultMinRun = 2

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithMinRun sets the shortest run of segments that is collapsed when repeated. The default
// of 2 leaves single repeated segments such as the 01/01 in 2025/01/01 alone; 1 also
// collapses those (a/a/x -> a/x).
func WithMinRun(n int) Option {
	return func(nm *Normalizer) {
		if n > 0 {
			nm.minRun = n
		}
	}
}

// New creates a Normalizer. Prefixes are tried in order; the storage root itself is always
// tried last so that paths already under the root round-trip.
func New(storageRoot string, legacyPrefixes []string, opts ...Option) *Normalizer {
	root := cleanRoot(storageRoot)
	var prefixes []string
	for _, p := range legacyPrefixes {
		if c := cleanRoot(p); c != "" && c != "/" {
			prefixes = append(prefixes, c)
		}
	}
	if root != "" && root != "/" {
		prefixes = append(prefixes, root)
	}
	n := &Normalizer{root: root, prefixes: prefixes, minRun: defaultMinRun}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Root returns the cleaned storage root.
func (n *Normalizer) Root() string { return n.root }

// Normalize converts rawPath into its canonical relative and absolute form.
func (n *Normalizer) Normalize(rawPath string) (Result, error) {
	p := toSlash(strings.TrimSpace(rawPath))
	p = stripPrefix(p, n.prefixes)

	segs, err := resolve(p)
	if err != nil {
		return Result{}, &InvalidPathError{Raw: rawPath, Reason: err.Error()}
	}
	segs = collapseRepeats(segs, n.minRun)
	if len(segs) == 0 {
		return Result{}, &InvalidPathError{Raw: rawPath, Reason: "empty after normalization"}
	}

	rel := strings.Join(segs, "/")
	return Result{RelativePath: rel, AbsolutePath: join(n.root, rel)}, nil
}

// Normalize is the functional form of Normalizer.Normalize.
func Normalize(rawPath string, configuredRoots []string, storageRoot string) (Result, error) {
	return New(storageRoot, configuredRoots).Normalize(rawPath)
}

func toSlash(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

func cleanRoot(p string) string {
	p = toSlash(strings.TrimSpace(p))
	if p == "" {
		return ""
	}
	p = path.Clean(p)
	if p != "/" {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

// stripPrefix removes the first matching prefix, honoring segment boundaries so that
// /media/rec does not match /media/recordings.
func stripPrefix(p string, prefixes []string) string {
	for _, prefix := range prefixes {
		if rest, ok := cutPrefix(p, prefix); ok {
			return rest
		}
	}
	return p
}

func cutPrefix(p, prefix string) (string, bool) {
	if len(p) < len(prefix) {
		return "", false
	}
	head := p[:len(prefix)]
	match := head == prefix
	// Windows drive letters are case-insensitive.
	if !match && hasDrive(prefix) {
		match = strings.EqualFold(head, prefix)
	}
	if !match {
		return "", false
	}
	rest := p[len(prefix):]
	if rest == "" || rest[0] == '/' {
		return rest, true
	}
	return "", false
}

func hasDrive(p string) bool {
	return len(p) >= 2 && p[1] == ':' &&
		((p[0] >= 'a' && p[0] <= 'z') || (p[0] >= 'A' && p[0] <= 'Z'))
}

// resolve splits p into segments, dropping empty and "." segments and applying "..".
// A ".." that would climb above the root is an error.
func resolve(p string) ([]string, error) {
	var out []string
	for _, s := range strings.Split(p, "/") {
		switch s {
		case "", ".":
			continue
		case "..":
			if len(out) == 0 {
				return nil, errors.New("escapes storage root")
			}
			out = out[:len(out)-1]
		default:
			out = append(out, s)
		}
	}
	return out, nil
}

// collapseRepeats removes back-to-back repetitions of any contiguous run of segments,
// e.g. record/live/A/record/live/A/x.mp4 -> record/live/A/x.mp4.
func collapseRepeats(segs []string, minRun int) []string {
	for {
		changed := false
	scan:
		for i := 0; i < len(segs); i++ {
			for l := minRun; i+2*l <= len(segs); l++ {
				if equalRun(segs[i:i+l], segs[i+l:i+2*l]) {
					segs = append(segs[:i+l:i+l], segs[i+2*l:]...)
					changed = true
					break scan
				}
			}
		}
		if !changed {
			return segs
		}
	}
}

func equalRun(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func join(root, rel string) string {
	if root == "" {
		return rel
	}
	if strings.HasSuffix(root, "/") {
		return root + rel
	}
	return root + "/" + rel
}
