// Package pathmap translates local filesystem paths to board paths and
// back, applying the ignore policy. The mapping is a pure function of
// the configured root directory; it has no side effects.
package pathmap

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/sabhiram/go-gitignore"
	"golang.org/x/text/unicode/norm"
)

// ignoreFile is an optional gitignore-style file in the sync root that
// extends the built-in ignore rules.
const ignoreFile = ".mpsyncignore"

var defaultIgnoreLines = []string{
	// VCS metadata
	".git/",
	".hg/",
	".svn/",
	// hidden dotfiles
	".*",
	// editor temp files
	"*~",
	"*.swp",
	"*.swx",
	"*.tmp",
	// python build artifacts that never belong on the board
	"__pycache__/",
	"*.pyc",
	// OS noise
	".DS_Store",
	"Thumbs.db",
	// project config
	"mpsync.yaml",
}

// Mapper maps between local paths under a root directory and remote
// paths on the board. Remote paths are forward-slash, rooted at
// RemoteRoot, and NFC-normalized so macOS NFD filenames map stably.
type Mapper struct {
	root       string
	remoteRoot string
	ignore     *gitignore.GitIgnore
	extraGlobs []string
}

// Options configures a Mapper.
type Options struct {
	// RemoteRoot is the board directory the local root maps to.
	// Defaults to "/".
	RemoteRoot string

	// ExtraGlobs are additional doublestar ignore patterns matched
	// against the slash-separated relative path.
	ExtraGlobs []string
}

// New creates a Mapper for the given local root. The root must be an
// existing directory; it is resolved to an absolute path. Ignore rules
// are the built-in defaults plus any .mpsyncignore file in the root.
func New(root string, opts Options) (*Mapper, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving sync root: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("checking sync root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sync root %s is not a directory", abs)
	}

	lines := append([]string{}, defaultIgnoreLines...)
	lines = append(lines, readIgnoreFile(filepath.Join(abs, ignoreFile))...)

	remoteRoot := opts.RemoteRoot
	if remoteRoot == "" {
		remoteRoot = "/"
	}
	remoteRoot = path.Clean("/" + strings.Trim(remoteRoot, "/"))

	for _, g := range opts.ExtraGlobs {
		if !doublestar.ValidatePattern(g) {
			return nil, fmt.Errorf("invalid ignore pattern %q", g)
		}
	}

	return &Mapper{
		root:       abs,
		remoteRoot: remoteRoot,
		ignore:     gitignore.CompileIgnoreLines(lines...),
		extraGlobs: opts.ExtraGlobs,
	}, nil
}

// Root returns the absolute local sync root.
func (m *Mapper) Root() string {
	return m.root
}

// RemoteRoot returns the board directory the local root maps to.
func (m *Mapper) RemoteRoot() string {
	return m.remoteRoot
}

// ToRemote maps an absolute or root-relative local path to its board
// path. The second return value is false when the path is outside the
// root or matches the ignore policy.
func (m *Mapper) ToRemote(localPath string) (string, bool) {
	rel := localPath
	if filepath.IsAbs(localPath) {
		r, err := filepath.Rel(m.root, localPath)
		if err != nil {
			return "", false
		}
		rel = r
	}

	rel = filepath.ToSlash(rel)
	if rel == "." || rel == "" {
		return m.remoteRoot, true
	}
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}

	rel = norm.NFC.String(rel)
	if m.Ignored(rel) {
		return "", false
	}

	return path.Join(m.remoteRoot, rel), true
}

// ToLocal maps a board path back to the absolute local path.
func (m *Mapper) ToLocal(remotePath string) string {
	rel := strings.TrimPrefix(path.Clean("/"+strings.TrimPrefix(remotePath, "/")), m.remoteRoot)
	rel = strings.TrimPrefix(rel, "/")

	return filepath.Join(m.root, filepath.FromSlash(rel))
}

// Ignored reports whether the slash-separated root-relative path
// matches the ignore policy. Every ancestor component is checked, so a
// file inside an ignored directory is itself ignored.
func (m *Mapper) Ignored(rel string) bool {
	segments := strings.Split(rel, "/")
	for i := range segments {
		prefix := strings.Join(segments[:i+1], "/")
		if m.ignore.MatchesPath(prefix) {
			return true
		}
	}

	for _, g := range m.extraGlobs {
		if ok, _ := doublestar.PathMatch(g, rel); ok {
			return true
		}
	}

	return false
}

// readIgnoreFile loads extra ignore lines from a .mpsyncignore file.
// A missing file is not an error.
func readIgnoreFile(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}

	return lines
}
