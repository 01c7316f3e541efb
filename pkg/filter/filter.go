// Package filter implements the content pipeline that sits between stored
// blobs and working tree files: line-ending normalization and named
// clean/smudge drivers selected through .gitattributes.
package filter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing/format/config"
	"github.com/go-git/go-git/v5/plumbing/format/gitattributes"

	"github.com/asynkron/gitapply/pkg/logging"
)

// DefaultLimit bounds how many bytes a filter may buffer.
const DefaultLimit int64 = 10 << 20

// binarySniffLen is how much of a file is inspected for NUL bytes.
const binarySniffLen = 8000

// ErrTooLarge is returned when content exceeds the configured limit.
var ErrTooLarge = errors.New("content exceeds in-core filter limit")

// Func transforms the content of path.
type Func func(path string, content []byte) ([]byte, error)

// Driver is a named clean/smudge pair. A nil side is the identity.
type Driver struct {
	Clean  Func
	Smudge Func
}

// Table maps filter names, as used in filter=<name> attributes, to drivers.
type Table map[string]Driver

// Options configures a Pipeline.
type Options struct {
	Drivers    Table
	Attributes []gitattributes.MatchAttribute
	// AutoCRLF converts LF to CRLF on every worktree write.
	AutoCRLF bool
	Limit    int64
	Logger   logging.Logger
}

// Pipeline resolves and runs filters for individual paths.
type Pipeline struct {
	drivers  Table
	matcher  gitattributes.Matcher
	autoCRLF bool
	limit    int64
	logger   logging.Logger
}

// New builds a Pipeline. A zero Limit means DefaultLimit.
func New(opts Options) *Pipeline {
	p := &Pipeline{
		drivers:  opts.Drivers,
		autoCRLF: opts.AutoCRLF,
		limit:    opts.Limit,
		logger:   opts.Logger,
	}
	if len(opts.Attributes) > 0 {
		p.matcher = gitattributes.NewMatcher(opts.Attributes)
	}
	if p.limit <= 0 {
		p.limit = DefaultLimit
	}
	if p.logger == nil {
		p.logger = &logging.NoOpLogger{}
	}
	return p
}

// AutoCRLF reports whether worktree writes always use CRLF.
func (p *Pipeline) AutoCRLF() bool {
	return p.autoCRLF
}

// FilterName returns the filter attribute value for path, or "".
func (p *Pipeline) FilterName(path string) string {
	if p.matcher == nil {
		return ""
	}
	attrs, ok := p.matcher.Match(strings.Split(path, "/"), []string{"filter"})
	if !ok {
		return ""
	}
	attr, ok := attrs["filter"]
	if !ok || !attr.IsValueSet() {
		return ""
	}
	return attr.Value()
}

// Clean runs the clean side of the driver selected for path.
func (p *Pipeline) Clean(ctx context.Context, path string, content []byte) ([]byte, error) {
	return p.run(ctx, path, content, func(d Driver) Func { return d.Clean }, "clean")
}

// Smudge runs the smudge side of the driver selected for path.
func (p *Pipeline) Smudge(ctx context.Context, path string, content []byte) ([]byte, error) {
	return p.run(ctx, path, content, func(d Driver) Func { return d.Smudge }, "smudge")
}

func (p *Pipeline) run(ctx context.Context, path string, content []byte, side func(Driver) Func, direction string) ([]byte, error) {
	if int64(len(content)) > p.limit {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrTooLarge, path, len(content), p.limit)
	}
	name := p.FilterName(path)
	if name == "" {
		return content, nil
	}
	driver, ok := p.drivers[name]
	if !ok {
		p.logger.Warn(ctx, "filter driver not configured, using identity",
			logging.Field("path", path), logging.Field("filter", name))
		return content, nil
	}
	fn := side(driver)
	if fn == nil {
		return content, nil
	}
	out, err := fn(path, content)
	if err != nil {
		return nil, fmt.Errorf("%s filter %q on %s: %w", direction, name, path, err)
	}
	if int64(len(out)) > p.limit {
		return nil, fmt.Errorf("%w: %s filter %q produced %d bytes", ErrTooLarge, direction, name, len(out))
	}
	p.logger.Debug(ctx, "filter applied",
		logging.Field("path", path), logging.Field("filter", name), logging.Field("direction", direction))
	return out, nil
}

// ParseAttributes reads a single .gitattributes file rooted at the top of the
// tree.
func ParseAttributes(r io.Reader) ([]gitattributes.MatchAttribute, error) {
	attrs, err := gitattributes.ReadAttributes(r, nil, true)
	if err != nil {
		return nil, fmt.Errorf("parse gitattributes: %w", err)
	}
	return attrs, nil
}

// LoadAttributes reads every .gitattributes file below workTree.
func LoadAttributes(workTree string) ([]gitattributes.MatchAttribute, error) {
	attrs, err := gitattributes.ReadPatterns(osfs.New(workTree), nil)
	if err != nil {
		return nil, fmt.Errorf("read gitattributes: %w", err)
	}
	return attrs, nil
}

// ReadAutoCRLF returns whether core.autocrlf is "true" in gitDir/config.
// "input", "false" and a missing config all read as false.
func ReadAutoCRLF(gitDir string) (bool, error) {
	f, err := os.Open(filepath.Join(gitDir, "config"))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open git config: %w", err)
	}
	defer f.Close()

	cfg := config.New()
	if err := config.NewDecoder(f).Decode(cfg); err != nil {
		return false, fmt.Errorf("decode git config: %w", err)
	}
	return strings.EqualFold(cfg.Section("core").Option("autocrlf"), "true"), nil
}

// IsBinary reports whether content has a NUL byte in its leading bytes.
func IsBinary(content []byte) bool {
	head := content
	if len(head) > binarySniffLen {
		head = head[:binarySniffLen]
	}
	return bytes.IndexByte(head, 0) >= 0
}

// IsCRLFText reports whether content is text with at least one CRLF.
func IsCRLFText(content []byte) bool {
	return !IsBinary(content) && bytes.Contains(content, []byte("\r\n"))
}

// ToLF replaces every CRLF with LF.
func ToLF(content []byte) []byte {
	return bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
}

// ToCRLF converts bare LF line endings to CRLF. Existing CRLF pairs are kept.
func ToCRLF(content []byte) []byte {
	out := make([]byte, 0, len(content)+bytes.Count(content, []byte("\n")))
	for i, b := range content {
		if b == '\n' && (i == 0 || content[i-1] != '\r') {
			out = append(out, '\r')
		}
		out = append(out, b)
	}
	return out
}
