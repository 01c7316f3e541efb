// Package render prints apply results and failures for the command line.
package render

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	glam "github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"

	"github.com/asynkron/gitapply/pkg/patch"
)

// ColorMode selects whether output carries ANSI styling.
type ColorMode int

const (
	ColorAuto ColorMode = iota
	ColorAlways
	ColorNever
)

// Options configures a Printer.
type Options struct {
	JSON  bool
	Color ColorMode
	// Wrap is the markdown word wrap width. Zero means 100.
	Wrap int
}

// Printer writes results to a single writer.
type Printer struct {
	out      io.Writer
	json     bool
	color    bool
	wrap     int
	renderer *lipgloss.Renderer

	title lipgloss.Style
	path  lipgloss.Style
	fail  lipgloss.Style
}

// New returns a Printer for out.
func New(out io.Writer, opts Options) *Printer {
	if out == nil {
		out = io.Discard
	}
	p := &Printer{out: out, json: opts.JSON, wrap: opts.Wrap}
	if p.wrap <= 0 {
		p.wrap = 100
	}
	switch opts.Color {
	case ColorAlways:
		p.color = true
	case ColorAuto:
		p.color = isTerminal(out) && os.Getenv("NO_COLOR") == ""
	}

	p.renderer = lipgloss.NewRenderer(out)
	if p.color {
		p.renderer.SetColorProfile(termenv.TrueColor)
	} else {
		p.renderer.SetColorProfile(termenv.Ascii)
	}
	p.title = p.renderer.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	p.path = p.renderer.NewStyle().Foreground(lipgloss.Color("42"))
	p.fail = p.renderer.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	return p
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Color reports whether the printer emits ANSI styling.
func (p *Printer) Color() bool { return p.color }

type resultJSON struct {
	TreeID string   `json:"treeId"`
	Paths  []string `json:"paths"`
	Check  bool     `json:"check,omitempty"`
}

// Result prints a successful apply. check marks a dry run.
func (p *Printer) Result(res *patch.Result, check bool) error {
	if res == nil {
		return errors.New("render: nil result")
	}
	if p.json {
		paths := res.Paths
		if paths == nil {
			paths = []string{}
		}
		return p.writeJSON(resultJSON{TreeID: res.TreeID.String(), Paths: paths, Check: check})
	}

	verb := "Applied"
	if check {
		verb = "Patch applies cleanly"
	}
	header := fmt.Sprintf("%s: %d path(s), tree %s", verb, len(res.Paths), res.TreeID)
	if _, err := fmt.Fprintln(p.out, p.title.Render(header)); err != nil {
		return err
	}
	for _, path := range res.Paths {
		if _, err := fmt.Fprintln(p.out, "  "+p.path.Render(path)); err != nil {
			return err
		}
	}
	return nil
}

type failureJSON struct {
	Code         string                `json:"code"`
	Message      string                `json:"message"`
	Path         string                `json:"path,omitempty"`
	HunkStatuses []patch.HunkStatus    `json:"hunkStatuses,omitempty"`
	FailedHunk   *patch.FailedHunk     `json:"failedHunk,omitempty"`
	Candidate    *patch.MatchCandidate `json:"candidate,omitempty"`
	Errors       []string              `json:"errors,omitempty"`
}

// Failure prints err. Errors that are not *patch.Error are printed as is.
func (p *Printer) Failure(err error) error {
	if err == nil {
		return nil
	}
	var perr *patch.Error
	if !errors.As(err, &perr) {
		if p.json {
			return p.writeJSON(map[string]failureJSON{"error": {Message: err.Error()}})
		}
		_, werr := fmt.Fprintln(p.out, p.fail.Render("error:")+" "+err.Error())
		return werr
	}

	if p.json {
		f := failureJSON{
			Code:         perr.Code,
			Message:      perr.Message,
			Path:         perr.RelativePath,
			HunkStatuses: perr.HunkStatuses,
			FailedHunk:   perr.FailedHunk,
			Candidate:    perr.Candidate,
		}
		for _, e := range perr.Errors {
			f.Errors = append(f.Errors, e.Error())
		}
		return p.writeJSON(map[string]failureJSON{"error": f})
	}

	if !p.color {
		_, werr := fmt.Fprintln(p.out, patch.FormatError(perr))
		return werr
	}
	rendered, rerr := p.markdown(failureMarkdown(perr))
	if rerr != nil {
		_, werr := fmt.Fprintln(p.out, patch.FormatError(perr))
		return werr
	}
	_, werr := fmt.Fprint(p.out, rendered)
	return werr
}

func (p *Printer) markdown(md string) (string, error) {
	r, err := glam.NewTermRenderer(glam.WithStylePath("dark"), glam.WithWordWrap(p.wrap))
	if err != nil {
		return "", err
	}
	return r.Render(md)
}

// failureMarkdown lays out a patch error as a short markdown report.
func failureMarkdown(err *patch.Error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Patch failed: `%s`\n\n", err.Code)
	if err.RelativePath != "" {
		fmt.Fprintf(&b, "File: `%s`\n\n", err.RelativePath)
	}
	fmt.Fprintf(&b, "%s\n\n", err.Message)
	for _, e := range err.Errors {
		if len(err.Errors) > 1 {
			fmt.Fprintf(&b, "- %s\n", e.Error())
		}
	}
	if len(err.Errors) > 1 {
		b.WriteString("\n")
	}
	if len(err.HunkStatuses) > 0 {
		var statuses []string
		for _, s := range err.HunkStatuses {
			statuses = append(statuses, fmt.Sprintf("hunk %d %s", s.Number, s.Status))
		}
		fmt.Fprintf(&b, "%s\n\n", strings.Join(statuses, ", "))
	}
	if err.FailedHunk != nil && len(err.FailedHunk.RawPatchLines) > 0 {
		b.WriteString("### Offending hunk\n\n```diff\n")
		b.WriteString(strings.Join(err.FailedHunk.RawPatchLines, "\n"))
		b.WriteString("\n```\n\n")
	}
	if err.Candidate != nil {
		fmt.Fprintf(&b, "### Closest match at line %d\n\n```diff\n", err.Candidate.Line)
		b.WriteString(strings.TrimRight(err.Candidate.Diff, "\n"))
		b.WriteString("\n```\n")
	}
	return b.String()
}

func (p *Printer) writeJSON(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
