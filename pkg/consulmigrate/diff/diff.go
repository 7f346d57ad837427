// Package diff renders the difference between the value a key holds and the
// value a migration would write, for verify.
package diff

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/fatih/color"
	diffpatch "github.com/sergi/go-diff/diffmatchpatch"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"

	"github.com/arketec/migrate-consul/pkg/consulmigrate/engine"
	merrors "github.com/arketec/migrate-consul/pkg/consulmigrate/errors"
)

type Mode string

const (
	// ModeChars marks inserted and deleted runs inline.
	ModeChars Mode = "chars"
	// ModeLines prints changed lines with +/- prefixes.
	ModeLines Mode = "lines"
	// ModePatch prints a unified diff-match-patch patch.
	ModePatch Mode = "patch"
	// ModeJSON prints a structural diff of two JSON documents.
	ModeJSON Mode = "json"
	// ModeMerge prints the RFC 7386 merge patch from before to after.
	ModeMerge Mode = "merge"
)

var Modes = []Mode{ModeChars, ModeLines, ModePatch, ModeJSON, ModeMerge}

func ParseMode(s string) (Mode, error) {
	if s == "" {
		return ModePatch, nil
	}
	for _, m := range Modes {
		if string(m) == strings.ToLower(s) {
			return m, nil
		}
	}
	return "", merrors.New(merrors.EInvalidOperation, "unknown diff mode %q", s)
}

type Options struct {
	Mode Mode
	// MaxLength truncates the rendered diff; zero means no limit.
	MaxLength int
	// Color enables ANSI colors. Output is still plain when stdout is not
	// a terminal.
	Color bool
}

// Renderer turns pairs of values into text.
type Renderer struct {
	opts Options
	add  *color.Color
	del  *color.Color
	head *color.Color
}

func New(opts Options) *Renderer {
	if opts.Mode == "" {
		opts.Mode = ModePatch
	}
	r := &Renderer{
		opts: opts,
		add:  color.New(color.FgGreen),
		del:  color.New(color.FgRed),
		head: color.New(color.Bold),
	}
	if !opts.Color {
		for _, c := range []*color.Color{r.add, r.del, r.head} {
			c.DisableColor()
		}
	}
	return r
}

// Equal reports whether before and after hold the same value. JSON
// documents are compared structurally, anything else byte for byte.
func Equal(before, after []byte) bool {
	if json.Valid(before) && json.Valid(after) {
		return jsonpatch.Equal(before, after)
	}
	return bytes.Equal(before, after)
}

// Render returns the diff from before to after, or "" when they are equal.
// Modes that need JSON fall back to lines when either side is not JSON.
func (r *Renderer) Render(before, after []byte) (string, error) {
	if Equal(before, after) {
		return "", nil
	}

	var (
		out string
		err error
	)
	switch r.opts.Mode {
	case ModeChars:
		out = r.chars(string(before), string(after))
	case ModeLines:
		out = r.lines(string(before), string(after))
	case ModePatch:
		out = r.patch(string(before), string(after))
	case ModeJSON:
		out, err = r.json(before, after)
	case ModeMerge:
		out, err = r.merge(before, after)
	default:
		return "", merrors.New(merrors.EInvalidOperation, "unknown diff mode %q", r.opts.Mode)
	}
	if err != nil {
		return "", err
	}
	return r.truncate(out), nil
}

// RenderOutput renders one engine output with a header naming the key.
func (r *Renderer) RenderOutput(o engine.Output) (string, error) {
	var header string
	switch {
	case o.Deleted:
		header = "delete " + o.Key
	case !o.Existed:
		header = "create " + o.Key
	default:
		header = "update " + o.Key
	}
	after := o.Value
	if o.Deleted {
		after = ""
	}
	body, err := r.Render([]byte(o.Previous), []byte(after))
	if err != nil {
		return "", err
	}
	if body == "" {
		return r.head.Sprint(header) + " (unchanged)\n", nil
	}
	return r.head.Sprint(header) + "\n" + strings.TrimRight(body, "\n") + "\n", nil
}

func (r *Renderer) chars(before, after string) string {
	dmp := diffpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(before, after, false))

	var b strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffpatch.DiffInsert:
			b.WriteString(r.add.Sprint("{+" + d.Text + "+}"))
		case diffpatch.DiffDelete:
			b.WriteString(r.del.Sprint("[-" + d.Text + "-]"))
		case diffpatch.DiffEqual:
			b.WriteString(d.Text)
		}
	}
	return b.String()
}

func (r *Renderer) lines(before, after string) string {
	dmp := diffpatch.New()
	a, b, index := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), index)

	var out strings.Builder
	for _, d := range diffs {
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			if !strings.HasSuffix(line, "\n") {
				line += "\n"
			}
			switch d.Type {
			case diffpatch.DiffInsert:
				out.WriteString(r.add.Sprint("+ " + line))
			case diffpatch.DiffDelete:
				out.WriteString(r.del.Sprint("- " + line))
			case diffpatch.DiffEqual:
				out.WriteString("  " + line)
			}
		}
	}
	return out.String()
}

func (r *Renderer) patch(before, after string) string {
	dmp := diffpatch.New()
	return dmp.PatchToText(dmp.PatchMake(before, after))
}

func (r *Renderer) json(before, after []byte) (string, error) {
	left, lok := decode(before)
	right, rok := decode(after)
	if !lok || !rok {
		return r.lines(string(before), string(after)), nil
	}

	differ := gojsondiff.New()
	var d gojsondiff.Diff
	switch l := left.(type) {
	case map[string]interface{}:
		rm, ok := right.(map[string]interface{})
		if !ok {
			return r.lines(string(before), string(after)), nil
		}
		d = differ.CompareObjects(l, rm)
	case []interface{}:
		ra, ok := right.([]interface{})
		if !ok {
			return r.lines(string(before), string(after)), nil
		}
		d = differ.CompareArrays(l, ra)
	default:
		return r.chars(string(before), string(after)), nil
	}

	f := formatter.NewAsciiFormatter(left, formatter.AsciiFormatterConfig{
		ShowArrayIndex: true,
		Coloring:       r.opts.Color && !color.NoColor,
	})
	return f.Format(d)
}

func (r *Renderer) merge(before, after []byte) (string, error) {
	if len(bytes.TrimSpace(before)) == 0 {
		before = []byte("{}")
	}
	if len(bytes.TrimSpace(after)) == 0 {
		after = []byte("{}")
	}
	if !json.Valid(before) || !json.Valid(after) {
		return r.lines(string(before), string(after)), nil
	}
	p, err := jsonpatch.CreateMergePatch(before, after)
	if err != nil {
		// merge patches only exist between objects
		return r.lines(string(before), string(after)), nil
	}
	var out bytes.Buffer
	if err := json.Indent(&out, p, "", "  "); err != nil {
		return "", merrors.Wrap(merrors.EInternal, "diff.merge", err)
	}
	out.WriteByte('\n')
	return out.String(), nil
}

func (r *Renderer) truncate(s string) string {
	if r.opts.MaxLength <= 0 || len(s) <= r.opts.MaxLength {
		return s
	}
	return s[:r.opts.MaxLength] + fmt.Sprintf("\n... %d more bytes\n", len(s)-r.opts.MaxLength)
}

func decode(raw []byte) (interface{}, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]interface{}{}, true
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return v, true
}
