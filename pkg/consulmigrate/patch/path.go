package patch

import (
	"strconv"
	"strings"

	merrors "github.com/arketec/migrate-consul/pkg/consulmigrate/errors"
)

// RootPlaceholder is the leading path segment that denotes the document root.
const RootPlaceholder = "$"

// Segment is one step of a parsed path.
type Segment struct {
	Key string
	// Index is valid when Numeric is set.
	Index   int
	Numeric bool
	// Bracket is set for [n] / ['k'] segments. A synthesized container for a
	// numeric bracket segment is an array, otherwise an object.
	Bracket bool
}

func (s Segment) String() string {
	if s.Bracket && s.Numeric {
		return "[" + s.Key + "]"
	}
	return s.Key
}

// Path is a parsed path expression. An empty Path addresses the root.
type Path []Segment

func (p Path) String() string {
	var b strings.Builder
	b.WriteString(RootPlaceholder)
	for _, s := range p {
		if s.Bracket && s.Numeric {
			b.WriteString(s.String())
			continue
		}
		b.WriteByte('.')
		b.WriteString(s.Key)
	}
	return b.String()
}

// ParsePath разбирает выражение пути на сегменты.
// Вход: выражение вида $.a.b[0] или a['k'].
// Выход: Path или EInvalidOperation.
// ParsePath splits a dotted/bracketed path expression into segments. A leading
// "$" is stripped.
//
//	$.a.b[0]      -> a, b, [0]
//	a.b.c         -> a, b, c
//	$['a.b'].c    -> a.b, c
func ParsePath(expr string) (Path, error) {
	invalid := func(msg string) error {
		return &merrors.Error{
			Code: merrors.EInvalidOperation,
			Op:   "patch.ParsePath",
			Msg:  "path " + strconv.Quote(expr) + ": " + msg,
		}
	}

	s := strings.TrimSpace(expr)
	if s == RootPlaceholder || s == "" {
		return Path{}, nil
	}
	if strings.HasPrefix(s, RootPlaceholder) {
		s = s[len(RootPlaceholder):]
		if s != "" && s[0] != '.' && s[0] != '[' {
			return nil, invalid("unexpected character after root")
		}
	} else if s[0] != '[' {
		s = "." + s
	}

	var path Path
	for len(s) > 0 {
		switch s[0] {
		case '.':
			s = s[1:]
			end := strings.IndexAny(s, ".[")
			if end < 0 {
				end = len(s)
			}
			key := s[:end]
			if key == "" {
				return nil, invalid("empty segment")
			}
			path = append(path, newSegment(key, false))
			s = s[end:]
		case '[':
			end := strings.IndexByte(s, ']')
			if end < 0 {
				return nil, invalid("unterminated bracket")
			}
			inner := s[1:end]
			s = s[end+1:]
			if len(inner) >= 2 && (inner[0] == '\'' || inner[0] == '"') && inner[len(inner)-1] == inner[0] {
				path = append(path, Segment{Key: inner[1 : len(inner)-1], Bracket: true})
				continue
			}
			seg := newSegment(inner, true)
			if !seg.Numeric {
				return nil, invalid("bracket segment must be an index or a quoted key")
			}
			path = append(path, seg)
		default:
			return nil, invalid("unexpected character " + strconv.QuoteRune(rune(s[0])))
		}
	}
	return path, nil
}

func newSegment(key string, bracket bool) Segment {
	seg := Segment{Key: key, Bracket: bracket}
	if i, err := strconv.Atoi(key); err == nil && (i >= 0 || bracket) {
		seg.Index = i
		seg.Numeric = true
	}
	return seg
}
