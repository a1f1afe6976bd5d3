// Package chunk splits oversized documents into overlapping pieces so long
// documents stay retrievable without truncation loss. Markdown documents
// are split at section boundaries first; anything still oversized is cut
// into overlapping windows.
package chunk

import (
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"go.abhg.dev/goldmark/toc"
)

const (
	// DefaultMaxSize is the piece size threshold in runes. Documents at or
	// under it are never split.
	DefaultMaxSize = 4000

	// DefaultOverlap is the number of runes shared between consecutive
	// windows of an oversized section.
	DefaultOverlap = 400
)

// Piece is one segment of a split document. Pieces of the same document
// share the parent's reference key but get distinct record IDs.
type Piece struct {
	Index   int
	Section string // header path like "# Title > ## Section", empty if none
	Text    string
}

// Splitter splits documents that exceed the size threshold.
type Splitter struct {
	maxSize int
	overlap int
	parser  goldmark.Markdown
}

// Option configures a Splitter.
type Option func(*Splitter)

// WithMaxSize sets the piece size threshold in runes.
func WithMaxSize(n int) Option {
	return func(s *Splitter) {
		if n > 0 {
			s.maxSize = n
		}
	}
}

// WithOverlap sets the window overlap in runes.
func WithOverlap(n int) Option {
	return func(s *Splitter) {
		if n >= 0 {
			s.overlap = n
		}
	}
}

// NewSplitter creates a splitter with a goldmark parser for section
// detection.
func NewSplitter(opts ...Option) *Splitter {
	s := &Splitter{
		maxSize: DefaultMaxSize,
		overlap: DefaultOverlap,
		parser: goldmark.New(
			goldmark.WithParserOptions(
				parser.WithAutoHeadingID(),
			),
		),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.overlap >= s.maxSize {
		s.overlap = s.maxSize / 10
	}
	return s
}

// Split returns the pieces of a document. Documents within the threshold
// come back as a single piece untouched.
func (s *Splitter) Split(content string) []Piece {
	if len([]rune(content)) <= s.maxSize {
		return []Piece{{Index: 0, Text: content}}
	}

	var pieces []Piece
	for _, sec := range s.sections(content) {
		for _, window := range s.windows(sec.text) {
			pieces = append(pieces, Piece{
				Index:   len(pieces),
				Section: sec.title,
				Text:    window,
			})
		}
	}
	return pieces
}

type section struct {
	title string
	text  string
}

// sections splits markdown at H1/H2 boundaries, keeping the header
// hierarchy as the section title. Content without headings (or before the
// first one) becomes an untitled section.
func (s *Splitter) sections(content string) []section {
	source := []byte(content)
	doc := s.parser.Parser().Parse(text.NewReader(source))

	tree, err := toc.Inspect(doc, source,
		toc.MinDepth(1),
		toc.MaxDepth(2),
		toc.Compact(true),
	)
	if err != nil || len(tree.Items) == 0 {
		return []section{{text: content}}
	}

	type boundary struct {
		title string
		start int
	}
	var boundaries []boundary
	var collect func(items toc.Items, ancestors []string)
	collect = func(items toc.Items, ancestors []string) {
		for _, item := range items {
			path := make([]string, len(ancestors), len(ancestors)+1)
			copy(path, ancestors)
			path = append(path, string(item.Title))
			if node := findHeadingByID(doc, string(item.ID)); node != nil && node.Lines().Len() > 0 {
				boundaries = append(boundaries, boundary{
					title: headerPath(path),
					start: node.Lines().At(0).Start,
				})
			}
			collect(item.Items, path)
		}
	}
	collect(tree.Items, nil)

	if len(boundaries) == 0 {
		return []section{{text: content}}
	}
	sort.Slice(boundaries, func(i, j int) bool { return boundaries[i].start < boundaries[j].start })

	var sections []section
	if head := strings.TrimSpace(content[:boundaries[0].start]); head != "" {
		sections = append(sections, section{text: head})
	}
	for i, b := range boundaries {
		end := len(content)
		if i+1 < len(boundaries) {
			end = boundaries[i+1].start
		}
		body := strings.TrimSpace(content[b.start:end])
		if body != "" {
			sections = append(sections, section{title: b.title, text: body})
		}
	}
	return sections
}

// windows cuts text into overlapping rune windows, snapping each cut to
// the last line break in the window when one exists past its midpoint.
func (s *Splitter) windows(content string) []string {
	runes := []rune(content)
	if len(runes) <= s.maxSize {
		return []string{content}
	}

	var out []string
	start := 0
	for start < len(runes) {
		end := min(start+s.maxSize, len(runes))
		if end < len(runes) {
			if cut := lastBreak(runes[start:end]); cut > s.maxSize/2 {
				end = start + cut
			}
		}
		out = append(out, strings.TrimSpace(string(runes[start:end])))
		if end == len(runes) {
			break
		}
		next := end - s.overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return out
}

// lastBreak returns the index just past the last newline in the window, or
// -1 if the window has none.
func lastBreak(window []rune) int {
	for i := len(window) - 1; i >= 0; i-- {
		if window[i] == '\n' {
			return i + 1
		}
	}
	return -1
}

// headerPath builds a hierarchy string like "# Install > ## Linux".
func headerPath(path []string) string {
	parts := make([]string, len(path))
	for i, segment := range path {
		parts[i] = strings.Repeat("#", i+1) + " " + segment
	}
	return strings.Join(parts, " > ")
}

// findHeadingByID locates a heading node by its auto-generated ID.
func findHeadingByID(node ast.Node, id string) ast.Node {
	var found ast.Node
	ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering && n.Kind() == ast.KindHeading {
			if attr, ok := n.AttributeString("id"); ok {
				if b, ok := attr.([]byte); ok && string(b) == id {
					found = n
					return ast.WalkStop, nil
				}
			}
		}
		return ast.WalkContinue, nil
	})
	return found
}
