// Package assembler folds a retrieval bundle into a context payload that
// fits a caller-supplied character budget. Assembly is deterministic:
// sections are visited in a fixed priority order and records are included
// whole or dropped entirely, never cut mid-text.
package assembler

import (
	"fmt"
	"strings"

	"github.com/womba/contextengine/internal/retriever"
	"github.com/womba/contextengine/internal/store"
)

// DefaultPriority is the trimming order: documentation survives longest,
// existing tests are dropped first.
var DefaultPriority = []string{
	store.Documentation,
	store.TestPlans,
	store.IssueRecords,
	store.ExistingTests,
}

// sectionLabels name the payload sections for rendering.
var sectionLabels = map[string]string{
	store.TestPlans:     "Prior test plans",
	store.Documentation: "Documentation",
	store.IssueRecords:  "Issue records",
	store.ExistingTests: "Existing tests",
}

// Entry is one included record.
type Entry struct {
	ReferenceKey string
	Title        string
	Text         string
	Score        float32
}

// PayloadSection groups the included entries of one collection.
type PayloadSection struct {
	Collection string
	Label      string
	Entries    []Entry
}

// Payload is the assembled context handed to the generation collaborator.
type Payload struct {
	Sections  []PayloadSection
	Size      int  // runes of included entry text
	Truncated bool // true if at least one record was dropped for budget
}

// Empty reports whether nothing fit or nothing was retrieved.
func (p *Payload) Empty() bool {
	for _, s := range p.Sections {
		if len(s.Entries) > 0 {
			return false
		}
	}
	return true
}

// Render returns the payload as labeled plain text, in priority order.
func (p *Payload) Render() string {
	var b strings.Builder
	for _, sec := range p.Sections {
		if len(sec.Entries) == 0 {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n", sec.Label)
		for _, e := range sec.Entries {
			if e.Title != "" {
				fmt.Fprintf(&b, "### %s (%s)\n", e.Title, e.ReferenceKey)
			} else {
				fmt.Fprintf(&b, "### %s\n", e.ReferenceKey)
			}
			b.WriteString(e.Text)
			b.WriteString("\n\n")
		}
	}
	return strings.TrimSpace(b.String())
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithPriority overrides the section trimming order. Collections missing
// from the list are appended in default order.
func WithPriority(collections ...string) Option {
	return func(a *Assembler) {
		order := make([]string, 0, len(DefaultPriority))
		seen := make(map[string]bool, len(collections))
		for _, c := range collections {
			if store.ValidCollection(c) && !seen[c] {
				order = append(order, c)
				seen[c] = true
			}
		}
		for _, c := range DefaultPriority {
			if !seen[c] {
				order = append(order, c)
			}
		}
		a.priority = order
	}
}

// Assembler builds budgeted payloads from retrieval bundles.
type Assembler struct {
	priority []string
}

// New creates an Assembler.
func New(opts ...Option) *Assembler {
	a := &Assembler{priority: DefaultPriority}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble walks sections in priority order and records in rank order,
// including each record whole while it fits the remaining budget. A record
// that does not fit is dropped entirely; later, smaller records may still
// be included. budget <= 0 means unlimited.
func (a *Assembler) Assemble(bundle *retriever.Bundle, budget int) *Payload {
	payload := &Payload{Sections: make([]PayloadSection, 0, len(a.priority))}
	if bundle == nil {
		return payload
	}

	remaining := budget
	for _, collection := range a.priority {
		out := PayloadSection{Collection: collection, Label: sectionLabels[collection]}
		if section := bundle.Section(collection); section != nil {
			for _, rec := range section.Records {
				cost := len([]rune(rec.Record.Text))
				if budget > 0 && cost > remaining {
					payload.Truncated = true
					continue
				}
				out.Entries = append(out.Entries, Entry{
					ReferenceKey: rec.Record.Metadata[store.MetaReferenceKey],
					Title:        rec.Record.Metadata[store.MetaTitle],
					Text:         rec.Record.Text,
					Score:        rec.Score,
				})
				payload.Size += cost
				if budget > 0 {
					remaining -= cost
				}
			}
		}
		payload.Sections = append(payload.Sections, out)
	}
	return payload
}
