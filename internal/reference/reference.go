/*
   STAVbot - Statute Transcript Analysis and Verification bot
   Copyright (C) 2025  Unbewohnte (Kasyanov Nikolay Alexeevich)

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU General Public License as published by
   the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU General Public License for more details.

   You should have received a copy of the GNU General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package reference

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"
)

// MatchType tells which strategy produced a reference.
type MatchType string

const (
	MatchPattern MatchType = "pattern"
	MatchEntity  MatchType = "entity"
)

// Reference is a statute mention located in a transcript. Start and End are
// half-open byte offsets into the scanned text.
type Reference struct {
	StatuteID   string    `json:"statute_id"`
	Start       int       `json:"start"`
	End         int       `json:"end"`
	MatchedText string    `json:"matched_text"`
	MatchType   MatchType `json:"match_type"`
}

// Entity is a span reported by a named-entity recognizer.
type Entity struct {
	Text  string `json:"text"`
	Label string `json:"label"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// EntityRecognizer finds named entities in text.
type EntityRecognizer interface {
	Recognize(ctx context.Context, text string) ([]Entity, error)
}

// Labels of recognized entities that may carry a statute mention.
var entityLabels = map[string]bool{
	"LAW":      true,
	"ORG":      true,
	"CARDINAL": true,
}

var (
	legalKeywords = []string{"section", "statute", "chapter", "code", "title", "law", "act"}
	decimalNumber = regexp.MustCompile(`\d+\.\d+`)
	entityID      = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

// Extractor finds statute references in transcript text. Surface patterns
// are tried in order; the recognizer, when set, only fills spans that no
// pattern has claimed.
type Extractor struct {
	patterns   []*regexp.Regexp
	recognizer EntityRecognizer
	logger     *slog.Logger
}

type Option func(*Extractor)

func WithRecognizer(recognizer EntityRecognizer) Option {
	return func(e *Extractor) {
		e.recognizer = recognizer
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Extractor) {
		e.logger = logger
	}
}

func NewExtractor(opts ...Option) *Extractor {
	extractor := &Extractor{
		patterns: compilePatterns(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(extractor)
	}

	return extractor
}

// Extract returns the references found in text, sorted by start offset with
// no two spans overlapping.
func (e *Extractor) Extract(ctx context.Context, text string) []Reference {
	var refs []Reference

	for _, pattern := range e.patterns {
		for _, loc := range pattern.FindAllStringSubmatchIndex(text, -1) {
			if len(loc) < 4 || loc[2] < 0 {
				continue
			}

			candidate := Reference{
				StatuteID:   normalizeID(text[loc[2]:loc[3]]),
				Start:       loc[0],
				End:         loc[1],
				MatchedText: text[loc[0]:loc[1]],
				MatchType:   MatchPattern,
			}
			if overlapsAny(candidate.Start, candidate.End, refs) {
				continue
			}
			refs = append(refs, candidate)
		}
	}

	if e.recognizer != nil {
		refs = append(refs, e.entityReferences(ctx, text, refs)...)
	}

	sort.SliceStable(refs, func(i, j int) bool {
		return refs[i].Start < refs[j].Start
	})

	return refs
}

// ExtractAndHighlight extracts references and renders the highlighted text.
func (e *Extractor) ExtractAndHighlight(ctx context.Context, text string) ([]Reference, string) {
	refs := e.Extract(ctx, text)
	return refs, Highlight(text, refs)
}

func (e *Extractor) entityReferences(ctx context.Context, text string, claimed []Reference) []Reference {
	entities, err := e.recognizer.Recognize(ctx, text)
	if err != nil {
		e.logger.Warn("entity recognition failed, using patterns only", "error", err)
		return nil
	}

	var accepted []Reference
	for _, entity := range entities {
		if !entityLabels[strings.ToUpper(entity.Label)] {
			continue
		}
		if entity.Start < 0 || entity.End > len(text) || entity.Start >= entity.End {
			continue
		}

		span := text[entity.Start:entity.End]
		if !looksLikeStatute(span) {
			continue
		}
		if overlapsAny(entity.Start, entity.End, claimed) || overlapsAny(entity.Start, entity.End, accepted) {
			continue
		}

		id := entityID.FindString(span)
		if id == "" {
			continue
		}

		accepted = append(accepted, Reference{
			StatuteID:   id,
			Start:       entity.Start,
			End:         entity.End,
			MatchedText: span,
			MatchType:   MatchEntity,
		})
	}

	return accepted
}

func looksLikeStatute(text string) bool {
	lower := strings.ToLower(text)
	for _, keyword := range legalKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}

	return decimalNumber.MatchString(text)
}

// Overlaps reports whether [s1,e1) and [s2,e2) share at least one offset.
func Overlaps(s1, e1, s2, e2 int) bool {
	return max(s1, s2) < min(e1, e2)
}

func overlapsAny(start, end int, refs []Reference) bool {
	for _, ref := range refs {
		if Overlaps(start, end, ref.Start, ref.End) {
			return true
		}
	}

	return false
}

func normalizeID(id string) string {
	return strings.Join(strings.Fields(id), "")
}
