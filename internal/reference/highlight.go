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
	"fmt"
	"html"
	"regexp"
	"slices"
	"sort"
	"strings"
)

const (
	markerOpen  = `<span class="statute-reference" data-statute-id="%s">`
	markerClose = `</span>`
)

var markerPair = regexp.MustCompile(`(?s)<span class="statute-reference" data-statute-id="[^"]*">(.*?)</span>`)

// Highlight wraps every reference span of text in a marker element. Spans
// are chosen from the last to the first so that references falling outside
// text or overlapping a later one are skipped. The text itself is kept as is.
func Highlight(text string, refs []Reference) string {
	if len(refs) == 0 {
		return text
	}
	return highlight(text, refs, func(s string) string { return s })
}

// HighlightHTML is Highlight for display in a browser: the text inside and
// outside the markers is HTML-escaped.
func HighlightHTML(text string, refs []Reference) string {
	return highlight(text, refs, html.EscapeString)
}

func highlight(text string, refs []Reference, escape func(string) string) string {
	var b strings.Builder
	b.Grow(len(text) + len(refs)*(len(markerOpen)+len(markerClose)))

	prev := 0
	for _, ref := range spans(text, refs) {
		b.WriteString(escape(text[prev:ref.Start]))
		fmt.Fprintf(&b, markerOpen, escape(ref.StatuteID))
		b.WriteString(escape(text[ref.Start:ref.End]))
		b.WriteString(markerClose)
		prev = ref.End
	}
	b.WriteString(escape(text[prev:]))

	return b.String()
}

// spans returns the references to mark, first to last.
func spans(text string, refs []Reference) []Reference {
	ordered := make([]Reference, len(refs))
	copy(ordered, refs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Start > ordered[j].Start
	})

	var accepted []Reference
	limit := len(text)
	for _, ref := range ordered {
		if ref.Start < 0 || ref.Start >= ref.End || ref.End > limit {
			continue
		}
		accepted = append(accepted, ref)
		limit = ref.Start
	}

	slices.Reverse(accepted)
	return accepted
}

// StripHighlight removes markers inserted by Highlight.
func StripHighlight(text string) string {
	return markerPair.ReplaceAllString(text, "$1")
}
