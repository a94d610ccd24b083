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
	"strings"
	"testing"
)

func TestHighlight(t *testing.T) {
	text := "The defendant violated Section 316.193 and Section 322.2615."
	refs := NewExtractor().Extract(context.Background(), text)

	highlighted := Highlight(text, refs)
	expected := `The defendant violated <span class="statute-reference" data-statute-id="316.193">Section 316.193</span> and ` +
		`<span class="statute-reference" data-statute-id="322.2615">Section 322.2615</span>.`
	if highlighted != expected {
		t.Fatalf("unexpected highlight:\n got: %s\nwant: %s", highlighted, expected)
	}

	if strings.Count(highlighted, "<span") != strings.Count(highlighted, "</span>") {
		t.Error("unbalanced highlight markers")
	}
}

func TestHighlightWithoutReferences(t *testing.T) {
	for _, text := range []string{"", "No statutes were mentioned today.", sampleTranscript} {
		if got := Highlight(text, nil); got != text {
			t.Errorf("expected text unchanged, got %q", got)
		}
	}
}

func TestHighlightIsIdempotentAndOrderIndependent(t *testing.T) {
	extractor := NewExtractor()
	refs := extractor.Extract(context.Background(), sampleTranscript)

	reversed := make([]Reference, len(refs))
	for i, ref := range refs {
		reversed[len(refs)-1-i] = ref
	}

	first := Highlight(sampleTranscript, refs)
	second := Highlight(sampleTranscript, refs)
	third := Highlight(sampleTranscript, reversed)
	if first != second || first != third {
		t.Error("highlight is not deterministic for the same references")
	}
}

func TestHighlightRoundTrip(t *testing.T) {
	texts := []string{
		sampleTranscript,
		"1.01 F.S.s. 2.02",
		"Section 316.193 prohibits DUI",
		"nothing here",
	}

	extractor := NewExtractor()
	for _, text := range texts {
		refs, highlighted := extractor.ExtractAndHighlight(context.Background(), text)
		if got := StripHighlight(highlighted); got != text {
			t.Errorf("round trip failed for %q: got %q", text, got)
		}
		if strings.Count(highlighted, `class="statute-reference"`) != len(refs) {
			t.Errorf("expected %d markers in %q", len(refs), highlighted)
		}
	}
}

func TestHighlightSkipsInvalidSpans(t *testing.T) {
	text := "Section 1.1"
	refs := []Reference{
		{StatuteID: "1.1", Start: 0, End: len(text)},
		{StatuteID: "9", Start: 5, End: 50},
		{StatuteID: "8", Start: 3, End: 3},
	}

	highlighted := Highlight(text, refs)
	if StripHighlight(highlighted) != text {
		t.Fatalf("invalid spans corrupted text: %q", highlighted)
	}
	if strings.Count(highlighted, "<span") != 1 {
		t.Errorf("expected a single marker, got %q", highlighted)
	}
}

func TestHighlightHTMLEscapesText(t *testing.T) {
	text := `<script>alert("x")</script> Section 316.193 & more`
	refs := NewExtractor().Extract(context.Background(), text)
	if len(refs) != 1 {
		t.Fatalf("expected one reference, got %+v", refs)
	}

	highlighted := HighlightHTML(text, refs)
	if strings.Contains(highlighted, "<script>") {
		t.Fatalf("markup from the text survived: %q", highlighted)
	}
	expected := `&lt;script&gt;alert(&#34;x&#34;)&lt;/script&gt; ` +
		`<span class="statute-reference" data-statute-id="316.193">Section 316.193</span> &amp; more`
	if highlighted != expected {
		t.Errorf("unexpected highlight:\n got: %s\nwant: %s", highlighted, expected)
	}

	if got := HighlightHTML("a < b", nil); got != "a &lt; b" {
		t.Errorf("text without references must be escaped too, got %q", got)
	}
}
