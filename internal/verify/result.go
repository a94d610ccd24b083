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

package verify

import (
	"Unbewohnte/STAVbot/internal/reference"
	"Unbewohnte/STAVbot/internal/statute"
	"strings"
)

// Result is the outcome of comparing one transcript passage with the
// official statute text. Error is set whenever the statute could not be
// resolved, fetched or embedded; SimilarityScore is 0 in that case.
type Result struct {
	StatuteID       string  `json:"statute_id"`
	TranscriptText  string  `json:"transcript_text"`
	StatuteText     string  `json:"statute_text"`
	SimilarityScore float64 `json:"similarity_score"`
	IsDiscrepancy   bool    `json:"is_discrepancy"`
	URL             string  `json:"url"`
	Title           string  `json:"title,omitempty"`
	Error           string  `json:"error,omitempty"`
	Err             error   `json:"-"`
}

// Request is one item of a batch verification.
type Request struct {
	StatuteID string `json:"statute_id"`
	Text      string `json:"text"`
}

// RequestsFromReferences turns extracted references into batch requests,
// comparing each statute with the passage that mentioned it.
func RequestsFromReferences(refs []reference.Reference) []Request {
	requests := make([]Request, 0, len(refs))
	for _, ref := range refs {
		requests = append(requests, Request{
			StatuteID: ref.StatuteID,
			Text:      ref.MatchedText,
		})
	}

	return requests
}

func (r *Result) fail(err error) {
	r.SimilarityScore = 0
	r.IsDiscrepancy = true
	r.Err = err
	r.Error = err.Error()
}

func (r *Result) fillFrom(record statute.Record) {
	r.StatuteText = record.FullText
	r.Title = record.Title
	if record.URL != "" {
		r.URL = record.URL
	}
}

// RequestsWithContext is like RequestsFromReferences but compares each
// statute with the whole sentence around the mention.
func RequestsWithContext(text string, refs []reference.Reference) []Request {
	requests := make([]Request, 0, len(refs))
	for _, ref := range refs {
		requests = append(requests, Request{
			StatuteID: ref.StatuteID,
			Text:      sentenceAround(text, ref.Start, ref.End),
		})
	}

	return requests
}

// sentenceAround widens [start,end) to the enclosing sentence, delimited by
// blank lines or sentence punctuation followed by whitespace.
func sentenceAround(text string, start, end int) string {
	if start < 0 || end > len(text) || start >= end {
		return ""
	}

	from := start
	for from > 0 {
		if isSentenceBreak(text, from-1) {
			break
		}
		from--
	}

	to := end
	for to < len(text) {
		if isSentenceBreak(text, to) {
			if text[to] != '\n' {
				to++
			}
			break
		}
		to++
	}

	return strings.TrimSpace(text[from:to])
}

func isSentenceBreak(text string, i int) bool {
	switch text[i] {
	case '\n':
		return true
	case '.', '!', '?':
		return i+1 == len(text) || text[i+1] == ' ' || text[i+1] == '\n'
	}
	return false
}
