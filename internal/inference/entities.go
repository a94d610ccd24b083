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

package inference

import (
	"Unbewohnte/STAVbot/internal/reference"
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const TEMPLATE_TEXT = "{{TEXT}}"

// DefaultEntityPrompt asks the model for legal entities as a JSON list.
const DefaultEntityPrompt = `Find every named entity in the text below that refers to a law, a statute, a legal code, an organization or a number.
Answer with a JSON array only, without comments. Each element must be an object with two fields:
"text" - the entity exactly as written in the text, and "label" - one of LAW, ORG, CARDINAL.
If there are no entities answer with [].

Text:
{{TEXT}}`

type querier interface {
	Query(ctx context.Context, prompt string) (string, error)
}

// EntityRecognizer finds named entities with a general-purpose LLM and maps
// them back onto offsets of the analysed text.
type EntityRecognizer struct {
	model  querier
	prompt string
}

func NewEntityRecognizer(model *Client, prompt string) *EntityRecognizer {
	return newEntityRecognizer(model, prompt)
}

func newEntityRecognizer(model querier, prompt string) *EntityRecognizer {
	if !strings.Contains(prompt, TEMPLATE_TEXT) {
		prompt = DefaultEntityPrompt
	}

	return &EntityRecognizer{
		model:  model,
		prompt: prompt,
	}
}

type llmEntity struct {
	Text  string `json:"text"`
	Label string `json:"label"`
}

func (r *EntityRecognizer) Recognize(ctx context.Context, text string) ([]reference.Entity, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	answer, err := r.model.Query(ctx, strings.ReplaceAll(r.prompt, TEMPLATE_TEXT, text))
	if err != nil {
		return nil, fmt.Errorf("entity query: %w", err)
	}

	found, err := parseEntities(answer)
	if err != nil {
		return nil, err
	}

	return locateEntities(text, found), nil
}

// parseEntities reads the JSON array out of a model answer, ignoring any
// prose or code fences around it.
func parseEntities(answer string) ([]llmEntity, error) {
	start := strings.Index(answer, "[")
	end := strings.LastIndex(answer, "]")
	if start == -1 || end < start {
		return nil, fmt.Errorf("no entity list in model answer %q", answer)
	}

	var entities []llmEntity
	if err := json.Unmarshal([]byte(answer[start:end+1]), &entities); err != nil {
		return nil, fmt.Errorf("malformed entity list: %w", err)
	}

	return entities, nil
}

// locateEntities assigns offsets to entities. Repeated mentions of the same
// text are mapped to successive occurrences; entities that do not occur
// verbatim are dropped.
func locateEntities(text string, entities []llmEntity) []reference.Entity {
	cursor := make(map[string]int)

	var located []reference.Entity
	for _, entity := range entities {
		needle := strings.TrimSpace(entity.Text)
		if needle == "" {
			continue
		}

		from := cursor[needle]
		if from >= len(text) {
			continue
		}
		index := strings.Index(text[from:], needle)
		if index == -1 {
			continue
		}

		start := from + index
		end := start + len(needle)
		cursor[needle] = end

		located = append(located, reference.Entity{
			Text:  needle,
			Label: strings.ToUpper(strings.TrimSpace(entity.Label)),
			Start: start,
			End:   end,
		})
	}

	return located
}
