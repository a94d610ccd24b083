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

package bot

import (
	"Unbewohnte/STAVbot/internal/reference"
	"Unbewohnte/STAVbot/internal/statute"
	"Unbewohnte/STAVbot/internal/verify"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// Telegram rejects messages longer than 4096 characters.
const maxMessageLength = 4000

// Levenshtein
func minDistance(a, b string) int {
	m, n := len(a), len(b)
	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
		dp[i][0] = i
	}
	for j := range dp[0] {
		dp[0][j] = j
	}

	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			if a[i-1] == b[j-1] {
				dp[i][j] = dp[i-1][j-1]
			} else {
				dp[i][j] = 1 + min(dp[i-1][j], dp[i][j-1], dp[i-1][j-1])
			}
		}
	}
	return dp[m][n]
}

func (bot *Bot) findSimilarCommands(input string) []string {
	type cmdDistance struct {
		name     string
		distance int
	}

	var distances []cmdDistance
	for _, cmd := range bot.commands {
		dist := minDistance(input, cmd.Name)
		distances = append(distances, cmdDistance{cmd.Name, dist})
	}

	sort.SliceStable(distances, func(i, j int) bool {
		return distances[i].distance < distances[j].distance
	})

	var suggestions []string
	for i := 0; i < 3 && i < len(distances); i++ {
		suggestions = append(suggestions, distances[i].name)
	}

	return suggestions
}

func (bot *Bot) suggestionsMessage(input string) string {
	suggestions := bot.findSimilarCommands(input)
	if len(suggestions) == 0 {
		return fmt.Sprintf("Command `%s` does not exist.", input)
	}

	message := "Unknown command. Perhaps you meant one of these:\n"
	for _, name := range suggestions {
		command := bot.CommandByName(name)
		if command != nil {
			message += fmt.Sprintf("`%s` - %s\n", command.Name, command.Description)
		}
	}
	message += "\nUse `help [command]` for details"

	return message
}

// splitCommand separates the command word from its arguments. A leading
// slash and a Telegram "@botname" suffix are dropped.
func splitCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ""
	}

	name, args, _ := strings.Cut(text, " ")
	if i := strings.IndexAny(name, "\n\t"); i >= 0 {
		args = name[i:] + " " + args
		name = name[:i]
	}
	name = strings.TrimPrefix(name, "/")
	if at := strings.Index(name, "@"); at >= 0 {
		name = name[:at]
	}

	return strings.ToLower(name), strings.TrimSpace(args)
}

// splitMessage breaks text into chunks of at most limit bytes, preferring
// line boundaries and never splitting a UTF-8 sequence.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}

	return chunks
}

func excerpt(text string, maxRunes int) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= maxRunes {
		return text
	}

	runes := []rune(text)
	return strings.TrimSpace(string(runes[:maxRunes])) + "..."
}

func formatReferences(refs []reference.Reference) string {
	if len(refs) == 0 {
		return "No statute references found."
	}

	var response strings.Builder
	response.WriteString(fmt.Sprintf("*Found %d reference(s):*\n", len(refs)))
	for i, ref := range refs {
		response.WriteString(fmt.Sprintf(
			"%d. `%s` (%s) \"%s\" at %d-%d\n",
			i+1, ref.StatuteID, ref.MatchType, ref.MatchedText, ref.Start, ref.End,
		))
	}

	return response.String()
}

func resultStatus(result verify.Result) string {
	switch {
	case result.Error != "":
		return "❌ " + result.Error
	case result.IsDiscrepancy:
		return "⚠️ discrepancy"
	default:
		return "✅ consistent"
	}
}

func formatResult(result verify.Result, threshold float64) string {
	var response strings.Builder

	response.WriteString(fmt.Sprintf("*Statute %s*", result.StatuteID))
	if result.Title != "" {
		response.WriteString(" - " + result.Title)
	}
	response.WriteString("\n")
	response.WriteString(fmt.Sprintf("*Similarity:* `%.4f` (threshold `%.2f`)\n", result.SimilarityScore, threshold))
	response.WriteString(fmt.Sprintf("*Status:* %s\n", resultStatus(result)))
	if result.URL != "" {
		response.WriteString(fmt.Sprintf("*Source:* %s\n", result.URL))
	}

	return response.String()
}

func formatResults(results []verify.Result, threshold float64) string {
	if len(results) == 0 {
		return "Nothing to verify."
	}

	var discrepancies, failures int
	for _, result := range results {
		if result.Error != "" {
			failures++
		} else if result.IsDiscrepancy {
			discrepancies++
		}
	}

	var response strings.Builder
	response.WriteString(fmt.Sprintf(
		"*Verified %d reference(s):* %d consistent, %d discrepancies, %d unresolved\n\n",
		len(results), len(results)-discrepancies-failures, discrepancies, failures,
	))
	for i, result := range results {
		response.WriteString(fmt.Sprintf("%d. %s", i+1, formatResult(result, threshold)))
		if result.TranscriptText != "" {
			response.WriteString(fmt.Sprintf("*Transcript:* %s\n", excerpt(result.TranscriptText, 200)))
		}
		response.WriteString("\n")
	}

	return response.String()
}

func formatLookup(lookup statute.Lookup) string {
	var response strings.Builder

	response.WriteString(fmt.Sprintf("*%s*\n", lookup.Title))
	response.WriteString(fmt.Sprintf("*Statute:* `%s`\n", lookup.ID))
	if lookup.URL != "" {
		response.WriteString(fmt.Sprintf("*Source:* %s\n", lookup.URL))
	}
	if lookup.Cached {
		response.WriteString(fmt.Sprintf("*Cached:* %s\n", lookup.LastUpdated.Format("2006-01-02 15:04")))
	} else {
		response.WriteString("*Cached:* no, fetched just now\n")
	}
	if !lookup.Found {
		response.WriteString("*Note:* the page had no statute body\n")
	}
	response.WriteString("\n" + excerpt(lookup.FullText, 1500))

	return response.String()
}
