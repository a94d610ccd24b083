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

import "regexp"

// statuteNumber matches a chapter, optional letter suffix, optional section
// and optional range: 316, 32B, 316.193, 775.082-775.083.
const statuteNumber = `\d+[A-Za-z]?(?:\.\d+)?(?:-\d+)?`

// Order matters: earlier patterns win overlapping spans.
var surfacePatterns = []string{
	`\bsection\s+(` + statuteNumber + `)`,
	`\bs\.\s+(` + statuteNumber + `)`,
	`\b(` + statuteNumber + `)\s+F\.S\.`,
	`\bchapter\s+(` + statuteNumber + `)`,
	`\bflorida\s+statute\s+(` + statuteNumber + `)`,
	`\bfla\.\s+stat\.\s+§?\s*(` + statuteNumber + `)`,
	`\bF\.S\.\s+§?\s*(` + statuteNumber + `)`,
}

func compilePatterns() []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, 0, len(surfacePatterns))
	for _, pattern := range surfacePatterns {
		patterns = append(patterns, regexp.MustCompile(`(?i)`+pattern))
	}

	return patterns
}
