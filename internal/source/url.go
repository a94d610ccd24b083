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

package source

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// DefaultBaseURL is the root of the Florida Statutes site.
const DefaultBaseURL = "http://www.leg.state.fl.us/statutes"

var leadingDigits = regexp.MustCompile(`^(\d+)(.*)$`)

// BuildURL returns the canonical page of a statute on the Florida Statutes site.
func BuildURL(id string) string {
	return buildURL(DefaultBaseURL, id)
}

// NormalizeID strips all whitespace from a statute id.
func NormalizeID(id string) string {
	return strings.Join(strings.Fields(id), "")
}

func buildURL(base, id string) string {
	id = NormalizeID(id)
	base = strings.TrimSuffix(base, "/")

	chapter, section, hasSection := strings.Cut(id, ".")
	digits := leadingDigits.FindStringSubmatch(chapter)
	if digits == nil {
		return fmt.Sprintf("%s/index.cfm?App_mode=Display_Statute&Search_String=%s", base, url.QueryEscape(id))
	}

	number, err := strconv.Atoi(digits[1])
	if err != nil {
		return fmt.Sprintf("%s/index.cfm?App_mode=Display_Statute&Search_String=%s", base, url.QueryEscape(id))
	}

	if !hasSection {
		return fmt.Sprintf(
			"%s/index.cfm?App_mode=Display_Statute&Search_String=&URL=%s/%s/0%s.html",
			base, chapterRange(number), id, id,
		)
	}

	padded := fmt.Sprintf("%04d%s", number, digits[2])
	return fmt.Sprintf(
		"%s/index.cfm?App_mode=Display_Statute&Search_String=&URL=%s/%s/Sections/%s.%s.html",
		base, chapterRange(number), padded, padded, section,
	)
}

// chapterRange returns the 100-wide bucket a chapter is filed under, e.g.
// 0300-0399 for chapter 316.
func chapterRange(chapter int) string {
	low := (chapter / 100) * 100
	return fmt.Sprintf("%04d-%04d", low, low+99)
}
