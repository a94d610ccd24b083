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

package spreadsheet

import (
	"Unbewohnte/STAVbot/internal/statute"
	"Unbewohnte/STAVbot/internal/verify"
	"bytes"
	"fmt"
	"strings"

	"github.com/tealeg/xlsx/v3"
)

var resultHeaders = []string{
	"Statute", "Title", "Transcript text", "Similarity", "Discrepancy", "URL", "Error",
}

var statuteHeaders = []string{
	"Statute", "Title", "Last updated", "Has embedding", "URL", "Text",
}

func addHeader(sheet *xlsx.Sheet, headers []string) {
	headerRow := sheet.AddRow()
	for _, h := range headers {
		cell := headerRow.AddCell()
		cell.Value = h
	}
}

// Generate builds a workbook with verification results and the cached
// statutes. Either list may be empty.
func Generate(results []verify.Result, statutes []statute.Record) (*bytes.Buffer, error) {
	file := xlsx.NewFile()

	sheet, err := file.AddSheet("Results")
	if err != nil {
		return nil, err
	}
	addHeader(sheet, resultHeaders)

	for _, result := range results {
		row := sheet.AddRow()

		row.AddCell().Value = result.StatuteID
		row.AddCell().Value = result.Title
		row.AddCell().Value = result.TranscriptText
		row.AddCell().SetFloatWithFormat(result.SimilarityScore, "0.000")
		row.AddCell().SetBool(result.IsDiscrepancy)
		row.AddCell().Value = result.URL
		row.AddCell().Value = result.Error
	}

	sheet, err = file.AddSheet("Statutes")
	if err != nil {
		return nil, err
	}
	addHeader(sheet, statuteHeaders)

	for _, record := range statutes {
		row := sheet.AddRow()

		row.AddCell().Value = record.ID
		row.AddCell().Value = record.Title
		row.AddCell().SetDate(record.LastUpdated)
		row.AddCell().SetBool(len(record.Embedding) > 0)
		row.AddCell().Value = record.URL
		row.AddCell().Value = record.FullText
	}

	buf := new(bytes.Buffer)
	err = file.Write(buf)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadRequests reads batch verification requests from the first sheet of
// an XLSX workbook: statute id in the first column, transcript text in the
// second. A header row starting with "statute" is skipped, as are rows
// without a statute id.
func ReadRequests(contents []byte) ([]verify.Request, error) {
	file, err := xlsx.OpenBinary(contents)
	if err != nil {
		return nil, fmt.Errorf("unreadable workbook: %w", err)
	}
	if len(file.Sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}

	var requests []verify.Request
	first := true
	err = file.Sheets[0].ForEachRow(func(row *xlsx.Row) error {
		id := strings.TrimSpace(row.GetCell(0).Value)
		text := strings.TrimSpace(row.GetCell(1).Value)

		if first {
			first = false
			if strings.HasPrefix(strings.ToLower(id), "statute") {
				return nil
			}
		}
		if id == "" {
			return nil
		}

		requests = append(requests, verify.Request{StatuteID: id, Text: text})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return requests, nil
}
