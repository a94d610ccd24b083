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
	"Unbewohnte/STAVbot/internal/verify"
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

type Config struct {
	CredentialsJSON []byte `json:"credentials,omitempty"`
	SpreadsheetID   string `json:"spreadsheet_id"`
	SheetName       string `json:"sheet_name"`
}

func NewConfig(credentialsJSON []byte,
	spreadsheetID string,
	sheetName string,
) Config {
	return Config{
		CredentialsJSON: credentialsJSON,
		SpreadsheetID:   spreadsheetID,
		SheetName:       sheetName,
	}
}

type GoogleSheetsClient struct {
	service *sheets.Service

	mu            sync.RWMutex
	spreadsheetID string
	sheetName     string
}

func NewGoogleSheetsClient(ctx context.Context, conf Config) (*GoogleSheetsClient, error) {
	// Service account authentication
	config, err := google.JWTConfigFromJSON(
		conf.CredentialsJSON,
		sheets.SpreadsheetsScope,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWT config: %w", err)
	}

	client := config.Client(ctx)

	srv, err := sheets.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create Google Sheets service: %w", err)
	}

	return &GoogleSheetsClient{
		service:       srv,
		spreadsheetID: conf.SpreadsheetID,
		sheetName:     conf.SheetName,
	}, nil
}

// SetTarget changes where the following appends go. Empty values keep the
// current ones.
func (gsc *GoogleSheetsClient) SetTarget(spreadsheetID, sheetName string) {
	gsc.mu.Lock()
	defer gsc.mu.Unlock()

	if spreadsheetID != "" {
		gsc.spreadsheetID = spreadsheetID
	}
	if sheetName != "" {
		gsc.sheetName = sheetName
	}
}

func (gsc *GoogleSheetsClient) target() (string, string) {
	gsc.mu.RLock()
	defer gsc.mu.RUnlock()
	return gsc.spreadsheetID, gsc.sheetName
}

func formatDate(date time.Time) string {
	return fmt.Sprintf("%d.%d.%d", date.Day(), date.Month(), date.Year())
}

// ResultRows converts verification results to sheet rows.
func ResultRows(results []verify.Result, checkedAt time.Time) [][]interface{} {
	rows := make([][]interface{}, 0, len(results))
	for _, result := range results {
		verdict := "verified"
		if result.IsDiscrepancy {
			verdict = "discrepancy"
		}

		rows = append(rows, []interface{}{
			formatDate(checkedAt),
			result.StatuteID,
			result.Title,
			result.TranscriptText,
			fmt.Sprintf("%.3f", result.SimilarityScore),
			verdict,
			result.URL,
			result.Error,
		})
	}

	return rows
}

// AddResults appends verification results below the last filled row.
func (gsc *GoogleSheetsClient) AddResults(ctx context.Context, results []verify.Result) error {
	if len(results) == 0 {
		return nil
	}

	vr := sheets.ValueRange{
		Values: ResultRows(results, time.Now()),
	}

	spreadsheetID, sheetName := gsc.target()
	_, err := gsc.service.Spreadsheets.Values.Append(
		spreadsheetID,
		sheetName+"!A:H",
		&vr,
	).ValueInputOption("USER_ENTERED").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to append rows: %w", err)
	}

	return nil
}

func (gsc *GoogleSheetsClient) AddResultsWithRetry(ctx context.Context, results []verify.Result, maxRetries int) error {
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		if err := gsc.AddResults(ctx, results); err == nil {
			return nil
		} else {
			lastErr = err
			time.Sleep(time.Second * time.Duration(i+1))
		}
	}
	return lastErr
}
