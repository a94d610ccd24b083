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
	"Unbewohnte/STAVbot/internal/statute"
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
)

const (
	defaultTimeout   = 15 * time.Second
	maxBodySize      = 10 << 20
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36"
	notFoundText     = "Statute text not found."
)

// Page is what a live fetch of a statute page yielded. Found is set only when
// the page carried a dedicated statute body.
type Page struct {
	ID    string `json:"statute_id"`
	Title string `json:"title"`
	Text  string `json:"text"`
	URL   string `json:"url"`
	Found bool   `json:"found"`
}

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Fetcher struct {
	client    HTTPClient
	baseURL   string
	userAgent string
	timeout   time.Duration
	logger    *slog.Logger
}

type FetcherOption func(*Fetcher)

func WithHTTPClient(client HTTPClient) FetcherOption {
	return func(f *Fetcher) {
		f.client = client
	}
}

func WithBaseURL(baseURL string) FetcherOption {
	return func(f *Fetcher) {
		if baseURL != "" {
			f.baseURL = baseURL
		}
	}
}

func WithTimeout(timeout time.Duration) FetcherOption {
	return func(f *Fetcher) {
		f.timeout = timeout
	}
}

func WithUserAgent(userAgent string) FetcherOption {
	return func(f *Fetcher) {
		if userAgent != "" {
			f.userAgent = userAgent
		}
	}
}

func WithLogger(logger *slog.Logger) FetcherOption {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

func NewFetcher(opts ...FetcherOption) *Fetcher {
	fetcher := &Fetcher{
		client:    &http.Client{},
		baseURL:   DefaultBaseURL,
		userAgent: defaultUserAgent,
		timeout:   defaultTimeout,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(fetcher)
	}

	return fetcher
}

// URL returns the page a statute id is fetched from.
func (f *Fetcher) URL(id string) string {
	return buildURL(f.baseURL, id)
}

// Fetch downloads the statute page and extracts its title and text. Transport
// failures and non-2xx answers wrap statute.ErrSourceUnavailable.
func (f *Fetcher) Fetch(ctx context.Context, id string) (Page, error) {
	id = NormalizeID(id)
	pageURL := f.URL(id)

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	body, err := f.download(ctx, pageURL)
	if err != nil {
		return Page{}, err
	}

	page, err := parsePage(id, pageURL, body)
	if err != nil {
		return Page{}, err
	}

	f.logger.Debug("fetched statute page", "statute_id", id, "url", pageURL, "found", page.Found)
	return page, nil
}

func (f *Fetcher) download(ctx context.Context, pageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %w", statute.ErrSourceUnavailable, err)
	}
	f.setHeaders(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", statute.ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: HTTP %d from %s", statute.ErrSourceUnavailable, resp.StatusCode, pageURL)
	}

	var reader io.Reader
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip body: %w", statute.ErrSourceUnavailable, err)
		}
		defer gz.Close()
		reader = gz
	case "deflate":
		fl := flate.NewReader(resp.Body)
		defer fl.Close()
		reader = fl
	default:
		reader = resp.Body
	}

	body, err := io.ReadAll(io.LimitReader(reader, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", statute.ErrSourceUnavailable, err)
	}

	return body, nil
}

func (f *Fetcher) setHeaders(req *http.Request) {
	headers := map[string]string{
		"User-Agent":      f.userAgent,
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"Accept-Language": "en-US,en;q=0.5",
		"Accept-Encoding": "gzip, deflate",
		"Connection":      "keep-alive",
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}
}

func parsePage(id, pageURL string, body []byte) (Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Page{}, fmt.Errorf("%w: parsing HTML: %w", statute.ErrSourceUnavailable, err)
	}
	doc.Find("script, style, noscript").Remove()

	page := Page{
		ID:    id,
		URL:   pageURL,
		Title: extractTitle(doc, id),
	}

	if statuteBody := doc.Find("div.Statute").First(); statuteBody.Length() > 0 {
		page.Text = selectionText(statuteBody)
		page.Found = true
		return page, nil
	}

	// Anything below is a generic page, possibly the site's own "not found".
	if content := doc.Find("div#content").First(); content.Length() > 0 {
		page.Text = selectionText(content)
		return page, nil
	}

	if text := readableText(body, pageURL); text != "" {
		page.Text = text
		return page, nil
	}

	if bodySelection := doc.Find("body").First(); bodySelection.Length() > 0 {
		page.Text = selectionText(bodySelection)
	}
	if page.Text == "" {
		page.Text = notFoundText
	}

	return page, nil
}

func extractTitle(doc *goquery.Document, id string) string {
	for _, selector := range []string{"span.StatuteTitle", "h1", "h2", "title"} {
		if element := doc.Find(selector).First(); element.Length() > 0 {
			return strings.TrimSpace(element.Text())
		}
	}

	return "Statute " + id
}

func readableText(body []byte, pageURL string) string {
	parsedURL, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}

	article, err := readability.FromReader(bytes.NewReader(body), parsedURL)
	if err != nil {
		return ""
	}

	var lines []string
	for _, line := range strings.Split(article.TextContent, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// selectionText joins the trimmed, non-empty text nodes under selection with
// newlines.
func selectionText(selection *goquery.Selection) string {
	var parts []string

	var walk func(*goquery.Selection)
	walk = func(s *goquery.Selection) {
		s.Contents().Each(func(_ int, child *goquery.Selection) {
			switch goquery.NodeName(child) {
			case "#text":
				if text := strings.TrimSpace(child.Text()); text != "" {
					parts = append(parts, text)
				}
			case "#comment":
			default:
				walk(child)
			}
		})
	}
	walk(selection)

	return strings.Join(parts, "\n")
}
