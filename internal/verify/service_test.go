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
	"Unbewohnte/STAVbot/internal/db"
	"Unbewohnte/STAVbot/internal/reference"
	"Unbewohnte/STAVbot/internal/source"
	"Unbewohnte/STAVbot/internal/statute"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

var statuteTexts = map[string]string{
	"316.193":  "A person is guilty of the offense of driving under the influence if the person is driving or in actual physical control of a vehicle within this state",
	"322.2615": "A law enforcement officer shall suspend the driving privilege of a person who has an unlawful blood alcohol level or refused to submit to a breath test",
	"775.089":  "In addition to any punishment the court shall order the defendant to make restitution to the victim for damage or loss caused by the offense",
}

// bagOfWords embeds text as hashed word counts, so identical texts get
// identical vectors and unrelated texts score near zero.
type bagOfWords struct {
	mu    sync.Mutex
	dims  int
	err   error
	calls []string
}

func (b *bagOfWords) Embed(ctx context.Context, text string) ([]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls = append(b.calls, text)
	if b.err != nil {
		return nil, b.err
	}

	vector := make([]float32, b.dims)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(strings.Trim(word, ".,;:()")))
		vector[h.Sum32()%uint32(b.dims)]++
	}
	return vector, nil
}

func (b *bagOfWords) callsWith(text string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	for _, call := range b.calls {
		if call == text {
			count++
		}
	}
	return count
}

type statuteSite struct {
	requests atomic.Int32
	notFound map[string]bool
}

func (s *statuteSite) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)

	query := r.URL.Query().Get("URL")
	for id, text := range statuteTexts {
		if strings.HasSuffix(query, "."+strings.SplitN(id, ".", 2)[1]+".html") && strings.Contains(query, strings.SplitN(id, ".", 2)[0]) {
			if s.notFound[id] {
				fmt.Fprint(w, `<html><body><div id="content">No statute here.</div></body></html>`)
				return
			}
			fmt.Fprintf(w, `<html><body><span class="StatuteTitle">Statute %s</span><div class="Statute"><p>%s</p></div></body></html>`, id, text)
			return
		}
	}

	http.NotFound(w, r)
}

type fixture struct {
	service  *Service
	store    *db.DB
	site     *statuteSite
	embedder *bagOfWords
	baseURL  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := db.NewDB(filepath.Join(t.TempDir(), "cache.sqlite3"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	site := &statuteSite{notFound: map[string]bool{}}
	server := httptest.NewServer(site)
	t.Cleanup(server.Close)

	fetcher := source.NewFetcher(source.WithBaseURL(server.URL), source.WithHTTPClient(server.Client()))
	embedder := &bagOfWords{dims: 256}

	return &fixture{
		service:  NewService(store, fetcher, embedder),
		store:    store,
		site:     site,
		embedder: embedder,
		baseURL:  server.URL,
	}
}

func TestVerifyIdenticalText(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.Verify(context.Background(), statuteTexts["316.193"], "316.193", DefaultThreshold)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}

	if result.Error != "" {
		t.Fatalf("unexpected error %q", result.Error)
	}
	if math.Abs(result.SimilarityScore-1) > 1e-6 {
		t.Errorf("expected score 1 for identical text, got %v", result.SimilarityScore)
	}
	if result.IsDiscrepancy {
		t.Error("identical text must not be a discrepancy")
	}
	if result.Title != "Statute 316.193" || result.StatuteText != statuteTexts["316.193"] {
		t.Errorf("unexpected statute fields %+v", result)
	}
	if !strings.Contains(result.URL, "0316/Sections/0316.193.html") {
		t.Errorf("unexpected url %q", result.URL)
	}
}

func TestVerifyUnrelatedTextIsDiscrepancy(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.Verify(context.Background(), "the weather in Tallahassee was pleasant", "316.193", DefaultThreshold)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !result.IsDiscrepancy || result.SimilarityScore >= DefaultThreshold {
		t.Errorf("expected a discrepancy, got %+v", result)
	}
	if result.Error != "" {
		t.Errorf("a low score is not an error, got %q", result.Error)
	}
}

func TestVerifyUnresolvedStatute(t *testing.T) {
	f := newFixture(t)

	result, err := f.service.Verify(context.Background(), "Section 999.999", "999.999", DefaultThreshold)
	if err != nil {
		t.Fatalf("verify must not fail for a missing statute: %v", err)
	}

	if !result.IsDiscrepancy || result.SimilarityScore != 0 || result.Error == "" {
		t.Errorf("expected failed discrepancy result, got %+v", result)
	}
	if !errors.Is(result.Err, statute.ErrSourceUnavailable) {
		t.Errorf("expected ErrSourceUnavailable, got %v", result.Err)
	}
	if !strings.HasPrefix(result.URL, f.baseURL+"/") || !strings.HasSuffix(result.URL, "0999.999.html") {
		t.Errorf("expected the URL on the configured source, got %q", result.URL)
	}
	if len(f.embedder.calls) != 0 {
		t.Errorf("no embedding should be computed for unresolved statutes, got %d calls", len(f.embedder.calls))
	}

	count, _ := f.store.CountStatutes(context.Background())
	if count != 0 {
		t.Errorf("nothing should be cached, got %d rows", count)
	}
}

func TestVerifyNotFoundPageIsNotCached(t *testing.T) {
	f := newFixture(t)
	f.site.notFound["775.089"] = true

	for i := 0; i < 2; i++ {
		result, err := f.service.Verify(context.Background(), "restitution", "775.089", DefaultThreshold)
		if err != nil {
			t.Fatalf("verify failed: %v", err)
		}
		if !errors.Is(result.Err, statute.ErrNotFound) || !result.IsDiscrepancy || result.SimilarityScore != 0 {
			t.Errorf("expected not found result, got %+v", result)
		}
		if result.StatuteText != "No statute here." {
			t.Errorf("expected fallback text to be reported, got %q", result.StatuteText)
		}
	}

	if got := f.site.requests.Load(); got != 2 {
		t.Errorf("expected both attempts to hit the source, got %d requests", got)
	}
}

func TestLookupCacheAndForceRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.Lookup(ctx, "322.2615", false)
	if err != nil || first.Err != nil {
		t.Fatalf("lookup failed: %v %v", err, first.Err)
	}
	if !first.Found || first.Cached {
		t.Errorf("expected live result, got found=%v cached=%v", first.Found, first.Cached)
	}

	second, err := f.service.Lookup(ctx, "322.2615", false)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if !second.Found || !second.Cached {
		t.Errorf("expected cached result, got found=%v cached=%v", second.Found, second.Cached)
	}
	if second.FullText != first.FullText {
		t.Error("cached text differs from fetched text")
	}
	if got := f.site.requests.Load(); got != 1 {
		t.Errorf("expected a single request, got %d", got)
	}

	refreshed, err := f.service.Lookup(ctx, "322.2615", true)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if refreshed.Cached || !refreshed.Found {
		t.Errorf("expected refreshed live result, got %+v", refreshed)
	}
	if got := f.site.requests.Load(); got != 2 {
		t.Errorf("expected force refresh to fetch again, got %d requests", got)
	}
}

func TestLookupEmptyID(t *testing.T) {
	f := newFixture(t)

	lookup, err := f.service.Lookup(context.Background(), "  ", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !errors.Is(lookup.Err, statute.ErrNotFound) || lookup.Found {
		t.Errorf("expected not found, got %+v", lookup)
	}
	if lookup.Error != lookup.Err.Error() {
		t.Errorf("expected the failure message on the record, got %q", lookup.Error)
	}
}

func TestStatuteEmbeddingIsPersistedAndReused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	text := statuteTexts["316.193"]

	for i := 0; i < 3; i++ {
		if _, err := f.service.Verify(ctx, "driving under the influence", "316.193", DefaultThreshold); err != nil {
			t.Fatalf("verify failed: %v", err)
		}
	}

	if calls := f.embedder.callsWith(text); calls != 1 {
		t.Errorf("expected the statute text to be embedded once, got %d", calls)
	}

	record, err := f.store.GetStatute(ctx, "316.193")
	if err != nil || record == nil {
		t.Fatalf("expected cached statute, got %v %v", record, err)
	}
	if len(record.Embedding) != f.embedder.dims {
		t.Errorf("expected persisted embedding of %d dims, got %d", f.embedder.dims, len(record.Embedding))
	}

	// A refresh keeps the embedding computed earlier in this process.
	if _, err := f.service.Lookup(ctx, "316.193", true); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	record, _ = f.store.GetStatute(ctx, "316.193")
	if len(record.Embedding) != f.embedder.dims {
		t.Errorf("expected embedding to be attached on upsert, got %d dims", len(record.Embedding))
	}
}

func TestDimensionMismatchReembedsStatute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.store.PutStatute(ctx, &statute.Record{
		ID:        "316.193",
		Title:     "Statute 316.193",
		FullText:  statuteTexts["316.193"],
		URL:       source.BuildURL("316.193"),
		Embedding: []float32{1, 0},
	}); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	result, err := f.service.Verify(ctx, statuteTexts["316.193"], "316.193", DefaultThreshold)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if result.Error != "" || math.Abs(result.SimilarityScore-1) > 1e-6 {
		t.Errorf("expected re-embedded comparison to succeed, got %+v", result)
	}

	record, _ := f.store.GetStatute(ctx, "316.193")
	if len(record.Embedding) != f.embedder.dims {
		t.Errorf("expected stored embedding to be replaced, got %d dims", len(record.Embedding))
	}
	if got := f.site.requests.Load(); got != 0 {
		t.Errorf("cached statute should not be fetched, got %d requests", got)
	}
}

func TestVerifyEmbeddingFailure(t *testing.T) {
	f := newFixture(t)
	f.embedder.err = errors.New("model offline")

	result, err := f.service.Verify(context.Background(), "text", "316.193", DefaultThreshold)
	if err != nil {
		t.Fatalf("embedding failures must not be fatal: %v", err)
	}
	if !errors.Is(result.Err, statute.ErrEmbedding) || !result.IsDiscrepancy || result.SimilarityScore != 0 {
		t.Errorf("expected embedding failure result, got %+v", result)
	}
	if result.StatuteText == "" {
		t.Error("expected statute text to be reported even when embedding failed")
	}
}

type brokenStore struct{}

func (brokenStore) GetStatute(ctx context.Context, id string) (*statute.Record, error) {
	return nil, errors.New("disk I/O error")
}

func (brokenStore) PutStatute(ctx context.Context, record *statute.Record) error {
	return errors.New("disk I/O error")
}

func (brokenStore) SetStatuteEmbedding(ctx context.Context, id string, embedding []float32) error {
	return errors.New("disk I/O error")
}

func TestStoreFailureIsFatal(t *testing.T) {
	service := NewService(brokenStore{}, source.NewFetcher(), &bagOfWords{dims: 8})

	_, err := service.Verify(context.Background(), "text", "316.193", DefaultThreshold)
	if !errors.Is(err, statute.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}

	results, err := service.VerifyBatch(context.Background(), []Request{{StatuteID: "316.193", Text: "a"}}, DefaultThreshold)
	if !errors.Is(err, statute.ErrStoreUnavailable) || len(results) != 0 {
		t.Fatalf("expected fatal batch error, got %v, %d results", err, len(results))
	}
}

func TestVerifyBatchPreservesOrder(t *testing.T) {
	f := newFixture(t)

	requests := []Request{
		{StatuteID: "316.193", Text: statuteTexts["316.193"]},
		{StatuteID: "999.999", Text: "Section 999.999"},
		{StatuteID: "", Text: "nothing"},
		{StatuteID: "322.2615", Text: statuteTexts["322.2615"]},
		{StatuteID: "316.193", Text: "completely unrelated words about boats"},
	}

	results, err := f.service.VerifyBatch(context.Background(), requests, DefaultThreshold)
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if len(results) != len(requests) {
		t.Fatalf("expected %d results, got %d", len(requests), len(results))
	}

	for i, request := range requests {
		if results[i].StatuteID != request.StatuteID || results[i].TranscriptText != request.Text {
			t.Errorf("result %d out of order: %+v", i, results[i])
		}
	}

	if results[0].IsDiscrepancy || results[3].IsDiscrepancy {
		t.Error("expected matching statutes to verify")
	}
	if !results[1].IsDiscrepancy || results[1].Error == "" {
		t.Error("expected unresolved statute to be a failed discrepancy")
	}
	if !results[2].IsDiscrepancy || results[2].Error == "" {
		t.Error("expected empty id to be a failed discrepancy")
	}
	if !results[4].IsDiscrepancy || results[4].Error != "" {
		t.Error("expected unrelated text to be a plain discrepancy")
	}

	// The second 316.193 item was served from the cache.
	if got := f.site.requests.Load(); got != 3 {
		t.Errorf("expected 3 source requests, got %d", got)
	}
}

func TestVerifyBatchCancellation(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := f.service.VerifyBatch(ctx, []Request{{StatuteID: "316.193", Text: "a"}}, DefaultThreshold)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}

func TestThresholdMonotonicity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	text := "the person is driving a vehicle under the influence of alcohol"

	thresholds := []float64{1, 0.9, 0.75, 0.6, 0.5, 0.3, 0.1, 0, -1}
	verified := false
	for _, threshold := range thresholds {
		result, err := f.service.Verify(ctx, text, "316.193", threshold)
		if err != nil {
			t.Fatalf("verify failed: %v", err)
		}
		if verified && result.IsDiscrepancy {
			t.Fatalf("lowering the threshold to %v turned a verified result into a discrepancy", threshold)
		}
		if !result.IsDiscrepancy {
			verified = true
		}
		if result.IsDiscrepancy != (result.SimilarityScore < threshold) {
			t.Errorf("classification disagrees with score %v at threshold %v", result.SimilarityScore, threshold)
		}
	}
	if !verified {
		t.Error("expected the lowest threshold to verify")
	}
}

func TestRequestsFromReferences(t *testing.T) {
	text := "The court noted Section 316.193 applies. Chapter 322 does not."
	refs := reference.NewExtractor().Extract(context.Background(), text)

	requests := RequestsFromReferences(refs)
	if len(requests) != 2 || requests[0].Text != "Section 316.193" || requests[1].StatuteID != "322" {
		t.Errorf("unexpected requests %+v", requests)
	}

	withContext := RequestsWithContext(text, refs)
	if withContext[0].Text != "The court noted Section 316.193 applies." {
		t.Errorf("unexpected sentence %q", withContext[0].Text)
	}
	if withContext[1].Text != "Chapter 322 does not." {
		t.Errorf("unexpected sentence %q", withContext[1].Text)
	}
}
