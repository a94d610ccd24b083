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
	"Unbewohnte/STAVbot/internal/similarity"
	"Unbewohnte/STAVbot/internal/source"
	"Unbewohnte/STAVbot/internal/statute"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultThreshold    = 0.6
	DefaultFetchTimeout = 20 * time.Second
)

// Store is the statute cache. GetStatute returns nil, nil for absent or
// stale entries.
type Store interface {
	GetStatute(ctx context.Context, id string) (*statute.Record, error)
	PutStatute(ctx context.Context, record *statute.Record) error
	SetStatuteEmbedding(ctx context.Context, id string, embedding []float32) error
}

// Fetcher downloads statute pages. URL names the page Fetch would request.
type Fetcher interface {
	Fetch(ctx context.Context, id string) (source.Page, error)
	URL(id string) string
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Service resolves statute ids and compares transcript passages with the
// official statute text.
type Service struct {
	store        Store
	fetcher      Fetcher
	embedder     Embedder
	threshold    float64
	fetchTimeout time.Duration
	logger       *slog.Logger

	fetches singleflight.Group

	// Embeddings computed in this process, attached on the next upsert of
	// the same statute text.
	mu       sync.Mutex
	computed map[string]computedEmbedding
}

type computedEmbedding struct {
	text      string
	embedding []float32
}

type Option func(*Service)

func WithThreshold(threshold float64) Option {
	return func(s *Service) {
		s.threshold = threshold
	}
}

func WithFetchTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.fetchTimeout = timeout
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func NewService(store Store, fetcher Fetcher, embedder Embedder, opts ...Option) *Service {
	service := &Service{
		store:        store,
		fetcher:      fetcher,
		embedder:     embedder,
		threshold:    DefaultThreshold,
		fetchTimeout: DefaultFetchTimeout,
		logger:       slog.Default(),
		computed:     make(map[string]computedEmbedding),
	}
	for _, opt := range opts {
		opt(service)
	}

	return service
}

// Threshold is the default discrepancy threshold.
func (s *Service) Threshold() float64 {
	return s.threshold
}

// Lookup resolves a statute from the cache or, on a miss, a stale entry or
// forceRefresh, from the live source. Resolution failures are reported in
// Lookup.Err; the returned error is reserved for store failures.
func (s *Service) Lookup(ctx context.Context, id string, forceRefresh bool) (statute.Lookup, error) {
	id = source.NormalizeID(id)
	lookup := statute.Lookup{
		Record: statute.Record{ID: id, URL: s.fetcher.URL(id)},
	}
	if id == "" {
		lookup.Fail(fmt.Errorf("%w: empty statute id", statute.ErrNotFound))
		return lookup, nil
	}

	if !forceRefresh {
		record, err := s.store.GetStatute(ctx, id)
		if err != nil {
			return lookup, storeError(err)
		}
		if record != nil {
			lookup.Record = *record
			lookup.Found = true
			lookup.Cached = true
			return lookup, nil
		}
	}

	value, err, _ := s.fetches.Do(id, func() (interface{}, error) {
		return s.fetchAndStore(ctx, id)
	})
	if err != nil {
		if errors.Is(err, statute.ErrStoreUnavailable) {
			return lookup, err
		}
		lookup.Fail(err)
		return lookup, nil
	}

	result := value.(fetched)
	lookup.Record = result.record
	if !result.found {
		lookup.Fail(fmt.Errorf("%w: no statute text at %s", statute.ErrNotFound, result.record.URL))
		return lookup, nil
	}

	lookup.Found = true
	return lookup, nil
}

type fetched struct {
	record statute.Record
	found  bool
}

// fetchAndStore downloads a statute and caches it when the page carried a
// statute body. The fetch is detached from the caller's cancellation and
// bounded by the fetch timeout instead.
func (s *Service) fetchAndStore(ctx context.Context, id string) (fetched, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
	defer cancel()

	page, err := s.fetcher.Fetch(ctx, id)
	if err != nil {
		s.logger.Warn("statute fetch failed", "statute_id", id, "error", err)
		if !errors.Is(err, statute.ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %w", statute.ErrSourceUnavailable, err)
		}
		return fetched{}, err
	}

	record := statute.Record{
		ID:       id,
		Title:    page.Title,
		FullText: page.Text,
		URL:      page.URL,
	}
	if !page.Found {
		s.logger.Info("statute page has no statute body", "statute_id", id, "url", page.URL)
		return fetched{record: record}, nil
	}

	record.Embedding = s.rememberedEmbedding(id, page.Text)
	if err := s.store.PutStatute(ctx, &record); err != nil {
		return fetched{}, storeError(err)
	}

	s.logger.Debug("cached statute", "statute_id", id, "with_embedding", record.Embedding != nil)
	return fetched{record: record, found: true}, nil
}

// Verify compares transcriptText with the statute and classifies the pair.
// Resolution and embedding failures end up in Result.Error; the returned
// error is reserved for store failures.
func (s *Service) Verify(ctx context.Context, transcriptText, id string, threshold float64) (Result, error) {
	// Once started, a verification runs to completion or to its own timeouts.
	ctx = context.WithoutCancel(ctx)

	id = source.NormalizeID(id)
	result := Result{
		StatuteID:      id,
		TranscriptText: transcriptText,
		URL:            s.fetcher.URL(id),
	}

	lookup, err := s.Lookup(ctx, id, false)
	if err != nil {
		return result, err
	}
	result.fillFrom(lookup.Record)
	if lookup.Err != nil {
		result.fail(lookup.Err)
		return result, nil
	}

	statuteVector, err := s.statuteEmbedding(ctx, lookup.Record, false)
	if err != nil {
		if errors.Is(err, statute.ErrStoreUnavailable) {
			return result, err
		}
		result.fail(err)
		return result, nil
	}

	transcriptVector, err := s.embed(ctx, transcriptText)
	if err != nil {
		result.fail(err)
		return result, nil
	}

	score, err := similarity.Cosine(transcriptVector, statuteVector)
	if errors.Is(err, similarity.ErrDimensionMismatch) && len(lookup.Record.Embedding) > 0 {
		// The stored embedding came from another model.
		s.logger.Info("re-embedding statute after model change", "statute_id", id)
		statuteVector, err = s.statuteEmbedding(ctx, lookup.Record, true)
		if err != nil {
			if errors.Is(err, statute.ErrStoreUnavailable) {
				return result, err
			}
			result.fail(err)
			return result, nil
		}
		score, err = similarity.Cosine(transcriptVector, statuteVector)
	}
	if err != nil {
		result.fail(fmt.Errorf("%w: %w", statute.ErrEmbedding, err))
		return result, nil
	}

	result.SimilarityScore = score
	result.IsDiscrepancy = score < threshold

	return result, nil
}

// VerifyBatch verifies every request in order. A failing item never stops
// the batch; cancellation is honored between items and returns the results
// gathered so far.
func (s *Service) VerifyBatch(ctx context.Context, requests []Request, threshold float64) ([]Result, error) {
	results := make([]Result, 0, len(requests))
	for _, request := range requests {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		result, err := s.Verify(ctx, request.Text, request.StatuteID, threshold)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}

	return results, nil
}

// statuteEmbedding returns the stored embedding of record or computes and
// persists a new one.
func (s *Service) statuteEmbedding(ctx context.Context, record statute.Record, recompute bool) ([]float32, error) {
	if len(record.Embedding) > 0 && !recompute {
		return record.Embedding, nil
	}

	vector, err := s.embed(ctx, record.FullText)
	if err != nil {
		return nil, err
	}

	s.remember(record.ID, record.FullText, vector)
	if err := s.store.SetStatuteEmbedding(ctx, record.ID, vector); err != nil {
		return nil, storeError(err)
	}

	return vector, nil
}

func (s *Service) embed(ctx context.Context, text string) ([]float32, error) {
	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		if !errors.Is(err, statute.ErrEmbedding) {
			err = fmt.Errorf("%w: %w", statute.ErrEmbedding, err)
		}
		return nil, err
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", statute.ErrEmbedding)
	}

	return vector, nil
}

func (s *Service) remember(id, text string, embedding []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.computed[id] = computedEmbedding{text: text, embedding: embedding}
}

func (s *Service) rememberedEmbedding(id, text string) []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	computed, ok := s.computed[id]
	if !ok || computed.text != text {
		return nil
	}
	return computed.embedding
}

func storeError(err error) error {
	if errors.Is(err, statute.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", statute.ErrStoreUnavailable, err)
}
