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
	"Unbewohnte/STAVbot/internal/statute"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	ollama "github.com/ollama/ollama/api"
)

// Client talks to an ollama server. The underlying API client is created on
// first use and shared afterwards. Models and timeout may be changed while
// requests are in flight; Host must be set before the first request.
type Client struct {
	Host string

	mu             sync.RWMutex
	modelName      string
	embeddingModel string
	timeoutSeconds uint

	once   sync.Once
	client *ollama.Client
	err    error
}

func NewClient(ollamaModel string, embeddingModel string, timeoutSeconds uint) *Client {
	return &Client{
		modelName:      ollamaModel,
		embeddingModel: embeddingModel,
		timeoutSeconds: timeoutSeconds,
	}
}

// ModelName returns the model used for generation.
func (c *Client) ModelName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.modelName
}

func (c *Client) SetModelName(name string) {
	c.mu.Lock()
	c.modelName = name
	c.mu.Unlock()
}

func (c *Client) EmbeddingModel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.embeddingModel
}

// TimeoutSeconds returns the per-request timeout, 0 meaning none.
func (c *Client) TimeoutSeconds() uint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timeoutSeconds
}

func (c *Client) SetTimeoutSeconds(seconds uint) {
	c.mu.Lock()
	c.timeoutSeconds = seconds
	c.mu.Unlock()
}

// api returns the shared ollama client. Host, when set, takes precedence
// over OLLAMA_HOST.
func (c *Client) api() (*ollama.Client, error) {
	c.once.Do(func() {
		if c.Host == "" {
			c.client, c.err = ollama.ClientFromEnvironment()
			return
		}

		base, err := url.Parse(c.Host)
		if err != nil {
			c.err = fmt.Errorf("invalid ollama host %q: %w", c.Host, err)
			return
		}
		c.client = ollama.NewClient(base, http.DefaultClient)
	})

	return c.client, c.err
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	seconds := c.TimeoutSeconds()
	if seconds == 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(seconds)*time.Second)
}

func (c *Client) ListModels(ctx context.Context) ([]ollama.ListModelResponse, error) {
	client, err := c.api()
	if err != nil {
		return nil, err
	}

	response, err := client.List(ctx)
	if err != nil {
		return nil, err
	}

	return response.Models, nil
}

func (c *Client) Query(ctx context.Context, prompt string) (string, error) {
	client, err := c.api()
	if err != nil {
		return "", err
	}

	model := c.ModelName()
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	stream := false
	var response strings.Builder
	err = client.Generate(ctx, &ollama.GenerateRequest{
		Model:  model,
		Prompt: prompt,
		Stream: &stream,
		Options: map[string]interface{}{
			"temperature": 0, // deterministic output for parsing
		},
	}, func(res ollama.GenerateResponse) error {
		response.WriteString(res.Response)
		return nil
	})

	if err != nil {
		return "", err
	}

	return removeThinkBlock(response.String()), nil
}

// Embed returns the embedding of text from the configured embedding model.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	client, err := c.api()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", statute.ErrEmbedding, err)
	}

	model := c.EmbeddingModel()
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := client.Embed(ctx, &ollama.EmbedRequest{
		Model: model,
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: ollama: %w", statute.ErrEmbedding, err)
	}

	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("%w: ollama returned an empty embedding", statute.ErrEmbedding)
	}

	embedding := make([]float32, len(resp.Embeddings[0]))
	copy(embedding, resp.Embeddings[0])

	return embedding, nil
}

var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

func removeThinkBlock(input string) string {
	return strings.TrimSpace(thinkBlock.ReplaceAllString(input, ""))
}
