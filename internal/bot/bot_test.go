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
	"Unbewohnte/STAVbot/internal/inference"
	"Unbewohnte/STAVbot/internal/reference"
	"Unbewohnte/STAVbot/internal/verify"
	"context"
	"fmt"
	"hash/fnv"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

const dui = "A person is guilty of the offense of driving under the influence if the person is driving or in actual physical control of a vehicle within this state"

// wordEmbedder embeds text as hashed word counts.
type wordEmbedder struct{}

func (wordEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vector := make([]float32, 128)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(strings.Trim(word, ".,;:()")))
		vector[h.Sum32()%128]++
	}
	return vector, nil
}

// Serves 316.193 and nothing else.
func statuteHandler(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Query().Get("URL"), "0316.193.html") {
		fmt.Fprintf(w, `<html><body><span class="StatuteTitle">316.193 Driving under the influence</span><div class="Statute"><p>%s</p></div></body></html>`, dui)
		return
	}
	http.NotFound(w, r)
}

func newTestBot(t *testing.T) *Bot {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(statuteHandler))
	t.Cleanup(server.Close)

	dir := t.TempDir()
	conf := DefaultConfig()
	conf.Telegram.Enabled = false
	conf.Web.Enabled = true
	conf.Web.Username = "admin"
	conf.Web.Password = "hunter2"
	conf.Web.JWTSecret = "test secret"
	conf.Web.StaticDir = ""
	conf.DB.File = filepath.Join(dir, "cache.sqlite3")
	conf.ResultsFile = filepath.Join(dir, "results.xlsx")
	conf.LogsFile = filepath.Join(dir, "logs.txt")
	conf.Verification.BaseURL = server.URL

	if err := conf.Save(filepath.Join(dir, "config.json")); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	store, err := conf.OpenDB()
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return newBot(conf, store, inference.NewClient("", "", 1), wordEmbedder{})
}

func TestHelp(t *testing.T) {
	bot := newTestBot(t)

	help, err := bot.Help(1, "")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"*[Verification]*", "*[Statutes]*", "\"check\"", "\"lookup\""} {
		if !strings.Contains(help, want) {
			t.Errorf("help does not mention %s", want)
		}
	}

	single, err := bot.Help(1, "Verify")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(single, "\"verify\"") || strings.Contains(single, "\"check\"") {
		t.Errorf("unexpected single command help: %q", single)
	}
}

func TestVerifyCommand(t *testing.T) {
	bot := newTestBot(t)

	response, err := bot.Verify(1, "316.193 "+dui)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !strings.Contains(response, "consistent") {
		t.Errorf("expected consistent result, got %q", response)
	}
	if len(bot.Results()) != 1 {
		t.Errorf("expected one recorded result, got %d", len(bot.Results()))
	}

	response, err = bot.Verify(1, "316.193 the weather is lovely today")
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !strings.Contains(response, "discrepancy") {
		t.Errorf("expected discrepancy, got %q", response)
	}

	if _, err := bot.Verify(1, "316.193"); err == nil {
		t.Error("expected an error without a passage")
	}
}

func TestCheckCommand(t *testing.T) {
	bot := newTestBot(t)

	response, err := bot.Check(1, "Nothing legal was discussed.")
	if err != nil {
		t.Fatal(err)
	}
	if response != "No statute references found." {
		t.Errorf("unexpected response %q", response)
	}

	response, err = bot.Check(1, "The officer cited Section 316.193 and s. 999.99, F.S. in the report.")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(response, "Verified 2 reference(s)") {
		t.Errorf("unexpected summary: %q", response)
	}
	if !strings.Contains(response, "1 unresolved") {
		t.Errorf("expected the unknown statute to be unresolved: %q", response)
	}
}

func TestSetThresholdCommand(t *testing.T) {
	bot := newTestBot(t)

	for _, bad := range []string{"", "high", "1.5", "-2"} {
		if _, err := bot.SetThreshold(5, bad); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}

	if _, err := bot.SetThreshold(5, "0.85"); err != nil {
		t.Fatal(err)
	}
	if got := bot.userThreshold(5); got != 0.85 {
		t.Errorf("expected threshold 0.85, got %v", got)
	}
	if got := bot.userThreshold(6); got != bot.conf.Verification.Threshold {
		t.Errorf("other users keep the default threshold, got %v", got)
	}
}

func TestToggleSentenceContext(t *testing.T) {
	bot := newTestBot(t)

	if _, err := bot.ToggleSentenceContext(3, ""); err != nil {
		t.Fatal(err)
	}
	userConf, err := bot.store.GetUserConfig(3)
	if err != nil {
		t.Fatal(err)
	}
	if !userConf.SentenceContext {
		t.Error("expected sentence context to be enabled")
	}
	bot.conf.Verification.UseSentenceContext = true
	if !bot.useSentenceContext(false) {
		t.Error("global setting must apply when the personal one is off")
	}
}

func TestLookupForgetAndPurge(t *testing.T) {
	bot := newTestBot(t)

	response, err := bot.Lookup(1, "316.193")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if !strings.Contains(response, "Driving under the influence") {
		t.Errorf("unexpected lookup: %q", response)
	}

	response, err = bot.Lookup(1, "316.193")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(response, "fetched just now") {
		t.Error("second lookup should be served from the cache")
	}

	if _, err := bot.Lookup(1, "999.99"); err == nil {
		t.Error("expected an unknown statute to fail")
	}

	response, err = bot.Forget(1, "316.193")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(response, "removed") {
		t.Errorf("unexpected forget response %q", response)
	}
	response, _ = bot.Forget(1, "316.193")
	if !strings.Contains(response, "not cached") {
		t.Errorf("unexpected second forget response %q", response)
	}

	response, err = bot.Purge(1, "")
	if err != nil {
		t.Fatal(err)
	}
	if response != "Removed 0 stale statute(s)." {
		t.Errorf("unexpected purge response %q", response)
	}
}

func TestGenerateSpreadsheetCommand(t *testing.T) {
	bot := newTestBot(t)

	if _, err := bot.Verify(1, "316.193 "+dui); err != nil {
		t.Fatal(err)
	}
	if _, err := bot.GenerateSpreadsheet(1, ""); err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	info, err := os.Stat(bot.conf.ResultsFile)
	if err != nil {
		t.Fatalf("results file missing: %v", err)
	}
	if info.Size() == 0 {
		t.Error("results file is empty")
	}
}

func TestUserManagement(t *testing.T) {
	bot := newTestBot(t)

	if _, err := bot.AddUser(1, "42"); err != nil {
		t.Fatal(err)
	}
	if response, _ := bot.AddUser(1, "42"); !strings.Contains(response, "already") {
		t.Errorf("expected duplicate notice, got %q", response)
	}
	if _, err := bot.AddUser(1, "forty-two"); err == nil {
		t.Error("expected invalid id to be rejected")
	}

	bot.conf.Telegram.Public = false
	if !bot.isAllowed(42) || bot.isAllowed(43) {
		t.Error("unexpected access decision")
	}

	if _, err := bot.RemoveUser(1, "42"); err != nil {
		t.Fatal(err)
	}
	if bot.isAllowed(42) {
		t.Error("removed user still allowed")
	}
	if _, err := bot.RemoveUser(1, "42"); err == nil {
		t.Error("expected removing an unknown user to fail")
	}

	saved, err := ConfigFrom(CONFIG_PATH)
	if err != nil {
		t.Fatal(err)
	}
	if saved.Telegram.Public {
		t.Error("expected the toggle to be persisted")
	}
}

func TestHistoryIsBounded(t *testing.T) {
	bot := newTestBot(t)

	bot.recordResults(nil)
	if len(bot.Results()) != 0 {
		t.Fatal("empty batches must not be recorded")
	}

	for i := 0; i < maxHistory+10; i++ {
		bot.recordResults([]verify.Result{{StatuteID: strconv.Itoa(i)}})
	}

	results := bot.Results()
	if len(results) != maxHistory {
		t.Fatalf("expected %d results, got %d", maxHistory, len(results))
	}
	if results[0].StatuteID != "10" || results[len(results)-1].StatuteID != strconv.Itoa(maxHistory+9) {
		t.Errorf("expected the oldest results to be dropped, first is %s", results[0].StatuteID)
	}
}

// Run with -race: settings commands change the model and configuration
// while messages are being handled.
func TestRuntimeSettingsAreRaceFree(t *testing.T) {
	bot := newTestBot(t)

	ollama := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/embed":
			w.Write([]byte(`{"model":"bge-m3","embeddings":[[0.1,0.2,0.3]]}`))
		case "/api/tags":
			w.Write([]byte(`{"models":[{"name":"llama3","model":"llama3"},{"name":"qwen3","model":"qwen3"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ollama.Close)

	bot.model = inference.NewClient("llama3", "bge-m3", 10)
	bot.model.Host = ollama.URL

	const rounds = 25
	var wg sync.WaitGroup
	run := func(f func(i int)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				f(i)
			}
		}()
	}

	run(func(i int) {
		if _, err := bot.model.Embed(context.Background(), "driving under the influence"); err != nil {
			t.Errorf("embed failed: %v", err)
		}
	})
	run(func(i int) {
		if _, err := bot.ChangeQueryTimeout(0, strconv.Itoa(1+i%10)); err != nil {
			t.Errorf("timeout change failed: %v", err)
		}
	})
	run(func(i int) {
		model := "llama3"
		if i%2 == 1 {
			model = "qwen3"
		}
		if _, err := bot.SetModel(0, model); err != nil {
			t.Errorf("model change failed: %v", err)
		}
	})
	run(func(i int) {
		bot.TogglePublicity(0, "")
		bot.AddUser(0, strconv.Itoa(100+i))
	})
	run(func(i int) {
		bot.isAllowed(int64(100 + i))
		bot.PrintConfig(0, "")
	})
	wg.Wait()

	if got := bot.model.TimeoutSeconds(); got != 1+(rounds-1)%10 {
		t.Errorf("unexpected timeout %d", got)
	}
	if got := bot.model.ModelName(); got != "llama3" {
		t.Errorf("unexpected model %q", got)
	}
	if !bot.isAllowed(100 + rounds - 1) {
		t.Error("added user is not allowed")
	}
}

// countingRecognizer finds nothing and counts how often it was asked.
type countingRecognizer struct {
	calls atomic.Int32
}

func (c *countingRecognizer) Recognize(ctx context.Context, text string) ([]reference.Entity, error) {
	c.calls.Add(1)
	return nil, nil
}

func TestPlainTextIsExtractedOnce(t *testing.T) {
	bot := newTestBot(t)
	recognizer := &countingRecognizer{}
	bot.extractor = reference.NewExtractor(reference.WithRecognizer(recognizer))

	response, ok, err := bot.checkPlainText(1, "The officer relied on Section 316.193 at the stop.")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !strings.Contains(response, "*Statute 316.193*") {
		t.Errorf("expected the transcript to be checked, got %q", response)
	}
	if got := recognizer.calls.Load(); got != 1 {
		t.Errorf("expected one recognition per message, got %d", got)
	}

	_, ok, err = bot.checkPlainText(1, "hello there")
	if err != nil || ok {
		t.Errorf("text without references must not be checked, got ok=%v err=%v", ok, err)
	}
	if got := recognizer.calls.Load(); got != 2 {
		t.Errorf("expected one more recognition, got %d", got)
	}
}
