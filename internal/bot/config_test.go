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
	"Unbewohnte/STAVbot/internal/db"
	"Unbewohnte/STAVbot/internal/inference"
	"Unbewohnte/STAVbot/internal/verify"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default configuration is invalid: %v", err)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	conf := DefaultConfig()
	conf.Verification.Threshold = 2
	conf.EmbeddingBackend = "word2vec"
	conf.DB.File = ""
	conf.Web.Enabled = true
	conf.Web.JWTSecret = ""

	err := conf.Validate()
	if err == nil {
		t.Fatal("expected validation to fail")
	}
	for _, want := range []string{"threshold", "word2vec", "database file", "jwt secret"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}

	conf = DefaultConfig()
	conf.Telegram.Enabled = false
	conf.Web.Enabled = false
	if err := conf.Validate(); err == nil {
		t.Error("expected a configuration without front ends to fail")
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	conf := DefaultConfig()
	conf.Verification.Threshold = 0.75
	conf.Telegram.AllowedUserIDs = []int64{1, 2}
	conf.Sheets.Google.Config.CredentialsJSON = []byte(`{"private_key":"secret"}`)

	if err := conf.Save(path); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if CONFIG_PATH != path {
		t.Errorf("expected CONFIG_PATH %q, got %q", path, CONFIG_PATH)
	}
	if conf.Sheets.Google.Config.CredentialsJSON == nil {
		t.Error("save must not clear credentials of the live configuration")
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(contents), "private_key") {
		t.Error("credentials were written to the configuration file")
	}

	loaded, err := ConfigFrom(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Verification.Threshold != 0.75 {
		t.Errorf("unexpected threshold %v", loaded.Verification.Threshold)
	}
	if len(loaded.Telegram.AllowedUserIDs) != 2 {
		t.Errorf("unexpected allowed users %v", loaded.Telegram.AllowedUserIDs)
	}
}

func TestConfigFromKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"debug": true, "verification": {"retention_days": 7}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	conf, err := ConfigFrom(path)
	if err != nil {
		t.Fatal(err)
	}
	if !conf.Debug {
		t.Error("debug flag was not read")
	}
	if conf.Retention() != 7*24*time.Hour {
		t.Errorf("unexpected retention %v", conf.Retention())
	}
	if conf.Verification.Threshold != verify.DefaultThreshold {
		t.Errorf("missing threshold should keep the default, got %v", conf.Verification.Threshold)
	}
	if conf.Ollama.EmbeddingModel == "" {
		t.Error("missing ollama section should keep the defaults")
	}
}

func TestConfigFromMissingFile(t *testing.T) {
	if _, err := ConfigFrom(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestDurationsFallBackToDefaults(t *testing.T) {
	conf := DefaultConfig()
	conf.Verification.RetentionDays = 0
	conf.Verification.FetchTimeoutSeconds = 0

	if conf.Retention() != db.DefaultRetention {
		t.Errorf("unexpected retention %v", conf.Retention())
	}
	if conf.FetchTimeout() != verify.DefaultFetchTimeout {
		t.Errorf("unexpected fetch timeout %v", conf.FetchTimeout())
	}
}

func TestEmbedderSelection(t *testing.T) {
	model := inference.NewClient("general", "embedding", 10)
	conf := DefaultConfig()

	embedder, err := conf.Embedder(model)
	if err != nil {
		t.Fatal(err)
	}
	if embedder != inference.Embedder(model) {
		t.Error("ollama backend should reuse the ollama client")
	}

	conf.EmbeddingBackend = EmbeddingBackendOpenAI
	conf.OpenAI.APIKey = ""
	if _, err := conf.Embedder(model); err == nil {
		t.Error("expected the openai backend to need an api key")
	}

	conf.OpenAI.APIKey = "sk-test"
	embedder, err = conf.Embedder(model)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := embedder.(*inference.OpenAIEmbedder); !ok {
		t.Errorf("expected an openai embedder, got %T", embedder)
	}

	conf.EmbeddingBackend = "bogus"
	if _, err := conf.Embedder(model); err == nil {
		t.Error("expected an unknown backend to fail")
	}
}
