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
	"Unbewohnte/STAVbot/internal/source"
	"Unbewohnte/STAVbot/internal/spreadsheet"
	"Unbewohnte/STAVbot/internal/verify"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

var CONFIG_PATH string = ""

const (
	EmbeddingBackendOllama = "ollama"
	EmbeddingBackendOpenAI = "openai"
)

type OllamaConf struct {
	Host                string `json:"host"`
	GeneralModel        string `json:"general_model"`
	EmbeddingModel      string `json:"embedding_model"`
	QueryTimeoutSeconds uint   `json:"query_timeout_seconds"`
	UseEntityRecognizer bool   `json:"use_entity_recognizer"`
	EntityPrompt        string `json:"entity_prompt"`
}

type OpenAIConf struct {
	APIKey         string `json:"api_key"`
	BaseURL        string `json:"base_url"`
	EmbeddingModel string `json:"embedding_model"`
	TimeoutSeconds uint   `json:"timeout_seconds"`
}

type TelegramConf struct {
	Enabled        bool    `json:"enabled"`
	ApiToken       string  `json:"api_token"`
	Public         bool    `json:"is_public"`
	AllowedUserIDs []int64 `json:"allowed_user_ids"`
}

type GoogleSheetsConf struct {
	Config          spreadsheet.Config `json:"config"`
	CredentialsFile string             `json:"credentials_file"`
}

type Sheets struct {
	PushToGoogleSheet bool             `json:"push_to_google_sheet"`
	Google            GoogleSheetsConf `json:"google"`
}

type VerificationConf struct {
	Threshold           float64 `json:"threshold"`
	RetentionDays       uint    `json:"retention_days"`
	FetchTimeoutSeconds uint    `json:"fetch_timeout_seconds"`
	BaseURL             string  `json:"base_url"`
	UserAgent           string  `json:"user_agent"`
	UseSentenceContext  bool    `json:"use_sentence_context"`
}

type WebConf struct {
	Enabled   bool   `json:"enabled"`
	Port      uint16 `json:"port"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	JWTSecret string `json:"jwt_secret"`
	StaticDir string `json:"static_dir"`
}

type DBConf struct {
	File string `json:"file"`
	db   *db.DB
}

type Config struct {
	Telegram         TelegramConf     `json:"telegram"`
	Ollama           OllamaConf       `json:"ollama"`
	OpenAI           OpenAIConf       `json:"openai"`
	EmbeddingBackend string           `json:"embedding_backend"`
	Verification     VerificationConf `json:"verification"`
	Sheets           Sheets           `json:"sheets"`
	Web              WebConf          `json:"web"`
	DB               DBConf           `json:"database"`
	LogsFile         string           `json:"logs_file"`
	ResultsFile      string           `json:"results_file"`
	Debug            bool             `json:"debug"`
}

func (c *Config) OpenDB() (*db.DB, error) {
	var err error
	c.DB.db, err = db.NewDB(
		c.DB.File,
		db.WithRetention(c.Retention()),
		db.WithDefaultThreshold(c.Verification.Threshold),
	)
	if err != nil {
		return nil, err
	}

	return c.DB.db, nil
}

func (c *Config) GetDB() *db.DB {
	return c.DB.db
}

// Retention is the cache lifetime of a fetched statute.
func (c *Config) Retention() time.Duration {
	if c.Verification.RetentionDays == 0 {
		return db.DefaultRetention
	}
	return time.Duration(c.Verification.RetentionDays) * 24 * time.Hour
}

func (c *Config) FetchTimeout() time.Duration {
	if c.Verification.FetchTimeoutSeconds == 0 {
		return verify.DefaultFetchTimeout
	}
	return time.Duration(c.Verification.FetchTimeoutSeconds) * time.Second
}

// Embedder builds the embedding backend selected by EmbeddingBackend.
func (c *Config) Embedder(model *inference.Client) (inference.Embedder, error) {
	switch c.EmbeddingBackend {
	case "", EmbeddingBackendOllama:
		return model, nil
	case EmbeddingBackendOpenAI:
		return inference.NewOpenAIEmbedder(
			c.OpenAI.APIKey,
			c.OpenAI.EmbeddingModel,
			c.OpenAI.BaseURL,
			time.Duration(c.OpenAI.TimeoutSeconds)*time.Second,
		)
	default:
		return nil, fmt.Errorf("unknown embedding backend %q", c.EmbeddingBackend)
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Verification.Threshold < -1 || c.Verification.Threshold > 1 {
		errs = append(errs, fmt.Errorf("verification threshold %v is outside [-1, 1]", c.Verification.Threshold))
	}
	if c.DB.File == "" {
		errs = append(errs, errors.New("database file is not set"))
	}

	switch c.EmbeddingBackend {
	case "", EmbeddingBackendOllama:
		if c.Ollama.EmbeddingModel == "" {
			errs = append(errs, errors.New("ollama embedding model is not set"))
		}
	case EmbeddingBackendOpenAI:
		if c.OpenAI.APIKey == "" {
			errs = append(errs, errors.New("openai api key is not set"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown embedding backend %q", c.EmbeddingBackend))
	}

	if c.Ollama.UseEntityRecognizer && c.Ollama.GeneralModel == "" {
		errs = append(errs, errors.New("entity recognition needs an ollama general model"))
	}
	if c.Telegram.Enabled && c.Telegram.ApiToken == "" {
		errs = append(errs, errors.New("telegram api token is not set"))
	}
	if c.Web.Enabled {
		if c.Web.Port == 0 {
			errs = append(errs, errors.New("web port is not set"))
		}
		if c.Web.JWTSecret == "" {
			errs = append(errs, errors.New("web jwt secret is not set"))
		}
	}
	if !c.Telegram.Enabled && !c.Web.Enabled {
		errs = append(errs, errors.New("neither telegram nor web front end is enabled"))
	}

	return errors.Join(errs...)
}

func DefaultConfig() *Config {
	return &Config{
		Telegram: TelegramConf{
			Enabled:        true,
			ApiToken:       "tg_api_token",
			Public:         true,
			AllowedUserIDs: []int64{},
		},
		Ollama: OllamaConf{
			Host:                "",
			GeneralModel:        "qwen2.5:7b",
			EmbeddingModel:      "bge-m3:latest",
			QueryTimeoutSeconds: 120,
			UseEntityRecognizer: false,
			EntityPrompt:        inference.DefaultEntityPrompt,
		},
		OpenAI: OpenAIConf{
			APIKey:         "",
			BaseURL:        "",
			EmbeddingModel: inference.DefaultOpenAIModel,
			TimeoutSeconds: 60,
		},
		EmbeddingBackend: EmbeddingBackendOllama,
		Verification: VerificationConf{
			Threshold:           verify.DefaultThreshold,
			RetentionDays:       30,
			FetchTimeoutSeconds: 20,
			BaseURL:             source.DefaultBaseURL,
			UserAgent:           "",
			UseSentenceContext:  false,
		},
		Sheets: Sheets{
			PushToGoogleSheet: false,
			Google: GoogleSheetsConf{
				CredentialsFile: "secret.json",
				Config: spreadsheet.NewConfig(
					nil, "spreadsheet_id", "Sheet1",
				),
			},
		},
		Web: WebConf{
			Enabled:   false,
			Port:      8080,
			Username:  "admin",
			Password:  "admin",
			JWTSecret: "change_me",
			StaticDir: "./web",
		},
		DB: DBConf{
			File: "STAVBOT.sqlite3",
		},
		LogsFile:    "logs.txt",
		ResultsFile: "STAVbot_Results.xlsx",
		Debug:       false,
	}
}

func (conf *Config) Save(filepath string) error {
	file, err := os.OpenFile(filepath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer file.Close()

	// Sheets credentials live in their own file
	c := *conf
	c.Sheets.Google.Config.CredentialsJSON = nil

	jsonBytes, err := json.MarshalIndent(&c, "", "\t")
	if err != nil {
		return err
	}

	_, err = file.Write(jsonBytes)

	CONFIG_PATH = filepath

	return err
}

func ConfigFrom(filepath string) (*Config, error) {
	file, err := os.Open(filepath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	contents, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}

	// Missing keys keep their defaults
	conf := DefaultConfig()
	err = json.Unmarshal(contents, conf)
	if err != nil {
		return nil, err
	}

	CONFIG_PATH = filepath

	return conf, nil
}

// Update rewrites the file the configuration was loaded from.
func (conf *Config) Update() error {
	if CONFIG_PATH == "" {
		return errors.New("configuration file path is unknown")
	}

	return conf.Save(CONFIG_PATH)
}
