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
	"Unbewohnte/STAVbot/internal/reference"
	"Unbewohnte/STAVbot/internal/source"
	"Unbewohnte/STAVbot/internal/spreadsheet"
	"Unbewohnte/STAVbot/internal/verify"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	// Results kept in memory for the XLSX export.
	maxHistory = 1000
	// Telegram bots cannot download files larger than this.
	maxUploadSize = 20 * 1024 * 1024
)

type Bot struct {
	api       *tgbotapi.BotAPI
	conf      *Config
	store     *db.DB
	model     *inference.Client
	extractor *reference.Extractor
	verifier  *verify.Service
	commands  []Command
	sheet     *spreadsheet.GoogleSheetsClient
	web       *WebServer
	logger    *slog.Logger

	// Guards the conf fields commands change at runtime
	confMu sync.RWMutex

	mu      sync.Mutex
	history []verify.Result
}

func NewBot(config *Config) (*Bot, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := config.OpenDB()
	if err != nil {
		return nil, err
	}

	model := inference.NewClient(
		config.Ollama.GeneralModel,
		config.Ollama.EmbeddingModel,
		config.Ollama.QueryTimeoutSeconds,
	)
	model.Host = config.Ollama.Host

	embedder, err := config.Embedder(model)
	if err != nil {
		store.Close()
		return nil, err
	}

	bot := newBot(config, store, model, embedder)

	if config.Telegram.Enabled {
		bot.api, err = tgbotapi.NewBotAPI(config.Telegram.ApiToken)
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	if config.Sheets.PushToGoogleSheet {
		bot.sheet, err = spreadsheet.NewGoogleSheetsClient(
			context.Background(),
			config.Sheets.Google.Config,
		)
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	return bot, nil
}

// newBot assembles the verification pipeline around an opened store.
func newBot(config *Config, store *db.DB, model *inference.Client, embedder verify.Embedder) *Bot {
	logger := slog.Default()

	extractorOpts := []reference.Option{reference.WithLogger(logger)}
	if config.Ollama.UseEntityRecognizer {
		extractorOpts = append(extractorOpts, reference.WithRecognizer(
			inference.NewEntityRecognizer(model, config.Ollama.EntityPrompt),
		))
	}

	fetcherOpts := []source.FetcherOption{
		source.WithBaseURL(config.Verification.BaseURL),
		source.WithTimeout(config.FetchTimeout()),
		source.WithLogger(logger),
	}
	if config.Verification.UserAgent != "" {
		fetcherOpts = append(fetcherOpts, source.WithUserAgent(config.Verification.UserAgent))
	}

	bot := &Bot{
		conf:      config,
		store:     store,
		model:     model,
		extractor: reference.NewExtractor(extractorOpts...),
		verifier: verify.NewService(
			store,
			source.NewFetcher(fetcherOpts...),
			embedder,
			verify.WithThreshold(config.Verification.Threshold),
			verify.WithFetchTimeout(config.FetchTimeout()),
			verify.WithLogger(logger),
		),
		logger: logger,
	}
	bot.registerCommands()

	return bot
}

// changeConfig applies change under the configuration lock and saves the
// result.
func (bot *Bot) changeConfig(change func(conf *Config)) {
	bot.confMu.Lock()
	defer bot.confMu.Unlock()

	change(bot.conf)
	if err := bot.conf.Update(); err != nil {
		bot.logger.Warn("failed to save configuration", "err", err)
	}
}

// readConfig calls read with the configuration locked for reading.
func (bot *Bot) readConfig(read func(conf *Config)) {
	bot.confMu.RLock()
	defer bot.confMu.RUnlock()

	read(bot.conf)
}

func (bot *Bot) userThreshold(user int64) float64 {
	userConf, err := bot.store.GetUserConfig(user)
	if err != nil {
		bot.logger.Warn("failed to load user settings", "user", user, "err", err)
		return bot.verifier.Threshold()
	}
	return userConf.DiscrepancyThreshold
}

func (bot *Bot) useSentenceContext(personal bool) bool {
	return personal || bot.conf.Verification.UseSentenceContext
}

// checkTranscript extracts every statute reference from text and verifies
// each against its statute. A transcript without references yields no
// results.
func (bot *Bot) checkTranscript(ctx context.Context, text string, threshold float64, sentenceContext bool) ([]verify.Result, error) {
	return bot.verifyReferences(ctx, text, bot.extractor.Extract(ctx, text), threshold, sentenceContext)
}

// verifyReferences verifies references already extracted from text.
func (bot *Bot) verifyReferences(ctx context.Context, text string, refs []reference.Reference, threshold float64, sentenceContext bool) ([]verify.Result, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	var requests []verify.Request
	if sentenceContext {
		requests = verify.RequestsWithContext(text, refs)
	} else {
		requests = verify.RequestsFromReferences(refs)
	}

	results, err := bot.verifier.VerifyBatch(ctx, requests, threshold)
	bot.recordResults(results)

	return results, err
}

// checkPlainText treats a message that is not a command as a transcript.
// ok is false when the text mentions no statute.
func (bot *Bot) checkPlainText(user int64, text string) (response string, ok bool, err error) {
	text = strings.TrimSpace(text)
	refs := bot.extractor.Extract(context.Background(), text)
	if len(refs) == 0 {
		return "", false, nil
	}

	response, err = bot.checkReferences(user, text, refs)
	return response, true, err
}

// recordResults remembers results for the XLSX export and pushes them to
// Google Sheets when enabled.
func (bot *Bot) recordResults(results []verify.Result) {
	if len(results) == 0 {
		return
	}

	bot.mu.Lock()
	bot.history = append(bot.history, results...)
	if overflow := len(bot.history) - maxHistory; overflow > 0 {
		bot.history = append([]verify.Result(nil), bot.history[overflow:]...)
	}
	bot.mu.Unlock()

	var push bool
	bot.readConfig(func(conf *Config) { push = conf.Sheets.PushToGoogleSheet })
	if bot.sheet != nil && push {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := bot.sheet.AddResultsWithRetry(ctx, results, 3); err != nil {
				bot.logger.Error("failed to push results to Google Sheets", "err", err)
			}
		}()
	}
}

// Results returns a copy of the remembered verification results, oldest
// first.
func (bot *Bot) Results() []verify.Result {
	bot.mu.Lock()
	defer bot.mu.Unlock()

	return append([]verify.Result(nil), bot.history...)
}

// StartMaintenance periodically drops stale statutes and saves the local
// results spreadsheet.
func (bot *Bot) StartMaintenance(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for range ticker.C {
			removed, err := bot.store.DeleteStaleStatutes(context.Background())
			if err != nil {
				bot.logger.Error("failed to purge stale statutes", "err", err)
			} else if removed > 0 {
				bot.logger.Info("purged stale statutes", "count", removed)
			}

			if len(bot.Results()) == 0 {
				continue
			}
			if _, err := bot.GenerateSpreadsheet(0, ""); err != nil {
				bot.logger.Error("autosave failed", "err", err)
			} else {
				bot.logger.Info("autosave done", "file", bot.conf.ResultsFile)
			}
		}
	}()
}

func (bot *Bot) Start() error {
	defer bot.store.Close()

	bot.StartMaintenance(time.Hour)

	if bot.conf.Web.Enabled {
		bot.web = NewWebServer(bot)
		if bot.api == nil {
			return bot.web.ListenAndServe()
		}
		bot.web.Start()
	}

	if bot.api == nil {
		return errors.New("no front end to run")
	}

	bot.logger.Info("telegram bot authorized", "username", bot.api.Self.UserName)

	retryDelay := 5 * time.Second
	for {
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := bot.api.GetUpdatesChan(u)

		for update := range updates {
			if update.Message == nil {
				continue
			}

			go bot.handleMessage(update.Message)
		}

		bot.logger.Warn("lost connection to Telegram, reconnecting", "delay", retryDelay)
		time.Sleep(retryDelay)
		if retryDelay < 300*time.Second {
			retryDelay *= 2
		}
	}
}

func (bot *Bot) isAllowed(userID int64) bool {
	bot.confMu.RLock()
	defer bot.confMu.RUnlock()

	if bot.conf.Telegram.Public {
		return true
	}

	for _, allowedID := range bot.conf.Telegram.AllowedUserIDs {
		if userID == allowedID {
			return true
		}
	}
	return false
}

func (bot *Bot) handleMessage(message *tgbotapi.Message) {
	if message.From == nil {
		return
	}

	bot.logger.Info("telegram message", "user", message.From.UserName, "text", message.Text)

	if !bot.isAllowed(message.From.ID) {
		bot.sendMessage(message.Chat.ID, "You are not allowed to use this bot!", message.MessageID)
		if bot.conf.Debug {
			bot.logger.Debug("rejected user", "id", message.From.ID)
		}
		return
	}

	if message.Document != nil {
		bot.handleDocument(message)
		return
	}

	name, args := splitCommand(message.Text)
	if name == "" {
		return
	}

	if command := bot.CommandByName(name); command != nil {
		response, err := command.Call(message.From.ID, args)
		if err != nil {
			bot.sendError(message.Chat.ID, err.Error(), message.MessageID)
			return
		}
		bot.sendMessage(message.Chat.ID, response, message.MessageID)

		if command.Name == "xlsx" {
			bot.sendDocument(message.Chat.ID, bot.conf.ResultsFile, message.MessageID)
		}
		return
	}

	// Plain transcript text
	response, ok, err := bot.checkPlainText(message.From.ID, message.Text)
	if err != nil {
		bot.sendError(message.Chat.ID, err.Error(), message.MessageID)
		return
	}
	if ok {
		bot.sendMessage(message.Chat.ID, response, message.MessageID)
		return
	}

	bot.sendMessage(message.Chat.ID, bot.suggestionsMessage(name), message.MessageID)
}

// handleDocument verifies uploaded transcripts (.txt) and batch sheets
// (.xlsx).
func (bot *Bot) handleDocument(message *tgbotapi.Message) {
	document := message.Document
	extension := strings.ToLower(filepath.Ext(document.FileName))
	if extension != ".txt" && extension != ".xlsx" {
		bot.sendError(message.Chat.ID, "only .txt transcripts and .xlsx batches are supported", message.MessageID)
		return
	}
	if document.FileSize > maxUploadSize {
		bot.sendError(message.Chat.ID, "file is too large", message.MessageID)
		return
	}

	contents, err := bot.downloadDocument(document.FileID)
	if err != nil {
		bot.logger.Error("failed to download document", "file", document.FileName, "err", err)
		bot.sendError(message.Chat.ID, "failed to download the file: "+err.Error(), message.MessageID)
		return
	}

	var response string
	switch extension {
	case ".txt":
		response, err = bot.Check(message.From.ID, string(contents))
	case ".xlsx":
		var requests []verify.Request
		requests, err = spreadsheet.ReadRequests(contents)
		if err == nil {
			response, err = bot.verifyRequests(message.From.ID, requests)
		}
	}
	if err != nil {
		bot.sendError(message.Chat.ID, err.Error(), message.MessageID)
		return
	}

	bot.sendMessage(message.Chat.ID, response, message.MessageID)
}

func (bot *Bot) downloadDocument(fileID string) ([]byte, error) {
	fileURL, err := bot.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxUploadSize))
}

// sendMessage sends text in Telegram-sized chunks. A chunk Telegram refuses
// to parse as Markdown is resent as plain text.
func (bot *Bot) sendMessage(chatID int64, text string, replyTo int) {
	for _, chunk := range splitMessage(text, maxMessageLength) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		msg.ParseMode = "Markdown"
		msg.ReplyToMessageID = replyTo

		if _, err := bot.api.Send(msg); err != nil {
			msg.ParseMode = ""
			if _, err := bot.api.Send(msg); err != nil {
				bot.logger.Error("failed to send message", "chat", chatID, "err", err)
			}
		}
	}
}

func (bot *Bot) sendError(chatID int64, text string, replyTo int) {
	msg := tgbotapi.NewMessage(chatID, "❌ "+text)
	msg.ReplyToMessageID = replyTo
	if _, err := bot.api.Send(msg); err != nil {
		bot.logger.Error("failed to send message", "chat", chatID, "err", err)
	}
}

func (bot *Bot) sendDocument(chatID int64, path string, replyTo int) {
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(path))
	doc.ReplyToMessageID = replyTo
	if _, err := bot.api.Send(doc); err != nil {
		bot.logger.Error("failed to send document", "file", path, "err", err)
		bot.sendError(chatID, "failed to send the file", replyTo)
	}
}
