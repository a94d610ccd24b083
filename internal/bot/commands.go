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
	"Unbewohnte/STAVbot/internal/reference"
	"Unbewohnte/STAVbot/internal/spreadsheet"
	"Unbewohnte/STAVbot/internal/verify"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

type Command struct {
	Name        string
	Description string
	Example     string
	Group       string
	Call        func(user int64, args string) (string, error)
}

func (bot *Bot) NewCommand(cmd Command) {
	bot.commands = append(bot.commands, cmd)
}

func (bot *Bot) CommandByName(name string) *Command {
	for i := range bot.commands {
		if bot.commands[i].Name == name {
			return &bot.commands[i]
		}
	}

	return nil
}

func constructCommandHelpMessage(command Command) string {
	commandHelp := ""
	commandHelp += fmt.Sprintf("\n*Command:* \"%s\"\n*Description:* %s\n", command.Name, command.Description)
	if command.Example != "" {
		commandHelp += fmt.Sprintf("*Example:* `%s`\n", command.Example)
	}

	return commandHelp
}

func (bot *Bot) Help(user int64, args string) (string, error) {
	if strings.TrimSpace(args) != "" {
		command := bot.CommandByName(strings.ToLower(strings.TrimSpace(args)))
		if command != nil {
			return constructCommandHelpMessage(*command), nil
		}
	}

	var helpMessage string

	commandsByGroup := make(map[string][]Command)
	for _, command := range bot.commands {
		commandsByGroup[command.Group] = append(commandsByGroup[command.Group], command)
	}

	groups := []string{}
	for g := range commandsByGroup {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	for _, group := range groups {
		helpMessage += fmt.Sprintf("\n\n*[%s]*\n", group)
		for _, command := range commandsByGroup[group] {
			helpMessage += constructCommandHelpMessage(command)
		}
	}

	return helpMessage, nil
}

func (bot *Bot) About(user int64, args string) (string, error) {
	return `STAVbot (Statute Transcript Analysis and Verification bot).

Finds Florida statute references in hearing transcripts, fetches the official statute text and reports passages that do not match what the statute says.
Results can be exported to a local XLSX file or pushed to a Google spreadsheet.

Source: https://github.com/Unbewohnte/STAVbot
License: GPLv3
`, nil
}

func (bot *Bot) PrintConfig(user int64, args string) (string, error) {
	var response strings.Builder

	userConf, err := bot.store.GetUserConfig(user)
	if err != nil {
		return "", fmt.Errorf("failed to load user settings: %w", err)
	}

	bot.confMu.RLock()
	defer bot.confMu.RUnlock()

	response.WriteString("*Current configuration*:\n")
	response.WriteString("\n*[VERIFICATION]*\n")
	response.WriteString(fmt.Sprintf("*Default threshold*: `%v`\n", bot.conf.Verification.Threshold))
	response.WriteString(fmt.Sprintf("*Your threshold*: `%v`\n", userConf.DiscrepancyThreshold))
	response.WriteString(fmt.Sprintf("*Sentence context*: `%v`\n", bot.useSentenceContext(userConf.SentenceContext)))
	response.WriteString(fmt.Sprintf("*Cache retention*: `%v` days\n", bot.conf.Retention().Hours()/24))
	response.WriteString(fmt.Sprintf("*Fetch timeout*: `%v`\n", bot.conf.FetchTimeout()))
	response.WriteString(fmt.Sprintf("*Statutes source*: `%v`\n", bot.conf.Verification.BaseURL))

	response.WriteString("\n*[GENERAL]*:\n")
	response.WriteString(fmt.Sprintf("*Public?*: `%v`\n", bot.conf.Telegram.Public))
	response.WriteString(fmt.Sprintf("*Allowed users*: `%+v`\n", bot.conf.Telegram.AllowedUserIDs))

	response.WriteString("\n*[MODELS]*:\n")
	response.WriteString(fmt.Sprintf("*Embedding backend*: `%v`\n", bot.conf.EmbeddingBackend))
	response.WriteString(fmt.Sprintf("*LLM*: `%v`\n", bot.conf.Ollama.GeneralModel))
	response.WriteString(fmt.Sprintf("*Ollama embedding model*: `%v`\n", bot.conf.Ollama.EmbeddingModel))
	response.WriteString(fmt.Sprintf("*OpenAI embedding model*: `%v`\n", bot.conf.OpenAI.EmbeddingModel))
	response.WriteString(fmt.Sprintf("*LLM entity recognition*: `%v`\n", bot.conf.Ollama.UseEntityRecognizer))
	response.WriteString(fmt.Sprintf("*LLM timeout*: `%v` seconds\n", bot.conf.Ollama.QueryTimeoutSeconds))

	response.WriteString("\n*[SHEETS]*:\n")
	response.WriteString(fmt.Sprintf("*Push results to Google Sheets?*: `%v`\n", bot.conf.Sheets.PushToGoogleSheet))
	response.WriteString(fmt.Sprintf("*Sheet name*: `%v`\n", bot.conf.Sheets.Google.Config.SheetName))
	response.WriteString(fmt.Sprintf("*Spreadsheet ID*: `%v`\n", bot.conf.Sheets.Google.Config.SpreadsheetID))

	return response.String(), nil
}

func (bot *Bot) Refs(user int64, args string) (string, error) {
	if strings.TrimSpace(args) == "" {
		return "", errors.New("no transcript text given")
	}

	refs := bot.extractor.Extract(context.Background(), args)
	return formatReferences(refs), nil
}

func (bot *Bot) Verify(user int64, args string) (string, error) {
	id, text, _ := strings.Cut(strings.TrimSpace(args), " ")
	text = strings.TrimSpace(text)
	if id == "" || text == "" {
		return "", errors.New("expected a statute number followed by the transcript passage")
	}

	threshold := bot.userThreshold(user)
	result, err := bot.verifier.Verify(context.Background(), text, id, threshold)
	if err != nil {
		return "", err
	}
	bot.recordResults([]verify.Result{result})

	return formatResult(result, threshold), nil
}

func (bot *Bot) Check(user int64, args string) (string, error) {
	if strings.TrimSpace(args) == "" {
		return "", errors.New("no transcript text given")
	}

	return bot.checkReferences(user, args, bot.extractor.Extract(context.Background(), args))
}

// checkReferences verifies references extracted from text with the user's
// threshold and context settings.
func (bot *Bot) checkReferences(user int64, text string, refs []reference.Reference) (string, error) {
	userConf, err := bot.store.GetUserConfig(user)
	if err != nil {
		return "", fmt.Errorf("failed to load user settings: %w", err)
	}

	results, err := bot.verifyReferences(
		context.Background(),
		text,
		refs,
		userConf.DiscrepancyThreshold,
		bot.useSentenceContext(userConf.SentenceContext),
	)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "No statute references found.", nil
	}

	return formatResults(results, userConf.DiscrepancyThreshold), nil
}

// verifyRequests runs a prepared batch for a user and records the outcome.
func (bot *Bot) verifyRequests(user int64, requests []verify.Request) (string, error) {
	threshold := bot.userThreshold(user)
	results, err := bot.verifier.VerifyBatch(context.Background(), requests, threshold)
	if err != nil {
		return "", err
	}
	bot.recordResults(results)

	return formatResults(results, threshold), nil
}

func (bot *Bot) Lookup(user int64, args string) (string, error) {
	return bot.lookup(args, false)
}

func (bot *Bot) Refresh(user int64, args string) (string, error) {
	return bot.lookup(args, true)
}

func (bot *Bot) lookup(args string, force bool) (string, error) {
	id := strings.TrimSpace(args)
	if id == "" {
		return "", errors.New("statute number is not given")
	}

	lookup, err := bot.verifier.Lookup(context.Background(), id, force)
	if err != nil {
		return "", err
	}
	if lookup.Err != nil {
		return "", lookup.Err
	}

	return formatLookup(lookup), nil
}

func (bot *Bot) Forget(user int64, args string) (string, error) {
	id := strings.TrimSpace(args)
	if id == "" {
		return "", errors.New("statute number is not given")
	}

	deleted, err := bot.store.DeleteStatute(context.Background(), id)
	if err != nil {
		return "", err
	}
	if !deleted {
		return fmt.Sprintf("Statute `%s` is not cached.", id), nil
	}

	return fmt.Sprintf("Statute `%s` removed from the cache.", id), nil
}

func (bot *Bot) Purge(user int64, args string) (string, error) {
	removed, err := bot.store.DeleteStaleStatutes(context.Background())
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("Removed %d stale statute(s).", removed), nil
}

func (bot *Bot) Stats(user int64, args string) (string, error) {
	count, err := bot.store.CountStatutes(context.Background())
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(
		"*Cached statutes*: `%d`\n*Results this session*: `%d`\n*Retention*: `%v` days",
		count, len(bot.Results()), bot.conf.Retention().Hours()/24,
	), nil
}

func (bot *Bot) SetThreshold(user int64, args string) (string, error) {
	if args == "" {
		return "", errors.New("new threshold is not given")
	}

	threshold, err := strconv.ParseFloat(strings.TrimSpace(args), 64)
	if err != nil {
		return "", errors.New("threshold must be a number")
	}
	if threshold < -1 || threshold > 1 {
		return "", errors.New("threshold must lie within [-1, 1]")
	}

	userConf, err := bot.store.GetUserConfig(user)
	if err != nil {
		return "", err
	}
	userConf.DiscrepancyThreshold = threshold
	if err := bot.store.SaveUserConfig(userConf); err != nil {
		return "", err
	}

	return fmt.Sprintf("Discrepancy threshold set to %v.", threshold), nil
}

func (bot *Bot) ToggleSentenceContext(user int64, args string) (string, error) {
	userConf, err := bot.store.GetUserConfig(user)
	if err != nil {
		return "", err
	}
	userConf.SentenceContext = !userConf.SentenceContext
	if err := bot.store.SaveUserConfig(userConf); err != nil {
		return "", err
	}

	if userConf.SentenceContext {
		return "Statutes are now compared with the whole sentence around each reference.", nil
	}
	if bot.conf.Verification.UseSentenceContext {
		return "Personal sentence context disabled, but it stays on globally.", nil
	}
	return "Statutes are now compared with the matched reference only.", nil
}

func (bot *Bot) AddUser(user int64, args string) (string, error) {
	if args == "" {
		return "", errors.New("user ID is not given")
	}

	id, err := strconv.ParseInt(args, 10, 64)
	if err != nil {
		return "", errors.New("invalid user ID")
	}

	added := true
	bot.changeConfig(func(conf *Config) {
		for _, allowedID := range conf.Telegram.AllowedUserIDs {
			if id == allowedID {
				added = false
				return
			}
		}
		conf.Telegram.AllowedUserIDs = append(conf.Telegram.AllowedUserIDs, id)
	})
	if !added {
		return "This user is already allowed.", nil
	}

	return "User added", nil
}

func (bot *Bot) RemoveUser(user int64, args string) (string, error) {
	if args == "" {
		return "", errors.New("user ID is not given")
	}

	id, err := strconv.ParseInt(args, 10, 64)
	if err != nil {
		return "", errors.New("invalid user ID")
	}

	found := false
	bot.changeConfig(func(conf *Config) {
		newAllowedUserIDs := []int64{}
		for _, allowedID := range conf.Telegram.AllowedUserIDs {
			if allowedID == id {
				found = true
				continue
			}
			newAllowedUserIDs = append(newAllowedUserIDs, allowedID)
		}
		if found {
			conf.Telegram.AllowedUserIDs = newAllowedUserIDs
		}
	})

	if !found {
		return "", errors.New("user is not in the allowed list")
	}

	return "User removed", nil
}

func (bot *Bot) TogglePublicity(user int64, args string) (string, error) {
	var public bool
	bot.changeConfig(func(conf *Config) {
		conf.Telegram.Public = !conf.Telegram.Public
		public = conf.Telegram.Public
	})

	if public {
		return "The bot is now available to everyone.", nil
	}
	return "The bot is now available to allowed users only.", nil
}

func (bot *Bot) TogglePushToGoogleSheets(user int64, args string) (string, error) {
	if bot.sheet == nil {
		return "", errors.New("google sheets client is not configured, restart with push_to_google_sheet enabled")
	}

	var push bool
	bot.changeConfig(func(conf *Config) {
		conf.Sheets.PushToGoogleSheet = !conf.Sheets.PushToGoogleSheet
		push = conf.Sheets.PushToGoogleSheet
	})

	if push {
		return "Pushing results to Google Sheets enabled.", nil
	}
	return "Pushing results to Google Sheets disabled.", nil
}

func (bot *Bot) ChangeSheetName(user int64, args string) (string, error) {
	if args == "" {
		return "", errors.New("new sheet name is not given")
	}

	bot.changeConfig(func(conf *Config) {
		conf.Sheets.Google.Config.SheetName = args
	})
	if bot.sheet != nil {
		bot.sheet.SetTarget("", args)
	}

	return fmt.Sprintf("Sheet name changed to \"%s\"", args), nil
}

func (bot *Bot) ChangeSpreadsheetID(user int64, args string) (string, error) {
	if args == "" {
		return "", errors.New("new spreadsheet ID is not given")
	}

	bot.changeConfig(func(conf *Config) {
		conf.Sheets.Google.Config.SpreadsheetID = args
	})
	if bot.sheet != nil {
		bot.sheet.SetTarget(args, "")
	}

	return fmt.Sprintf("Spreadsheet ID changed to \"%s\"", args), nil
}

func (bot *Bot) ListModels(user int64, args string) (string, error) {
	models, err := bot.model.ListModels(context.Background())
	if err != nil {
		return "", err
	}

	var response strings.Builder
	response.WriteString("*Available models:*\n")
	for _, model := range models {
		response.WriteString(fmt.Sprintf("- `%s`\n", model.Name))
	}

	return response.String(), nil
}

func (bot *Bot) SetModel(user int64, args string) (string, error) {
	if args == "" {
		return "", errors.New("model name is not given")
	}

	models, err := bot.model.ListModels(context.Background())
	if err != nil {
		return "", err
	}

	for _, model := range models {
		if model.Name == args {
			bot.model.SetModelName(args)
			bot.changeConfig(func(conf *Config) {
				conf.Ollama.GeneralModel = args
			})
			return fmt.Sprintf("Model changed to `%s`", args), nil
		}
	}

	return "", fmt.Errorf("model %q is not available", args)
}

func (bot *Bot) ChangeQueryTimeout(user int64, args string) (string, error) {
	if args == "" {
		return "", errors.New("new timeout is not given")
	}

	timeout, err := strconv.ParseUint(args, 10, 64)
	if err != nil || timeout == 0 {
		return "", errors.New("timeout must be a positive number of seconds")
	}

	bot.model.SetTimeoutSeconds(uint(timeout))
	bot.changeConfig(func(conf *Config) {
		conf.Ollama.QueryTimeoutSeconds = uint(timeout)
	})

	return fmt.Sprintf("LLM timeout changed to %d seconds", timeout), nil
}

func (bot *Bot) GenerateSpreadsheet(user int64, args string) (string, error) {
	statutes, err := bot.store.AllStatutes(context.Background())
	if err != nil {
		return "", fmt.Errorf("failed to load statutes: %w", err)
	}

	fileBuffer, err := spreadsheet.Generate(bot.Results(), statutes)
	if err != nil {
		return "", fmt.Errorf("failed to generate file: %w", err)
	}

	if err := os.WriteFile(bot.conf.ResultsFile, fileBuffer.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("failed to save file: %w", err)
	}

	return fmt.Sprintf("Spreadsheet generated and saved as %s", bot.conf.ResultsFile), nil
}

func (bot *Bot) registerCommands() {
	bot.NewCommand(Command{
		Name:        "help",
		Description: "Print this help message",
		Group:       "General",
		Call:        bot.Help,
	})

	bot.NewCommand(Command{
		Name:        "about",
		Description: "Print information about the bot",
		Group:       "General",
		Call:        bot.About,
	})

	bot.NewCommand(Command{
		Name:        "conf",
		Description: "Print current configuration",
		Group:       "General",
		Call:        bot.PrintConfig,
	})

	bot.NewCommand(Command{
		Name:        "stats",
		Description: "Print cache statistics",
		Group:       "General",
		Call:        bot.Stats,
	})

	bot.NewCommand(Command{
		Name:        "refs",
		Description: "List statute references found in a transcript",
		Example:     "refs The officer cited Section 316.193 of the Florida Statutes",
		Group:       "Verification",
		Call:        bot.Refs,
	})

	bot.NewCommand(Command{
		Name:        "verify",
		Description: "Compare a passage with a statute",
		Example:     "verify 316.193 A person commits DUI if they drive under the influence",
		Group:       "Verification",
		Call:        bot.Verify,
	})

	bot.NewCommand(Command{
		Name:        "check",
		Description: "Find every statute reference in a transcript and verify it. Sending a .txt file does the same",
		Example:     "check Defense counsel argued that s. 322.2615, F.S. applies",
		Group:       "Verification",
		Call:        bot.Check,
	})

	bot.NewCommand(Command{
		Name:        "setthreshold",
		Description: "Set your discrepancy threshold within [-1, 1]",
		Example:     "setthreshold 0.7",
		Group:       "Verification",
		Call:        bot.SetThreshold,
	})

	bot.NewCommand(Command{
		Name:        "togglecontext",
		Description: "Compare statutes with the whole sentence around a reference instead of the reference alone",
		Group:       "Verification",
		Call:        bot.ToggleSentenceContext,
	})

	bot.NewCommand(Command{
		Name:        "lookup",
		Description: "Print a statute, using the cache when possible",
		Example:     "lookup 316.193",
		Group:       "Statutes",
		Call:        bot.Lookup,
	})

	bot.NewCommand(Command{
		Name:        "refresh",
		Description: "Fetch a statute again, bypassing the cache",
		Example:     "refresh 316.193",
		Group:       "Statutes",
		Call:        bot.Refresh,
	})

	bot.NewCommand(Command{
		Name:        "forget",
		Description: "Remove a statute from the cache",
		Example:     "forget 316.193",
		Group:       "Statutes",
		Call:        bot.Forget,
	})

	bot.NewCommand(Command{
		Name:        "purge",
		Description: "Remove every statute older than the retention window",
		Group:       "Statutes",
		Call:        bot.Purge,
	})

	bot.NewCommand(Command{
		Name:        "togglepublic",
		Description: "Switch between public and private access to the bot",
		Group:       "Telegram",
		Call:        bot.TogglePublicity,
	})

	bot.NewCommand(Command{
		Name:        "adduser",
		Description: "Allow a user by ID (message @userinfobot to learn yours)",
		Example:     "adduser 5293210034",
		Group:       "Telegram",
		Call:        bot.AddUser,
	})

	bot.NewCommand(Command{
		Name:        "rmuser",
		Description: "Revoke access of a user by ID",
		Example:     "rmuser 5293210034",
		Group:       "Telegram",
		Call:        bot.RemoveUser,
	})

	bot.NewCommand(Command{
		Name:        "xlsx",
		Description: "Generate an XLSX file with verification results and cached statutes. Sending an .xlsx file with statute/passage columns verifies every row",
		Group:       "Sheets",
		Call:        bot.GenerateSpreadsheet,
	})

	bot.NewCommand(Command{
		Name:        "togglesheets",
		Description: "Enable or disable pushing results to Google Sheets",
		Group:       "Sheets",
		Call:        bot.TogglePushToGoogleSheets,
	})

	bot.NewCommand(Command{
		Name:        "setsheetname",
		Description: "Change the Google sheet name",
		Example:     "setsheetname Sheet2",
		Group:       "Sheets",
		Call:        bot.ChangeSheetName,
	})

	bot.NewCommand(Command{
		Name:        "setsheetid",
		Description: "Change the Google spreadsheet ID",
		Example:     "setsheetid s0m3_1d_l1k3_k4DGHJd1",
		Group:       "Sheets",
		Call:        bot.ChangeSpreadsheetID,
	})

	bot.NewCommand(Command{
		Name:        "models",
		Description: "List local LLMs",
		Group:       "LLM",
		Call:        bot.ListModels,
	})

	bot.NewCommand(Command{
		Name:        "setmodel",
		Description: "Change the LLM used for entity recognition",
		Example:     "setmodel qwen2.5:7b",
		Group:       "LLM",
		Call:        bot.SetModel,
	})

	bot.NewCommand(Command{
		Name:        "setquerytimeout",
		Description: "Change the LLM request timeout in seconds",
		Example:     "setquerytimeout 120",
		Group:       "LLM",
		Call:        bot.ChangeQueryTimeout,
	})
}
