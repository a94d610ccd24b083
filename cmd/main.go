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

package main

import (
	"Unbewohnte/STAVbot/internal/bot"
	"io"
	"log/slog"
	"os"
)

const CONFIG_NAME string = "config.json"

var (
	CONFIG *bot.Config
)

func init() {
	var err error
	CONFIG, err = bot.ConfigFrom(CONFIG_NAME)
	if err != nil {
		slog.Warn("failed to open configuration file, creating a new one", "file", CONFIG_NAME, "err", err)
		CONFIG = bot.DefaultConfig()
		err = CONFIG.Save(CONFIG_NAME)
		if err != nil {
			slog.Error("failed to create configuration file", "err", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	logsFile, err := os.Create(CONFIG.LogsFile)
	if err != nil {
		slog.Error("failed to create logs file", "err", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if CONFIG.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(
		io.MultiWriter(logsFile, os.Stdout),
		&slog.HandlerOptions{Level: level},
	)))

	if CONFIG.Sheets.PushToGoogleSheet {
		credentialsJSON, err := os.ReadFile(CONFIG.Sheets.Google.CredentialsFile)
		if err != nil {
			slog.Error("failed to read Google credentials", "file", CONFIG.Sheets.Google.CredentialsFile, "err", err)
			os.Exit(1)
		}

		CONFIG.Sheets.Google.Config.CredentialsJSON = credentialsJSON
	}
}

func main() {
	bot, err := bot.NewBot(CONFIG)
	if err != nil {
		slog.Error("failed to start", "err", err)
		os.Exit(1)
	}

	if err := bot.Start(); err != nil {
		slog.Error("stopped", "err", err)
		os.Exit(1)
	}
}
