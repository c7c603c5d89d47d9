package main

import (
	"log/slog"
	"os"

	"github.com/kolibri-offline/imagebuilder/cmd/imagebuilder/commands"
)

func main() {
	// Structured text logs on stderr; stdout carries command output.
	// The level is set from configuration once it is loaded.
	var level slog.LevelVar
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: &level,
	}))
	slog.SetDefault(logger)

	commands.Execute(&level)
}
