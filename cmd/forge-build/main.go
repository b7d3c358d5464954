package main

import (
	"log/slog"
	"os"
)

func main() {
	// Log lines go to stderr so redirecting stdout captures only what
	// the user asked for.
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))

	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
