package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/johnwards/leadfeed/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}
