// Command llmcheck prints the quick (configuration) and deep (one-token call)
// readiness of the configured chat provider as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/kirillkom/docsearch/internal/bootstrap"
	"github.com/kirillkom/docsearch/internal/config"
	"github.com/kirillkom/docsearch/internal/core/domain"
)

func main() {
	model := flag.String("model", "", "chat model override")
	timeout := flag.Duration("timeout", 30*time.Second, "deep probe timeout")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	chat := bootstrap.ChatModel(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	report := map[string]domain.LLMStatus{
		"quick": chat.Status(*model),
		"deep":  chat.Ping(ctx, *model),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		fmt.Fprintf(os.Stderr, "encode report: %v\n", err)
		os.Exit(1)
	}
	if !report["deep"].OK {
		os.Exit(2)
	}
}
