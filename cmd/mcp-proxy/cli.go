package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/agenticwork/mcp-proxy/internal/cliclient"
)

var cliAPIKey string

func init() {
	rootCmd.PersistentFlags().StringVar(&cliAPIKey, "api-key", "",
		"API key sent as X-Api-Key (defaults to $MCP_PROXY_API_KEY)")
}

// newCLIClient builds a client against the configured listen address.
// Subcommands share the daemon's config resolution, so --config,
// --data-dir and --listen work the same in both modes.
func newCLIClient() (*cliclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	key := cliAPIKey
	if key == "" {
		key = os.Getenv("MCP_PROXY_API_KEY")
	}
	return cliclient.New(cfg.Listen, key, zap.NewNop().Sugar()), nil
}

// cliContext is the lifetime of one CLI invocation: Ctrl-C cancels, and
// a positive timeout bounds the whole call.
func cliContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

// addOutputFlag registers the --output flag every read subcommand
// shares.
func addOutputFlag(fs *pflag.FlagSet, target *string) {
	fs.StringVarP(target, "output", "o", "pretty", "Output format: pretty or json")
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
