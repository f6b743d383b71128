package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	callCmd = &cobra.Command{
		Use:   "call",
		Short: "Call tools through the running proxy",
		Long: `Call tools exposed by the proxy's MCP servers.

The proxy routes by tool name, so the server prefix is optional:

  # Let the proxy find the server that owns the tool
  mcp-proxy call tool --tool-name search_docs --json_args '{"query":"rate limits"}'

  # Pin the call to one server
  mcp-proxy call tool --tool-name alpha:search_docs --json_args '{"query":"rate limits"}'`,
	}

	callToolCmd = &cobra.Command{
		Use:   "tool",
		Short: "Execute a single tool call",
		RunE:  runCallTool,
	}

	callToolName string
	callJSONArgs string
	callTimeout  time.Duration
	callOutput   string
)

// GetCallCommand returns the call command group.
func GetCallCommand() *cobra.Command {
	return callCmd
}

func init() {
	callCmd.AddCommand(callToolCmd)

	callToolCmd.Flags().StringVarP(&callToolName, "tool-name", "t", "",
		"Tool to call, optionally prefixed with server: (required)")
	callToolCmd.Flags().StringVarP(&callJSONArgs, "json_args", "j", "{}",
		"Tool arguments as a JSON object")
	callToolCmd.Flags().DurationVar(&callTimeout, "timeout", 4*time.Minute,
		"Overall timeout for the call")
	addOutputFlag(callToolCmd.Flags(), &callOutput)
	_ = callToolCmd.MarkFlagRequired("tool-name")
}

func runCallTool(_ *cobra.Command, _ []string) error {
	var args map[string]any
	if err := json.Unmarshal([]byte(callJSONArgs), &args); err != nil {
		return fmt.Errorf("invalid --json_args (must be a JSON object): %w", err)
	}
	serverName, toolName := splitToolName(callToolName)
	if toolName == "" {
		return fmt.Errorf("missing tool name in %q", callToolName)
	}

	client, err := newCLIClient()
	if err != nil {
		return err
	}
	ctx, cancel := cliContext(callTimeout)
	defer cancel()

	res, err := client.CallTool(ctx, serverName, toolName, args)
	if err != nil {
		return err
	}
	if callOutput == "json" {
		return printJSON(res)
	}

	if res.Error != nil {
		fmt.Printf("⚠️  %s returned an error (server %s, %.2fs)\n", toolName, res.Server, res.ExecutionTime)
		return printJSON(res.Error)
	}
	fmt.Printf("✅ %s answered in %.2fs (server %s)\n", toolName, res.ExecutionTime, res.Server)
	return printJSON(res.Result)
}

// splitToolName splits an optional server: prefix off a tool name.
func splitToolName(name string) (server, tool string) {
	if i := strings.Index(name, ":"); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}
