package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	toolsCmd = &cobra.Command{
		Use:   "tools",
		Short: "Inspect the aggregated tool catalog",
	}

	toolsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List tools across all running servers",
		Long: `List the tools the proxy currently exposes.

Examples:
  # Everything, grouped output
  mcp-proxy tools list

  # Only one server's tools
  mcp-proxy tools list --server alpha

  # Relevance-ranked for a query
  mcp-proxy tools list --search "create github issue"`,
		RunE: runToolsList,
	}

	toolsServer string
	toolsSearch string
	toolsOutput string
)

// GetToolsCommand returns the tools command group.
func GetToolsCommand() *cobra.Command {
	return toolsCmd
}

func init() {
	toolsCmd.AddCommand(toolsListCmd)

	toolsListCmd.Flags().StringVarP(&toolsServer, "server", "s", "",
		"Limit the listing to one server")
	toolsListCmd.Flags().StringVar(&toolsSearch, "search", "",
		"Rank the listing by relevance to this query")
	addOutputFlag(toolsListCmd.Flags(), &toolsOutput)
}

func runToolsList(_ *cobra.Command, _ []string) error {
	client, err := newCLIClient()
	if err != nil {
		return err
	}
	ctx, cancel := cliContext(30 * time.Second)
	defer cancel()

	if toolsServer != "" {
		catalog, err := client.ServerTools(ctx, toolsServer)
		if err != nil {
			return err
		}
		if toolsOutput == "json" {
			return printJSON(catalog)
		}
		fmt.Printf("📋 %d tools on %s\n", len(catalog.Tools), catalog.Server)
		for _, tool := range catalog.Tools {
			printToolRow(tool, false)
		}
		return nil
	}

	catalog, err := client.Tools(ctx, toolsSearch)
	if err != nil {
		return err
	}
	if toolsOutput == "json" {
		return printJSON(catalog)
	}
	fmt.Printf("📋 %d tools across %d servers\n", catalog.TotalCount, catalog.ServerCount)
	for _, tool := range catalog.Tools {
		printToolRow(tool, true)
	}
	return nil
}

func printToolRow(tool map[string]any, withServer bool) {
	name, _ := tool["name"].(string)
	line := "  " + name
	if withServer {
		if server, _ := tool["server"].(string); server != "" {
			line = fmt.Sprintf("  %s:%s", server, name)
		}
	}
	if desc, _ := tool["description"].(string); desc != "" {
		line += " - " + firstLine(desc)
	}
	fmt.Println(line)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 100
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}
