package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

var (
	serversCmd = &cobra.Command{
		Use:   "servers",
		Short: "Manage the proxy's MCP servers",
		Long: `Inspect and control the MCP servers behind the proxy.

Examples:
  mcp-proxy servers list
  mcp-proxy servers restart alpha
  mcp-proxy servers disable alpha`,
	}

	serversListCmd = &cobra.Command{
		Use:   "list",
		Short: "Show every server with its status",
		RunE:  runServersList,
	}

	serversStartCmd = &cobra.Command{
		Use:   "start <name>",
		Short: "Start a stopped server",
		Args:  cobra.ExactArgs(1),
		RunE:  func(_ *cobra.Command, args []string) error { return runServerLifecycle(args[0], "start") },
	}

	serversStopCmd = &cobra.Command{
		Use:   "stop <name>",
		Short: "Stop a running server",
		Args:  cobra.ExactArgs(1),
		RunE:  func(_ *cobra.Command, args []string) error { return runServerLifecycle(args[0], "stop") },
	}

	serversRestartCmd = &cobra.Command{
		Use:   "restart <name>",
		Short: "Restart a server",
		Args:  cobra.ExactArgs(1),
		RunE:  func(_ *cobra.Command, args []string) error { return runServerLifecycle(args[0], "restart") },
	}

	serversEnableCmd = &cobra.Command{
		Use:   "enable <name>",
		Short: "Enable a server and start it",
		Args:  cobra.ExactArgs(1),
		RunE:  func(_ *cobra.Command, args []string) error { return runServerEnabled(args[0], true) },
	}

	serversDisableCmd = &cobra.Command{
		Use:   "disable <name>",
		Short: "Disable a server and stop it",
		Args:  cobra.ExactArgs(1),
		RunE:  func(_ *cobra.Command, args []string) error { return runServerEnabled(args[0], false) },
	}

	serversOutput string
)

// GetServersCommand returns the servers command group.
func GetServersCommand() *cobra.Command {
	return serversCmd
}

func init() {
	serversCmd.AddCommand(serversListCmd, serversStartCmd, serversStopCmd,
		serversRestartCmd, serversEnableCmd, serversDisableCmd)

	addOutputFlag(serversListCmd.Flags(), &serversOutput)
}

func runServersList(_ *cobra.Command, _ []string) error {
	client, err := newCLIClient()
	if err != nil {
		return err
	}
	ctx, cancel := cliContext(15 * time.Second)
	defer cancel()

	servers, err := client.Servers(ctx)
	if err != nil {
		return err
	}
	if serversOutput == "json" {
		return printJSON(servers)
	}

	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("%-20s %-10s %-9s %-10s %-7s %s\n", "NAME", "STATUS", "ENABLED", "TRANSPORT", "PID", "LAST ERROR")
	for _, name := range names {
		st := servers[name]
		pid := "-"
		if st.PID > 0 {
			pid = fmt.Sprintf("%d", st.PID)
		}
		enabled := "yes"
		if !st.Enabled {
			enabled = "no"
		}
		fmt.Printf("%-20s %-10s %-9s %-10s %-7s %s\n",
			name, statusMarker(st.Status), enabled, st.Transport, pid, st.LastError)
	}
	return nil
}

func statusMarker(status string) string {
	switch status {
	case "running":
		return "✅ " + status
	case "starting":
		return "🚀 " + status
	case "failed":
		return "⚠️ " + status
	default:
		return status
	}
}

func runServerLifecycle(name, op string) error {
	client, err := newCLIClient()
	if err != nil {
		return err
	}
	ctx, cancel := cliContext(60 * time.Second)
	defer cancel()

	res, err := client.Lifecycle(ctx, name, op)
	if err != nil {
		return err
	}
	fmt.Println("✅ " + res.Message)
	return nil
}

func runServerEnabled(name string, enabled bool) error {
	client, err := newCLIClient()
	if err != nil {
		return err
	}
	ctx, cancel := cliContext(60 * time.Second)
	defer cancel()

	res, err := client.SetEnabled(ctx, name, enabled)
	if err != nil {
		return err
	}
	switch res.Action {
	case "no_change":
		fmt.Printf("✅ %s unchanged (enabled=%t, status %s)\n", res.Server, res.Enabled, res.Status)
	default:
		fmt.Printf("✅ %s %s (enabled=%t, status %s)\n", res.Server, res.Action, res.Enabled, res.Status)
	}
	return nil
}
