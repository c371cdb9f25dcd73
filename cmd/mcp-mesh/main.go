package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"agentmesh/src/core/cli"
)

var rootCmd = &cobra.Command{
	Use:   "mcp-mesh",
	Short: "AgentMesh operator CLI",
	Long: `Operator CLI for AgentMesh service registries.

Inspect registered agents, their dependency wiring, and their endpoints
against a running registry.`,
	Version: "1.0.0",
}

func main() {
	rootCmd.AddCommand(cli.NewListCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
