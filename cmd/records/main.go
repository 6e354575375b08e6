package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func NewRootCommand() *cobra.Command {
	var server string
	var timeout time.Duration
	var verbose bool

	rootCmd := &cobra.Command{
		Use:          "records",
		Short:        "Client for the simple-records server",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}

	defaultServer := os.Getenv("RECORDS_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}

	rootCmd.PersistentFlags().StringVarP(&server, "server", "s", defaultServer, "Server base URL (env RECORDS_SERVER)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Overall request timeout (0 means none)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(NewUploadCommand())
	rootCmd.AddCommand(NewGetCommand())
	rootCmd.AddCommand(NewMatrixCommand())

	return rootCmd
}

// clientFromFlags creates a Client from the persistent flags
func clientFromFlags(cmd *cobra.Command) *Client {
	server, _ := cmd.Flags().GetString("server")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return NewClient(server, &http.Client{Timeout: timeout})
}
