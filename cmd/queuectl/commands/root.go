package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/campaign-sendqueue/cmd/queuectl/client"
)

var (
	// Global configuration
	apiURL  string
	token   string
	timeout time.Duration
	asJSON  bool

	rootCmd = &cobra.Command{
		Use:   "queuectl",
		Short: "queuectl - operate the campaign send queue",
		Long: `A command-line tool for operating campaigns on the send queue API.
Control operations (start, pause, resume, retry-failed, send-now) require an admin token.`,
		SilenceUsage: true,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&apiURL, "api-url", "a", envOr("SENDQ_API_URL", "http://localhost:8080"), "API server URL")
	rootCmd.PersistentFlags().StringVarP(&token, "token", "t", os.Getenv("SENDQ_TOKEN"), "Bearer token (default: $SENDQ_TOKEN)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Request timeout")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "Print raw JSON")
}

func newClient() *client.Client {
	return client.NewClient(apiURL, token, timeout)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid campaign id %q", arg)
	}
	return id, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
