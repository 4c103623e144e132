// Package main implements the knowctl CLI for manual operations against
// the knowd HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	v1 "github.com/fyrsmithlabs/knowd/pkg/api/v1"
)

var (
	// serverURL is the base URL for the knowd HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "knowctl",
	Short: "CLI for knowd server operations",
	Long: `knowctl is a command-line interface for the knowd daemon.
It submits and controls tasks, searches the container store, and
nominates containers for global contribution.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9632", "knowd server URL")
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(contributeCmd)
	rootCmd.AddCommand(healthCmd)

	taskCmd.AddCommand(taskSubmitCmd)
	taskCmd.AddCommand(taskGetCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskInterruptCmd)
	taskCmd.AddCommand(taskAmendCmd)
	taskCmd.AddCommand(taskResumeCmd)
	taskCmd.AddCommand(taskCancelCmd)
	taskCmd.AddCommand(taskRetryCmd)

	taskSubmitCmd.Flags().StringVar(&submitMethodology, "methodology", "", "methodology container id")
	taskSubmitCmd.Flags().StringVar(&submitCapability, "capability", "", "capability id for direct invocation")
	taskSubmitCmd.Flags().StringVar(&submitInput, "input", "", "JSON object with the initial context")
	taskListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")

	searchCmd.Flags().StringVar(&searchSpace, "space", "semantic", "embedding space")
	searchCmd.Flags().IntVar(&searchK, "k", 5, "number of results")
	searchCmd.Flags().StringVar(&searchScope, "scope", "", "restrict to local or global scope")

	contributeCmd.Flags().StringVar(&contributeFixtures, "fixtures", "", "JSON array of fixture inputs")
}

var (
	submitMethodology  string
	submitCapability   string
	submitInput        string
	listStatus         string
	searchSpace        string
	searchK            int
	searchScope        string
	contributeFixtures string
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Submit and control tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a task",
	Long: `Submit a task running either a methodology or a single capability.

Examples:
  knowctl task submit --methodology 3aef91c2 --input '{"service":"api"}'
  knowctl task submit --capability log_search --input '{"query":"timeout"}'`,
	RunE: runTaskSubmit,
}

var taskGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON("/v1/tasks/"+args[0], prettyPrint)
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/v1/tasks"
		if listStatus != "" {
			path += "?status=" + listStatus
		}
		return getJSON(path, prettyPrint)
	},
}

var taskInterruptCmd = &cobra.Command{
	Use:   "interrupt <id>",
	Short: "Request a pause at the next node boundary",
	Args:  cobra.ExactArgs(1),
	RunE:  taskAction("interrupt"),
}

var taskAmendCmd = &cobra.Command{
	Use:   "amend <id> <patch-json>",
	Short: "Merge new context keys into a paused task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var patch map[string]any
		if err := json.Unmarshal([]byte(args[1]), &patch); err != nil {
			return fmt.Errorf("patch must be a JSON object: %w", err)
		}
		return postJSON("/v1/tasks/"+args[0]+"/amend", v1.AmendTaskRequest{Patch: patch}, prettyPrint)
	},
}

var taskResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Resume a paused task",
	Args:  cobra.ExactArgs(1),
	RunE:  taskAction("resume"),
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE:  taskAction("cancel"),
}

var taskRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Retry a failed task from its last checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  taskAction("retry"),
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over the container store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON("/v1/containers/search", v1.SearchRequest{
			Query: args[0],
			Space: searchSpace,
			K:     searchK,
			Scope: searchScope,
		}, prettyPrint)
	},
}

var contributeCmd = &cobra.Command{
	Use:   "contribute <container-id>",
	Short: "Nominate a local container for global promotion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var fixtures []map[string]any
		if contributeFixtures != "" {
			if err := json.Unmarshal([]byte(contributeFixtures), &fixtures); err != nil {
				return fmt.Errorf("fixtures must be a JSON array: %w", err)
			}
		}
		return postJSON("/v1/contributions", v1.ContributeRequest{
			SourceContainerID: args[0],
			Fixtures:          fixtures,
		}, prettyPrint)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check knowd server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON("/health", prettyPrint)
	},
}

func runTaskSubmit(cmd *cobra.Command, args []string) error {
	if (submitMethodology == "") == (submitCapability == "") {
		return fmt.Errorf("exactly one of --methodology or --capability is required")
	}
	var input map[string]any
	if submitInput != "" {
		if err := json.Unmarshal([]byte(submitInput), &input); err != nil {
			return fmt.Errorf("input must be a JSON object: %w", err)
		}
	}
	return postJSON("/v1/tasks", v1.SubmitTaskRequest{
		MethodologyID: submitMethodology,
		CapabilityID:  submitCapability,
		Input:         input,
	}, prettyPrint)
}

func taskAction(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return postJSON("/v1/tasks/"+args[0]+"/"+action, nil, prettyPrint)
	}
}

// HTTP helpers

var httpClient = &http.Client{Timeout: 30 * time.Second}

func getJSON(path string, sink func([]byte) error) error {
	resp, err := httpClient.Get(serverURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return handleResponse(resp, sink)
}

func postJSON(path string, body any, sink func([]byte) error) error {
	payload := bytes.NewBuffer(nil)
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewBuffer(raw)
	}
	resp, err := httpClient.Post(serverURL+path, "application/json", payload)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return handleResponse(resp, sink)
}

func handleResponse(resp *http.Response, sink func([]byte) error) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr v1.ErrorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return sink(raw)
}

func prettyPrint(raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}
