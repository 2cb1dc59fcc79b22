package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
	isolation string
	priority  string
	tests     []string
	reviewer  string
	note      string
)

func main() {
	root := &cobra.Command{
		Use:   "gatectl",
		Short: "CLI client for evolution-gate",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("GATE_API_KEY"), "API key")

	submitCmd := &cobra.Command{
		Use:   "submit [file]",
		Short: "Submit a candidate unit (reads stdin without a file)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSubmit,
	}
	submitCmd.Flags().StringVar(&isolation, "isolation", "maximum", "Isolation level (low, medium, high, maximum)")
	submitCmd.Flags().StringVar(&priority, "priority", "normal", "Queue priority (low, normal, high)")
	submitCmd.Flags().StringArrayVar(&tests, "test", nil, `Test case as "call=expected" (repeatable)`)
	root.AddCommand(submitCmd)

	root.AddCommand(&cobra.Command{
		Use:   "status [id]",
		Short: "Show a request's state and decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return getJSON("/requests/" + args[0])
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "cancel [id]",
		Short: "Cancel a request (queued, or torn down if already running)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return doJSON(http.MethodDelete, "/requests/"+args[0], nil)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "reviews",
		Short: "List requests pending human review",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON("/reviews")
		},
	})

	reviewCmd := &cobra.Command{
		Use:   "review [id] [approve|reject]",
		Short: "Resolve a pending review",
		Args:  cobra.ExactArgs(2),
		RunE:  runReview,
	}
	reviewCmd.Flags().StringVar(&reviewer, "reviewer", os.Getenv("USER"), "Reviewer name")
	reviewCmd.Flags().StringVar(&note, "note", "", "Review note")
	root.AddCommand(reviewCmd)

	root.AddCommand(&cobra.Command{
		Use:   "audit [id]",
		Short: "Show the audit record for a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return getJSON("/audit/" + args[0])
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(_ *cobra.Command, _ []string) error {
			return getJSON("/health")
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSubmit(_ *cobra.Command, args []string) error {
	var source string
	if len(args) > 0 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		source = string(data)
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		source = string(data)
	}

	var testCases []map[string]string
	for _, t := range tests {
		call, expected, ok := strings.Cut(t, "=")
		if !ok {
			return fmt.Errorf("test %q must be call=expected", t)
		}
		testCases = append(testCases, map[string]string{"call": call, "expected": expected})
	}

	payload := map[string]any{
		"source":    source,
		"isolation": isolation,
		"priority":  priority,
		"tests":     testCases,
	}
	return doJSON(http.MethodPost, "/requests", payload)
}

func runReview(_ *cobra.Command, args []string) error {
	var approve bool
	switch args[1] {
	case "approve":
		approve = true
	case "reject":
		approve = false
	default:
		return fmt.Errorf("verdict must be approve or reject, got %q", args[1])
	}

	payload := map[string]any{
		"approve":  approve,
		"reviewer": reviewer,
		"note":     note,
	}
	return doJSON(http.MethodPost, "/reviews/"+args[0], payload)
}

func getJSON(path string) error {
	return doJSON(http.MethodGet, path, nil)
}

func doJSON(method, path string, payload any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 70 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	formatted, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(formatted))

	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
	return nil
}
