// Package main provides the policyctl binary entry point.
// Policyctl is a command line client for a running promptguard server:
// it manages policy documents and verifies prompts against them.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// defaultServer resolves the server base URL from the environment
func defaultServer() string {
	host := os.Getenv("API_HOST")
	if host == "" {
		host = "localhost"
	}
	port := os.Getenv("API_PORT")
	if port == "" {
		port = "8080"
	}
	return fmt.Sprintf("http://%s:%s", host, port)
}

func rootCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "policyctl",
		Short: "Prompt compliance verification client",
		Long: `Policyctl talks to a running promptguard server to manage policy
documents and verify prompts against them.`,
	}

	cmd.PersistentFlags().StringVar(&server, "server", defaultServer(), "Base URL of the verification server")

	cmd.AddCommand(healthCmd(&server))
	cmd.AddCommand(verifyCmd(&server))
	cmd.AddCommand(addTextCmd(&server))
	cmd.AddCommand(addFileCmd(&server))
	cmd.AddCommand(listCmd(&server))
	cmd.AddCommand(clearCmd(&server))

	return cmd
}

func healthCmd(server *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check API health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(*server)
			data, err := client.get("/api/health")
			if err != nil {
				printStruct(struct {
					Status  string `json:"status"`
					Message string `json:"message"`
				}{"error", err.Error()})
				return nil
			}
			printJSON(data)
			return nil
		},
	}
}

func verifyCmd(server *string) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <prompt>",
		Short: "Verify prompt compliance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(*server)
			data, err := client.postJSON("/api/verify", map[string]string{"prompt": args[0]})
			if err != nil {
				// An unreachable server is an uncertain verdict, not a crash
				printVerificationResult(verificationResult{Status: "UNCERTAIN"}, err.Error())
				return nil
			}

			var result verificationResult
			if err := json.Unmarshal(data, &result); err != nil {
				return fmt.Errorf("decode result: %w", err)
			}
			printVerificationResult(result, "")
			return nil
		},
	}
}

func addTextCmd(server *string) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "add-text <text>",
		Short: "Add policy text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(*server)
			payload := map[string]string{"policy_text": args[0]}
			if name != "" {
				payload["policy_name"] = name
			}
			data, err := client.postJSON("/api/policies/add-text", payload)
			if err != nil {
				printFailure(err)
				return nil
			}
			printJSON(data)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Policy name")
	return cmd
}

func addFileCmd(server *string) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "add-file <path>",
		Short: "Add policy file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err != nil {
				printStruct(opResponse{Success: false, Message: fmt.Sprintf("File not found: %s", args[0])})
				return nil
			}
			client := newAPIClient(*server)
			data, err := client.postFile("/api/policies/add-file", args[0], name)
			if err != nil {
				printFailure(err)
				return nil
			}
			printJSON(data)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Policy name")
	return cmd
}

func listCmd(server *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(*server)
			data, err := client.get("/api/policies/list")
			if err != nil {
				printFailure(err)
				return nil
			}
			printStruct(struct {
				Success  bool            `json:"success"`
				Policies json.RawMessage `json:"policies"`
			}{true, data})
			return nil
		},
	}
}

func clearCmd(server *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Clear all policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(*server)
			data, err := client.delete("/api/policies/clear")
			if err != nil {
				printFailure(err)
				return nil
			}
			printJSON(data)
			return nil
		},
	}
}

type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: baseURL,
		// Verification waits on a model round trip, so give it room
		http: &http.Client{Timeout: 180 * time.Second},
	}
}

// opResponse mirrors the API's success/message body
type opResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type verificationResult struct {
	Status           string   `json:"status"`
	ComplianceScore  float64  `json:"compliance_score"`
	Issues           []issue  `json:"issues"`
	RelevantPolicies []string `json:"relevant_policies"`
}

type issue struct {
	PolicyText  string  `json:"policy_text"`
	PromptText  string  `json:"prompt_text"`
	Severity    float64 `json:"severity"`
	Explanation string  `json:"explanation"`
}

func (c *apiClient) get(path string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *apiClient) delete(path string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *apiClient) postJSON(path string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *apiClient) postFile(path, filePath, name string) ([]byte, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return nil, err
	}
	if name != "" {
		if err := w.WriteField("policy_name", name); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.do(req)
}

// do sends the request and returns the raw body; any non-2xx status is an
// error carrying the server's message.
func (c *apiClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var op opResponse
		if err := json.Unmarshal(body, &op); err == nil && op.Message != "" {
			return nil, fmt.Errorf("%d: %s", resp.StatusCode, op.Message)
		}
		return nil, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return body, nil
}

func printFailure(err error) {
	printStruct(opResponse{Success: false, Message: err.Error()})
}

func printVerificationResult(result verificationResult, errMsg string) {
	fmt.Println("\n=== Compliance Verification Result ===")
	fmt.Printf("Status: %s\n", result.Status)
	fmt.Printf("Compliance Score: %.1f/10.0\n", result.ComplianceScore)

	if errMsg != "" {
		fmt.Printf("\nError: %s\n", errMsg)
	}

	if len(result.Issues) > 0 {
		fmt.Printf("\nIssues Found (%d):\n", len(result.Issues))
		for i, iss := range result.Issues {
			fmt.Printf("\n  Issue %d:\n", i+1)
			fmt.Printf("  Severity: %.1f/10.0\n", iss.Severity)
			fmt.Printf("  Explanation: %s\n", iss.Explanation)
			fmt.Printf("  Policy Text: %s\n", iss.PolicyText)
			fmt.Printf("  Prompt Text: %s\n", iss.PromptText)
		}
	} else {
		fmt.Println("\nNo issues found.")
	}

	if len(result.RelevantPolicies) > 0 {
		fmt.Printf("\nRelevant Policies (%d):\n", len(result.RelevantPolicies))
		for i, policy := range result.RelevantPolicies {
			fmt.Printf("  %d. %s\n", i+1, policy)
		}
	}

	fmt.Println("\n=====================================")
}

func printStruct(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}

func printJSON(data []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(buf.String())
}
