// Command agreementctl is a thin HTTP client for agreementd's admin API:
// list, inspect, and enable/disable agreements from the command line.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	var baseURL string

	root := &cobra.Command{
		Use:   "agreementctl",
		Short: "Inspect and control replication agreements via the admin API",
	}
	root.PersistentFlags().StringVar(&baseURL, "addr", "http://localhost:8080", "agreementd admin API base URL")

	root.AddCommand(
		newListCmd(&baseURL),
		newGetCmd(&baseURL),
		newEnableCmd(&baseURL),
		newDisableCmd(&baseURL),
		newReplicateNowCmd(&baseURL),
		newHealthCmd(&baseURL),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func newListCmd(baseURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all agreements",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint(*baseURL + "/agreements")
		},
	}
}

func newGetCmd(baseURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <dn>",
		Short: "Show one agreement's full status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint(*baseURL + "/agreements/" + args[0])
		},
	}
}

func newEnableCmd(baseURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "enable <dn>",
		Short: "Enable an agreement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postAndPrint(*baseURL + "/agreements/" + args[0] + "/enable")
		},
	}
}

func newDisableCmd(baseURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "disable <dn>",
		Short: "Disable an agreement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postAndPrint(*baseURL + "/agreements/" + args[0] + "/disable")
		},
	}
}

func newReplicateNowCmd(baseURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "replicate-now <dn>",
		Short: "Request an immediate replication session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postAndPrint(*baseURL + "/agreements/" + args[0] + "/replicate-now")
		},
	}
}

func newHealthCmd(baseURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check agreementd's backend health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint(*baseURL + "/healthz")
		},
	}
}

func getAndPrint(url string) error {
	resp, err := httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("agreementctl: request failed: %w", err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func postAndPrint(url string) error {
	resp, err := httpClient.Post(url, "application/json", nil)
	if err != nil {
		return fmt.Errorf("agreementctl: request failed: %w", err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("agreementctl: reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "agreementctl: %s\n", resp.Status)
	}
	var pretty interface{}
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	encoded, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(string(encoded))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("agreementctl: server returned %s", resp.Status)
	}
	return nil
}
