package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nutriflow/zapgate/internal/config"
)

// The buffers CLI talks to the running gateway over the admin API. Going
// through HTTP instead of opening the store keeps the file backend's
// single-process constraint intact.

var gatewayURL string

func buffersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "buffers",
		Short: "Inspect and manage live message buffers",
	}

	cmd.PersistentFlags().StringVar(&gatewayURL, "gateway", "", "gateway base URL (default: from config host/port)")

	cmd.AddCommand(buffersListCmd())
	cmd.AddCommand(buffersUnlockCmd())
	cmd.AddCommand(buffersFlushCmd())
	cmd.AddCommand(alertsListCmd())
	cmd.AddCommand(statsCmd())

	return cmd
}

func buffersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live buffers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminGet("/v1/buffers")
		},
	}
}

func buffersUnlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <phone>",
		Short: "Force-release a sender's processing lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminPost("/v1/buffers/" + args[0] + "/unlock")
		},
	}
}

func buffersFlushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush <phone>",
		Short: "Dispatch a sender's buffer immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminPost("/v1/buffers/" + args[0] + "/flush")
		},
	}
}

func alertsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "alerts",
		Short: "List recent operator alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminGet("/v1/alerts")
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show lead/client conversion stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminGet("/v1/stats")
		},
	}
}

func adminGet(path string) error  { return adminDo("GET", path) }
func adminPost(path string) error { return adminDo("POST", path) }

func adminDo(method, path string) error {
	base, token, err := adminTarget()
	if err != nil {
		return err
	}

	req, err := http.NewRequest(method, base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable at %s: %w", base, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	// Pretty-print for the terminal.
	var pretty map[string]interface{}
	if json.Unmarshal(body, &pretty) == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
		return nil
	}
	fmt.Println(string(body))
	return nil
}

func adminTarget() (base, token string, err error) {
	token = os.Getenv("ZAPGATE_ADMIN_TOKEN")
	if token == "" {
		return "", "", fmt.Errorf("ZAPGATE_ADMIN_TOKEN environment variable is not set")
	}

	if gatewayURL != "" {
		return strings.TrimRight(gatewayURL, "/"), token, nil
	}

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return "", "", fmt.Errorf("load config: %w", err)
	}
	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Gateway.Port), token, nil
}
