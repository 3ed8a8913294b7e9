package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sessionhub/sessionhub/internal/config"
)

var statusDir string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running supervisor",
	Long:  `Query the state endpoint of a running supervisor and print the result.`,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusDir, "directory", "", "Working directory")
}

func runStatus(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(statusDir)
	if err != nil {
		return err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Get(fmt.Sprintf("http://%s/state", cfg.Listen))
	if err != nil {
		return fmt.Errorf("supervisor unreachable at %s: %w", cfg.Listen, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("state query failed: %s", resp.Status)
	}

	var state map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(state)
}
