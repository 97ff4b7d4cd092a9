package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service status",
	Long:  `Display current service status including traffic rates, active alerts and open incidents.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().String("api-url", "http://localhost:8090", "API server URL")
	statusCmd.Flags().Bool("json", false, "Raw JSON output")
}

func runStatus(cmd *cobra.Command, args []string) error {
	apiURL, _ := cmd.Flags().GetString("api-url")
	rawJSON, _ := cmd.Flags().GetBool("json")

	health, err := fetch(apiURL + "/api/v1/health")
	if err != nil {
		return fmt.Errorf("failed to fetch health: %w", err)
	}
	dashboard, err := fetch(apiURL + "/api/v1/dashboard")
	if err != nil {
		return fmt.Errorf("failed to fetch dashboard: %w", err)
	}

	if rawJSON {
		out, err := json.MarshalIndent(map[string]any{
			"health":    health,
			"dashboard": dashboard,
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Println("Sentinel Status")
	fmt.Println("===============")
	fmt.Printf("Status:           %v\n", health["status"])
	if uptime, ok := health["uptime_seconds"].(float64); ok {
		since := time.Now().Add(-time.Duration(uptime * float64(time.Second)))
		fmt.Printf("Uptime:           %s\n", humanize.Time(since))
	}
	fmt.Printf("Goroutines:       %v\n", health["goroutines"])
	if pct, ok := health["memory_percent"].(float64); ok {
		fmt.Printf("Memory:           %.1f%%\n", pct)
	}
	fmt.Println()
	fmt.Printf("Endpoints:        %v\n", dashboard["endpoints"])
	if rate, ok := dashboard["total_rate"].(float64); ok {
		fmt.Printf("Request rate:     %s req/s\n", humanize.FtoaWithDigits(rate, 1))
	}
	if samples, ok := dashboard["total_samples"].(float64); ok {
		fmt.Printf("Samples:          %s\n", humanize.Comma(int64(samples)))
	}
	fmt.Printf("Errors:           %v\n", dashboard["total_errors"])
	fmt.Printf("Active alerts:    %v\n", dashboard["active_alerts"])
	fmt.Printf("Open incidents:   %v\n", dashboard["active_incidents"])
	fmt.Printf("Blacklisted IPs:  %v\n", dashboard["blacklisted_ips"])

	return nil
}

// fetch unwraps the API's JSON envelope and returns the data object.
func fetch(url string) (map[string]any, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var envelope struct {
		Success bool           `json:"success"`
		Data    map[string]any `json:"data"`
		Error   string         `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, err
	}
	if !envelope.Success {
		return nil, fmt.Errorf("API error: %s", envelope.Error)
	}

	return envelope.Data, nil
}
