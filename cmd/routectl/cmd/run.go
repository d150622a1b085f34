package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Manage delay-monitoring runs",
	Long:  `Start delay-monitoring runs, inspect their status, and cancel them.`,
}

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start [shipment-id] [customer-id] [origin] [destination]",
	Short: "Start a delay-monitoring run for a shipment",
	Long: `Start a delay-monitoring run. Origin and destination are "lat,lon" pairs.

Example:
  routectl run start sh_123 cust_42 "52.5200,13.4050" "48.1351,11.5820" \
    --eta 2026-09-01T16:00:00Z --threshold 30`,
	Args: cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		etaRaw, _ := cmd.Flags().GetString("eta")
		threshold, _ := cmd.Flags().GetInt("threshold")
		runID, _ := cmd.Flags().GetString("run-id")

		eta, err := time.Parse(time.RFC3339, etaRaw)
		if err != nil {
			return fmt.Errorf("invalid --eta, want RFC3339: %w", err)
		}

		payload, err := json.Marshal(map[string]any{
			"run_id":                  runID,
			"shipment_id":             args[0],
			"customer_id":             args[1],
			"origin_coord":            args[2],
			"dest_coord":              args[3],
			"estimated_delivery":      eta,
			"delay_threshold_minutes": threshold,
		})
		if err != nil {
			return err
		}

		var resp struct {
			RunID string `json:"run_id"`
			State string `json:"state"`
			Error string `json:"error"`
		}
		status, err := doRequest(http.MethodPost, "/v1/runs", bytes.NewReader(payload), &resp)
		if err != nil {
			return err
		}
		if status == http.StatusConflict {
			fmt.Printf("Run already exists: %s (state: %s)\n", resp.RunID, resp.State)
			return nil
		}
		if status != http.StatusCreated {
			return fmt.Errorf("start rejected (%d): %s", status, resp.Error)
		}

		if outputJSON {
			printOutput(resp)
		} else {
			fmt.Printf("Started run: %s\n", resp.RunID)
			fmt.Printf("  State: %s\n", resp.State)
		}
		return nil
	},
}

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show the current state of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, status, err := fetchStatus(args[0])
		if err != nil {
			return err
		}
		if status == http.StatusNotFound {
			return fmt.Errorf("run %s not found", args[0])
		}
		if status != http.StatusOK {
			return fmt.Errorf("status request failed (%d)", status)
		}

		if outputJSON {
			printOutput(st)
			return nil
		}
		printStatus(st)
		return nil
	},
}

// awaitCmd represents the await command
var awaitCmd = &cobra.Command{
	Use:   "await [run-id]",
	Short: "Wait until a run reaches a terminal state",
	Long: `Poll the orchestrator until the run reaches idle, done, failed, or
cancelled, then print the final status.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetDuration("for")
		interval, _ := cmd.Flags().GetDuration("poll-interval")

		deadline := time.Now().Add(wait)
		for {
			st, status, err := fetchStatus(args[0])
			if err != nil {
				return err
			}
			if status == http.StatusNotFound {
				return fmt.Errorf("run %s not found", args[0])
			}
			if isTerminal(st.State) {
				if outputJSON {
					printOutput(st)
				} else {
					printStatus(st)
				}
				return nil
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("run %s still %s after %s", args[0], st.State, wait)
			}
			time.Sleep(interval)
		}
	},
}

// cancelCmd represents the cancel command
var cancelCmd = &cobra.Command{
	Use:   "cancel [run-id]",
	Short: "Request cancellation of a run",
	Long: `Request cancellation. The run stops at its next suspension point; an
activity already dispatched may still complete.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			RunID  string `json:"run_id"`
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		status, err := doRequest(http.MethodPost, "/v1/runs/"+args[0]+"/cancel", nil, &resp)
		if err != nil {
			return err
		}
		if status == http.StatusNotFound {
			return fmt.Errorf("run %s not found", args[0])
		}
		if status != http.StatusAccepted {
			return fmt.Errorf("cancel rejected (%d): %s", status, resp.Error)
		}

		if outputJSON {
			printOutput(resp)
		} else {
			fmt.Printf("Cancellation requested for run: %s\n", resp.RunID)
		}
		return nil
	},
}

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")

		path := "/v1/runs"
		if state != "" {
			path += "?state=" + state
		}
		var resp struct {
			Runs []struct {
				ID    string `json:"id"`
				State string `json:"state"`
				Input struct {
					ShipmentID string `json:"shipment_id"`
					CustomerID string `json:"customer_id"`
				} `json:"input"`
				CreatedAt time.Time `json:"created_at"`
			} `json:"runs"`
		}
		status, err := doRequest(http.MethodGet, path, nil, &resp)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("list request failed (%d)", status)
		}

		if outputJSON {
			printOutput(resp)
			return nil
		}
		if len(resp.Runs) == 0 {
			fmt.Println("No runs found")
			return nil
		}
		for _, r := range resp.Runs {
			fmt.Printf("%s  %-16s  shipment=%s customer=%s created=%s\n",
				r.ID, r.State, r.Input.ShipmentID, r.Input.CustomerID, r.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

type runStatus struct {
	RunID        string `json:"run_id"`
	State        string `json:"state"`
	Notification *struct {
		Message string     `json:"message"`
		Sent    bool       `json:"sent"`
		SentAt  *time.Time `json:"sent_at"`
		NewETA  time.Time  `json:"new_eta"`
	} `json:"notification"`
	Failure *struct {
		Activity string `json:"activity"`
		Reason   string `json:"reason"`
	} `json:"failure"`
	LastError string `json:"last_error"`
}

func fetchStatus(runID string) (runStatus, int, error) {
	var st runStatus
	status, err := doRequest(http.MethodGet, "/v1/runs/"+runID, nil, &st)
	return st, status, err
}

func printStatus(st runStatus) {
	fmt.Printf("Run: %s\n", st.RunID)
	fmt.Printf("  State: %s\n", st.State)
	if st.Notification != nil {
		fmt.Printf("  Notification sent: %v\n", st.Notification.Sent)
		if st.Notification.Sent {
			fmt.Printf("  New ETA: %s\n", st.Notification.NewETA.Format(time.RFC3339))
		}
	}
	if st.Failure != nil {
		fmt.Printf("  Failure: %s (%s)\n", st.Failure.Reason, st.Failure.Activity)
	}
	if st.LastError != "" {
		fmt.Printf("  Last error: %s\n", st.LastError)
	}
}

func isTerminal(state string) bool {
	switch state {
	case "idle", "done", "failed", "cancelled":
		return true
	}
	return false
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.AddCommand(startCmd)
	runCmd.AddCommand(statusCmd)
	runCmd.AddCommand(awaitCmd)
	runCmd.AddCommand(cancelCmd)
	runCmd.AddCommand(listCmd)

	// Flags for start
	startCmd.Flags().String("eta", "", "estimated delivery time (RFC3339)")
	startCmd.Flags().Int("threshold", 30, "delay threshold in minutes")
	startCmd.Flags().String("run-id", "", "explicit run ID for idempotent starts")
	_ = startCmd.MarkFlagRequired("eta")

	// Flags for await
	awaitCmd.Flags().Duration("for", 5*time.Minute, "maximum time to wait")
	awaitCmd.Flags().Duration("poll-interval", 2*time.Second, "poll interval")

	// Flags for list
	listCmd.Flags().String("state", "", "comma-separated state filter (e.g. awaiting_traffic,done)")
}
