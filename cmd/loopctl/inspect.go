package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/pump-loop/go-controller/internal/logging"
)

var (
	decisionsLast    int
	decisionsOutcome string
	decisionsVerbose bool

	commandsLast int
	commandsKind string
)

var decisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "List recent dosing decisions from the provenance log",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		rows, err := st.ListDecisions(context.Background(), decisionsOutcome, decisionsLast)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Println("(no decisions)")
			return nil
		}
		fmt.Printf("%-20s | %-11s | %-10s | %s\n", "Time", "Trigger", "Outcome", "Reason")
		fmt.Printf("%-20s-+-%-11s-+-%-10s-+-%s\n", "--------------------", "-----------", "----------", "------")
		for _, r := range rows {
			fmt.Printf("%-20s | %-11s | %-10s | %s\n", r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.TriggerType, r.Outcome, r.Reason)
			if !decisionsVerbose || r.RecordJSON == "" {
				continue
			}
			var rec logging.DecisionRecord
			if err := json.Unmarshal([]byte(r.RecordJSON), &rec); err != nil {
				fmt.Printf("    (unreadable record: %v)\n", err)
				continue
			}
			fmt.Printf("    id=%s mode=%s rate=%.2f percent=%d smb=%.2f verdict=%q\n",
				rec.DecisionID, rec.Recommendation.Mode, rec.Rate, rec.Percent, rec.SMB, rec.Verdict)
		}
		return nil
	},
}

var commandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "List recently executed pump commands",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		cmds, err := st.ListCommands(context.Background(), commandsKind, commandsLast)
		if err != nil {
			return err
		}
		if len(cmds) == 0 {
			fmt.Println("(no commands)")
			return nil
		}
		for _, c := range cmds {
			took := ""
			if !c.StartedAt.IsZero() && !c.FinishedAt.IsZero() {
				took = c.FinishedAt.Sub(c.StartedAt).Round(time.Millisecond).String()
			}
			fmt.Printf("#%-5d %-22s %-10s %-8s %8s  %s\n", c.Seq, c.Kind, c.Status, c.Source, took, c.Comment)
		}
		return nil
	},
}

var watchdogCmd = &cobra.Command{
	Use:   "watchdog",
	Short: "Show when the connection watchdog last power-cycled the radio",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		last, err := st.LastBark(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("enabled:      %v\n", cfg.BTWatchdogEnabled)
		fmt.Printf("min interval: %s\n", cfg.Executor().MinWatchdogInterval)
		if last.IsZero() {
			fmt.Println("last bark:    never")
			return nil
		}
		fmt.Printf("last bark:    %s (%s ago)\n", last.Local().Format(time.RFC3339), time.Since(last).Round(time.Second))
		return nil
	},
}

func init() {
	decisionsCmd.Flags().IntVar(&decisionsLast, "last", 20, "number of rows")
	decisionsCmd.Flags().StringVar(&decisionsOutcome, "outcome", "", "filter by outcome (enqueue, no_change, error)")
	decisionsCmd.Flags().BoolVarP(&decisionsVerbose, "verbose", "v", false, "print the decision record under each row")

	commandsCmd.Flags().IntVar(&commandsLast, "last", 20, "number of rows")
	commandsCmd.Flags().StringVar(&commandsKind, "kind", "", "filter by command kind")
}
