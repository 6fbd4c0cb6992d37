package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/pump-loop/go-controller/internal/logging"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/replay"
)

var (
	exportLast int
	exportOut  string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export recent decisions as a replay fixture",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportOut == "" {
			return errors.New("--out is required")
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		rows, err := st.ListDecisions(context.Background(), "", exportLast)
		if err != nil {
			return err
		}

		var records []logging.DecisionRecord
		var outcomes []string
		for i := len(rows) - 1; i >= 0; i-- {
			if rows[i].RecordJSON == "" {
				continue
			}
			var rec logging.DecisionRecord
			if err := json.Unmarshal([]byte(rows[i].RecordJSON), &rec); err != nil {
				return fmt.Errorf("decision %s: parse record: %w", rows[i].DecisionID, err)
			}
			records = append(records, rec)
			outcomes = append(outcomes, rows[i].Outcome)
		}
		if len(records) == 0 {
			return errors.New("no decision records found in provenance_log")
		}

		f := buildFixture(records, outcomes)
		data, err := json.MarshalIndent(f, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal fixture: %w", err)
		}
		if err := os.WriteFile(exportOut, append(data, '\n'), 0644); err != nil {
			return fmt.Errorf("write fixture: %w", err)
		}
		fmt.Printf("Exported %d steps to %s\n", len(f.Steps), exportOut)
		return nil
	},
}

func init() {
	exportCmd.Flags().IntVar(&exportLast, "last", 20, "number of most recent decisions to export")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output fixture JSON path")
}

// buildFixture starts from the oldest record's device and settings. The
// replayed device then evolves from the simulated commands.
func buildFixture(records []logging.DecisionRecord, outcomes []string) replay.Fixture {
	first := records[0]
	t := first.Thresholds
	f := replay.Fixture{
		Description: fmt.Sprintf("Exported %d decisions from %s", len(records), first.DecidedAt.UTC().Format("2006-01-02 15:04")),
		Config: replay.FixtureConfig{
			ClosedLoop:                t.ClosedLoop,
			MinChangeFraction:         t.MinChangeFraction,
			MaxBasal:                  t.MaxBasal,
			MaxBolus:                  t.MaxBolus,
			MaxCurrentBasalMultiplier: t.MaxCurrentBasalMultiplier,
		},
		StartDevice: first.Device,
	}
	for i, r := range records {
		f.Steps = append(f.Steps, replay.FixtureStep{
			StepID:         r.DecisionID,
			At:             r.DecidedAt,
			ProfileBasal:   r.ProfileBasal,
			Recommendation: r.Recommendation,
		})
		f.ExpectedResults = append(f.ExpectedResults, replay.FixtureExpectedResult{
			StepID: r.DecisionID,
			Action: outcomes[i],
		})
	}
	return f
}
