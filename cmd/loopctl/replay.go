package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/pump-loop/go-controller/internal/logging"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/replay"
)

var (
	replayFixture string
	replayLast    int
)

// errDiverged makes the process exit non-zero when replay disagrees with
// the reference. The table already says why, so main does not print it.
var errDiverged = errors.New("replay diverged")

// #region command

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-run recorded decisions through the dosing engine and compare",
	Long: `With --fixture, replays a fixture file and compares every step against its
expected action. Without it, re-decides the most recent provenance rows from
the database using each row's own inputs and settings.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayFixture != "" {
			return runFixtureMode(replayFixture)
		}
		return runDBMode(replayLast)
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayFixture, "fixture", "", "path to fixture JSON (fixture mode)")
	replayCmd.Flags().IntVar(&replayLast, "last", 50, "number of recent provenance rows (DB mode)")
}

// #endregion command

// #region db-mode

func runDBMode(last int) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	rows, err := st.ListDecisions(context.Background(), "", last)
	if err != nil {
		return err
	}

	var results []replay.ReplayResult
	var expected []string
	// rows come newest first; replay oldest first
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		if r.RecordJSON == "" {
			continue
		}
		var rec logging.DecisionRecord
		if err := json.Unmarshal([]byte(r.RecordJSON), &rec); err != nil {
			return fmt.Errorf("decision %s: parse record: %w", r.DecisionID, err)
		}
		results = append(results, replay.ReplayRecord(rec))
		expected = append(expected, r.Outcome)
	}
	if len(results) == 0 {
		return errors.New("no decision records found in provenance_log")
	}
	return printComparison(results, expected)
}

// #endregion db-mode

// #region fixture-mode

func runFixtureMode(path string) error {
	f, err := replay.LoadFixture(path)
	if err != nil {
		return err
	}
	results := replay.Replay(f.StartDevice, f.ToSteps(), f.Config.ToDosingConfig())

	expected := make([]string, len(f.ExpectedResults))
	for i, e := range f.ExpectedResults {
		expected[i] = e.Action
	}
	if err := printComparison(results, expected); err != nil {
		return err
	}

	s := replay.Summarize(results, f.StartDevice)
	fmt.Printf("Decisions: %d enqueue, %d no_change, %d error\n", s.Enqueued, s.NoChange, s.Errors)
	return nil
}

// #endregion fixture-mode

// #region output

// printComparison outputs a comparison table and returns errDiverged when
// any step disagrees.
func printComparison(results []replay.ReplayResult, expected []string) error {
	fmt.Printf("%-38s| %-10s| %-10s| %s\n", "Step", "Expected", "Replayed", "Match")
	fmt.Printf("%-38s+%-11s+%-11s+%s\n", "--------------------------------------", "-----------", "-----------", "------")

	total := len(results)
	if len(expected) < total {
		total = len(expected)
	}
	matches := 0
	for i := 0; i < total; i++ {
		exp, got := expected[i], results[i].Action
		match := "DIFF"
		if exp == got {
			match = "OK"
			matches++
		}
		fmt.Printf("%-38s| %-10s| %-10s| %s\n", results[i].StepID, exp, got, match)
		if match == "DIFF" {
			fmt.Printf("    reason: %s\n", results[i].Reason)
		}
	}

	diverge := total - matches
	fmt.Printf("\nSummary: %d total, %d match, %d diverge\n", total, matches, diverge)
	if diverge > 0 {
		return errDiverged
	}
	return nil
}

// #endregion output
