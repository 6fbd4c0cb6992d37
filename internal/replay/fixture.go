package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/danielpatrickdp/pump-loop/go-controller/internal/dosing"
	"github.com/danielpatrickdp/pump-loop/go-controller/internal/pump"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description     string                  `json:"description"`
	Config          FixtureConfig           `json:"config"`
	StartDevice     pump.DeviceState        `json:"start_device"`
	Steps           []FixtureStep           `json:"steps"`
	ExpectedResults []FixtureExpectedResult `json:"expected_results"`
}

// FixtureConfig mirrors dosing.Config with JSON tags.
type FixtureConfig struct {
	ClosedLoop                bool    `json:"closed_loop"`
	MinChangeFraction         float64 `json:"min_change_fraction"`
	MaxBasal                  float64 `json:"max_basal"`
	MaxBolus                  float64 `json:"max_bolus"`
	MaxCurrentBasalMultiplier float64 `json:"max_current_basal_multiplier"`
}

// FixtureStep is one algorithm run.
type FixtureStep struct {
	StepID         string                `json:"step_id"`
	At             time.Time             `json:"at"`
	ProfileBasal   float64               `json:"profile_basal"`
	Recommendation dosing.Recommendation `json:"recommendation"`
}

// FixtureExpectedResult captures the expected action per step.
type FixtureExpectedResult struct {
	StepID string `json:"step_id"`
	Action string `json:"action"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

func (fs *FixtureStep) ToStep() Step {
	return Step{
		StepID:         fs.StepID,
		At:             fs.At,
		ProfileBasal:   fs.ProfileBasal,
		Recommendation: fs.Recommendation,
	}
}

// ToSteps converts all fixture steps.
func (f *Fixture) ToSteps() []Step {
	steps := make([]Step, len(f.Steps))
	for i := range f.Steps {
		steps[i] = f.Steps[i].ToStep()
	}
	return steps
}

func (fc *FixtureConfig) ToDosingConfig() dosing.Config {
	return dosing.Config{
		ClosedLoop:                fc.ClosedLoop,
		MinChangeFraction:         fc.MinChangeFraction,
		MaxBasal:                  fc.MaxBasal,
		MaxBolus:                  fc.MaxBolus,
		MaxCurrentBasalMultiplier: fc.MaxCurrentBasalMultiplier,
	}
}

// #endregion fixture-loader
