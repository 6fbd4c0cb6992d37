package dosing

import (
	"math"
	"time"

	"github.com/danielpatrickdp/pump-loop/go-controller/internal/pump"
)

// Profile is the active basal profile.
type Profile interface {
	BasalAt(t time.Time) float64
}

// ProfileSource returns the active profile, or false when none is set.
type ProfileSource interface {
	Profile() (Profile, bool)
}

// FlatProfile is a profile with a single basal rate all day.
type FlatProfile float64

func (p FlatProfile) BasalAt(time.Time) float64 { return float64(p) }

// StaticSource always returns the same profile. A nil Profile means none.
type StaticSource struct {
	P Profile
}

func (s StaticSource) Profile() (Profile, bool) {
	return s.P, s.P != nil
}

// ConvertToPercent expresses an active temp as a percentage of the profile
// basal at now, rounded to the nearest integer.
func ConvertToPercent(t pump.ActiveTemp, p Profile, now time.Time) int {
	if t.Mode == pump.TempPercent {
		return t.Percent
	}
	basal := p.BasalAt(now)
	if basal <= 0 {
		return 0
	}
	return int(math.Round(t.Rate / basal * 100))
}

// ConvertToAbsolute expresses an active temp in U/h using the profile basal
// at now.
func ConvertToAbsolute(t pump.ActiveTemp, p Profile, now time.Time) float64 {
	if t.Mode == pump.TempAbsolute {
		return t.Rate
	}
	return p.BasalAt(now) * float64(t.Percent) / 100
}
