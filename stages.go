package progcache

import (
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"
)

// NeighborFill names a relative neighbor that may be filled from this stage's
// deliveries while its own quality is below QualityFloor.
type NeighborFill struct {
	Offset       int     `mapstructure:"offset" yaml:"offset" validate:"ne=0"`
	QualityFloor Quality `mapstructure:"quality_floor" yaml:"quality_floor" validate:"gt=0"`
}

// Stage is one pass of a retrieval plan.
//
// Selection: when Positions is set it lists index positions: integers >= 0 are
// absolute, negative integers count from the end (-1 is the last asset) and
// values in (0,1) are a fraction of the list length. Otherwise every
// Decimate-th asset starting at Offset is selected (Decimate 0 means 1).
type Stage struct {
	ID           string         `mapstructure:"id" yaml:"id" validate:"required"`
	Positions    []float64      `mapstructure:"positions" yaml:"positions,omitempty"`
	Decimate     int            `mapstructure:"decimate" yaml:"decimate,omitempty" validate:"gte=0"`
	Offset       int            `mapstructure:"offset" yaml:"offset,omitempty" validate:"gte=0"`
	RetrieveKind string         `mapstructure:"retrieve_kind" yaml:"retrieve_kind" validate:"required"`
	Class        Class          `mapstructure:"class" yaml:"class"`
	Priority     int            `mapstructure:"priority" yaml:"priority"`
	NeighborFill []NeighborFill `mapstructure:"neighbor_fill" yaml:"neighbor_fill,omitempty" validate:"dive"`
}

// Select expands the stage's selection rule against n assets. Out-of-range
// positions are skipped and each index appears at most once, in rule order.
func (s Stage) Select(n int) []int {
	if n <= 0 {
		return nil
	}
	var out []int
	seen := make(map[int]struct{})
	add := func(i int) {
		if i < 0 || i >= n {
			return
		}
		if _, dup := seen[i]; dup {
			return
		}
		seen[i] = struct{}{}
		out = append(out, i)
	}

	if len(s.Positions) > 0 {
		for _, p := range s.Positions {
			switch {
			case p < 0:
				add(n + int(p))
			case p < 1:
				add(int(math.Floor(p * float64(n))))
			default:
				add(int(p))
			}
		}
		return out
	}

	step := s.Decimate
	if step <= 0 {
		step = 1
	}
	for i := s.Offset; i < n; i += step {
		add(i)
	}
	return out
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateStages checks a stage list before it is planned.
func ValidateStages(stages []Stage) error {
	if len(stages) == 0 {
		return invalidConfig("at least one stage is required")
	}
	ids := make(map[string]struct{}, len(stages))
	for i, s := range stages {
		if err := validate.Struct(s); err != nil {
			return invalidConfig("stage %d (%q): %s", i, s.ID, validationMessage(err))
		}
		if _, dup := ids[s.ID]; dup {
			return invalidConfig("duplicate stage id %q", s.ID)
		}
		ids[s.ID] = struct{}{}
		for _, p := range s.Positions {
			if math.IsNaN(p) || math.IsInf(p, 0) {
				return invalidConfig("stage %q: position %v is not finite", s.ID, p)
			}
			if (p < 0 || p >= 1) && p != math.Trunc(p) {
				return invalidConfig("stage %q: position %v must be an integer or a fraction in [0,1)", s.ID, p)
			}
		}
	}
	return nil
}

func validationMessage(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

// Retrieve kinds understood by the built-in presets and the source loader.
const (
	RetrieveFinal     = "final"
	RetrieveLossy     = "lossy"
	RetrieveThumbnail = "thumbnail"
)

// SinglePass fetches every asset once at full quality.
func SinglePass() []Stage {
	return []Stage{
		{ID: "final", RetrieveKind: RetrieveFinal, Class: ClassInteraction, Priority: 5},
	}
}

// Sequential fetches a lossy version of every asset, then the final one.
func Sequential() []Stage {
	return []Stage{
		{ID: "lossy", RetrieveKind: RetrieveLossy, Class: ClassInteraction, Priority: 5},
		{ID: "final", RetrieveKind: RetrieveFinal, Class: ClassInteraction, Priority: 6},
	}
}

// Interleaved front-loads the middle, first and last assets at full quality,
// then sparse thumbnails (filling their neighbors with replicated data), then
// the remaining full-resolution passes.
func Interleaved() []Stage {
	thumbFill := []NeighborFill{
		{Offset: -1, QualityFloor: QualityAdjacentReplicate},
		{Offset: 1, QualityFloor: QualityAdjacentReplicate},
		{Offset: 2, QualityFloor: QualityFarReplicate},
	}
	return []Stage{
		{ID: "initialImages", Positions: []float64{0.5, 0, -1}, RetrieveKind: RetrieveFinal, Class: ClassInteraction, Priority: 1},
		{ID: "quarterThumb", Decimate: 4, Offset: 3, RetrieveKind: RetrieveThumbnail, Class: ClassInteraction, Priority: 2, NeighborFill: thumbFill},
		{ID: "halfThumb", Decimate: 4, Offset: 1, RetrieveKind: RetrieveThumbnail, Class: ClassInteraction, Priority: 3, NeighborFill: thumbFill[:2]},
		{ID: "quarterFull", Decimate: 4, Offset: 2, RetrieveKind: RetrieveFinal, Class: ClassInteraction, Priority: 4},
		{ID: "halfFull", Decimate: 4, Offset: 0, RetrieveKind: RetrieveFinal, Class: ClassInteraction, Priority: 5},
		{ID: "threeQuarterFull", Decimate: 4, Offset: 1, RetrieveKind: RetrieveFinal, Class: ClassInteraction, Priority: 6},
		{ID: "finalFull", Decimate: 4, Offset: 3, RetrieveKind: RetrieveFinal, Class: ClassInteraction, Priority: 7},
	}
}

// Preset returns a built-in stage list by name: "single", "sequential" or "interleaved".
func Preset(name string) ([]Stage, error) {
	switch strings.ToLower(name) {
	case "", "single", "singlepass":
		return SinglePass(), nil
	case "sequential":
		return Sequential(), nil
	case "interleaved":
		return Interleaved(), nil
	}
	return nil, invalidConfig("unknown stage preset %q", name)
}
