// Package strategy defines the closed set of intelligence-level profiles.
//
// A profile fixes the behavior switches a generation run is allowed to
// vary: how hard the builder retries, how speculative the model may be,
// whether missing join conditions are inferred or surfaced, and how
// chatty placeholder annotations are. Numeric thresholds are deliberately
// configurable rather than hard-coded; env overrides use the
// QUERYFORGE_LEVEL_<NAME>_* keys.
package strategy

import (
	"os"
	"strconv"
	"strings"

	"github.com/queryforge/queryforge/pkg/models"
)

// CommentDensity controls how much annotation the assembled SQL carries.
type CommentDensity string

const (
	CommentsMinimal CommentDensity = "minimal"
	CommentsNormal  CommentDensity = "normal"
	CommentsVerbose CommentDensity = "verbose"
)

// Profile is one named strategy variant, selected at request start.
type Profile struct {
	Level models.IntelligenceLevel

	// MaxBuildRetries caps rebuild attempts per build unit after a
	// recoverable validation failure.
	MaxBuildRetries int

	// Temperature passed through to the provider for build prompts.
	Temperature float64

	// InferMissingJoins lets the builder ask the model to propose a join
	// condition when the mapping document omits one. Conservative runs
	// surface a placeholder instead.
	InferMissingJoins bool

	// Comments sets the annotation density of the final artifact.
	Comments CommentDensity
}

// ForLevel returns the profile for a level, defaulting to balanced for
// the zero value.
func ForLevel(level models.IntelligenceLevel) Profile {
	switch level {
	case models.LevelConservative:
		return override(Profile{
			Level:             models.LevelConservative,
			MaxBuildRetries:   2,
			Temperature:       0.0,
			InferMissingJoins: false,
			Comments:          CommentsVerbose,
		})
	case models.LevelAggressive:
		return override(Profile{
			Level:             models.LevelAggressive,
			MaxBuildRetries:   4,
			Temperature:       0.5,
			InferMissingJoins: true,
			Comments:          CommentsMinimal,
		})
	default:
		return override(Profile{
			Level:             models.LevelBalanced,
			MaxBuildRetries:   3,
			Temperature:       0.2,
			InferMissingJoins: true,
			Comments:          CommentsNormal,
		})
	}
}

// override applies env tuning, e.g. QUERYFORGE_LEVEL_BALANCED_RETRIES=5.
func override(p Profile) Profile {
	prefix := "QUERYFORGE_LEVEL_" + strings.ToUpper(string(p.Level)) + "_"
	if v := os.Getenv(prefix + "RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			p.MaxBuildRetries = n
		}
	}
	if v := os.Getenv(prefix + "TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			p.Temperature = f
		}
	}
	return p
}
