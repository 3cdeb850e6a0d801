// Package tracking records training runs: scalar metrics per step and the
// sample artifacts rendered during validation. Runs live in an embedded
// SQLite database and can be browsed over HTTP.
package tracking

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-sigdiffusion/config"
)

var ErrRunNotFound = errors.New("run not found")

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type Run struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	OutputDir  string    `json:"output_dir"`
	Config     string    `json:"config,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

type Metric struct {
	Step  int     `json:"step"`
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

type Artifact struct {
	ID       int64     `json:"id"`
	Step     int       `json:"step"`
	Kind     string    `json:"kind"`
	Path     string    `json:"path"`
	LoggedAt time.Time `json:"logged_at"`
}

// Tracker receives the metrics and artifacts of one run.
type Tracker interface {
	LogMetrics(step int, values map[string]float64) error
	LogArtifact(step int, kind, path string) error
	// Finish closes the run; a non-nil err marks it failed.
	Finish(err error) error
}

// Nop discards everything.
type Nop struct{}

// The Nop methods accept everything and return nil.
func (Nop) LogMetrics(int, map[string]float64) error { return nil }
func (Nop) LogArtifact(int, string, string) error    { return nil }
func (Nop) Finish(error) error                       { return nil }

// Open returns the store selected by cfg.Tracker.Kind, falling back to
// logger_type when the kind is unset. A nil store means tracking is off.
func Open(cfg *config.Config, logger zerolog.Logger) (*Store, error) {
	kind := cfg.Tracker.Kind
	if kind == "" {
		kind = cfg.LoggerType
	}
	switch kind {
	case "", "none":
		return nil, nil
	case "sqlite":
		path := cfg.Tracker.Path
		if path == "" {
			path = "tracking.db"
		}
		return OpenStore(path, logger)
	default:
		return nil, fmt.Errorf("%w: unknown tracker kind %q", config.ErrConfig, kind)
	}
}
