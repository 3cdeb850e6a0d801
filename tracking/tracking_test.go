package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tsawler/go-sigdiffusion/config"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "runs", "tracking.db"), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreRun(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	run, err := s.StartRun(ctx, "train_2026-10-19T10-00-00", "/out/train", "seed: 1\n")
	if err != nil {
		t.Fatal(err)
	}
	if err := run.LogMetrics(1, map[string]float64{"train_loss": 0.5, "lr": 1e-5}); err != nil {
		t.Fatal(err)
	}
	if err := run.LogMetrics(2, map[string]float64{"train_loss": 0.25}); err != nil {
		t.Fatal(err)
	}
	if err := run.LogArtifact(2, "gif", "/out/train/samples/2_0.gif"); err != nil {
		t.Fatal(err)
	}

	got, err := s.Run(ctx, run.ID())
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusRunning || got.Config != "seed: 1\n" || got.StartedAt.IsZero() {
		t.Errorf("run = %+v", got)
	}

	loss, err := s.Metrics(ctx, run.ID(), "train_loss")
	if err != nil {
		t.Fatal(err)
	}
	if len(loss) != 2 || loss[0].Step != 1 || loss[1].Value != 0.25 {
		t.Errorf("train_loss = %+v", loss)
	}
	names, _ := s.MetricNames(ctx, run.ID())
	if len(names) != 2 || names[0] != "lr" {
		t.Errorf("names = %v", names)
	}
	arts, _ := s.Artifacts(ctx, run.ID())
	if len(arts) != 1 || arts[0].Kind != "gif" {
		t.Errorf("artifacts = %+v", arts)
	}

	if err := run.Finish(errors.New("nan loss")); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Run(ctx, run.ID())
	if got.Status != StatusFailed || got.Error != "nan loss" || got.FinishedAt.IsZero() {
		t.Errorf("finished run = %+v", got)
	}

	if _, err := s.Run(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected ErrRunNotFound, got %v", err)
	}
}

func TestReopenMarksInterrupted(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tracking.db")

	s, err := OpenStore(path, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	run, err := s.StartRun(ctx, "a", "", "")
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = OpenStore(path, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, err := s.Run(ctx, run.ID())
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed || got.Error != "interrupted" {
		t.Errorf("reopened run = %+v", got)
	}
}

func TestOpen(t *testing.T) {
	cfg := config.Default()
	cfg.Tracker = config.TrackerConfig{Kind: "none"}
	s, err := Open(cfg, zerolog.Nop())
	if err != nil || s != nil {
		t.Errorf("none: store %v err %v", s, err)
	}

	cfg.Tracker = config.TrackerConfig{Kind: "sqlite", Path: filepath.Join(t.TempDir(), "t.db")}
	s, err = Open(cfg, zerolog.Nop())
	if err != nil || s == nil {
		t.Fatalf("sqlite: store %v err %v", s, err)
	}
	s.Close()

	cfg.Tracker = config.TrackerConfig{Kind: "wandb"}
	if _, err := Open(cfg, zerolog.Nop()); !errors.Is(err, config.ErrConfig) {
		t.Errorf("Expected ErrConfig, got %v", err)
	}
}

func TestRouter(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	run, err := s.StartRun(ctx, "run", "", "")
	if err != nil {
		t.Fatal(err)
	}
	run.LogMetrics(10, map[string]float64{"train_loss": 0.125})
	sample := filepath.Join(t.TempDir(), "10_0.gif")
	if err := os.WriteFile(sample, []byte("GIF89a"), 0644); err != nil {
		t.Fatal(err)
	}
	run.LogArtifact(10, "gif", sample)

	router := NewRouter(s, zerolog.Nop())
	get := func(path string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		return rr
	}

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"Health", "/health", http.StatusOK},
		{"Runs", "/runs", http.StatusOK},
		{"Run", "/runs/" + run.ID(), http.StatusOK},
		{"MissingRun", "/runs/nope", http.StatusNotFound},
		{"Metrics", "/runs/" + run.ID() + "/metrics?name=train_loss", http.StatusOK},
		{"Artifacts", "/runs/" + run.ID() + "/artifacts", http.StatusOK},
		{"BadArtifactID", "/runs/" + run.ID() + "/artifacts/x", http.StatusBadRequest},
		{"MissingArtifact", "/runs/" + run.ID() + "/artifacts/99", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := get(tt.path)
			if rr.Code != tt.status {
				t.Errorf("GET %s = %d, want %d", tt.path, rr.Code, tt.status)
			}
			if rr.Header().Get("X-Request-ID") == "" {
				t.Error("missing request id header")
			}
		})
	}

	var points []Metric
	if err := json.NewDecoder(get("/runs/" + run.ID() + "/metrics").Body).Decode(&points); err != nil {
		t.Fatal(err)
	}
	if len(points) != 1 || points[0].Value != 0.125 {
		t.Errorf("points = %+v", points)
	}

	var arts []Artifact
	json.NewDecoder(get("/runs/" + run.ID() + "/artifacts").Body).Decode(&arts)
	if len(arts) != 1 {
		t.Fatalf("artifacts = %+v", arts)
	}
	rr := get("/runs/" + run.ID() + "/artifacts/" + strconv.FormatInt(arts[0].ID, 10))
	if rr.Code != http.StatusOK || rr.Body.String() != "GIF89a" {
		t.Errorf("artifact file: %d %q", rr.Code, rr.Body.String())
	}
}

func TestNop(t *testing.T) {
	var tr Tracker = Nop{}
	if tr.LogMetrics(1, nil) != nil || tr.LogArtifact(1, "gif", "x") != nil || tr.Finish(nil) != nil {
		t.Error("Nop must not fail")
	}
}
