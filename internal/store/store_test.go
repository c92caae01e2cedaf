package store

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sweeney/farm-controller/internal/scheduling"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "farm.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLoadModelNotFound(t *testing.T) {
	db := openTestDB(t)

	_, err := db.LoadModel("tomatoes")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestSaveAndLoadModel(t *testing.T) {
	db := openTestDB(t)

	m := scheduling.LearnedModel{
		Gain:        0.35,
		DeadTime:    90 * time.Second,
		Tau:         4 * time.Minute,
		TotalVolume: 12.5,
		TotalCycles: 3,
		TotalsSince: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := db.SaveModel("tomatoes", m, t0); err != nil {
		t.Fatalf("SaveModel: %v", err)
	}

	got, err := db.LoadModel("tomatoes")
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	if got != m {
		t.Errorf("got %+v, want %+v", got, m)
	}
}

func TestSaveModelReplaces(t *testing.T) {
	db := openTestDB(t)

	first := scheduling.LearnedModel{Gain: 0.2, TotalCycles: 1}
	second := scheduling.LearnedModel{Gain: 0.4, DeadTime: time.Minute, TotalVolume: 7, TotalCycles: 2}
	if err := db.SaveModel("beans", first, t0); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveModel("beans", second, t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	got, err := db.LoadModel("beans")
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	if got != second {
		t.Errorf("got %+v, want %+v", got, second)
	}
}

func TestOpenAddsTotalsSinceToOldSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "farm.db")
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	_, err = conn.Exec(`CREATE TABLE irrigation_models (
		plot TEXT PRIMARY KEY,
		gain REAL NOT NULL,
		dead_time_ms INTEGER NOT NULL,
		tau_ms INTEGER NOT NULL,
		total_volume REAL NOT NULL,
		total_cycles INTEGER NOT NULL,
		updated_at DATETIME NOT NULL
	);
	INSERT INTO irrigation_models VALUES ('herbs', 0.3, 60000, 0, 40, 4, '2025-12-31 18:00:00')`)
	conn.Close()
	if err != nil {
		t.Fatalf("seed old schema: %v", err)
	}

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	got, err := db.LoadModel("herbs")
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	if got.TotalVolume != 40 || !got.TotalsSince.IsZero() {
		t.Errorf("got %+v, want 40 L with no totals day", got)
	}
}

func TestRecentTransitions(t *testing.T) {
	db := openTestDB(t)

	records := []Transition{
		{Controller: "coop", State: "open", Source: "delay", At: t0},
		{Controller: "tomatoes", State: "open", Source: "moisture", At: t0.Add(time.Minute)},
		{Controller: "coop", State: "closed", Source: "override", At: t0.Add(2 * time.Minute)},
		{Controller: "coop", State: "open", Source: "delay", At: t0.Add(3 * time.Minute)},
	}
	for _, r := range records {
		id, err := db.RecordTransition(r)
		if err != nil {
			t.Fatalf("RecordTransition: %v", err)
		}
		if id <= 0 {
			t.Errorf("id: got %d, want > 0", id)
		}
	}

	got, err := db.RecentTransitions("coop", 2)
	if err != nil {
		t.Fatalf("RecentTransitions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d transitions, want 2", len(got))
	}
	if got[0].State != "open" || !got[0].At.Equal(t0.Add(3*time.Minute)) {
		t.Errorf("newest: got %+v", got[0])
	}
	if got[1].State != "closed" || got[1].Source != "override" {
		t.Errorf("second: got %+v", got[1])
	}
}

func TestRecentTransitionsEmpty(t *testing.T) {
	db := openTestDB(t)

	got, err := db.RecentTransitions("nobody", 10)
	if err != nil {
		t.Fatalf("RecentTransitions: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d transitions, want 0", len(got))
	}
}
