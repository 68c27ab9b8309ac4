package report

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"lead-engine/internal/models"
)

func TestLocalArchiveWritesJSON(t *testing.T) {
	dir := t.TempDir()
	a := NewLocalArchiver(dir)
	end := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	m := models.HealthMetrics{
		Period:          models.PeriodHourly,
		WindowStart:     end.Add(-time.Hour),
		WindowEnd:       end,
		TotalExecutions: 4,
		LeadsConverted:  12,
	}

	where, err := a.Archive(context.Background(), m)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	want := filepath.Join(dir, "health", "hourly", "20260501T100000Z.json")
	if where != want {
		t.Fatalf("expected %s got %s", want, where)
	}
	data, err := os.ReadFile(where)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	var got models.HealthMetrics
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode archive: %v", err)
	}
	if got.LeadsConverted != 12 || got.TotalExecutions != 4 {
		t.Fatalf("unexpected archived metrics %+v", got)
	}
}
