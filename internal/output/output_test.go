package output

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/review-harvester/internal/config"
	"github.com/Sternrassler/review-harvester/internal/forge"
)

func testRepository(t *testing.T) config.Repository {
	t.Helper()
	repo, err := forge.ParseRepository("https://gitlab.com/acme/tools/api", "")
	if err != nil {
		t.Fatal(err)
	}
	return config.Repository{Repository: repo, Teams: []string{"platform"}}
}

func TestNewSnapshot(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 15, 999, time.FixedZone("CET", 3600))
	teams := []string{"platform", "data"}

	s := NewSnapshot("run-1", teams, now)

	if !s.GeneratedAt.Equal(now.Truncate(time.Second)) || s.GeneratedAt.Location() != time.UTC {
		t.Errorf("GeneratedAt = %v, want UTC second precision", s.GeneratedAt)
	}
	if want := []string{"data", "platform"}; !reflect.DeepEqual(s.Teams, want) {
		t.Errorf("Teams = %v, want %v", s.Teams, want)
	}
	if teams[0] != "platform" {
		t.Error("NewSnapshot sorted the caller's slice")
	}
	if s.Repositories == nil {
		t.Error("Repositories is nil, want empty list")
	}
}

func TestNewRepository(t *testing.T) {
	records := []forge.Record{{IID: 1}, {IID: 2, Degraded: true}, {IID: 3, Degraded: true}}

	r := NewRepository(testRepository(t), records)

	if r.Name != "api" || r.FullPath != "acme/tools/api" || r.WebURL != "https://gitlab.com/acme/tools/api" {
		t.Errorf("identity = %q %q %q", r.Name, r.FullPath, r.WebURL)
	}
	if r.Forge != forge.GitLab {
		t.Errorf("Forge = %s", r.Forge)
	}
	if r.DegradedCount != 2 {
		t.Errorf("DegradedCount = %d, want 2", r.DegradedCount)
	}
	if r.SkipScoring == nil {
		t.Error("SkipScoring is nil, want empty list")
	}

	empty := NewRepository(testRepository(t), nil)
	if empty.MergeRequests == nil {
		t.Error("MergeRequests is nil, want empty list")
	}
}

func TestFileWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "data.json")
	w := NewFileWriter(path)

	s := NewSnapshot("run-1", []string{"platform"}, time.Now())
	if err := w.Write(s); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	s.Add(NewRepository(testRepository(t), []forge.Record{{IID: 7, Title: "change"}}))
	if err := w.Write(s); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.RunID != "run-1" || len(got.Repositories) != 1 || got.RecordCount() != 1 {
		t.Errorf("Read() = %+v", got)
	}
	if got.Repositories[0].MergeRequests[0].Title != "change" {
		t.Errorf("record = %+v", got.Repositories[0].MergeRequests[0])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "\n  \"run_id\": \"run-1\"") {
		t.Errorf("output is not indented with two spaces:\n%s", data)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("directory holds %d files, want only data.json", len(entries))
	}
}

func TestRead_Errors(t *testing.T) {
	dir := t.TempDir()
	if _, err := Read(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("Read() expected error for missing file")
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(bad); err == nil {
		t.Error("Read() expected error for malformed file")
	}
}
