package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSplitEntry(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantSection string
		wantRel     string
	}{
		{"run file", "runs/r1/run.json", "runs", "r1/run.json"},
		{"store file", "store/crew.db", "store", "crew.db"},
		{"section root", "runs/", "runs", "."},
		{"bare section", "runs", "runs", "."},
		{"leading dot-slash", "./runs/r1/events.jsonl", "runs", "r1/events.jsonl"},
		{"leading slash", "/store/crew.db", "store", "crew.db"},
		{"escape attempt", "runs/../../etc/passwd", "runs", "etc/passwd"},
		{"unknown section", "other/file.txt", "", ""},
		{"empty string", "", "", ""},
		{"dot only", ".", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotSection, gotRel := splitEntry(tt.input)
			if gotSection != tt.wantSection || gotRel != tt.wantRel {
				t.Errorf("splitEntry(%q) = (%q, %q), want (%q, %q)", tt.input, gotSection, gotRel, tt.wantSection, tt.wantRel)
			}
		})
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 bytes"},
		{1023, "1023 bytes"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1610612736, "1.5 GB"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := formatSize(tt.bytes); got != tt.want {
				t.Errorf("formatSize(%d) = %q, want %q", tt.bytes, got, tt.want)
			}
		})
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	src := t.TempDir()
	runs := filepath.Join(src, "runs")
	storeDir := filepath.Join(src, "store")
	writeFile(t, filepath.Join(runs, "r1", "run.json"), `{"id":"r1"}`)
	writeFile(t, filepath.Join(runs, "r1", "nodes", "a.json"), `{"node_id":"a"}`)
	writeFile(t, filepath.Join(runs, "r1", ".lock"), "")
	writeFile(t, filepath.Join(runs, "r1", ".tmp-123"), "partial")
	writeFile(t, filepath.Join(storeDir, "crew.db"), "sqlite")

	archive := filepath.Join(t.TempDir(), "backup.tar.zst")
	n, err := writeArchive(archive, map[string]string{
		sectionRuns:  runs,
		sectionStore: storeDir,
	})
	if err != nil {
		t.Fatalf("write archive: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 archived files, got %d", n)
	}

	dst := t.TempDir()
	targets := map[string]string{
		sectionRuns:  filepath.Join(dst, "runs"),
		sectionStore: filepath.Join(dst, "data"),
	}
	n, err = extractArchive(archive, targets, false)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 restored files, got %d", n)
	}

	data, err := os.ReadFile(filepath.Join(dst, "runs", "r1", "nodes", "a.json"))
	if err != nil || string(data) != `{"node_id":"a"}` {
		t.Fatalf("unexpected node file %q (%v)", data, err)
	}
	if _, err := os.Stat(filepath.Join(dst, "data", "crew.db")); err != nil {
		t.Fatalf("expected store file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dst, "runs", "r1", ".lock")); !os.IsNotExist(err) {
		t.Error("lock file should not be archived")
	}

	// A second restore refuses to clobber existing files.
	if _, err := extractArchive(archive, targets, false); err == nil || !strings.Contains(err.Error(), "--overwrite") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
	if _, err := extractArchive(archive, targets, true); err != nil {
		t.Fatalf("overwrite restore: %v", err)
	}
}

func TestArchiveMissingSection(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "empty.tar.zst")
	n, err := writeArchive(archive, map[string]string{sectionRuns: filepath.Join(t.TempDir(), "nope")})
	if err != nil {
		t.Fatalf("expected missing dir to be tolerated, got %v", err)
	}
	if n != 0 {
		t.Errorf("expected no files, got %d", n)
	}
}
