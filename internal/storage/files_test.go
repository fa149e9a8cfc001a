package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestLoadMOTD(t *testing.T) {
	tmpDir := t.TempDir()

	content := "Welcome to imgate\r\n\r\nBe nice.\n"
	if err := os.WriteFile(filepath.Join(tmpDir, "motd.txt"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	lines, err := LoadMOTD(tmpDir, "motd.txt")
	if err != nil {
		t.Fatalf("LoadMOTD failed: %v", err)
	}

	expected := []string{"Welcome to imgate", "", "Be nice."}
	if len(lines) != len(expected) {
		t.Fatalf("Expected %d lines, got %d: %q", len(expected), len(lines), lines)
	}
	for i := range expected {
		if lines[i] != expected[i] {
			t.Errorf("Line %d mismatch: expected %q, got %q", i, expected[i], lines[i])
		}
	}
}

func TestLoadMOTDMissing(t *testing.T) {
	lines, err := LoadMOTD(t.TempDir(), "motd.txt")
	if err != nil {
		t.Fatalf("LoadMOTD should not fail for missing file: %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("Expected empty MOTD, got %q", lines)
	}
}

func TestOperLogRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()

	for _, entry := range []string{"alice OPER admin", "alice WALLOPS hello"} {
		if err := AddOperLog(tmpDir, entry); err != nil {
			t.Fatalf("AddOperLog failed: %v", err)
		}
	}

	loaded, err := LoadOperLog(tmpDir)
	if err != nil {
		t.Fatalf("LoadOperLog failed: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(loaded))
	}
	// Newest first
	if loaded[0] != "alice WALLOPS hello" {
		t.Errorf("Newest entry should be first, got %q", loaded[0])
	}
}

func TestAddStatMaxEntries(t *testing.T) {
	stats := make([]string, 500)
	for i := range stats {
		stats[i] = "entry"
	}

	stats = AddStat(stats, "new")

	if len(stats) != 500 {
		t.Errorf("Expected 500 entries (max), got %d", len(stats))
	}
	if stats[len(stats)-1] != "new" {
		t.Errorf("New entry should be last")
	}
}

func TestUploadDir(t *testing.T) {
	tmpDir := t.TempDir()

	dir, err := UploadDir(tmpDir, "../alice")
	if err != nil {
		t.Fatalf("UploadDir failed: %v", err)
	}
	if dir != filepath.Join(tmpDir, "alice", "upload") {
		t.Errorf("Unexpected upload dir %q", dir)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("Upload dir was not created: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("Probe file left behind: %v", entries)
	}
}

func TestOperLogConcurrentWriters(t *testing.T) {
	tmpDir := t.TempDir()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := AddOperLog(tmpDir, fmt.Sprintf("session %d DIE", i)); err != nil {
				t.Errorf("AddOperLog failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	loaded, err := LoadOperLog(tmpDir)
	if err != nil {
		t.Fatalf("LoadOperLog failed: %v", err)
	}
	if len(loaded) != 20 {
		t.Errorf("Expected 20 entries, got %d", len(loaded))
	}
}
