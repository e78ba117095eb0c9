package util

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func leftoverTemps(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir(%s): %v", dir, err)
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), atomicTempPrefix) {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestAtomicWriteFileTargets(t *testing.T) {
	tests := []struct {
		name string
		rel  string
		data string
		perm os.FileMode
	}{
		{"config file stays private", "config.toml", "[rate_limit]\nmax_calls = 10\n", 0600},
		{"rules file", "rules.yaml", "rules: []\n", 0644},
		{"state file in missing directories", "state/ratelimit/limiter.json", `{"penalties":{}}`, 0644},
		{"empty snapshot", "exports/empty.json", "", 0644},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, tt.rel)

			if err := AtomicWriteFile(path, []byte(tt.data), tt.perm); err != nil {
				t.Fatalf("AtomicWriteFile() error = %v", err)
			}
			got, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.data {
				t.Errorf("content = %q, want %q", got, tt.data)
			}
			info, err := os.Stat(path)
			if err != nil {
				t.Fatal(err)
			}
			if info.Mode().Perm() != tt.perm {
				t.Errorf("perm = %v, want %v", info.Mode().Perm(), tt.perm)
			}
			if left := leftoverTemps(t, filepath.Dir(path)); len(left) != 0 {
				t.Errorf("temp files left behind: %v", left)
			}
		})
	}
}

func TestAtomicWriteFileReplacesSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")
	type snapshot struct {
		Requests int `json:"request_count"`
	}

	for _, n := range []int{3, 12} {
		data, err := json.Marshal(snapshot{Requests: n})
		if err != nil {
			t.Fatal(err)
		}
		if err := AtomicWriteFile(path, data, 0644); err != nil {
			t.Fatalf("AtomicWriteFile() error = %v", err)
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got snapshot
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("snapshot is not valid JSON: %v", err)
	}
	if got.Requests != 12 {
		t.Errorf("request_count = %d, want 12", got.Requests)
	}
}

func TestAtomicWriteFileTargetIsDirectory(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "exports")
	if err := os.Mkdir(target, 0755); err != nil {
		t.Fatal(err)
	}

	if err := AtomicWriteFile(target, []byte("{}"), 0644); err == nil {
		t.Fatal("AtomicWriteFile() over a directory = nil, want error")
	}
	if left := leftoverTemps(t, dir); len(left) != 0 {
		t.Errorf("temp files left behind: %v", left)
	}
	if info, err := os.Stat(target); err != nil || !info.IsDir() {
		t.Errorf("target directory damaged: %v", err)
	}
}

func TestAtomicWriteFileParentIsFile(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "state")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	err := AtomicWriteFile(filepath.Join(blocker, "limiter.json"), []byte("{}"), 0644)
	if err == nil || !strings.Contains(err.Error(), "create directory") {
		t.Errorf("AtomicWriteFile() error = %v, want create directory error", err)
	}
}

// Limiter state is saved from several goroutines; the last rename wins and
// every reader sees one complete document.
func TestAtomicWriteFileConcurrentSaves(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "limiter.json")
	docs := []string{
		`{"calls":1}`,
		`{"calls":22}`,
		`{"calls":333}`,
		`{"calls":4444}`,
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(doc string) {
			defer wg.Done()
			if err := AtomicWriteFile(path, []byte(doc), 0644); err != nil {
				t.Errorf("AtomicWriteFile() error = %v", err)
			}
		}(docs[i%len(docs)])
	}
	wg.Wait()

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, d := range docs {
		if string(got) == d {
			found = true
		}
	}
	if !found {
		t.Errorf("content = %q, want one of %v", got, docs)
	}
	if left := leftoverTemps(t, dir); len(left) != 0 {
		t.Errorf("temp files left behind: %v", left)
	}
}
