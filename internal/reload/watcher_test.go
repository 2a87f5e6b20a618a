package reload

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/carlosotero01/edge-portal/internal/config"
)

func TestUniquePathsFiltersDuplicatesAndEmptyValues(t *testing.T) {
	paths := []string{"", "/tmp/a", "/tmp/b", "/tmp/a", "/tmp/c", "/tmp/b"}
	got := uniquePaths(paths)
	want := []string{"/tmp/a", "/tmp/b", "/tmp/c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("uniquePaths() = %v, want %v", got, want)
	}
}

func TestWatcherUpdateTracksSourceAndRoot(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")
	rootFile := filepath.Join(dir, "console.yaml")

	writeFile(t, configFile, "device: {}")
	writeFile(t, rootFile, "root")

	var watcher Watcher
	if err := watcher.Update(rootFile, &config.Config{Source: configFile}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	want := []string{configFile, rootFile}
	if got := watcher.Tracked(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Tracked() = %v, want %v", got, want)
	}
}

func TestWatcherUpdateSkipsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.yaml")

	var watcher Watcher
	if err := watcher.Update("", &config.Config{Source: missing}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if len(watcher.files) != 0 {
		t.Fatalf("expected 0 tracked files, got %d", len(watcher.files))
	}
}

func TestWatcherCheckDetectsChangesAndRemovals(t *testing.T) {
	dir := t.TempDir()
	fileA := filepath.Join(dir, "a.yaml")
	fileB := filepath.Join(dir, "b.yaml")
	writeFile(t, fileA, "first")
	writeFile(t, fileB, "second")

	watcher, err := NewWatcher(fileB, &config.Config{Source: fileA})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	if changed, err := watcher.Check(); err != nil {
		t.Fatalf("Check() error = %v", err)
	} else if len(changed) != 0 {
		t.Fatalf("expected no changes on first check, got %v", changed)
	}

	time.Sleep(10 * time.Millisecond)
	writeFile(t, fileA, "first-UPDATED")
	if err := os.Remove(fileB); err != nil {
		t.Fatalf("Remove(%s) error = %v", fileB, err)
	}

	changed, err := watcher.Check()
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}

	expected := []string{fileA, fileB}
	if !reflect.DeepEqual(changed, expected) {
		t.Fatalf("Check() = %v, want %v", changed, expected)
	}
}

func TestWatcherHandlesNilReceiver(t *testing.T) {
	var watcher *Watcher
	if err := watcher.Update("", &config.Config{}); err != nil {
		t.Fatalf("nil watcher Update() error = %v", err)
	}
	if changed, err := watcher.Check(); err != nil {
		t.Fatalf("nil watcher Check() error = %v", err)
	} else if changed != nil {
		t.Fatalf("expected nil slice from nil watcher, got %v", changed)
	}
}

func TestDiffReportsChangedSections(t *testing.T) {
	prev := parseConfig(t, "device:\n  base_url: http://device.local\ncollection:\n  interval: 2\n")
	next := parseConfig(t, "device:\n  base_url: http://device.local\ncollection:\n  interval: 5\ncamera:\n  view_mode: cover\n")

	got := Diff(prev, next)
	want := []string{SectionCollection, SectionCamera}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Diff() = %v, want %v", got, want)
	}
	if got := Diff(prev, prev); len(got) != 0 {
		t.Fatalf("Diff(same) = %v, want none", got)
	}
	if got := Diff(nil, next); len(got) != len(allSections) {
		t.Fatalf("Diff(nil, next) = %v, want every section", got)
	}
}

func TestDiffIgnoresSourcePath(t *testing.T) {
	prev := parseConfig(t, "device:\n  base_url: http://device.local\n")
	next := parseConfig(t, "device:\n  base_url: http://device.local\n")
	prev.Source = "/etc/console/a.yaml"
	next.Source = "/etc/console/b.yaml"
	if got := Diff(prev, next); len(got) != 0 {
		t.Fatalf("Diff() = %v, want none", got)
	}
}

func TestWatcherSectionsComparesAgainstApplied(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")
	writeFile(t, configFile, "device: {}")

	applied := parseConfig(t, "device:\n  base_url: http://device.local\n")
	applied.Source = configFile
	watcher, err := NewWatcher(configFile, applied)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	next := parseConfig(t, "device:\n  base_url: http://other.local\n")
	if got, want := watcher.Sections(next), []string{SectionDevice}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Sections() = %v, want %v", got, want)
	}

	if err := watcher.Update(configFile, next); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if got := watcher.Sections(next); len(got) != 0 {
		t.Fatalf("Sections() after Update = %v, want none", got)
	}
}

func TestLive(t *testing.T) {
	cases := []struct {
		sections []string
		want     bool
	}{
		{nil, false},
		{[]string{SectionCollection}, true},
		{[]string{SectionCollection, SectionCamera}, true},
		{[]string{SectionCamera, SectionAlerts}, false},
		{[]string{SectionDevice}, false},
	}
	for _, tc := range cases {
		if got := Live(tc.sections); got != tc.want {
			t.Fatalf("Live(%v) = %v, want %v", tc.sections, got, tc.want)
		}
	}
}

func parseConfig(t *testing.T, raw string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return cfg
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile(%s) error = %v", path, err)
	}
}
