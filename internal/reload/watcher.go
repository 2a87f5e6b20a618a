// Package reload detects on-disk changes to the console configuration and
// works out which configuration sections they touch, so the entry point can
// apply display changes live and rebuild the session only when it must.
package reload

import (
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/carlosotero01/edge-portal/internal/config"
)

// Configuration sections reported by Diff.
const (
	SectionDevice     = "device"
	SectionCollection = "collection"
	SectionCamera     = "camera"
	SectionConsole    = "console"
	SectionLogging    = "logging"
	SectionTelemetry  = "telemetry"
	SectionPublish    = "publish"
	SectionAlerts     = "alerts"
	SectionHotReload  = "hot_reload"
)

var allSections = []string{
	SectionDevice, SectionCollection, SectionCamera, SectionConsole, SectionLogging,
	SectionTelemetry, SectionPublish, SectionAlerts, SectionHotReload,
}

type fileState struct {
	modTime time.Time
	size    int64
}

// Watcher tracks the files behind the applied configuration.
type Watcher struct {
	mu      sync.Mutex
	files   map[string]fileState
	applied *config.Config
}

// NewWatcher builds a watcher for the root file and the files referenced by cfg.
func NewWatcher(root string, cfg *config.Config) (*Watcher, error) {
	watcher := &Watcher{}
	if err := watcher.Update(root, cfg); err != nil {
		return nil, err
	}
	return watcher, nil
}

// Update records cfg as applied and snapshots the files it came from.
func (w *Watcher) Update(root string, cfg *config.Config) error {
	if w == nil {
		return nil
	}
	paths := config.SourceFiles(cfg)
	if root != "" {
		abs, err := filepath.Abs(root)
		if err == nil {
			paths = append(paths, abs)
		}
	}
	states := make(map[string]fileState, len(paths))
	for _, path := range uniquePaths(paths) {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		states[path] = fileState{modTime: info.ModTime(), size: info.Size()}
	}
	w.mu.Lock()
	w.files = states
	w.applied = cfg
	w.mu.Unlock()
	return nil
}

// Check reports the files that changed or disappeared since the last Update.
func (w *Watcher) Check() ([]string, error) {
	if w == nil {
		return nil, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	changed := make([]string, 0)
	for path, state := range w.files {
		info, err := os.Stat(path)
		if err != nil {
			changed = append(changed, path)
			continue
		}
		if info.IsDir() {
			continue
		}
		if info.ModTime().After(state.modTime) || info.Size() != state.size {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

// Sections reports which sections of next differ from the applied configuration.
func (w *Watcher) Sections(next *config.Config) []string {
	if w == nil {
		return Diff(nil, next)
	}
	w.mu.Lock()
	applied := w.applied
	w.mu.Unlock()
	return Diff(applied, next)
}

// Tracked returns the sorted list of watched files.
func (w *Watcher) Tracked() []string {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	paths := make([]string, 0, len(w.files))
	for path := range w.files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Diff names the sections that differ between prev and next, in file order.
// A missing side counts as a change to every section.
func Diff(prev, next *config.Config) []string {
	if prev == nil && next == nil {
		return nil
	}
	if prev == nil || next == nil {
		return append([]string(nil), allSections...)
	}
	pairs := []struct {
		name       string
		prev, next interface{}
	}{
		{SectionDevice, prev.Device, next.Device},
		{SectionCollection, prev.Collection, next.Collection},
		{SectionCamera, prev.Camera, next.Camera},
		{SectionConsole, prev.Console, next.Console},
		{SectionLogging, prev.Logging, next.Logging},
		{SectionTelemetry, prev.Telemetry, next.Telemetry},
		{SectionPublish, prev.Publish, next.Publish},
		{SectionAlerts, prev.Alerts, next.Alerts},
		{SectionHotReload, prev.HotReload, next.HotReload},
	}
	var changed []string
	for _, p := range pairs {
		if !reflect.DeepEqual(p.prev, p.next) {
			changed = append(changed, p.name)
		}
	}
	return changed
}

// Live reports whether every section can be applied to a running session.
// Only collection and camera settings qualify; the session still decides
// whether the particular values inside them can change in place.
func Live(sections []string) bool {
	if len(sections) == 0 {
		return false
	}
	for _, section := range sections {
		if section != SectionCollection && section != SectionCamera {
			return false
		}
	}
	return true
}

func uniquePaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	result := make([]string, 0, len(paths))
	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		result = append(result, path)
	}
	return result
}
