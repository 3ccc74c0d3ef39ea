package replay

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"gfxlab/broker/internal/logging"
)

func TestRetentionEnforcesMaxSessions(t *testing.T) {
	tmp := t.TempDir()
	now := time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC)
	writeSession(t, tmp, "alpha", now.Add(-3*time.Hour), 64)
	writeSession(t, tmp, "bravo", now.Add(-2*time.Hour), 32)
	writeSession(t, tmp, "charlie", now.Add(-time.Hour), 48)

	retention := NewRetention(tmp, RetentionPolicy{MaxSessions: 2}, logging.NewTestLogger())
	retention.now = func() time.Time { return now }
	retention.Sweep()

	if diff := cmp.Diff([]string{"bravo", "charlie"}, listSessions(t, tmp)); diff != "" {
		t.Fatalf("unexpected sessions (-want +got):\n%s", diff)
	}
	stats := retention.Stats()
	if stats.Sessions != 2 || stats.Removed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.Bytes != int64(48+32+2*len(manifestStub)) {
		t.Fatalf("unexpected byte total %d", stats.Bytes)
	}
	if !stats.LastSweep.Equal(now) {
		t.Fatalf("unexpected sweep time %v", stats.LastSweep)
	}
}

func TestRetentionPrunesByAgeAndSkipsForeignEntries(t *testing.T) {
	tmp := t.TempDir()
	now := time.Date(2026, 7, 16, 9, 0, 0, 0, time.UTC)
	writeSession(t, tmp, "delta", now.Add(-72*time.Hour), 16)
	writeSession(t, tmp, "echo", now.Add(-time.Hour), 16)
	if err := os.Mkdir(filepath.Join(tmp, "notes"), 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, "README"), []byte("keep"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	retention := NewRetention(tmp, RetentionPolicy{MaxAge: 36 * time.Hour}, logging.NewTestLogger())
	retention.now = func() time.Time { return now }
	retention.Sweep()

	if diff := cmp.Diff([]string{"README", "echo", "notes"}, listSessions(t, tmp)); diff != "" {
		t.Fatalf("unexpected entries (-want +got):\n%s", diff)
	}
}

func TestRetentionKeepsProtectedSession(t *testing.T) {
	tmp := t.TempDir()
	now := time.Date(2026, 7, 16, 9, 0, 0, 0, time.UTC)
	writeSession(t, tmp, "live", now.Add(-96*time.Hour), 8)

	retention := NewRetention(tmp, RetentionPolicy{MaxAge: time.Hour}, logging.NewTestLogger())
	retention.now = func() time.Time { return now }
	retention.Protect(filepath.Join(tmp, "live"))
	retention.Sweep()

	if diff := cmp.Diff([]string{"live"}, listSessions(t, tmp)); diff != "" {
		t.Fatalf("protected session removed (-want +got):\n%s", diff)
	}
}

const manifestStub = "{}"

func writeSession(t *testing.T, root, name string, mod time.Time, payload int) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	files := map[string][]byte{
		manifestName: []byte(manifestStub),
		framesName:   make([]byte, payload),
	}
	for file, data := range files {
		path := filepath.Join(dir, file)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("WriteFile %s: %v", file, err)
		}
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatalf("Chtimes %s: %v", file, err)
		}
	}
	if err := os.Chtimes(dir, mod, mod); err != nil {
		t.Fatalf("Chtimes dir: %v", err)
	}
}

func listSessions(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names
}

