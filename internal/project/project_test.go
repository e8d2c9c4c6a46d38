package project

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/event"
	"github.com/wardenhq/warden/internal/logstore"
	"github.com/wardenhq/warden/pkg/types"
)

// writeSessionLog drops a minimal committed log with a cwd-bearing record.
func writeSessionLog(t *testing.T, dir, sessionID, cwd string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	line := fmt.Sprintf(`{"type":"user","uuid":"u-%s","sessionId":%q,"cwd":%q,"timestamp":%q,"message":{"role":"user","content":"hello"}}`+"\n",
		sessionID, sessionID, cwd, time.Now().UTC().Format(time.RFC3339Nano))
	path := filepath.Join(dir, sessionID+".jsonl")
	if err := os.WriteFile(path, []byte(line), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestScanLocalLayout(t *testing.T) {
	root := t.TempDir()
	projectPath := t.TempDir()

	dir := filepath.Join(root, logstore.ProjectDirName(projectPath))
	writeSessionLog(t, dir, "s1", projectPath)
	writeSessionLog(t, dir, "s2", projectPath)

	projects, err := NewScanner(root).Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 1 {
		t.Fatalf("expected 1 project, got %d", len(projects))
	}

	p := projects[0]
	if p.Path != projectPath {
		t.Errorf("expected path %s, got %s", projectPath, p.Path)
	}
	if p.ID != types.EncodeProjectID(projectPath) {
		t.Errorf("unexpected project id %s", p.ID)
	}
	if p.Name != filepath.Base(projectPath) {
		t.Errorf("unexpected project name %s", p.Name)
	}
	if p.SessionDir != dir {
		t.Errorf("expected session dir %s, got %s", dir, p.SessionDir)
	}
	if p.SessionCount != 2 {
		t.Errorf("expected 2 sessions, got %d", p.SessionCount)
	}
}

func TestScanMergesCrossHostDuplicates(t *testing.T) {
	root := t.TempDir()
	projectPath := t.TempDir()
	flat := logstore.ProjectDirName(projectPath)

	localDir := filepath.Join(root, flat)
	remoteDir := filepath.Join(root, "buildbox", flat)
	writeSessionLog(t, localDir, "s1", projectPath)
	writeSessionLog(t, remoteDir, "s2", projectPath)

	projects, err := NewScanner(root).Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 1 {
		t.Fatalf("expected merged project, got %d projects", len(projects))
	}

	p := projects[0]
	if p.SessionDir != localDir {
		t.Errorf("expected local session dir to stay primary, got %s", p.SessionDir)
	}
	if len(p.MergedSessionDirs) != 1 || p.MergedSessionDirs[0] != remoteDir {
		t.Errorf("expected merged dirs [%s], got %v", remoteDir, p.MergedSessionDirs)
	}
	if p.SessionCount != 2 {
		t.Errorf("expected combined session count 2, got %d", p.SessionCount)
	}
}

func TestScanRemoteOnlyLayout(t *testing.T) {
	root := t.TempDir()
	projectPath := t.TempDir()

	remoteDir := filepath.Join(root, "buildbox", logstore.ProjectDirName(projectPath))
	writeSessionLog(t, remoteDir, "s1", projectPath)

	projects, err := NewScanner(root).Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 1 {
		t.Fatalf("expected 1 project, got %d", len(projects))
	}
	if projects[0].SessionDir != remoteDir {
		t.Errorf("expected remote dir %s, got %s", remoteDir, projects[0].SessionDir)
	}
}

func TestMergeLocalDisplacesRemotePrimary(t *testing.T) {
	projectPath := t.TempDir()

	// Remote copy enumerated first; the local copy must still win the
	// primary slot because the path exists on this machine.
	merged := mergeCandidates([]candidate{
		{path: projectPath, dir: "/store/buildbox/-proj", local: false},
		{path: projectPath, dir: "/store/-proj", local: true},
	})
	if len(merged) != 1 {
		t.Fatalf("expected 1 project, got %d", len(merged))
	}
	if merged[0].SessionDir != "/store/-proj" {
		t.Errorf("expected local dir as primary, got %s", merged[0].SessionDir)
	}
	if len(merged[0].MergedSessionDirs) != 1 || merged[0].MergedSessionDirs[0] != "/store/buildbox/-proj" {
		t.Errorf("expected remote dir demoted, got %v", merged[0].MergedSessionDirs)
	}
}

func TestScanHomeFallback(t *testing.T) {
	root := t.TempDir()
	home := t.TempDir()
	t.Setenv("HOME", home)

	projects, err := NewScanner(root).Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 1 {
		t.Fatalf("expected synthesized home project, got %d", len(projects))
	}
	if projects[0].Path != home {
		t.Errorf("expected home path %s, got %s", home, projects[0].Path)
	}
	if projects[0].SessionCount != 0 {
		t.Errorf("expected empty project, got %d sessions", projects[0].SessionCount)
	}
}

func TestScanUnflattenFallback(t *testing.T) {
	root := t.TempDir()

	// Directory with an unreadable (empty) log: no cwd to recover.
	dir := filepath.Join(root, "-srv-data-app")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "s1.jsonl"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	projects, err := NewScanner(root).Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 1 {
		t.Fatalf("expected 1 project, got %d", len(projects))
	}
	if projects[0].Path != "/srv/data/app" {
		t.Errorf("expected unflattened path /srv/data/app, got %s", projects[0].Path)
	}
}

func TestServiceCachesWithinTTL(t *testing.T) {
	root := t.TempDir()
	projectPath := t.TempDir()
	store := logstore.New(root)

	writeSessionLog(t, filepath.Join(root, logstore.ProjectDirName(projectPath)), "s1", projectPath)

	svc := NewService(store, nil, time.Minute)
	defer svc.Close()

	first, err := svc.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 project, got %d", len(first))
	}

	// New project appears on disk but the snapshot is still fresh.
	otherPath := t.TempDir()
	writeSessionLog(t, filepath.Join(root, logstore.ProjectDirName(otherPath)), "s2", otherPath)

	second, err := svc.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 1 {
		t.Errorf("expected cached snapshot of 1 project, got %d", len(second))
	}

	svc.Invalidate()
	third, err := svc.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(third) != 2 {
		t.Errorf("expected fresh snapshot of 2 projects, got %d", len(third))
	}
}

func TestServiceInvalidatesOnSessionFileChange(t *testing.T) {
	root := t.TempDir()
	projectPath := t.TempDir()
	store := logstore.New(root)
	bus := event.NewBus()
	defer bus.Close()

	writeSessionLog(t, filepath.Join(root, logstore.ProjectDirName(projectPath)), "s1", projectPath)

	svc := NewService(store, bus, time.Minute)
	defer svc.Close()

	if _, err := svc.List(context.Background()); err != nil {
		t.Fatal(err)
	}

	otherPath := t.TempDir()
	logPath := writeSessionLog(t, filepath.Join(root, logstore.ProjectDirName(otherPath)), "s2", otherPath)

	bus.PublishSync(event.Event{
		Type: event.FileChange,
		Data: event.FileChangeData{Path: logPath, Kind: event.FileKindWrite, FileType: event.FileTypeSession},
	})

	projects, err := svc.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 2 {
		t.Errorf("expected invalidated snapshot to rescan, got %d projects", len(projects))
	}
}

func TestResolveSynthesizesUnknownProject(t *testing.T) {
	root := t.TempDir()
	store := logstore.New(root)
	svc := NewService(store, nil, time.Minute)
	defer svc.Close()

	path := "/srv/brand-new"
	p, err := svc.Resolve(context.Background(), types.EncodeProjectID(path))
	if err != nil {
		t.Fatal(err)
	}
	if p.Path != path {
		t.Errorf("expected path %s, got %s", path, p.Path)
	}
	if p.SessionDir != store.ProjectDir(path) {
		t.Errorf("unexpected session dir %s", p.SessionDir)
	}

	if _, err := svc.Resolve(context.Background(), "!!not-base64!!"); err == nil {
		t.Error("expected error for malformed project id")
	}
}

func TestSessionsAcrossMergedDirs(t *testing.T) {
	root := t.TempDir()
	projectPath := t.TempDir()
	flat := logstore.ProjectDirName(projectPath)
	store := logstore.New(root)

	localDir := filepath.Join(root, flat)
	remoteDir := filepath.Join(root, "buildbox", flat)
	localLog := writeSessionLog(t, localDir, "s1", projectPath)
	remoteLog := writeSessionLog(t, remoteDir, "s2", projectPath)

	// Make ordering deterministic: remote session is older.
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(remoteLog, old, old); err != nil {
		t.Fatal(err)
	}
	_ = localLog

	svc := NewService(store, nil, time.Minute)
	defer svc.Close()

	sessions, err := svc.Sessions(context.Background(), types.EncodeProjectID(projectPath))
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[0].SessionID != "s1" || sessions[1].SessionID != "s2" {
		t.Errorf("expected newest-first order [s1 s2], got [%s %s]", sessions[0].SessionID, sessions[1].SessionID)
	}
}

func TestRecentAcrossProjects(t *testing.T) {
	root := t.TempDir()
	store := logstore.New(root)

	pathA := t.TempDir()
	pathB := t.TempDir()
	logA := writeSessionLog(t, filepath.Join(root, logstore.ProjectDirName(pathA)), "sa", pathA)
	writeSessionLog(t, filepath.Join(root, logstore.ProjectDirName(pathB)), "sb", pathB)

	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(logA, old, old); err != nil {
		t.Fatal(err)
	}

	svc := NewService(store, nil, time.Minute)
	defer svc.Close()

	recent, err := svc.Recent(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 {
		t.Fatalf("expected limit to apply, got %d sessions", len(recent))
	}
	if recent[0].SessionID != "sb" {
		t.Errorf("expected newest session sb, got %s", recent[0].SessionID)
	}
}

func TestClassifyFile(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/store/-home-dev-app/s1.jsonl", event.FileTypeSession},
		{"/store/-home-dev-app/agent-x.jsonl", event.FileTypeAgentSession},
		{"/store/-home-dev-app/s1.jsonl.lock", event.FileTypeOther},
		{"/store/readme.txt", event.FileTypeOther},
	}
	for _, tc := range cases {
		if got := ClassifyFile(tc.path); got != tc.want {
			t.Errorf("ClassifyFile(%s) = %s, want %s", tc.path, got, tc.want)
		}
	}
}

func TestWatcherPublishesFileChanges(t *testing.T) {
	root := t.TempDir()
	bus := event.NewBus()
	defer bus.Close()

	received := make(chan event.FileChangeData, 16)
	unsubscribe := bus.Subscribe(event.FileChange, func(e event.Event) {
		if data, ok := e.Data.(event.FileChangeData); ok {
			received <- data
		}
	})
	defer unsubscribe()

	w, err := NewWatcher(root, bus)
	if err != nil {
		t.Fatal(err)
	}
	w.Start()
	defer w.Stop()

	dir := filepath.Join(root, "-tmp-demo")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	// Directory watch attaches asynchronously; retry the write until the
	// event lands or the deadline passes.
	logPath := filepath.Join(dir, "s1.jsonl")
	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case data := <-received:
			if data.Path == logPath && data.FileType == event.FileTypeSession {
				return
			}
		case <-tick.C:
			f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				t.Fatal(err)
			}
			fmt.Fprintln(f, `{"type":"user","uuid":"u1"}`)
			f.Close()
		case <-deadline:
			t.Fatal("timed out waiting for file-change event")
		}
	}
}
