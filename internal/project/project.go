// Package project maintains the cached index of projects discovered from
// the on-disk session log tree.
package project

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/wardenhq/warden/internal/logstore"
	"github.com/wardenhq/warden/pkg/types"
)

// Scanner enumerates the session log tree and reconstructs project
// metadata. Two layouts coexist under the root: flattened project
// directories written by this host ("-home-dev-app") and hostname
// subdirectories holding the same layout synced from other machines
// ("buildbox/-home-dev-app"). Flattened names always start with '-'
// because they encode absolute paths, which is what tells the two
// layouts apart.
type Scanner struct {
	root string
}

// NewScanner creates a scanner over a session log root.
func NewScanner(root string) *Scanner {
	return &Scanner{root: root}
}

// candidate is one discovered (logical path, session dir) pair.
type candidate struct {
	path  string
	dir   string
	local bool
}

// Scan walks both layouts, merges cross-host duplicates, and returns the
// projects newest-activity first. When nothing is found a virtual project
// pointing at the user's home directory is synthesized so clients always
// have somewhere to start a session.
func (s *Scanner) Scan() ([]types.Project, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	var candidates []candidate
	var hostDirs []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, "-") {
			dir := filepath.Join(s.root, name)
			candidates = append(candidates, candidate{
				path:  s.resolvePath(dir, name),
				dir:   dir,
				local: true,
			})
			continue
		}
		hostDirs = append(hostDirs, name)
	}

	sort.Strings(hostDirs)
	for _, host := range hostDirs {
		hostRoot := filepath.Join(s.root, host)
		children, err := os.ReadDir(hostRoot)
		if err != nil {
			continue
		}
		for _, child := range children {
			if !child.IsDir() || !strings.HasPrefix(child.Name(), "-") {
				continue
			}
			dir := filepath.Join(hostRoot, child.Name())
			candidates = append(candidates, candidate{
				path: s.resolvePath(dir, child.Name()),
				dir:  dir,
			})
		}
	}

	projects := mergeCandidates(candidates)

	if len(projects) == 0 {
		if home, err := os.UserHomeDir(); err == nil && home != "" {
			projects = append(projects, types.Project{
				ID:         types.EncodeProjectID(home),
				Name:       filepath.Base(home),
				Path:       home,
				SessionDir: filepath.Join(s.root, logstore.ProjectDirName(home)),
			})
		}
	}

	sort.Slice(projects, func(i, j int) bool {
		if !projects[i].LastActivity.Equal(projects[j].LastActivity) {
			return projects[i].LastActivity.After(projects[j].LastActivity)
		}
		return projects[i].Path < projects[j].Path
	})
	return projects, nil
}

// mergeCandidates folds duplicate logical paths into one project. The
// first-seen directory stays the primary SessionDir, except that a local
// copy whose path really exists on this machine displaces a remote
// primary so new sessions land in a spawnable directory.
func mergeCandidates(candidates []candidate) []types.Project {
	byPath := make(map[string]*types.Project)
	primaryLocal := make(map[string]bool)
	var order []string

	for _, c := range candidates {
		count, newest := dirStats(c.dir)

		existing, ok := byPath[c.path]
		if !ok {
			byPath[c.path] = &types.Project{
				ID:           types.EncodeProjectID(c.path),
				Name:         filepath.Base(c.path),
				Path:         c.path,
				SessionDir:   c.dir,
				SessionCount: count,
				LastActivity: newest,
			}
			primaryLocal[c.path] = c.local
			order = append(order, c.path)
			continue
		}

		if c.local && !primaryLocal[c.path] && dirExists(c.path) {
			existing.MergedSessionDirs = append(existing.MergedSessionDirs, existing.SessionDir)
			existing.SessionDir = c.dir
			primaryLocal[c.path] = true
		} else {
			existing.MergedSessionDirs = append(existing.MergedSessionDirs, c.dir)
		}
		existing.SessionCount += count
		if newest.After(existing.LastActivity) {
			existing.LastActivity = newest
		}
	}

	projects := make([]types.Project, 0, len(order))
	for _, path := range order {
		projects = append(projects, *byPath[path])
	}
	return projects
}

// dirStats counts the session logs in one directory and reports the
// newest modification time.
func dirStats(dir string) (int, time.Time) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, time.Time{}
	}
	var count int
	var newest time.Time
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		count++
		if info, err := entry.Info(); err == nil && info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return count, newest
}

// resolvePath recovers the project's absolute path for a flattened
// directory name. Flattening is lossy (every separator became '-'), so
// the authoritative source is the cwd field session records carry; the
// textual un-flattening is only a fallback for directories with no
// readable records.
func (s *Scanner) resolvePath(dir, flattened string) string {
	for _, file := range newestLogs(dir, 3) {
		if cwd := readCwd(file); cwd != "" {
			return cwd
		}
	}
	return unflatten(flattened)
}

// newestLogs returns up to n session log paths, newest first.
func newestLogs(dir string, n int) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	type logFile struct {
		path string
		mod  time.Time
	}
	var files []logFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, logFile{filepath.Join(dir, entry.Name()), info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.After(files[j].mod) })
	if len(files) > n {
		files = files[:n]
	}
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths
}

// readCwd scans the head of a log file for the first record carrying a cwd.
func readCwd(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for i := 0; i < 20 && scanner.Scan(); i++ {
		var probe struct {
			Cwd string `json:"cwd"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &probe); err != nil {
			continue
		}
		if probe.Cwd != "" {
			return probe.Cwd
		}
	}
	return ""
}

func unflatten(name string) string {
	return strings.ReplaceAll(name, "-", string(filepath.Separator))
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
