// Package sysprompt assembles the system prompt from a fixed identity block,
// workspace context and operator-authored skill files. Assembly is
// deterministic: the same inputs produce a byte-identical prompt.
package sysprompt

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Skill is one markdown file from the skills directory. The name is the
// filename without its extension.
type Skill struct {
	Name    string
	Content string
}

// SkillSet holds the loaded skills and reloads them when the directory
// changes. A missing directory is an empty set, not an error.
type SkillSet struct {
	mu     sync.RWMutex
	dir    string
	skills []Skill
}

func LoadSkills(dir string) *SkillSet {
	s := &SkillSet{dir: dir}
	if err := s.Reload(); err != nil {
		slog.Warn("skills load failed", "dir", dir, "error", err)
	}
	return s
}

// Reload re-reads every .md file in the directory and replaces the set.
func (s *SkillSet) Reload() error {
	var skills []Skill
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			s.replace(nil)
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			slog.Warn("skipping unreadable skill", "file", e.Name(), "error", err)
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".md")
		skills = append(skills, Skill{Name: name, Content: strings.TrimSpace(string(data))})
	}
	s.replace(skills)
	return nil
}

func (s *SkillSet) replace(skills []Skill) {
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	s.mu.Lock()
	s.skills = skills
	s.mu.Unlock()
}

// Skills returns the current set sorted by name.
func (s *SkillSet) Skills() []Skill {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Skill, len(s.skills))
	copy(out, s.skills)
	return out
}

const watchDebounce = 100 * time.Millisecond

// Watch reloads the set whenever the skills directory changes. It returns
// after starting the watcher goroutine; the watcher stops when ctx is
// cancelled. Rapid event bursts (editor save dances) coalesce into one
// reload.
func (s *SkillSet) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		reload := func() {
			if err := s.Reload(); err != nil {
				slog.Warn("skills reload failed", "dir", s.dir, "error", err)
				return
			}
			slog.Info("skills reloaded", "dir", s.dir, "count", len(s.Skills()))
		}
		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Chmod == fsnotify.Chmod {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(watchDebounce, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("skills watcher error", "dir", s.dir, "error", err)
			}
		}
	}()

	slog.Info("watching skills directory", "dir", s.dir)
	return nil
}
