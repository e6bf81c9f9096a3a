package sysprompt

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeSkill(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestBuildDeterministic(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "zeta.md", "Zeta instructions.")
	writeSkill(t, dir, "alpha.md", "Alpha instructions.")

	a := New(LoadSkills(dir))
	cfg := Config{
		Workspace: "/home/op/workspace",
		ToolNames: []string{"write_file", "exec", "read_file"},
		Channel:   "telegram",
		Extra:     "Always answer in English.",
	}

	first := a.Build(cfg)
	second := a.Build(cfg)
	if first != second {
		t.Fatal("same inputs produced different prompts")
	}

	// Tool names render sorted regardless of input order.
	cfg2 := cfg
	cfg2.ToolNames = []string{"read_file", "write_file", "exec"}
	if a.Build(cfg2) != first {
		t.Error("tool name order leaked into the prompt")
	}
}

func TestBuildSectionOrder(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "beta.md", "Beta body.")
	writeSkill(t, dir, "alpha.md", "Alpha body.")

	a := New(LoadSkills(dir))
	out := a.Build(Config{Workspace: "/w", ToolNames: []string{"exec"}, Channel: "discord", Extra: "extra note"})

	order := []string{
		"autonomous assistant",
		"## Workspace",
		"## Tools",
		"## Skill: alpha",
		"## Skill: beta",
		"## Channel",
		"extra note",
	}
	last := -1
	for _, marker := range order {
		idx := strings.Index(out, marker)
		if idx < 0 {
			t.Fatalf("prompt missing %q:\n%s", marker, out)
		}
		if idx < last {
			t.Errorf("section %q out of order", marker)
		}
		last = idx
	}
}

func TestBuildOmitsEmptySections(t *testing.T) {
	a := New(LoadSkills(filepath.Join(t.TempDir(), "missing")))
	out := a.Build(Config{})
	for _, absent := range []string{"## Workspace", "## Tools", "## Skill", "## Channel"} {
		if strings.Contains(out, absent) {
			t.Errorf("empty config rendered %q", absent)
		}
	}
	if !strings.Contains(out, "autonomous assistant") {
		t.Error("identity block missing")
	}
}

func TestIdentityOverride(t *testing.T) {
	a := New(nil)
	out := a.Build(Config{Identity: "You are a test harness."})
	if !strings.Contains(out, "You are a test harness.") {
		t.Error("identity override not applied")
	}
	if strings.Contains(out, "autonomous assistant") {
		t.Error("default identity rendered alongside override")
	}
}

func TestSkillReload(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "one.md", "first")
	set := LoadSkills(dir)
	if got := len(set.Skills()); got != 1 {
		t.Fatalf("skills = %d, want 1", got)
	}

	writeSkill(t, dir, "two.md", "second")
	if err := set.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	skills := set.Skills()
	if len(skills) != 2 || skills[0].Name != "one" || skills[1].Name != "two" {
		t.Errorf("skills after reload = %+v", skills)
	}

	// Non-markdown files are ignored.
	writeSkill(t, dir, "notes.txt", "ignored")
	set.Reload()
	if got := len(set.Skills()); got != 2 {
		t.Errorf("skills = %d after txt file, want 2", got)
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	set := LoadSkills(dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := set.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	writeSkill(t, dir, "fresh.md", "hot loaded")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(set.Skills()) == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("watcher never picked up new skill; skills = %+v", set.Skills())
}
