package sysprompt

import (
	"fmt"
	"sort"
	"strings"
)

// defaultIdentity is the identity block used when the operator does not
// override it in config.
const defaultIdentity = `You are an autonomous assistant running inside the undoable daemon on the operator's machine.

Work toward the user's goal with the tools available to you. Prefer acting over asking. Every mutating action you take is recorded and reversible, so state plainly what you changed. When a tool fails, read the error and adjust instead of repeating the same call.`

// Config carries everything the prompt depends on. Build is a pure function
// of Config plus the current skill set.
type Config struct {
	Identity  string   // overrides the default identity block
	Workspace string   // agent working directory
	ToolNames []string // registered tool names
	Channel   string   // set when the run came in over a chat channel
	Extra     string   // operator addendum, appended last
}

// Assembler renders system prompts from a shared skill set.
type Assembler struct {
	skills *SkillSet
}

func New(skills *SkillSet) *Assembler {
	return &Assembler{skills: skills}
}

// Build renders the prompt with a stable section order: identity, workspace,
// tools, skills (sorted by name), channel note, extra. Identical inputs
// yield a byte-identical prompt.
func (a *Assembler) Build(cfg Config) string {
	var sb strings.Builder

	identity := cfg.Identity
	if identity == "" {
		identity = defaultIdentity
	}
	sb.WriteString(strings.TrimSpace(identity))

	if cfg.Workspace != "" {
		sb.WriteString("\n\n## Workspace\n")
		fmt.Fprintf(&sb, "Your working directory is %s. File tools resolve relative paths against it and refuse paths outside it unless the operator widened access.", cfg.Workspace)
	}

	if len(cfg.ToolNames) > 0 {
		names := make([]string, len(cfg.ToolNames))
		copy(names, cfg.ToolNames)
		sort.Strings(names)
		sb.WriteString("\n\n## Tools\n")
		sb.WriteString("Available tools: ")
		sb.WriteString(strings.Join(names, ", "))
		sb.WriteString(".")
	}

	if a.skills != nil {
		for _, skill := range a.skills.Skills() {
			if skill.Content == "" {
				continue
			}
			fmt.Fprintf(&sb, "\n\n## Skill: %s\n%s", skill.Name, skill.Content)
		}
	}

	if cfg.Channel != "" {
		sb.WriteString("\n\n## Channel\n")
		fmt.Fprintf(&sb, "This conversation arrives through the %s channel. Keep replies concise; long output is truncated by the platform.", cfg.Channel)
	}

	if cfg.Extra != "" {
		sb.WriteString("\n\n")
		sb.WriteString(strings.TrimSpace(cfg.Extra))
	}

	sb.WriteString("\n")
	return sb.String()
}
