// Package taskparse extracts structured tasks from a coordinator's
// free-form plan text. Tasks are written in fenced blocks:
//
//	@@@task
//	# Add login form
//
//	## Objective
//	Users can sign in with email.
//
//	## Scope
//	- web/login.tsx
//
//	## Definition of Done
//	- Form validates email
//
//	## Verification
//	- npm test
//	@@@
//
// Section headers accept English and Chinese aliases, a single block may
// hold several tasks split on "# " titles, and triple-backtick code fences
// inside a block are inert: their contents never open sections, titles, or
// further blocks.
package taskparse

import (
	"regexp"
	"strings"

	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/model"
)

// blockOpener matches a trimmed line that starts a task block: up to six
// leading '#', optional spacing, then @@@task or @@@tasks.
var blockOpener = regexp.MustCompile(`^#{0,6}\s*@@@tasks?\b`)

const blockCloser = "@@@"

type section int

const (
	secNone section = iota
	secObjective
	secScope
	secDoD
	secVerification
)

// sectionAliases maps lowercased "## " header text onto sections.
var sectionAliases = map[string]section{
	"objective": secObjective,
	"goal":      secObjective,
	"目标":        secObjective,
	"目的":        secObjective,

	"scope": secScope,
	"范围":    secScope,
	"作用域":   secScope,

	"definition of done":  secDoD,
	"acceptance criteria": secDoD,
	"done criteria":       secDoD,
	"完成标准":                secDoD,
	"验收标准":                secDoD,
	"完成条件":                secDoD,

	"verification": secVerification,
	"verify":       secVerification,
	"验证":           secVerification,
	"验证方法":         secVerification,
	"测试验证":         secVerification,
}

// Parser extracts tasks from plan text.
type Parser struct {
	logger *logger.Logger
}

// NewParser creates a parser.
func NewParser(log *logger.Logger) *Parser {
	return &Parser{logger: log.WithComponent("taskparse")}
}

// Parse extracts every task found in text and binds it to the workspace.
// Parsing is tolerant: an unterminated block runs to end of input, blocks
// without a title are dropped with a warning, and text outside blocks is
// ignored. Returned tasks carry no id or status; the store assigns both.
func (p *Parser) Parse(text, workspaceID string) []*model.Task {
	var tasks []*model.Task
	for _, block := range extractBlocks(text) {
		for _, sub := range splitOnTitles(block) {
			task := parseTask(sub)
			if task == nil {
				if p.logger != nil {
					p.logger.Warn("Dropping task block without a title")
				}
				continue
			}
			task.WorkspaceID = workspaceID
			tasks = append(tasks, task)
		}
	}
	return tasks
}

// extractBlocks returns the content lines of each task block, opener and
// closer excluded. Code fence lines are kept so downstream passes can skip
// their contents.
func extractBlocks(text string) [][]string {
	var (
		blocks  [][]string
		current []string
		inBlock bool
		inCode  bool
	)
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)

		if !inBlock {
			if blockOpener.MatchString(trimmed) {
				inBlock = true
				inCode = false
				current = nil
			}
			continue
		}

		if strings.HasPrefix(trimmed, "```") {
			inCode = !inCode
			current = append(current, line)
			continue
		}
		if !inCode && trimmed == blockCloser {
			blocks = append(blocks, current)
			inBlock = false
			continue
		}
		current = append(current, line)
	}
	// An unterminated block runs to end of input.
	if inBlock {
		blocks = append(blocks, current)
	}
	return blocks
}

// splitOnTitles cuts a block into sub-blocks at each "# " title outside
// code fences. Lines before the first title stay with the first sub-block;
// a block with no title at all comes back whole for parseTask to reject.
func splitOnTitles(block []string) [][]string {
	var (
		subs    [][]string
		current []string
		started bool
		inCode  bool
	)
	flush := func() {
		if len(current) > 0 {
			subs = append(subs, current)
		}
		current = nil
	}
	for _, line := range block {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inCode = !inCode
			current = append(current, line)
			continue
		}
		if !inCode && isTitle(trimmed) {
			if started {
				flush()
			}
			started = true
		}
		current = append(current, line)
	}
	flush()
	return subs
}

func isTitle(trimmed string) bool {
	return strings.HasPrefix(trimmed, "# ") && strings.TrimSpace(trimmed[2:]) != ""
}

// parseTask builds one task from a sub-block, or nil when no title is
// found. Only the first "# " line is the title; section content is
// collected under the most recent recognized "## " header.
func parseTask(lines []string) *model.Task {
	task := &model.Task{}
	var (
		inCode    bool
		active    section
		objective []string
	)
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "```") {
			inCode = !inCode
			continue
		}
		if inCode {
			continue
		}

		if task.Title == "" && isTitle(trimmed) {
			task.Title = strings.TrimSpace(trimmed[2:])
			continue
		}

		if rest, ok := strings.CutPrefix(trimmed, "## "); ok {
			header := strings.ToLower(strings.TrimSpace(rest))
			active = sectionAliases[header]
			continue
		}

		switch active {
		case secObjective:
			if trimmed != "" {
				objective = append(objective, trimmed)
			}
		case secScope:
			if item, ok := listItem(trimmed); ok {
				task.Scope = append(task.Scope, item)
			}
		case secDoD:
			if item, ok := listItem(trimmed); ok {
				task.DoD = append(task.DoD, item)
			}
		case secVerification:
			if item, ok := listItem(trimmed); ok {
				task.Verification = append(task.Verification, item)
			}
		}
	}
	if task.Title == "" {
		return nil
	}
	task.Objective = strings.Join(objective, "\n")
	return task
}

func listItem(trimmed string) (string, bool) {
	rest, ok := strings.CutPrefix(trimmed, "-")
	if !ok {
		return "", false
	}
	item := strings.TrimSpace(rest)
	return item, item != ""
}

// Render writes tasks back out in canonical block form, one block per
// task. Parse(Render(tasks)) reproduces the tasks' text fields, which is
// what the verifier briefing relies on.
func Render(tasks []*model.Task) string {
	var b strings.Builder
	for i, task := range tasks {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("@@@task\n")
		b.WriteString("# " + task.Title + "\n")
		if task.Objective != "" {
			b.WriteString("\n## Objective\n")
			for _, line := range strings.Split(task.Objective, "\n") {
				b.WriteString(line + "\n")
			}
		}
		writeList(&b, "Scope", task.Scope)
		writeList(&b, "Definition of Done", task.DoD)
		writeList(&b, "Verification", task.Verification)
		b.WriteString("@@@\n")
	}
	return b.String()
}

func writeList(b *strings.Builder, header string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString("\n## " + header + "\n")
	for _, item := range items {
		b.WriteString("- " + item + "\n")
	}
}
