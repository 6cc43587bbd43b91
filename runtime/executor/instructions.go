package executor

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"unicode"

	"github.com/afk-project/afk-core/runtime/agent/run"
)

// InlineInstructions returns a fixed instruction string regardless of run
// context. It is one of the Instructions implementations an Agent can hold;
// nothing combines it with a template file or an auto-derived resolver, so
// no precedence between them is applied.
type InlineInstructions string

// Resolve implements Instructions.
func (i InlineInstructions) Resolve(_ context.Context, _ run.Context) (string, error) {
	return string(i), nil
}

// TemplateData is the value passed to a prompt template's execution; fields
// mirror the run context a template may reasonably want to interpolate.
type TemplateData struct {
	RunID       string
	ThreadID    string
	SessionID   string
	TurnID      string
	Tool        string
	Attempt     int
	MaxDuration string
	Labels      map[string]string
}

func templateDataFromContext(rc run.Context) TemplateData {
	return TemplateData{
		RunID:       rc.RunID,
		ThreadID:    rc.SessionID,
		SessionID:   rc.SessionID,
		TurnID:      rc.TurnID,
		Tool:        string(rc.Tool),
		Attempt:     rc.Attempt,
		MaxDuration: rc.MaxDuration,
		Labels:      rc.Labels,
	}
}

// FilePromptStore resolves an agent's system prompt from a template file
// rooted under Dir, either an explicit Filename or one auto-derived from the
// agent's name. Templates render with stdlib text/template configured with
// Option("missingkey=error"): referencing a field TemplateData does not
// provide is a render error rather than a silently empty substitution,
// mirroring a strict-undefined template environment.
//
// FilePromptStore caches parsed templates by absolute path keyed on the
// file's mtime+size, so a file edited on disk is picked up on the next
// Resolve without restarting the process, while an unchanged file never
// re-reads or re-parses.
type FilePromptStore struct {
	Dir       string
	Filename  string
	AgentName string

	mu     sync.Mutex
	cached map[string]cachedTemplate
}

type cachedTemplate struct {
	modTime int64
	size    int64
	tmpl    *template.Template
}

// Resolve implements Instructions.
func (s *FilePromptStore) Resolve(_ context.Context, rc run.Context) (string, error) {
	name := s.Filename
	if name == "" {
		name = deriveAutoPromptFilename(s.AgentName)
	}
	path, err := resolvePromptFilePath(s.Dir, name)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("executor: stat prompt file %q: %w", path, err)
	}

	s.mu.Lock()
	if s.cached == nil {
		s.cached = make(map[string]cachedTemplate)
	}
	entry, ok := s.cached[path]
	s.mu.Unlock()

	if !ok || entry.modTime != info.ModTime().UnixNano() || entry.size != info.Size() {
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("executor: read prompt file %q: %w", path, err)
		}
		tmpl, err := template.New(name).Option("missingkey=error").Parse(string(raw))
		if err != nil {
			return "", fmt.Errorf("executor: parse prompt template %q: %w", path, err)
		}
		entry = cachedTemplate{
			modTime: info.ModTime().UnixNano(),
			size:    info.Size(),
			tmpl:    tmpl,
		}
		s.mu.Lock()
		s.cached[path] = entry
		s.mu.Unlock()
	}

	var buf bytes.Buffer
	if err := entry.tmpl.Execute(&buf, templateDataFromContext(rc)); err != nil {
		return "", fmt.Errorf("executor: render prompt template %q: %w", path, err)
	}
	return buf.String(), nil
}

// resolvePromptFilePath joins dir and name and rejects the result if it
// escapes dir, preventing a maliciously or accidentally crafted filename
// from reading outside the configured prompt directory.
func resolvePromptFilePath(dir, name string) (string, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("executor: resolve prompt dir %q: %w", dir, err)
	}
	joined := filepath.Join(root, name)
	rel, err := filepath.Rel(root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("executor: prompt file %q escapes prompt directory %q", name, dir)
	}
	if _, err := os.Stat(joined); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("executor: prompt file not found: %w", fs.ErrNotExist)
		}
		return "", err
	}
	return joined, nil
}

// deriveAutoPromptFilename derives an UPPER_SNAKE.md filename from an agent
// name, splitting camelCase/PascalCase word boundaries and stripping a
// trailing "agent" word (case-insensitively) before upper-snake-casing the
// remainder. "ResearchAgent" -> "RESEARCH.md"; "triageAgent" ->
// "TRIAGE.md"; "html5Parser" -> "HTML5_PARSER.md".
func deriveAutoPromptFilename(name string) string {
	words := splitWordBoundaries(name)
	if len(words) > 1 && strings.EqualFold(words[len(words)-1], "agent") {
		words = words[:len(words)-1]
	}
	if len(words) == 0 {
		words = []string{"agent"}
	}
	upper := make([]string, len(words))
	for i, w := range words {
		upper[i] = strings.ToUpper(w)
	}
	return strings.Join(upper, "_") + ".md"
}

// splitWordBoundaries splits camelCase/PascalCase/snake_case/kebab-case
// identifiers into constituent words. Digits stay attached to the word they
// follow ("html5"); an uppercase letter after a lowercase letter or a digit
// starts a new word, as does the last capital of an acronym run followed by
// a lowercase letter.
func splitWordBoundaries(s string) []string {
	var words []string
	var cur []rune
	runes := []rune(s)
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = nil
		}
	}
	for i, r := range runes {
		switch {
		case r == '_' || r == '-' || r == ' ':
			flush()
		case unicode.IsUpper(r) && i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])):
			flush()
			cur = append(cur, r)
		case unicode.IsUpper(r) && i+1 < len(runes) && unicode.IsLower(runes[i+1]) && len(cur) > 0 && unicode.IsUpper(runes[i-1]):
			flush()
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return words
}
