package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/afk-project/afk-core/runtime/agent/run"
)

func TestDeriveAutoPromptFilename(t *testing.T) {
	cases := map[string]string{
		"ResearchAgent": "RESEARCH.md",
		"triageAgent":   "TRIAGE.md",
		"html5Parser":   "HTML5_PARSER.md",
		"Coordinator":   "COORDINATOR.md",
		"fooBarAgent":   "FOO_BAR.md",
	}
	for name, want := range cases {
		require.Equal(t, want, deriveAutoPromptFilename(name), name)
	}
}

func TestInlineInstructionsResolvesFixedText(t *testing.T) {
	inline := InlineInstructions("you are a helpful assistant")
	text, err := inline.Resolve(context.Background(), run.Context{})
	require.NoError(t, err)
	require.Equal(t, "you are a helpful assistant", text)
}

func TestFilePromptStoreRendersTemplateWithRunContext(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "RESEARCH.md"), []byte("run {{.RunID}} for thread {{.ThreadID}}"), 0o644))

	store := &FilePromptStore{Dir: dir, AgentName: "ResearchAgent"}
	text, err := store.Resolve(context.Background(), run.Context{RunID: "run-1", SessionID: "thread-1"})
	require.NoError(t, err)
	require.Equal(t, "run run-1 for thread thread-1", text)
}

func TestFilePromptStoreStrictUndefinedFailsOnUnknownField(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "RESEARCH.md"), []byte("{{.NotAField}}"), 0o644))

	store := &FilePromptStore{Dir: dir, AgentName: "ResearchAgent"}
	_, err := store.Resolve(context.Background(), run.Context{RunID: "run-1"})
	require.Error(t, err)
}

func TestFilePromptStoreRejectsPathEscape(t *testing.T) {
	dir := t.TempDir()
	store := &FilePromptStore{Dir: dir, Filename: "../escape.md"}
	_, err := store.Resolve(context.Background(), run.Context{})
	require.Error(t, err)
}

func TestFilePromptStoreCachesUntilFileChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "RESEARCH.md")
	require.NoError(t, os.WriteFile(path, []byte("version one"), 0o644))

	store := &FilePromptStore{Dir: dir, AgentName: "ResearchAgent"}
	first, err := store.Resolve(context.Background(), run.Context{})
	require.NoError(t, err)
	require.Equal(t, "version one", first)

	require.NoError(t, os.WriteFile(path, []byte("version two, now longer"), 0o644))
	second, err := store.Resolve(context.Background(), run.Context{})
	require.NoError(t, err)
	require.Equal(t, "version two, now longer", second)
}
