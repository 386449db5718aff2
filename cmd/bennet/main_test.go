package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/fatih/color"
	"github.com/stellarlinkco/bennet/internal/config"
	"github.com/stellarlinkco/bennet/internal/history"
	"github.com/stellarlinkco/bennet/internal/provider"
	"github.com/stellarlinkco/bennet/internal/tokenizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoCompleter struct {
	mu    sync.Mutex
	calls int
}

func (e *echoCompleter) Complete(_ context.Context, req provider.Request) (*provider.Result, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	last := req.Messages[len(req.Messages)-1]
	return &provider.Result{Content: "echo: " + last.Content, Model: req.Model, Provider: "fake"}, nil
}

// setupHome points the config at a fresh home directory.
func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("BENNET_CONFIG", "")
	t.Setenv("BENNET_AGENT_MODEL", "llama3")
	t.Setenv("BENNET_PROVIDER_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("BENNET_LOG_LEVEL", "error")
	color.NoColor = true
	return home
}

func execute(t *testing.T, opts Options, args ...string) (string, error) {
	t.Helper()
	var out, logs bytes.Buffer
	cmd := newRootCmd(opts)
	cmd.SetOut(&out)
	cmd.SetErr(&logs)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommandsRegistered(t *testing.T) {
	cmd := newRootCmd(Options{})
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"agent", "gateway", "onboard", "status", "modules", "history"} {
		assert.Contains(t, names, want)
	}
	agent, _, err := cmd.Find([]string{"agent"})
	require.NoError(t, err)
	assert.NotNil(t, agent.Flags().Lookup("message"))
	assert.Equal(t, "m", agent.Flags().Lookup("message").Shorthand)
}

func TestOnboard(t *testing.T) {
	home := setupHome(t)

	out, err := execute(t, Options{}, "onboard")
	require.NoError(t, err)
	assert.Contains(t, out, "Created config")

	cfgPath := filepath.Join(home, ".bennet", "config.json")
	assert.FileExists(t, cfgPath)
	example := filepath.Join(home, ".bennet", "modules", exampleManifestName)
	assert.FileExists(t, example)

	// running again keeps both files
	require.NoError(t, os.WriteFile(example, []byte("kind: motivator\n"), 0644))
	out, err = execute(t, Options{}, "onboard")
	require.NoError(t, err)
	assert.Contains(t, out, "Config already exists")
	data, err := os.ReadFile(example)
	require.NoError(t, err)
	assert.Equal(t, "kind: motivator\n", string(data))
}

func TestStatus(t *testing.T) {
	setupHome(t)
	out, err := execute(t, Options{}, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "not found, using defaults")
	assert.Contains(t, out, "Model:     llama3")
	assert.Contains(t, out, "API key not set")
	assert.Contains(t, out, "Valid:     ")
	assert.Contains(t, out, "run 'bennet onboard'")

	_, err = execute(t, Options{}, "onboard")
	require.NoError(t, err)
	t.Setenv("BENNET_PROVIDER_API_KEY", "sk-abcdefgh1234")
	out, err = execute(t, Options{}, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "API key sk-a...1234")
	assert.Contains(t, out, "(0 manifests")
	assert.Contains(t, out, "Valid:     yes")
}

func TestModulesListing(t *testing.T) {
	home := setupHome(t)
	dir := filepath.Join(home, ".bennet", "modules")
	require.NoError(t, os.MkdirAll(dir, 0755))

	out, err := execute(t, Options{}, "modules")
	require.NoError(t, err)
	assert.Contains(t, out, "No module manifests")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "daily.yaml"),
		[]byte("kind: motivator\ndescription: daily kick\ntrigger: {cron: \"0 9 * * *\"}\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hourly.yaml"), []byte("kind: motivator\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hook.yaml"), []byte("kind: webhook\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ghost.yaml"), []byte("kind: nope\n"), 0644))

	out, err = execute(t, Options{}, "modules")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], "TRIGGER")
	assert.Contains(t, lines[1], "daily")
	assert.Contains(t, lines[1], "cron:0 9 * * *")
	assert.Contains(t, lines[1], "daily kick")
	assert.Contains(t, lines[2], "ghost")
	assert.Contains(t, lines[2], "unknown module kind")
	assert.Contains(t, lines[3], "event:webhook")
	assert.Contains(t, lines[4], "every 1h0m0s")
}

func TestAgentSingleMessage(t *testing.T) {
	home := setupHome(t)
	llm := &echoCompleter{}

	out, err := execute(t, Options{Completer: llm}, "agent", "-m", "Hello")
	require.NoError(t, err)
	assert.Equal(t, "echo: Hello\n", out)

	msgs := readHistory(t, home, agentChatID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, "cli", msgs[0].Metadata["channel"])
}

func TestAgentREPL(t *testing.T) {
	home := setupHome(t)
	llm := &echoCompleter{}
	in := strings.NewReader("first\n\n/clear\nsecond\nexit\nnever\n")

	out, err := execute(t, Options{Completer: llm, Stdin: in}, "agent")
	require.NoError(t, err)
	assert.Contains(t, out, "echo: first")
	assert.Contains(t, out, "History cleared (2 messages removed).")
	assert.Contains(t, out, "echo: second")
	assert.NotContains(t, out, "never")
	assert.Equal(t, 2, llm.calls)

	msgs := readHistory(t, home, agentChatID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "second", msgs[0].Content)
}

func TestAgentRequiresValidConfig(t *testing.T) {
	setupHome(t)
	_, err := execute(t, Options{}, "agent", "-m", "hi")
	assert.ErrorContains(t, err, "api key not set")
}

func TestGatewayRequiresValidConfig(t *testing.T) {
	setupHome(t)
	_, err := execute(t, Options{}, "gateway")
	assert.ErrorContains(t, err, "bennet onboard")
}

func TestHistoryClear(t *testing.T) {
	home := setupHome(t)
	_, err := execute(t, Options{Completer: &echoCompleter{}}, "agent", "-m", "Hello")
	require.NoError(t, err)

	out, err := execute(t, Options{}, "history", "clear", "--chat", agentChatID)
	require.NoError(t, err)
	assert.Equal(t, "Deleted 2 messages from chat cli\n", out)
	assert.Empty(t, readHistory(t, home, agentChatID))

	_, err = execute(t, Options{}, "history", "clear")
	assert.Error(t, err)
}

func TestMaskKey(t *testing.T) {
	color.NoColor = true
	assert.Equal(t, "not set", maskKey(""))
	assert.Equal(t, "set", maskKey("short"))
	assert.Equal(t, "sk-1...wxyz", maskKey("sk-1234567890wxyz"))
}

func TestStateBackend(t *testing.T) {
	assert.Equal(t, "/tmp/s.json", stateBackend(config.ModulesConfig{StatePath: "/tmp/s.json"}))
	assert.Equal(t, "redis localhost:6379", stateBackend(config.ModulesConfig{
		StateBackend: "redis",
		Redis:        config.RedisConfig{Addr: "localhost:6379"},
	}))
}

func readHistory(t *testing.T, home, chatID string) []history.Message {
	t.Helper()
	st, err := history.Open(filepath.Join(home, ".bennet", "data", "chat_history.db"), history.Options{
		Counter: tokenizer.New(0.25),
	})
	require.NoError(t, err)
	defer st.Close()
	msgs, err := st.GetConversationHistory(context.Background(), chatID, history.HistoryQuery{MaxMessages: 50})
	require.NoError(t, err)
	return msgs
}
