package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/awi-cli/internal/agent"
	"github.com/xkilldash9x/awi-cli/internal/awitest"
	"github.com/xkilldash9x/awi-cli/internal/credentials"
	"github.com/xkilldash9x/awi-cli/internal/fallback"
	"github.com/xkilldash9x/awi-cli/internal/manifest"
)

const commentScript = `
- kind: call
  intent: {operation: posts.list, endpoint: /posts}
- kind: call
  intent:
    operation: comments.create
    endpoint: /posts/1/comments
    method: POST
    body: {content: Great post!}
- kind: done
  summary: commented
`

// testEnv points the credential store at a temp dir and resets global flags.
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("AWI_CREDENTIALS_PATH", filepath.Join(dir, "credentials.json"))
	t.Setenv("AWI_LOGGER_LEVEL", "error")
	cfgFile = ""
	t.Cleanup(func() { cfgFile = "" })
	return dir
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func decodeReports(t *testing.T, out string) []agent.Report {
	t.Helper()
	var reports []agent.Report
	require.NoError(t, json.Unmarshal([]byte(out), &reports), out)
	return reports
}

func TestRootCmd_Version(t *testing.T) {
	out, err := execute(t, "", "--version")
	require.NoError(t, err)
	assert.Equal(t, "awi-cli version dev\n", out)
}

func TestVersionCmd(t *testing.T) {
	testEnv(t)
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "awi-cli dev\n", out)
}

func TestRootCmd_Help(t *testing.T) {
	out, err := execute(t, "")
	require.NoError(t, err)
	assert.Contains(t, out, "Agent Web Interface")
	assert.Contains(t, out, "credentials")
	assert.Contains(t, out, "discover")
}

func TestRootCmd_InvalidConfig(t *testing.T) {
	testEnv(t)
	t.Setenv("AWI_EXECUTOR_QUICK_REFERENCE", "sometimes")
	_, err := execute(t, "", "credentials", "list")
	assert.ErrorContains(t, err, "executor.quick_reference")
}

func TestRootCmd_ConfigFile(t *testing.T) {
	dir := testEnv(t)
	path := writeFile(t, dir, "awi.yaml", "agent:\n  max_steps: 0\n")
	_, err := execute(t, "", "--config", path, "credentials", "list")
	assert.ErrorContains(t, err, "agent.max_steps")
}

func TestRunCmd_ScriptedTaskAndReuse(t *testing.T) {
	dir := testEnv(t)
	svc := awitest.New(awitest.Options{})
	defer svc.Close()
	script := writeFile(t, dir, "script.yaml", commentScript)

	out, err := execute(t, "", "run", "comment on the first post",
		"--target", svc.URL, "--script", script, "--auto-approve", "--no-browser", "--json")
	require.NoError(t, err)
	reports := decodeReports(t, out)
	require.Len(t, reports, 1)
	r := reports[0]
	assert.True(t, r.Completed)
	assert.Equal(t, "commented", r.Summary)
	assert.Equal(t, agent.ModeStructured, r.Mode)
	assert.Equal(t, fallback.StructuredAPIActive, r.FinalState)
	require.Len(t, r.Steps, 2)
	assert.Contains(t, r.Steps[1].Outcome, "API call succeeded (201")

	// The second run finds the stored credential and needs no approval.
	out, err = execute(t, "", "run", "comment again",
		"--target", svc.URL, "--script", script, "--no-browser", "--json")
	require.NoError(t, err)
	reports = decodeReports(t, out)
	require.Len(t, reports, 1)
	assert.Equal(t, fallback.CredentialReused, reports[0].Transitions[2].To)
	assert.Equal(t, 1, svc.Hits(awitest.RegisterPath))

	store, err := credentials.Open(filepath.Join(dir, "credentials.json"), zap.NewNop())
	require.NoError(t, err)
	creds := store.List("", false)
	require.Len(t, creds, 1)
	assert.Equal(t, 4, creds[0].SessionCount)
}

func TestRunCmd_TerminalApprovalDeclined(t *testing.T) {
	dir := testEnv(t)
	svc := awitest.New(awitest.Options{})
	defer svc.Close()
	script := writeFile(t, dir, "script.yaml", commentScript)

	out, err := execute(t, "n\n", "run", "comment",
		"--target", svc.URL, "--script", script, "--no-browser")
	require.NoError(t, err)
	assert.Contains(t, out, "Mode:      dom (dom_fallback)")
	assert.Contains(t, out, "structured API unavailable")
	assert.Zero(t, svc.Hits(awitest.RegisterPath))
}

func TestRunCmd_SeveralTargets(t *testing.T) {
	dir := testEnv(t)
	first := awitest.New(awitest.Options{})
	defer first.Close()
	second := awitest.New(awitest.Options{Channel: awitest.ChannelNone})
	defer second.Close()
	script := writeFile(t, dir, "script.yaml", commentScript)

	out, err := execute(t, "", "run", "comment",
		"--target", first.URL, "--target", second.URL,
		"--script", script, "--auto-approve", "--no-browser", "--concurrency", "2", "--json")
	require.NoError(t, err)
	reports := decodeReports(t, out)
	require.Len(t, reports, 2)
	assert.Equal(t, first.URL, reports[0].Target)
	assert.Equal(t, fallback.StructuredAPIActive, reports[0].FinalState)
	assert.Equal(t, second.URL, reports[1].Target)
	assert.Equal(t, fallback.DomFallback, reports[1].FinalState)
}

func TestRunCmd_MaxStepsFlag(t *testing.T) {
	dir := testEnv(t)
	svc := awitest.New(awitest.Options{})
	defer svc.Close()
	script := writeFile(t, dir, "script.yaml", commentScript)

	out, err := execute(t, "", "run", "comment",
		"--target", svc.URL, "--script", script, "--auto-approve", "--no-browser", "--max-steps", "1", "--json")
	require.NoError(t, err)
	reports := decodeReports(t, out)
	require.Len(t, reports, 1)
	assert.False(t, reports[0].Completed)
	assert.Equal(t, "step budget of 1 exhausted", reports[0].Summary)
}

func TestRunCmd_LocalManifest(t *testing.T) {
	dir := testEnv(t)
	svc := awitest.New(awitest.Options{})
	defer svc.Close()
	raw, err := json.Marshal(svc.Manifest())
	require.NoError(t, err)
	manifestPath := writeFile(t, dir, "manifest.json", string(raw))
	script := writeFile(t, dir, "script.yaml", commentScript)

	out, err := execute(t, "", "run", "comment",
		"--target", svc.URL, "--manifest", manifestPath, "--script", script, "--auto-approve", "--no-browser", "--json")
	require.NoError(t, err)
	reports := decodeReports(t, out)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Completed)
	assert.Zero(t, svc.Hits(manifest.WellKnownPath))

	_, err = execute(t, "", "run", "comment",
		"--target", svc.URL, "--target", svc.URL, "--manifest", manifestPath, "--script", script)
	assert.ErrorContains(t, err, "single target")
}

func TestRunCmd_RequiresTarget(t *testing.T) {
	testEnv(t)
	_, err := execute(t, "", "run", "anything")
	assert.ErrorContains(t, err, "target")
}

func TestDiscoverCmd(t *testing.T) {
	testEnv(t)
	svc := awitest.New(awitest.Options{})
	defer svc.Close()

	out, err := execute(t, "", "discover", svc.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Manifest found via well-known")
	assert.Contains(t, out, "Operations:")

	out, err = execute(t, "", "discover", svc.URL, "--json")
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, true, decoded["found"])

	none := awitest.New(awitest.Options{Channel: awitest.ChannelNone})
	defer none.Close()
	_, err = execute(t, "", "discover", none.URL)
	assert.ErrorContains(t, err, "no AWI manifest found")
}

func seedStore(t *testing.T, dir string) *credentials.Store {
	t.Helper()
	store, err := credentials.Open(filepath.Join(dir, "credentials.json"), zap.NewNop())
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour)
	_, err = store.Store(credentials.StoreParams{AgentID: "agent-1", AgentName: "Tester", Domain: "blog.example.com", APIKey: "key-0123456789"})
	require.NoError(t, err)
	_, err = store.Store(credentials.StoreParams{AgentID: "agent-2", AgentName: "Old", Domain: "shop.example.com", APIKey: "key-abcdefghij", ExpiresAt: &past})
	require.NoError(t, err)
	return store
}

func TestCredentialsCmd(t *testing.T) {
	dir := testEnv(t)
	seedStore(t, dir)

	out, err := execute(t, "", "credentials", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "agent-1")
	assert.Contains(t, out, "expired")
	assert.NotContains(t, out, "key-0123456789", "keys are masked")

	out, err = execute(t, "", "credentials", "list", "--active")
	require.NoError(t, err)
	assert.NotContains(t, out, "agent-2")

	out, err = execute(t, "", "credentials", "list", "https://Shop.Example.com/")
	require.NoError(t, err)
	assert.Contains(t, out, "agent-2")
	assert.NotContains(t, out, "agent-1")

	out, err = execute(t, "", "credentials", "show", "agent-1")
	require.NoError(t, err)
	assert.Contains(t, out, `"agent_id": "agent-1"`)
	assert.NotContains(t, out, "key-0123456789")
	out, err = execute(t, "", "credentials", "show", "agent-1", "--reveal")
	require.NoError(t, err)
	assert.Contains(t, out, "key-0123456789")

	_, err = execute(t, "", "credentials", "rotate", "agent-1", "--key", "key-new-999999")
	require.NoError(t, err)
	out, err = execute(t, "", "credentials", "show", "agent-1", "--reveal")
	require.NoError(t, err)
	assert.Contains(t, out, "key-new-999999")

	out, err = execute(t, "", "credentials", "cleanup")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 1 expired credentials")

	_, err = execute(t, "", "credentials", "deactivate", "agent-1")
	require.NoError(t, err)
	out, err = execute(t, "", "credentials", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "inactive")

	_, err = execute(t, "no\n", "credentials", "delete", "agent-1")
	assert.ErrorContains(t, err, "aborted")
	_, err = execute(t, "y\n", "credentials", "delete", "agent-1")
	require.NoError(t, err)
	out, err = execute(t, "", "credentials", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No credentials stored.")

	_, err = execute(t, "", "credentials", "show", "missing")
	assert.ErrorIs(t, err, credentials.ErrNotFound)
}
