package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestRulesCommandText(t *testing.T) {
	path := writeFile(t, "rules.pro", `
-keep class com.Foo { public <init>(); }
-keepnames class com.Bar
`)
	out, _, err := runCLI(t, "rules", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ok: true")
	assert.Contains(t, out, "keep rules: 2")
}

func TestRulesCommandJSON(t *testing.T) {
	path := writeFile(t, "rules.pro", `-keep class com.Foo
-keepclassmembers class **.R$* {
  public static <fields>;
}
-keepclasseswithmembers class * { native <methods>; }
`)
	out, _, err := runCLI(t, "--format", "json", "rules", path)
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)

	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var summary RulesSummary
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.True(t, summary.OK)
	assert.Equal(t, 2, summary.KeepRules)
	assert.Equal(t, 1, summary.BlocklistedRemoved)
	assert.Equal(t, 1, summary.BlanketNativeRules)
}

func TestRulesCommandFailureExitCode(t *testing.T) {
	path := writeFile(t, "bad.pro", "-keep public !public class com.Foo\n")
	_, _, err := runCLI(t, "rules", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestRulesCommandMissingFile(t *testing.T) {
	_, _, err := runCLI(t, "rules", filepath.Join(t.TempDir(), "missing.pro"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestVetCommand(t *testing.T) {
	good := writeFile(t, "good.yaml", "interdex:\n  emit_canaries: true\n")
	out, _, err := runCLI(t, "vet", good)
	require.NoError(t, err)
	assert.Contains(t, out, "valid: true")

	bad := writeFile(t, "bad.yaml", "interdex:\n  emit_canariez: true\n")
	_, _, err = runCLI(t, "vet", bad)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestInvalidFormatFlag(t *testing.T) {
	_, _, err := runCLI(t, "--format", "xml", "rules", "whatever.pro")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}
