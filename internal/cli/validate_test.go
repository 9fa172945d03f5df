package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_ValidFiles(t *testing.T) {
	dir := t.TempDir()
	yamlDef := writeFile(t, dir, "review.yaml", reviewProcess)
	cueDef := writeFile(t, dir, "hello.cue", `
processes: [{
	key: "hello"
	activities: [
		{id: "start", type: "startEvent", initial: true, transitions: [{to: "end"}]},
		{id: "end", type: "endEvent"},
	]
}]
`)

	out, err := execute(t, "--format", "json", "validate", yamlDef, cueDef)
	require.NoError(t, err)
	var res ValidationResult
	decodeData(t, out, &res)
	assert.True(t, res.Valid)
	require.Len(t, res.Files, 2)
	assert.Equal(t, []string{"review"}, res.Files[0].Processes)
	assert.Equal(t, []string{"hello"}, res.Files[1].Processes)
}

func TestValidate_InvalidFiles(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "review.yaml", reviewProcess)
	unknownType := writeFile(t, dir, "bad.yaml", `
processes:
  - key: bad
    activities:
      - {id: start, type: teleport, initial: true}
`)
	wrongExt := writeFile(t, dir, "notes.txt", "hello")

	out, err := execute(t, "validate", good, unknownType, wrongExt, filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✓ "+good)
	assert.Contains(t, out, `unknown activity type "teleport"`)
	assert.Contains(t, out, `unsupported definition format ".txt"`)
	assert.Contains(t, out, "4 file(s), 3 invalid")
}
