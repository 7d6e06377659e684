package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScriptDump(t *testing.T) {
	var out bytes.Buffer
	cmd := newCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--script", "A"})
	require.NoError(t, cmd.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Regexp(t, `^0x2a\s+make\(0x2a\)\s+S--\s+-$`, lines[0])
	assert.Regexp(t, `^0x1e\s+make\(0x1e\)\s+S--\s+char\('A'\)$`, lines[1])
	assert.Regexp(t, `^0x9e\s+break\(0x1e\)\s+S--\s+-$`, lines[2])
	assert.Regexp(t, `^0xaa\s+break\(0x2a\)\s+---\s+-$`, lines[3])
}

func TestScriptDumpChord(t *testing.T) {
	var out bytes.Buffer
	cmd := newCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--script", "{playback}"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "--C")
	assert.Contains(t, out.String(), "playback")
}

func TestScriptDumpRejectsUnknownChord(t *testing.T) {
	cmd := newCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--script", "{nope}"})
	assert.Error(t, cmd.Execute())
}
