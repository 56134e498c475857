package main

import (
	"flag"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunUsageErrors(t *testing.T) {
	assert.Equal(t, 2, run(nil), "no verb")
	assert.Equal(t, 2, run([]string{"bogus"}), "unknown verb")
	assert.Equal(t, 2, run([]string{"launch", "--definitely-not-a-flag"}), "bad flag")
	assert.Equal(t, 0, run([]string{"--version"}))
}

func TestRepeatedFlagCollectsEveryOccurrence(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var rf repeatedFlag
	fs.Var(&rf, "flags", "")
	require.NoError(t, fs.Parse([]string{
		"--flags", "--disable-gpu",
		"--flags", "--window-size=1280,800",
	}))
	assert.Equal(t, []string{"--disable-gpu", "--window-size=1280,800"}, []string(rf))
	assert.Equal(t, "--disable-gpu,--window-size=1280,800", rf.String())
}
