package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRun_UsageAndUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer

	rc := Run([]string{"depotgate"}, &stdout, &stderr)
	assert.Equal(t, 2, rc)
	assert.Contains(t, stderr.String(), "Usage")

	stderr.Reset()
	rc = Run([]string{"depotgate", "frobnicate"}, &stdout, &stderr)
	assert.Equal(t, 2, rc)
	assert.Contains(t, stderr.String(), "Unknown command")

	stdout.Reset()
	rc = Run([]string{"depotgate", "help"}, &stdout, &stderr)
	assert.Equal(t, 0, rc)
	assert.Contains(t, stdout.String(), "stage")
}

func TestRun_MissingRequiredFlags(t *testing.T) {
	var stdout, stderr bytes.Buffer

	rc := Run([]string{"depotgate", "stage"}, &stdout, &stderr)
	assert.Equal(t, 2, rc)
	assert.Contains(t, stderr.String(), "--task")

	stderr.Reset()
	rc = Run([]string{"depotgate", "ship", "--task", "task-1", "--deliverable", "nope"}, &stdout, &stderr)
	assert.Equal(t, 2, rc)

	stderr.Reset()
	rc = Run([]string{"depotgate", "shipments"}, &stdout, &stderr)
	assert.Equal(t, 2, rc)
	assert.True(t, strings.Contains(stderr.String(), "--task") || strings.Contains(stderr.String(), "--manifest"))
}

func TestSplitCSV(t *testing.T) {
	assert.Nil(t, splitCSV(""))
	assert.Equal(t, []string{"a", "b"}, splitCSV(" a, b ,"))
}
