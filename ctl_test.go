package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestDisplayTime(t *testing.T) {
	ts := time.Date(2024, 3, 1, 9, 30, 15, 123456789, time.UTC)
	assert.Equal(t, ts.Local().Format("2006-01-02 15:04:05"), displayTime(ts.Format(time.RFC3339Nano)))
	assert.Equal(t, "not a time", displayTime("not a time"))
}

func TestRenderTable(t *testing.T) {
	color.NoColor = true

	var out bytes.Buffer
	renderTable(&out, tables["messages"], [][]string{
		{"alice", "2024-03-01T09:30:15.5Z", "2", "0"},
		{"bob", "2024-03-01T09:31:00Z", "0", "2"},
	})

	text := out.String()
	assert.Contains(t, text, "Message History")
	assert.Contains(t, text, "ACCEPTED")
	assert.Contains(t, text, "alice")
	assert.NotContains(t, text, ".5Z")

	out.Reset()
	renderTable(&out, tables["online"], nil)
	assert.Contains(t, out.String(), "(none)")
}

func TestCtlCommandsAreRegistered(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"stats", "accounts", "online", "logins", "contacts", "messages", "shutdown"} {
		cmd, _, err := root.Find([]string{"ctl", name})
		if assert.NoError(t, err, name) {
			assert.Equal(t, name, cmd.Name())
		}
	}
}
