package main

import (
	"testing"
)

func TestRootRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	names := make(map[string]bool)
	for _, cmd := range root.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"serve", "up", "down", "status", "doctor", "config", "version"} {
		if !names[want] {
			t.Fatalf("expected root command to include %s", want)
		}
	}
}

func TestRootSilencesCobraOutput(t *testing.T) {
	root := newRootCmd()
	if !root.SilenceErrors || !root.SilenceUsage {
		t.Fatalf("expected root command to silence cobra error and usage output")
	}
}
