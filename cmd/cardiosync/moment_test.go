package main

import (
	"testing"
	"time"
)

func TestParseMoment(t *testing.T) {
	base := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

	testCases := []struct {
		name     string
		input    string
		expected time.Time
		wantErr  bool
	}{
		{name: "rfc3339", input: "2024-03-20T08:30:00Z", expected: time.Date(2024, 3, 20, 8, 30, 0, 0, time.UTC)},
		{name: "rfc3339 with offset", input: "2024-03-20T10:30:00+02:00", expected: time.Date(2024, 3, 20, 8, 30, 0, 0, time.UTC)},
		{name: "relative hours", input: "in 2 hours", expected: base.Add(2 * time.Hour)},
		{name: "empty", input: "  ", wantErr: true},
		{name: "gibberish", input: "lorem ipsum", wantErr: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			got, err := parseMoment(testCase.input, base)
			if testCase.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %s", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if !got.Equal(testCase.expected) {
				t.Fatalf("expected %s, got %s", testCase.expected, got)
			}
		})
	}
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"serve", "sync", "status", "reset", "queue", "reading", "reminder", "token"} {
		if _, _, err := root.Find([]string{name}); err != nil {
			t.Fatalf("expected %s subcommand: %v", name, err)
		}
	}
	queueCmd, _, err := root.Find([]string{"queue", "purge"})
	if err != nil || queueCmd.Name() != "purge" {
		t.Fatalf("expected queue purge subcommand, got %v (%v)", queueCmd, err)
	}
}
