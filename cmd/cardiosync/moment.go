package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var momentParser = newMomentParser()

func newMomentParser() *when.Parser {
	parser := when.New(nil)
	parser.Add(en.All...)
	parser.Add(common.All...)
	return parser
}

// parseMoment accepts RFC3339 timestamps or English expressions such as
// "tomorrow at 9am", resolved relative to base.
func parseMoment(text string, base time.Time) (time.Time, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("time is required")
	}
	if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return parsed.UTC(), nil
	}
	result, err := momentParser.Parse(trimmed, base)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", trimmed, err)
	}
	if result == nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q", trimmed)
	}
	return result.Time.UTC(), nil
}
