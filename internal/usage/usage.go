package usage

import (
	"context"
	"errors"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Snapshot is one resource-usage reading.
type Snapshot struct {
	SessionPercent float64 `json:"session_percent"`
	DailyPercent   float64 `json:"daily_percent"`
	SafeToExecute  bool    `json:"safe_to_execute"`
	Error          string  `json:"error,omitempty"`
}

// Max returns the higher of the session and daily percentages.
func (s Snapshot) Max() float64 {
	if s.DailyPercent > s.SessionPercent {
		return s.DailyPercent
	}
	return s.SessionPercent
}

// Checker reports current resource usage against a safety threshold.
type Checker interface {
	Check(ctx context.Context) Snapshot
}

// StaticChecker always returns the same snapshot. Used when no usage command
// is configured and in tests.
type StaticChecker struct {
	Snapshot Snapshot
}

func (c StaticChecker) Check(context.Context) Snapshot { return c.Snapshot }

// AlwaysSafe is the default when usage checking is disabled.
var AlwaysSafe = StaticChecker{Snapshot: Snapshot{SafeToExecute: true}}

// CommandChecker shells out to a usage-reporting command and parses percent
// figures from its output.
type CommandChecker struct {
	Command          []string
	ThresholdPercent float64
	Timeout          time.Duration
}

var (
	percentPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)
	// Whole words only: "today" is not a daily figure.
	dailyPattern = regexp.MustCompile(`\b(?:daily|day)\b`)
)

// Check runs the command. A missing command is treated as safe (nothing to
// measure); a failing or timed-out command is treated as unsafe.
func (c CommandChecker) Check(ctx context.Context) Snapshot {
	if len(c.Command) == 0 {
		return Snapshot{SafeToExecute: true}
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...)
	out, err := cmd.Output()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return Snapshot{SafeToExecute: true, Error: "usage command not found"}
		}
		return Snapshot{SafeToExecute: false, Error: err.Error()}
	}
	return c.Parse(string(out))
}

// Parse extracts session/daily percentages from command output lines such as
// "Session: 45% used" and "Daily: 23% used". A generic usage line counts as
// the session figure when none was seen yet.
func (c CommandChecker) Parse(output string) Snapshot {
	var snap Snapshot
	for _, line := range strings.Split(strings.ToLower(output), "\n") {
		matches := percentPattern.FindStringSubmatch(line)
		if matches == nil {
			continue
		}
		value, err := strconv.ParseFloat(matches[1], 64)
		if err != nil {
			continue
		}
		switch {
		case strings.Contains(line, "session"):
			snap.SessionPercent = value
		case dailyPattern.MatchString(line):
			snap.DailyPercent = value
		case strings.Contains(line, "limit") || strings.Contains(line, "used"):
			if snap.SessionPercent == 0 {
				snap.SessionPercent = value
			}
		}
	}
	snap.SafeToExecute = snap.Max() < c.ThresholdPercent
	return snap
}
