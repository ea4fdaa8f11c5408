package usage

import (
	"context"
	"testing"
)

func TestParseSessionAndDaily(t *testing.T) {
	c := CommandChecker{ThresholdPercent: 80}
	snap := c.Parse("Session: 45% used\nDaily: 23% used\n")
	if snap.SessionPercent != 45 || snap.DailyPercent != 23 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if !snap.SafeToExecute {
		t.Fatalf("45/23 under 80 must be safe")
	}
}

func TestParseOverThreshold(t *testing.T) {
	c := CommandChecker{ThresholdPercent: 80}
	snap := c.Parse("Session: 12% used\nDaily: 85.5% used\n")
	if snap.SafeToExecute {
		t.Fatalf("daily 85.5 over 80 must be unsafe")
	}
	if snap.Max() != 85.5 {
		t.Fatalf("expected max 85.5, got %f", snap.Max())
	}
}

func TestParseAtThresholdIsUnsafe(t *testing.T) {
	c := CommandChecker{ThresholdPercent: 80}
	if snap := c.Parse("Session: 80% used\n"); snap.SafeToExecute {
		t.Fatalf("exactly at threshold must be unsafe")
	}
}

func TestParseGenericUsageLine(t *testing.T) {
	c := CommandChecker{ThresholdPercent: 80}
	snap := c.Parse("You have used 33% of your limit today.\n")
	if snap.SessionPercent != 33 {
		t.Fatalf("generic line should count as session, got %+v", snap)
	}
	if snap.DailyPercent != 0 {
		t.Fatalf("'today' is not a daily figure, got %+v", snap)
	}
}

func TestParseDailyAsWholeWord(t *testing.T) {
	c := CommandChecker{ThresholdPercent: 80}
	snap := c.Parse("Usage per day: 12% used\n")
	if snap.DailyPercent != 12 || snap.SessionPercent != 0 {
		t.Fatalf("expected daily 12, got %+v", snap)
	}
}

func TestParseNoPercentagesIsSafe(t *testing.T) {
	c := CommandChecker{ThresholdPercent: 80}
	snap := c.Parse("all good, nothing to report\n")
	if !snap.SafeToExecute || snap.Max() != 0 {
		t.Fatalf("no readings must parse as safe zero, got %+v", snap)
	}
}

func TestCheckMissingCommandIsSafe(t *testing.T) {
	c := CommandChecker{Command: []string{"goalline-no-such-command-xyz"}, ThresholdPercent: 80}
	snap := c.Check(context.Background())
	if !snap.SafeToExecute {
		t.Fatalf("missing usage command means nothing to measure, must be safe: %+v", snap)
	}
}

func TestCheckFailingCommandIsUnsafe(t *testing.T) {
	c := CommandChecker{Command: []string{"false"}, ThresholdPercent: 80}
	snap := c.Check(context.Background())
	if snap.SafeToExecute {
		t.Fatalf("failing usage command must be unsafe: %+v", snap)
	}
}

func TestCheckNoCommandConfigured(t *testing.T) {
	c := CommandChecker{ThresholdPercent: 80}
	if snap := c.Check(context.Background()); !snap.SafeToExecute {
		t.Fatalf("no command configured must be safe")
	}
}
