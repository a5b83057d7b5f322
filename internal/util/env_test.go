package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	t.Setenv("TEST_BOOL", "yes")
	if !ParseBoolEnv("TEST_BOOL", false) {
		t.Error("expected 'yes' to parse as true")
	}
	t.Setenv("TEST_BOOL", "off")
	if ParseBoolEnv("TEST_BOOL", true) {
		t.Error("expected 'off' to parse as false")
	}
	t.Setenv("TEST_BOOL", "banana")
	if !ParseBoolEnv("TEST_BOOL", true) {
		t.Error("invalid value should return default")
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if got := ParseIntEnv("TEST_INT", 7); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	t.Setenv("TEST_INT", "not-a-number")
	if got := ParseIntEnv("TEST_INT", 7); got != 7 {
		t.Errorf("invalid value should return default, got %d", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("TEST_DUR", "90")
	if got := ParseDurationEnv("TEST_DUR", time.Minute); got != 90*time.Second {
		t.Errorf("expected 90s, got %v", got)
	}
	t.Setenv("TEST_DUR", "-5")
	if got := ParseDurationEnv("TEST_DUR", time.Minute); got != time.Minute {
		t.Errorf("negative value should return default, got %v", got)
	}
}
