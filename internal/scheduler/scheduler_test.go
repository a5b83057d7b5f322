package scheduler

import (
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	// Should add a valid cron job without error
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("not a cron expr", func() {}); err == nil {
		t.Error("Expected error for invalid expression")
	}
}

func TestSchedulerAddInterval(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddInterval(20*time.Minute, func() {}); err != nil {
		t.Errorf("Expected no error adding interval job, got %v", err)
	}
	if err := s.AddInterval(0, func() {}); err == nil {
		t.Error("Expected error for non-positive interval")
	}
}
