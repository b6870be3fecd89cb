package scheduler

import "testing"

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.AddJob("prune", "*/5 * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("refresh", "@every 10m", func() {}); err != nil {
		t.Errorf("Expected descriptor to be accepted, got %v", err)
	}
}

func TestSchedulerAddJob_Invalid(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.AddJob("broken", "not a schedule", func() {}); err == nil {
		t.Error("Expected error for invalid expression")
	}
	if err := s.AddJob("seconds", "* * * * * *", func() {}); err == nil {
		t.Error("Expected error for 6-field expression")
	}
}
