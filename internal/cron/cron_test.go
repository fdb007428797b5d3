package cron

import (
	"errors"
	"testing"
)

func TestRegisterAndStatus(t *testing.T) {
	s := NewService()
	s.Register("prune", "0 * * * *", func() error { return nil })
	s.Register("decay", "30 3 * * *", func() error { return nil })

	status := s.Status()
	if len(status) != 2 {
		t.Fatalf("status entries = %d, want 2", len(status))
	}
	if status["prune"] != "pending" {
		t.Errorf("prune status = %q, want pending before first run", status["prune"])
	}
}

func TestStart_InvalidSpec(t *testing.T) {
	s := NewService()
	s.Register("bad", "not a cron spec", func() error { return nil })
	if err := s.Start(); err == nil {
		t.Error("expected error for invalid spec")
	}
}

func TestExecute_RecordsOutcome(t *testing.T) {
	s := NewService()
	ran := false
	s.Register("ok-job", "* * * * *", func() error { ran = true; return nil })
	s.Register("bad-job", "* * * * *", func() error { return errors.New("boom") })

	s.execute(s.jobs[0])
	s.execute(s.jobs[1])

	if !ran {
		t.Error("job body did not run")
	}
	status := s.Status()
	if status["ok-job"] != "ok" {
		t.Errorf("ok-job status = %q, want ok", status["ok-job"])
	}
	if status["bad-job"] != "error: boom" {
		t.Errorf("bad-job status = %q, want error: boom", status["bad-job"])
	}
}

func TestStartStop(t *testing.T) {
	s := NewService()
	s.Register("noop", "0 0 1 1 *", func() error { return nil })
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
}
