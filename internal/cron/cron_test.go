package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewJob(t *testing.T) {
	job := NewJob("nightly-prune", Schedule{Kind: "cron", Expr: "0 0 3 * * *"}, Payload{Task: "memory.prune"})
	if job.ID == "" {
		t.Error("job ID should not be empty")
	}
	if job.Name != "nightly-prune" {
		t.Errorf("name = %q, want nightly-prune", job.Name)
	}
	if !job.Enabled {
		t.Error("job should be enabled by default")
	}
	if job.Payload.Task != "memory.prune" {
		t.Errorf("task = %q, want memory.prune", job.Payload.Task)
	}
}

func TestService_AddAndListJobs(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "jobs.json")
	s := NewService(storePath)

	job, err := s.AddJob("job1", Schedule{Kind: "every", EveryMs: 60000}, Payload{Task: "memory.prune"})
	if err != nil {
		t.Fatalf("AddJob error: %v", err)
	}
	if job.Name != "job1" {
		t.Errorf("name = %q, want job1", job.Name)
	}

	jobs := s.ListJobs()
	if len(jobs) != 1 {
		t.Fatalf("len(jobs) = %d, want 1", len(jobs))
	}

	// Verify persistence
	data, err := os.ReadFile(storePath)
	if err != nil {
		t.Fatalf("read store: %v", err)
	}
	var stored []Job
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(stored) != 1 || stored[0].Name != "job1" {
		t.Errorf("stored = %+v, want one job named job1", stored)
	}
}

func TestService_RemoveJob(t *testing.T) {
	s := NewService(filepath.Join(t.TempDir(), "jobs.json"))

	job, _ := s.AddJob("rm-test", Schedule{Kind: "every", EveryMs: 1000}, Payload{})

	if !s.RemoveJob(job.ID) {
		t.Error("RemoveJob returned false")
	}
	if len(s.ListJobs()) != 0 {
		t.Error("job not removed")
	}
	if s.RemoveJob("nonexistent") {
		t.Error("RemoveJob should return false for nonexistent")
	}
}

func TestService_EnableJob(t *testing.T) {
	s := NewService(filepath.Join(t.TempDir(), "jobs.json"))

	job, _ := s.AddJob("toggle", Schedule{Kind: "every", EveryMs: 1000}, Payload{})

	updated, err := s.EnableJob(job.ID, false)
	if err != nil {
		t.Fatalf("EnableJob error: %v", err)
	}
	if updated.Enabled {
		t.Error("job should be disabled")
	}

	updated, err = s.EnableJob(job.ID, true)
	if err != nil {
		t.Fatalf("EnableJob error: %v", err)
	}
	if !updated.Enabled {
		t.Error("job should be enabled")
	}

	if _, err := s.EnableJob("nonexistent", true); err == nil {
		t.Error("expected error for nonexistent job")
	}
}

func TestService_FindByName(t *testing.T) {
	s := NewService(filepath.Join(t.TempDir(), "jobs.json"))

	if _, ok := s.FindByName("missing"); ok {
		t.Error("FindByName should miss on empty service")
	}

	added, _ := s.AddJob("session-sweep", Schedule{Kind: "every", EveryMs: 3600000}, Payload{Task: "session.sweep"})
	found, ok := s.FindByName("session-sweep")
	if !ok {
		t.Fatal("FindByName missed an existing job")
	}
	if found.ID != added.ID {
		t.Errorf("found %q, want %q", found.ID, added.ID)
	}
}

func TestService_EveryJobFires(t *testing.T) {
	s := NewService(filepath.Join(t.TempDir(), "jobs.json"))
	s.tickEvery = 10 * time.Millisecond

	var fired atomic.Int32
	s.OnFire = func(job Job) (string, error) {
		fired.Add(1)
		return "done", nil
	}

	if _, err := s.AddJob("fast-tick", Schedule{Kind: "every", EveryMs: 30}, Payload{Task: "memory.prune"}); err != nil {
		t.Fatalf("AddJob error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for fired.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if fired.Load() < 2 {
		t.Fatalf("fired %d times, want at least 2", fired.Load())
	}

	job, ok := s.FindByName("fast-tick")
	if !ok {
		t.Fatal("job disappeared")
	}
	if job.State.LastStatus != "ok" || job.State.LastRunAtMs == 0 {
		t.Errorf("state = %+v, want ok with a run timestamp", job.State)
	}
}

func TestService_AtJobFiresOnceAndDeletes(t *testing.T) {
	s := NewService(filepath.Join(t.TempDir(), "jobs.json"))
	s.tickEvery = 10 * time.Millisecond

	var fired atomic.Int32
	s.OnFire = func(job Job) (string, error) {
		fired.Add(1)
		return "", nil
	}

	job := NewJob("one-shot", Schedule{Kind: "at", AtMs: time.Now().UnixMilli()}, Payload{Message: "ping"})
	job.DeleteAfterRun = true
	s.jobs = append(s.jobs, job)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := fired.Load(); got != 1 {
		t.Fatalf("fired %d times, want 1", got)
	}

	// Give the deletion a moment to settle, then make sure it does not refire.
	time.Sleep(50 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("one-shot refired: %d", got)
	}
	if len(s.ListJobs()) != 0 {
		t.Error("delete-after-run job still listed")
	}
}

func TestService_ErrorRecorded(t *testing.T) {
	s := NewService(filepath.Join(t.TempDir(), "jobs.json"))
	s.tickEvery = 10 * time.Millisecond

	s.OnFire = func(job Job) (string, error) {
		return "", fmt.Errorf("handler broke")
	}

	if _, err := s.AddJob("broken", Schedule{Kind: "every", EveryMs: 30}, Payload{}); err != nil {
		t.Fatalf("AddJob error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if job, ok := s.FindByName("broken"); ok && job.State.LastStatus == "error" {
			if job.State.LastError != "handler broke" {
				t.Errorf("lastError = %q", job.State.LastError)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("error state never recorded")
}

func TestService_JobsSurviveRestart(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "jobs.json")

	s1 := NewService(storePath)
	if _, err := s1.AddJob("persistent", Schedule{Kind: "cron", Expr: "0 0 3 * * *"}, Payload{Task: "memory.prune"}); err != nil {
		t.Fatalf("AddJob error: %v", err)
	}

	s2 := NewService(storePath)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s2.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer s2.Stop()

	if _, ok := s2.FindByName("persistent"); !ok {
		t.Error("job did not survive restart")
	}
}
