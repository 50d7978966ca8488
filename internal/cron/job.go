package cron

import (
	"time"

	"github.com/google/uuid"
)

// Schedule describes when a job fires. Exactly one kind is honored:
// "cron" uses a 6-field cron expression (with seconds), "every" repeats
// on a fixed interval, "at" fires once at an absolute time.
type Schedule struct {
	Kind    string `json:"kind"`
	Expr    string `json:"expr,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
	AtMs    int64  `json:"atMs,omitempty"`
}

// Payload carries what the job should do when it fires. Task names a
// built-in maintenance routine; Message plus Channel/Thread address an
// agent turn to inject instead.
type Payload struct {
	Task      string `json:"task,omitempty"`
	Message   string `json:"message,omitempty"`
	ChannelID string `json:"channelId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"` // "ok" or "error"
	LastError   string `json:"lastError,omitempty"`
}

type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	Enabled        bool     `json:"enabled"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	CreatedAtMs    int64    `json:"createdAtMs"`
	State          JobState `json:"state"`
}

func NewJob(name string, schedule Schedule, payload Payload) Job {
	return Job{
		ID:          uuid.NewString(),
		Name:        name,
		Schedule:    schedule,
		Payload:     payload,
		Enabled:     true,
		CreatedAtMs: time.Now().UnixMilli(),
	}
}
