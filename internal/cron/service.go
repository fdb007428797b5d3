package cron

import (
	"fmt"
	"log"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// Job is one scheduled maintenance task.
type Job struct {
	Name string
	Spec string // standard 5-field cron expression
	Run  func() error
}

type jobState struct {
	lastRunAtMs int64
	lastStatus  string
	lastError   string
}

// Service runs the agent's periodic maintenance jobs: memory pruning,
// pattern decay, usage archival. Jobs are registered before Start and
// fixed for the process lifetime.
type Service struct {
	mu     sync.Mutex
	cron   *rcron.Cron
	jobs   []Job
	states map[string]*jobState
}

func NewService() *Service {
	return &Service{
		states: make(map[string]*jobState),
	}
}

// Register adds a job. Must be called before Start.
func (s *Service) Register(name, spec string, run func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, Job{Name: name, Spec: spec, Run: run})
	s.states[name] = &jobState{}
}

func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cron = rcron.New()
	for _, job := range s.jobs {
		job := job
		if _, err := s.cron.AddFunc(job.Spec, func() { s.execute(job) }); err != nil {
			return fmt.Errorf("register job %s (%s): %w", job.Name, job.Spec, err)
		}
	}
	s.cron.Start()
	log.Printf("[cron] started with %d jobs", len(s.jobs))
	return nil
}

func (s *Service) execute(job Job) {
	err := job.Run()

	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.states[job.Name]
	state.lastRunAtMs = time.Now().UnixMilli()
	if err != nil {
		state.lastStatus = "error"
		state.lastError = err.Error()
		log.Printf("[cron] job %s error: %v", job.Name, err)
	} else {
		state.lastStatus = "ok"
		state.lastError = ""
	}
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	log.Printf("[cron] stopped")
}

// Status reports the last outcome per job, keyed by name.
func (s *Service) Status() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.states))
	for name, st := range s.states {
		if st.lastRunAtMs == 0 {
			out[name] = "pending"
		} else if st.lastError != "" {
			out[name] = "error: " + st.lastError
		} else {
			out[name] = st.lastStatus
		}
	}
	return out
}
