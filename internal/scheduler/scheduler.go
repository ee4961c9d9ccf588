// Package scheduler releases approved deliverables at their scheduled
// time by calling back into the gateway. The callback carries a peer
// envelope and re-enters the full guard stack; scheduling never
// bypasses enforcement.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/agentmold/backend/internal/auth"
)

// Job is one scheduled release.
type Job struct {
	DeliverableID string    `json:"deliverable_id"`
	AgentID       string    `json:"agent_id"`
	CustomerID    string    `json:"customer_id"`
	ApprovalID    string    `json:"approval_id"`
	Channels      []string  `json:"channels,omitempty"`
	RunAt         time.Time `json:"run_at"`
}

// Scheduler enqueues release callbacks.
type Scheduler interface {
	Schedule(ctx context.Context, job Job) error
}

// CloudTasksScheduler enqueues one HTTP task per job against the
// gateway's callback route. Cloud Tasks owns retry and backoff.
type CloudTasksScheduler struct {
	client      *cloudtasks.Client
	queuePath   string
	callbackURL string
	peerSecret  []byte
	logger      *log.Logger
}

func NewCloudTasksScheduler(projectID, locationID, queueID, callbackURL, peerSecret string) (*CloudTasksScheduler, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}

	s := &CloudTasksScheduler{
		client:      client,
		queuePath:   fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		callbackURL: callbackURL,
		peerSecret:  []byte(peerSecret),
		logger:      log.New(log.Writer(), "[SCHEDULER] ", log.LstdFlags),
	}
	s.logger.Printf("✅ Connected to Cloud Tasks queue: %s", s.queuePath)
	return s, nil
}

// Schedule enqueues the callback task with the job's release time.
func (s *CloudTasksScheduler) Schedule(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	ts := time.Now().Unix()
	headers := map[string]string{
		"Content-Type":           "application/json",
		auth.HeaderPeerService:   "scheduler",
		auth.HeaderPeerTimestamp: strconv.FormatInt(ts, 10),
		auth.HeaderPeerCustomer:  job.CustomerID,
		auth.HeaderPeerSignature: auth.SignPeer(s.peerSecret, "scheduler", ts, job.CustomerID),
	}

	req := &taskspb.CreateTaskRequest{
		Parent: s.queuePath,
		Task: &taskspb.Task{
			ScheduleTime: timestamppb.New(job.RunAt),
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        s.callbackURL,
					Headers:    headers,
					Body:       payload,
				},
			},
		},
	}

	task, err := s.client.CreateTask(ctx, req)
	if err != nil {
		return fmt.Errorf("enqueue release task: %w", err)
	}
	s.logger.Printf("📤 Scheduled release %s at %s (task=%s)",
		job.DeliverableID, job.RunAt.UTC().Format(time.RFC3339), task.GetName())
	return nil
}

func (s *CloudTasksScheduler) Close() error { return s.client.Close() }

// TimerScheduler is the in-memory fallback for local dev: one goroutine
// timer per job, posting the same signed callback.
type TimerScheduler struct {
	callbackURL string
	peerSecret  []byte
	httpClient  *http.Client
	logger      *log.Logger

	mu     sync.Mutex
	timers []*time.Timer
}

func NewTimerScheduler(callbackURL, peerSecret string) *TimerScheduler {
	return &TimerScheduler{
		callbackURL: callbackURL,
		peerSecret:  []byte(peerSecret),
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      log.New(log.Writer(), "[SCHEDULER] ", log.LstdFlags),
	}
}

func (s *TimerScheduler) Schedule(_ context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	delay := time.Until(job.RunAt)
	if delay < 0 {
		delay = 0
	}

	timer := time.AfterFunc(delay, func() { s.fire(job, payload) })
	s.mu.Lock()
	s.timers = append(s.timers, timer)
	s.mu.Unlock()
	s.logger.Printf("⏲️ release %s in %s", job.DeliverableID, delay.Round(time.Second))
	return nil
}

func (s *TimerScheduler) fire(job Job, payload []byte) {
	req, err := http.NewRequest(http.MethodPost, s.callbackURL, bytes.NewReader(payload))
	if err != nil {
		s.logger.Printf("❌ build callback for %s: %v", job.DeliverableID, err)
		return
	}
	ts := time.Now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderPeerService, "scheduler")
	req.Header.Set(auth.HeaderPeerTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(auth.HeaderPeerCustomer, job.CustomerID)
	req.Header.Set(auth.HeaderPeerSignature, auth.SignPeer(s.peerSecret, "scheduler", ts, job.CustomerID))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Printf("❌ release callback for %s: %v", job.DeliverableID, err)
		return
	}
	resp.Body.Close()
	s.logger.Printf("release callback for %s → %d", job.DeliverableID, resp.StatusCode)
}

// Stop cancels pending timers.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
}
