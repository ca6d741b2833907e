package timers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// CloudScheduler uses Google Cloud Tasks for durable expiry timers. Each
// Schedule() enqueues one HTTP task with schedule_time set to the
// completion's expires_at; the task POSTs back to the engine's internal
// expiry endpoint when due.
//
// Cloud Tasks handles:
//   - Durable timers that survive engine restarts and redeploys
//   - Retry with exponential backoff (configured at queue level)
//   - Dead-letter queue (DLQ) for permanently failed deliveries
//   - Automatic deduplication by task name within the dispatch window
type CloudScheduler struct {
	client    *cloudtasks.Client
	queuePath string
	targetURL string
	logger    *log.Logger
}

// NewCloudScheduler creates a Cloud Tasks-backed expiry scheduler.
// projectID, locationID, queueID identify the Cloud Tasks queue; targetURL is
// the engine's internal expiry-fire endpoint.
func NewCloudScheduler(projectID, locationID, queueID, targetURL string) (*CloudScheduler, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}

	queuePath := fmt.Sprintf("projects/%s/locations/%s/queues/%s",
		projectID, locationID, queueID)

	cs := &CloudScheduler{
		client:    client,
		queuePath: queuePath,
		targetURL: targetURL,
		logger:    log.New(log.Writer(), "[CLOUD-TIMERS] ", log.LstdFlags),
	}

	cs.logger.Printf("✅ Connected to Cloud Tasks queue: %s", queuePath)
	return cs, nil
}

// Schedule enqueues a task that fires at the completion's expires_at. The
// deterministic task name makes re-scheduling the same expiry a no-op on the
// queue side (AlreadyExists), which keeps P5's one-timer-per-completion.
func (cs *CloudScheduler) Schedule(ctx context.Context, fire ExpiryFire) error {
	payload, err := json.Marshal(fire)
	if err != nil {
		return fmt.Errorf("marshal expiry fire: %w", err)
	}

	taskID := fmt.Sprintf("expiry-%s-%s-%d", fire.SubjectID, fire.Method, fire.ExpiresAt.Unix())
	req := &taskspb.CreateTaskRequest{
		Parent: cs.queuePath,
		Task: &taskspb.Task{
			Name:         fmt.Sprintf("%s/tasks/%s", cs.queuePath, taskID),
			ScheduleTime: timestamppb.New(fire.ExpiresAt),
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					Url:        cs.targetURL,
					HttpMethod: taskspb.HttpMethod_POST,
					Body:       payload,
					Headers:    map[string]string{"Content-Type": "application/json"},
				},
			},
		},
	}

	if _, err := cs.client.CreateTask(ctx, req); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return nil
		}
		return fmt.Errorf("create expiry task: %w", err)
	}
	return nil
}

// Close releases the Cloud Tasks client.
func (cs *CloudScheduler) Close() error {
	return cs.client.Close()
}
