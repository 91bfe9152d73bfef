package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	cfg "github.com/feichai0017/payslip-processor/config"
)

// TaskType 定义任务类型
const (
	TaskTypeSessionResume = "session:resume"
)

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// Queues is the weighted queue layout shared by client and server.
var Queues = map[string]int{
	QueueCritical: 6,
	QueueDefault:  3,
	QueueLow:      1,
}

// ErrProgressNotFound is returned when no progress was ever recorded for a session.
var ErrProgressNotFound = errors.New("resume progress not found")

// Queue 接口定义
type Queue interface {
	EnqueueResume(ctx context.Context, req *ResumeRequest) (*EnqueueResult, error)
	CancelResume(ctx context.Context, sessionID string) (bool, error)
	SaveProgress(ctx context.Context, p *Progress) error
	GetProgress(ctx context.Context, sessionID string) (*Progress, error)
}

// ResumeRequest is the payload of a session:resume task.
type ResumeRequest struct {
	SessionID   string    `json:"sessionId"`
	UserID      string    `json:"userId"`
	Priority    int       `json:"priority"`
	RequestedAt time.Time `json:"requestedAt"`
}

// EnqueueResult tells whether a new task was created.
type EnqueueResult struct {
	TaskID        string `json:"taskId"`
	Queue         string `json:"queue"`
	AlreadyQueued bool   `json:"alreadyQueued"`
}

// ProgressStatus 恢复进度状态
type ProgressStatus string

const (
	ProgressQueued    ProgressStatus = "queued"
	ProgressRunning   ProgressStatus = "running"
	ProgressCompleted ProgressStatus = "completed"
	ProgressCancelled ProgressStatus = "cancelled"
	ProgressFailed    ProgressStatus = "failed"
)

// Progress is the last known state of a resume run.
type Progress struct {
	SessionID     string         `json:"sessionId"`
	Status        ProgressStatus `json:"status"`
	Current       int            `json:"current"`
	Total         int            `json:"total"`
	CurrentFile   string         `json:"currentFile,omitempty"`
	Completed     int            `json:"completed"`
	Failed        int            `json:"failed"`
	Skipped       int            `json:"skipped"`
	SessionStatus string         `json:"sessionStatus,omitempty"`
	Error         string         `json:"error,omitempty"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Fraction returns the completed share of the run in [0, 1].
func (p *Progress) Fraction() float64 {
	if p.Total == 0 {
		if p.Status == ProgressCompleted {
			return 1
		}
		return 0
	}
	return float64(p.Current) / float64(p.Total)
}

// QueueConfig 定义队列配置
type QueueConfig struct {
	MaxRetries     int
	ProcessTimeout time.Duration
	ProgressTTL    time.Duration
}

// AsynqQueue 实现
type AsynqQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	redis     *redis.Client
	config    *QueueConfig
}

// GetQueue 获取队列实例
func GetQueue() (*AsynqQueue, error) {
	rc := cfg.GetRedisConfig()
	app := cfg.GetAppConfig()

	rdb := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewAsynqQueue(RedisOpt(), rdb, &QueueConfig{
		MaxRetries:     app.ResumeMaxRetries,
		ProcessTimeout: app.ResumeTimeout,
		ProgressTTL:    24 * time.Hour,
	}), nil
}

// RedisOpt builds the asynq connection options from the redis config.
func RedisOpt() asynq.RedisClientOpt {
	rc := cfg.GetRedisConfig()
	return asynq.RedisClientOpt{Addr: rc.Addr, Password: rc.Password, DB: rc.DB}
}

// NewAsynqQueue 创建新的队列实例
func NewAsynqQueue(opt asynq.RedisConnOpt, rdb *redis.Client, qc *QueueConfig) *AsynqQueue {
	if qc == nil {
		qc = &QueueConfig{}
	}
	if qc.MaxRetries < 0 {
		qc.MaxRetries = 0
	}
	if qc.ProcessTimeout <= 0 {
		qc.ProcessTimeout = 2 * time.Hour
	}
	if qc.ProgressTTL <= 0 {
		qc.ProgressTTL = 24 * time.Hour
	}
	return &AsynqQueue{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		redis:     rdb,
		config:    qc,
	}
}

func queueFor(priority int) string {
	switch priority {
	case 1:
		return QueueCritical
	case 2:
		return QueueDefault
	default:
		return QueueLow
	}
}

// EnqueueResume queues a resume of one session. The session ID is the task
// ID, so a second request while one is still pending, scheduled, retrying or
// running is reported as AlreadyQueued instead of creating a duplicate. A
// leftover archived or completed task is removed so the session can be
// resumed again.
func (q *AsynqQueue) EnqueueResume(ctx context.Context, req *ResumeRequest) (*EnqueueResult, error) {
	if req == nil || req.SessionID == "" {
		return nil, fmt.Errorf("invalid resume request: missing session id")
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}

	// task IDs are unique per queue only, so look in all of them
	existing, err := q.findTask(req.SessionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if isLive(existing.State) {
			return &EnqueueResult{TaskID: existing.ID, Queue: existing.Queue, AlreadyQueued: true}, nil
		}
		if err := q.inspector.DeleteTask(existing.Queue, existing.ID); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
			return nil, fmt.Errorf("failed to remove finished task: %w", err)
		}
	}

	queueName := queueFor(req.Priority)
	t := asynq.NewTask(TaskTypeSessionResume, payload,
		asynq.TaskID(req.SessionID),
		asynq.Queue(queueName),
		asynq.MaxRetry(q.config.MaxRetries),
		asynq.Timeout(q.config.ProcessTimeout),
	)

	info, err := q.client.EnqueueContext(ctx, t)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return &EnqueueResult{TaskID: req.SessionID, Queue: queueName, AlreadyQueued: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	if err := q.SaveProgress(ctx, &Progress{SessionID: req.SessionID, Status: ProgressQueued}); err != nil {
		return nil, err
	}
	return &EnqueueResult{TaskID: info.ID, Queue: info.Queue}, nil
}

// CancelResume removes a waiting resume task and reports whether one was
// removed. A task that is already running is left alone and stops on its own
// once it sees the cancelled session.
func (q *AsynqQueue) CancelResume(ctx context.Context, sessionID string) (bool, error) {
	info, err := q.findTask(sessionID)
	if err != nil || info == nil {
		return false, err
	}
	if info.State == asynq.TaskStateActive {
		return false, nil
	}
	if err := q.inspector.DeleteTask(info.Queue, info.ID); err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to cancel task: %w", err)
	}
	return isLive(info.State), nil
}

// findTask returns the session's task from any queue, or nil.
func (q *AsynqQueue) findTask(sessionID string) (*asynq.TaskInfo, error) {
	for queueName := range Queues {
		info, err := q.inspector.GetTaskInfo(queueName, sessionID)
		if err != nil {
			if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to inspect task: %w", err)
		}
		return info, nil
	}
	return nil, nil
}

// isLive reports whether a task in state will still run.
func isLive(state asynq.TaskState) bool {
	switch state {
	case asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateRetry,
		asynq.TaskStateActive, asynq.TaskStateAggregating:
		return true
	}
	return false
}

func progressKey(sessionID string) string {
	return fmt.Sprintf("resume_progress:%s", sessionID)
}

// SaveProgress 保存恢复进度
func (q *AsynqQueue) SaveProgress(ctx context.Context, p *Progress) error {
	p.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}
	if err := q.redis.Set(ctx, progressKey(p.SessionID), data, q.config.ProgressTTL).Err(); err != nil {
		return fmt.Errorf("failed to save progress: %w", err)
	}
	return nil
}

// GetProgress 获取恢复进度
func (q *AsynqQueue) GetProgress(ctx context.Context, sessionID string) (*Progress, error) {
	data, err := q.redis.Get(ctx, progressKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrProgressNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get progress: %w", err)
	}
	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal progress: %w", err)
	}
	return &p, nil
}

func (q *AsynqQueue) Close() error {
	if err := q.inspector.Close(); err != nil {
		return err
	}
	return q.client.Close()
}
