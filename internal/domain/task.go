package domain

import (
	"encoding/json"
	"time"
)

// ============================================================================
// TASKS
// ============================================================================

// TaskType is the closed set of background actions. No external side effect
// happens except through a task of one of these types.
type TaskType string

const (
	TaskSendEmail          TaskType = "send_email"
	TaskSendSMS            TaskType = "send_sms"
	TaskSendPush           TaskType = "send_push"
	TaskGenerateLetterAI   TaskType = "generate_letter_ai"
	TaskScrapeCreditReport TaskType = "scrape_credit_report"
	TaskUploadBatchSFTP    TaskType = "upload_batch_sftp"
	TaskPollTrackingSFTP   TaskType = "poll_tracking_sftp"
	TaskCapturePayment     TaskType = "capture_payment"
	TaskReleasePaymentHold TaskType = "release_payment_hold"
	TaskExpireStaleHold    TaskType = "expire_stale_hold"
	TaskSendReminder       TaskType = "send_reminder"
	TaskRunScheduledReport TaskType = "run_scheduled_report"
	TaskEvaluateTrigger    TaskType = "evaluate_trigger"
	TaskAdvanceRound       TaskType = "advance_round"
	TaskFireDeadline       TaskType = "fire_deadline"
)

// TaskTypes lists every valid task type.
var TaskTypes = []TaskType{
	TaskSendEmail, TaskSendSMS, TaskSendPush,
	TaskGenerateLetterAI, TaskScrapeCreditReport,
	TaskUploadBatchSFTP, TaskPollTrackingSFTP,
	TaskCapturePayment, TaskReleasePaymentHold, TaskExpireStaleHold,
	TaskSendReminder, TaskRunScheduledReport,
	TaskEvaluateTrigger, TaskAdvanceRound, TaskFireDeadline,
}

// Valid reports whether t is in the closed set.
func (t TaskType) Valid() bool {
	for _, v := range TaskTypes {
		if v == t {
			return true
		}
	}
	return false
}

// TaskState is the durable job lifecycle.
type TaskState string

const (
	TaskReady     TaskState = "ready"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskDead      TaskState = "dead"
)

// DefaultMaxAttempts applies when Enqueue is called without an override.
const DefaultMaxAttempts = 5

// Task is a durable work item, at-least-once, deduplicated on
// (type, idempotency_key).
type Task struct {
	ID             string          `json:"task_id"`
	TenantID       string          `json:"tenant_id"`
	Type           TaskType        `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	RunAt          time.Time       `json:"run_at"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"max_attempts"`
	State          TaskState       `json:"state"`
	LastError      string          `json:"last_error,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	LeaseWorker    string          `json:"lease_worker,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	// CancelRequested is the cooperative cancellation flag checked at
	// suspension points.
	CancelRequested bool      `json:"cancel_requested"`
	CreatedAt       time.Time `json:"created_at"`
}

// ============================================================================
// SCHEDULES
// ============================================================================

// Schedule is a cron-style or one-shot timer that materializes tasks.
type Schedule struct {
	ID         string          `json:"schedule_id"`
	TenantID   string          `json:"tenant_id"`
	Name       string          `json:"name"`
	CronExpr   string          `json:"cron_expr,omitempty"` // empty for one-shot
	OneShotAt  *time.Time      `json:"one_shot_at,omitempty"`
	TaskType   TaskType        `json:"task_type"`
	Payload    json.RawMessage `json:"payload"`
	NextFireAt time.Time       `json:"next_fire_at"`
	Enabled    bool            `json:"enabled"`
}

// ============================================================================
// WORKFLOW TRIGGERS
// ============================================================================

// TriggerAction is the closed action set a matched trigger may request.
type TriggerAction string

const (
	ActionSendEmail        TriggerAction = "send_email"
	ActionSendSMS          TriggerAction = "send_sms"
	ActionCreateTask       TriggerAction = "create_task"
	ActionUpdateStatus     TriggerAction = "update_status"
	ActionAssignStaff      TriggerAction = "assign_staff"
	ActionAddNote          TriggerAction = "add_note"
	ActionScheduleFollowup TriggerAction = "schedule_followup"
	ActionGenerateDocument TriggerAction = "generate_document"
)

// TriggerActions lists every valid action name.
var TriggerActions = []TriggerAction{
	ActionSendEmail, ActionSendSMS, ActionCreateTask, ActionUpdateStatus,
	ActionAssignStaff, ActionAddNote, ActionScheduleFollowup, ActionGenerateDocument,
}

// Valid reports whether a is in the closed set.
func (a TriggerAction) Valid() bool {
	for _, v := range TriggerActions {
		if v == a {
			return true
		}
	}
	return false
}

// WorkflowTrigger is an event→condition→action rule. Conditions are a pure
// predicate over the event plus a read-only client snapshot; actions only
// ever enqueue tasks.
type WorkflowTrigger struct {
	ID        string            `json:"trigger_id"`
	TenantID  string            `json:"tenant_id"`
	Name      string            `json:"name"`
	EventType string            `json:"event_type"`
	Condition string            `json:"condition"`
	Action    TriggerAction     `json:"action"`
	Params    map[string]string `json:"params"`
	Priority  int               `json:"priority"`
	Enabled   bool              `json:"enabled"`
}
