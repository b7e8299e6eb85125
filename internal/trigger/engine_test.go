package trigger

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/disputeworks/core/internal/clock"
	"github.com/disputeworks/core/internal/domain"
)

func testEngine(t *testing.T) (*Engine, *clock.FakeClock) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	fc := clock.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, loc), "America/New_York", nil)
	return &Engine{
		clock:    fc,
		compiled: map[string]*compiledCond{},
		logger:   log.New(io.Discard, "", 0),
	}, fc
}

func testEvent() *domain.Event {
	return &domain.Event{
		ID:            "ev-1",
		TenantID:      "t-1",
		AggregateType: domain.AggregateClient,
		AggregateID:   "c-1",
		Type:          domain.EventLetterDelivered,
		Payload:       map[string]interface{}{"round": 2},
	}
}

func TestCompileActionSendEmail(t *testing.T) {
	e, _ := testEngine(t)
	w := &domain.WorkflowTrigger{
		ID: "w-1", TenantID: "t-1", Action: domain.ActionSendEmail,
		Params: map[string]string{"template": "delivered", "to": "ops@firm.test"},
	}

	req, err := e.compileAction(w, testEvent(), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskSendEmail, req.Type)
	assert.Equal(t, "trigger:w-1:ev-1", req.IdempotencyKey)
	assert.Equal(t, "c-1", req.Payload["client_id"])
	assert.Equal(t, "delivered", req.Payload["template"])
}

func TestCompileActionCreateTaskWithDelay(t *testing.T) {
	e, fc := testEngine(t)
	w := &domain.WorkflowTrigger{
		ID: "w-2", Action: domain.ActionCreateTask,
		Params: map[string]string{"type": "poll_tracking_sftp", "delay": "2h"},
	}

	req, err := e.compileAction(w, testEvent(), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPollTrackingSFTP, req.Type)
	assert.Equal(t, fc.Now().Add(2*time.Hour), req.RunAt)
}

func TestCompileActionCreateTaskRejectsUnknownType(t *testing.T) {
	e, _ := testEngine(t)
	w := &domain.WorkflowTrigger{
		ID: "w-3", Action: domain.ActionCreateTask,
		Params: map[string]string{"type": "drop_tables"},
	}
	_, err := e.compileAction(w, testEvent(), nil)
	assert.Error(t, err)
}

func TestCompileActionUpdateStatus(t *testing.T) {
	e, _ := testEngine(t)
	w := &domain.WorkflowTrigger{
		ID: "w-4", Action: domain.ActionUpdateStatus,
		Params: map[string]string{"round": "3"},
	}

	req, err := e.compileAction(w, testEvent(), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskAdvanceRound, req.Type)
	assert.Equal(t, 3, req.Payload["round"])

	w.Params["round"] = "99"
	_, err = e.compileAction(w, testEvent(), nil)
	assert.Error(t, err)
}

func TestCompileActionStaffWorkspaceFallbacks(t *testing.T) {
	e, _ := testEngine(t)
	for _, action := range []domain.TriggerAction{domain.ActionAssignStaff, domain.ActionAddNote} {
		w := &domain.WorkflowTrigger{ID: "w-5", Action: action}
		req, err := e.compileAction(w, testEvent(), nil)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskSendPush, req.Type)
		assert.Equal(t, string(action), req.Payload["template"])
	}
}

func TestCompileActionScheduleFollowup(t *testing.T) {
	e, fc := testEngine(t)
	w := &domain.WorkflowTrigger{
		ID: "w-6", Action: domain.ActionScheduleFollowup,
		Params: map[string]string{"after": "72h"},
	}

	req, err := e.compileAction(w, testEvent(), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskSendReminder, req.Type)
	assert.Equal(t, fc.Now().Add(72*time.Hour), req.RunAt)

	w.Params["after"] = "not-a-duration"
	_, err = e.compileAction(w, testEvent(), nil)
	assert.Error(t, err)
}

func TestCompileActionGenerateDocument(t *testing.T) {
	e, _ := testEngine(t)
	w := &domain.WorkflowTrigger{ID: "w-7", Action: domain.ActionGenerateDocument}

	scope := map[string]interface{}{"client.round": 2}
	req, err := e.compileAction(w, testEvent(), scope)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskGenerateLetterAI, req.Type)
	assert.Equal(t, 2, req.Payload["round"])

	// Without an identifiable client the action is rejected.
	ev := testEvent()
	ev.AggregateType = domain.AggregateBatch
	ev.Payload = map[string]interface{}{}
	_, err = e.compileAction(w, ev, scope)
	assert.Error(t, err)
}

func TestCompileCacheRecompilesOnChange(t *testing.T) {
	e, _ := testEngine(t)
	w := &domain.WorkflowTrigger{ID: "w-8", Condition: `client.round == 1`}

	c1 := e.compile(w)
	assert.False(t, c1.bad)
	assert.Same(t, c1, e.compile(w))

	w.Condition = `client.round ==` // broken on purpose
	c2 := e.compile(w)
	assert.NotSame(t, c1, c2)
	assert.True(t, c2.bad)
}
