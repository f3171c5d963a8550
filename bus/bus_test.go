package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeloop/forgeloop/workflow"
)

func TestInProcessDeliversInOrder(t *testing.T) {
	b := NewInProcess(nil)
	ctx := context.Background()

	var got []string
	b.Subscribe(ChannelWorkflowEvents, func(_ context.Context, evt Event) error {
		data := evt.Data.(WorkflowCreatedData)
		got = append(got, data.WorkflowID)
		return nil
	})

	for _, id := range []string{"wf_1", "wf_2", "wf_3"} {
		err := b.Publish(ctx, ChannelWorkflowEvents, NewEvent("test", "corr", WorkflowCreatedData{WorkflowID: id}))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"wf_1", "wf_2", "wf_3"}, got)
}

func TestInProcessHandlerErrorAbortsDelivery(t *testing.T) {
	b := NewInProcess(nil)
	ctx := context.Background()

	secondCalled := false
	b.Subscribe(ChannelTestResults, func(context.Context, Event) error {
		return errors.New("boom")
	})
	b.Subscribe(ChannelTestResults, func(context.Context, Event) error {
		secondCalled = true
		return nil
	})

	err := b.Publish(ctx, ChannelTestResults, NewEvent("test", "corr", TestPassedData{TaskID: "task_a"}))
	require.Error(t, err)
	assert.False(t, secondCalled)
}

func TestInProcessUnknownChannel(t *testing.T) {
	b := NewInProcess(nil)
	err := b.Publish(context.Background(), Channel("nope"), NewEvent("test", "corr", TestPassedData{}))
	require.Error(t, err)
}

func TestInProcessNestedPublishOnOtherChannel(t *testing.T) {
	b := NewInProcess(nil)
	ctx := context.Background()

	var forwarded []EventType
	b.Subscribe(ChannelDebuggerRequests, func(hctx context.Context, evt Event) error {
		return b.Publish(hctx, ChannelWorkflowEvents, NewEvent("handler", evt.CorrelationID, WorkflowBranchCreatedData{WorkflowID: "wf_1"}))
	})
	b.Subscribe(ChannelWorkflowEvents, func(_ context.Context, evt Event) error {
		forwarded = append(forwarded, evt.EventType)
		return nil
	})

	err := b.Publish(ctx, ChannelDebuggerRequests, NewEvent("test", "corr", TaskDispatchedData{}))
	require.NoError(t, err)
	assert.Equal(t, []EventType{EventWorkflowBranchCreated}, forwarded)
}

func TestEventJSONRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		data EventData
	}{
		{"workflow created", WorkflowCreatedData{WorkflowID: "wf_1", TodoListID: "list-1"}},
		{"workflow failed", WorkflowFailedData{WorkflowID: "wf_1", FailedTaskID: "task_a", Error: "boom"}},
		{"branch created", WorkflowBranchCreatedData{
			WorkflowID:   "wf_1",
			ParentTaskID: "task_a",
			Reason:       "implementation_bug",
			Item:         workflow.TodoItem{ID: "task_fix", Title: "Fix", AgentRole: workflow.RoleCoder, Priority: 1, ParentID: "task_a", IsTemporary: true},
		}},
		{"task dispatched", TaskDispatchedData{Request: TaskRequest{TaskID: "task_a", AgentRole: workflow.RoleCoder, WorkflowID: "wf_1"}}},
		{"task completed", TaskCompletedData{Result: TaskResult{TaskID: "task_a", Status: "completed", Validation: Validation{Success: true}}}},
		{"test failed", TestFailedData{TaskID: "task_a", Failures: []TestFailure{{Check: "unit_tests", Message: "assert", Kind: workflow.FailureSpecMismatch}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt := NewEvent("test", "corr-1", tt.data)
			evt.WorkflowID = "wf_1"
			evt.TaskID = "task_a"

			raw, err := json.Marshal(evt)
			require.NoError(t, err)

			var decoded Event
			require.NoError(t, json.Unmarshal(raw, &decoded))
			assert.Equal(t, evt.EventID, decoded.EventID)
			assert.Equal(t, evt.EventType, decoded.EventType)
			assert.Equal(t, "corr-1", decoded.CorrelationID)
			require.NotNil(t, decoded.Data)
			assert.Equal(t, evt.EventType, decoded.Data.EventKind())
		})
	}
}

func TestEventUnmarshalUnknownType(t *testing.T) {
	raw := []byte(`{"event_id": "e1", "event_type": "SOMETHING_ELSE", "data": {"x": 1}}`)
	var evt Event
	require.Error(t, json.Unmarshal(raw, &evt))
}

func TestEventUnmarshalNullData(t *testing.T) {
	raw := []byte(`{"event_id": "e1", "event_type": "TASK_COMPLETED", "data": null}`)
	var evt Event
	require.NoError(t, json.Unmarshal(raw, &evt))
	assert.Nil(t, evt.Data)
}
