package event_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/robot-orchestrator/internal/event"
	"github.com/t77yq/robot-orchestrator/internal/model"
	"github.com/t77yq/robot-orchestrator/internal/testutil"
)

func TestJetStreamPublisher(t *testing.T) {
	_, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	pub, err := event.NewJetStreamPublisher(js, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, testutil.WaitForStream(t, js, "ROBOTS", 5*time.Second))

	// Creating a second publisher against the same server must not fail on
	// the existing stream.
	_, err = event.NewJetStreamPublisher(js, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, pub.PublishStatus(event.StatusEvent{
		RobotID:   "robot-1",
		Status:    model.RobotStatusProcessing,
		ModuleID:  "mod-1",
		Progress:  40,
		Timestamp: time.Now().UTC(),
	}))
	require.NoError(t, pub.PublishResult(&model.RobotResult{
		RobotID:     "robot-1",
		ModuleID:    "mod-1",
		Status:      model.RobotStatusCompleted,
		Output:      json.RawMessage(`{"pages":3}`),
		CompletedAt: time.Now().UTC(),
	}))

	statuses, err := testutil.ConsumeMessages(js, "robot.status.robot-1", time.Second)
	require.NoError(t, err)
	require.Len(t, statuses, 1)

	var status event.StatusEvent
	require.NoError(t, json.Unmarshal(statuses[0], &status))
	assert.Equal(t, "robot-1", status.RobotID)
	assert.Equal(t, model.RobotStatusProcessing, status.Status)
	assert.Equal(t, float64(40), status.Progress)

	results, err := testutil.ConsumeMessages(js, "robot.result.robot-1", time.Second)
	require.NoError(t, err)
	require.Len(t, results, 1)

	var result model.RobotResult
	require.NoError(t, json.Unmarshal(results[0], &result))
	assert.Equal(t, model.RobotStatusCompleted, result.Status)
	assert.JSONEq(t, `{"pages":3}`, string(result.Output))
}
