package broker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchRoutingKeyWithRunner(t *testing.T) {
	assert.Equal(t, "build.node.runner-1", dispatchRoutingKey("node", "runner-1"))
}

func TestDispatchRoutingKeyBroadcastLegacy(t *testing.T) {
	assert.Equal(t, "build.node", dispatchRoutingKey("node", ""))
}

func TestBuildDispatchRoundTripsThroughJSON(t *testing.T) {
	d := BuildDispatch{
		TaskID: "t1",
		JobID:  "j1",
		Project: ProjectInfo{
			Name:          "opsctl",
			RepositoryURL: "git@example.com:opsctl.git",
			Branch:        "main",
			Commit:        "abc123",
			TriggeredBy:   "alice",
		},
		Build: BuildInfo{
			BuildType:  "node",
			EnvVars:    map[string]string{"CI": "true"},
			Parameters: map[string]string{"target": "prod"},
		},
		Steps: []StepPayload{
			{ID: "s1", Name: "install", StepType: "install", Command: "npm ci"},
		},
	}

	body, err := json.Marshal(d)
	require.NoError(t, err)

	var decoded BuildDispatch
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, d, decoded)

	var asMap map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &asMap))
	project := asMap["project"].(map[string]interface{})
	assert.Equal(t, "opsctl", project["name"])
}

func TestBuildStatusOmitsNilStepStatus(t *testing.T) {
	s := BuildStatus{TaskID: "t1", JobID: "j1", RunnerName: "r1", Status: "running", Timestamp: "2026-07-30T00:00:00Z"}
	body, err := json.Marshal(s)
	require.NoError(t, err)
	var asMap map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &asMap))
	_, present := asMap["step_status"]
	assert.False(t, present)
}

func TestBuildLogRoundTrip(t *testing.T) {
	l := BuildLog{
		TaskID: "t1", JobID: "j1", StepID: "s1", RunnerName: "r1",
		Level: "info", Content: "compiling", Offset: 0, IsFinal: false,
		Timestamp: "2026-07-30T00:00:00Z",
	}
	body, err := json.Marshal(l)
	require.NoError(t, err)
	var decoded BuildLog
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, l, decoded)
}
