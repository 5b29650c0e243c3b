package risk

import (
	"testing"

	"github.com/codepr/opsctl/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestNoTriggersForOrdinaryCommand(t *testing.T) {
	required, triggers := Evaluate(Config{}, []Target{{Environment: "staging"}}, "ls -la")
	assert.False(t, required)
	assert.Empty(t, triggers)
}

func TestProductionEnvironmentTriggerIsCaseInsensitive(t *testing.T) {
	required, triggers := Evaluate(Config{}, []Target{{Environment: "PRODUCTION"}}, "ls")
	assert.True(t, required)
	assert.Contains(t, triggers, model.TriggerProductionEnvironment)
}

func TestTargetCountThresholdDefaultsToTen(t *testing.T) {
	targets := make([]Target, 11)
	for i := range targets {
		targets[i] = Target{Environment: "staging"}
	}
	required, triggers := Evaluate(Config{}, targets, "ls")
	assert.True(t, required)
	assert.Contains(t, triggers, model.TriggerTargetCountThreshold)
}

func TestTargetCountThresholdRespectsConfig(t *testing.T) {
	targets := make([]Target, 3)
	required, triggers := Evaluate(Config{TargetCountThreshold: 2}, targets, "ls")
	assert.True(t, required)
	assert.Contains(t, triggers, model.TriggerTargetCountThreshold)
}

func TestHighRiskCommandSubstrings(t *testing.T) {
	cases := []string{
		"sudo rm -rf /",
		"dd if=/dev/zero of=/dev/sda",
		"mkfs.ext4 /dev/sdb1",
		"shutdown -h now",
		"reboot",
		"echo x > /dev/null",
		"truncate -s 0 file.log",
	}
	for _, cmd := range cases {
		required, triggers := Evaluate(Config{}, nil, cmd)
		assert.True(t, required, cmd)
		assert.Contains(t, triggers, model.TriggerHighRiskCommand, cmd)
	}
}

func TestCriticalGroupTrigger(t *testing.T) {
	required, triggers := Evaluate(Config{}, []Target{{Environment: "staging", GroupCritical: true}}, "ls")
	assert.True(t, required)
	assert.Contains(t, triggers, model.TriggerCriticalGroup)
}

func TestMultipleTriggersCanFireTogether(t *testing.T) {
	_, triggers := Evaluate(Config{}, []Target{{Environment: "production", GroupCritical: true}}, "rm -rf /data")
	assert.ElementsMatch(t, []model.Trigger{
		model.TriggerProductionEnvironment,
		model.TriggerHighRiskCommand,
		model.TriggerCriticalGroup,
	}, triggers)
}
