package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBuildsDevelopmentLoggerByDefault(t *testing.T) {
	log, err := New("anything-else", "opsctl")
	require.NoError(t, err)
	require.NotNil(t, log)
	defer log.Sync()
}

func TestNewBuildsProductionLogger(t *testing.T) {
	log, err := New("production", "opsctl")
	require.NoError(t, err)
	require.NotNil(t, log)
	defer log.Sync()
}

func TestNewAcceptsEmptyComponent(t *testing.T) {
	log, err := New("prod", "")
	require.NoError(t, err)
	assert.NotNil(t, log)
	defer log.Sync()
}
