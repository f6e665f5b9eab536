package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeVerdictIsWorstOfChecks(t *testing.T) {
	assert.Equal(t, LevelPass, computeVerdict([]Check{{Level: LevelPass}}))
	assert.Equal(t, LevelWarn, computeVerdict([]Check{{Level: LevelPass}, {Level: LevelWarn}}))
	assert.Equal(t, LevelFail, computeVerdict([]Check{{Level: LevelWarn}, {Level: LevelFail}, {Level: LevelPass}}))
	assert.Equal(t, LevelPass, computeVerdict(nil))
}

func TestActivityCheckNoActivityYetWarns(t *testing.T) {
	c := activityCheck("inbound_activity", false, 0)
	assert.Equal(t, LevelWarn, c.Level)
}

func TestActivityCheckRecentPasses(t *testing.T) {
	c := activityCheck("inbound_activity", true, time.Now().UnixMilli())
	assert.Equal(t, LevelPass, c.Level)
}

func TestActivityCheckStaleWarns(t *testing.T) {
	stale := time.Now().Add(-5 * time.Minute).UnixMilli()
	c := activityCheck("outbound_activity", true, stale)
	assert.Equal(t, LevelWarn, c.Level)
	assert.Contains(t, c.Message, "stale")
}
