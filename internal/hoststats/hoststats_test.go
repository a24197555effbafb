package hoststats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCollectReturnsBoundedPercentages(t *testing.T) {
	snap := Collect(context.Background(), 50*time.Millisecond)

	assert.GreaterOrEqual(t, snap.MemPercent, 0.0)
	assert.LessOrEqual(t, snap.MemPercent, 100.0)
	assert.GreaterOrEqual(t, snap.DiskPercent, 0.0)
	assert.LessOrEqual(t, snap.DiskPercent, 100.0)
}
