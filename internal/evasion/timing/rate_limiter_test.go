package timing

import (
	"context"
	"testing"
	"time"

	"github.com/bl4ck0w1/lynxscan/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestNilRateLimiterNeverBlocks(t *testing.T) {
	rl := NewRateLimiter(0, 1, nil)
	require.Nil(t, rl)
	assert.NoError(t, rl.Wait(context.Background()))
	rl.RecordThrottled()
	rl.RecordSuccess()
	assert.Equal(t, rate.Inf, rl.Limit())
	assert.Equal(t, false, rl.GetStats()["enabled"])
}

func TestRateLimiterBacksOffAndRecovers(t *testing.T) {
	rl := NewRateLimiter(8, 1, utils.NewNopLogger())
	require.NotNil(t, rl)

	rl.RecordThrottled()
	assert.Equal(t, rate.Limit(4), rl.Limit())
	rl.RecordThrottled()
	rl.RecordThrottled()
	rl.RecordThrottled()
	assert.Equal(t, rate.Limit(1), rl.Limit(), "floor is base/8")

	for i := 0; i < 10; i++ {
		rl.RecordSuccess()
	}
	assert.Equal(t, rate.Limit(1.25), rl.Limit())

	for i := 0; i < 200; i++ {
		rl.RecordSuccess()
	}
	assert.Equal(t, rate.Limit(8), rl.Limit())
}

func TestRateLimiterWaitHonoursContext(t *testing.T) {
	rl := NewRateLimiter(0.5, 1, utils.NewNopLogger())
	require.NoError(t, rl.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, rl.Wait(ctx))
	assert.Equal(t, int64(2), rl.GetStats()["request_count"])
}
