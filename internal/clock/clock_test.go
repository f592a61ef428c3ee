package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualAdvance(t *testing.T) {
	start := time.Unix(1000, 0)
	clk := NewManual(start)

	assert.Equal(t, start, clk.Now())
	clk.Advance(5 * time.Second)
	assert.Equal(t, start.Add(5*time.Second), clk.Now())
}

func TestManualSleepAdvances(t *testing.T) {
	clk := NewManual(time.Unix(1000, 0))
	require.NoError(t, clk.Sleep(context.Background(), 250*time.Millisecond))
	assert.Equal(t, time.Unix(1000, 0).Add(250*time.Millisecond), clk.Now())
}

func TestManualSleepCancelled(t *testing.T) {
	clk := NewManual(time.Unix(1000, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, clk.Sleep(ctx, time.Second))
}

func TestWallSleep(t *testing.T) {
	clk := New()
	before := clk.Now()
	require.NoError(t, clk.Sleep(context.Background(), 10*time.Millisecond))
	assert.GreaterOrEqual(t, clk.Now().Sub(before), 10*time.Millisecond)
}
