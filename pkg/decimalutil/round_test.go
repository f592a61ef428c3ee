package decimalutil

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestFloorToTick(t *testing.T) {
	tick := d("0.0001")
	assert.True(t, FloorToTick(d("0.49985"), tick).Equal(d("0.4998")))
	assert.True(t, FloorToTick(d("0.4998"), tick).Equal(d("0.4998")))
	assert.True(t, FloorToTick(d("0.5"), decimal.Zero).Equal(d("0.5")))
}

func TestCeilToTick(t *testing.T) {
	tick := d("0.0001")
	assert.True(t, CeilToTick(d("0.50015"), tick).Equal(d("0.5002")))
	assert.True(t, CeilToTick(d("0.5002"), tick).Equal(d("0.5002")))
}

func TestFloorToStep(t *testing.T) {
	assert.True(t, FloorToStep(d("1000.4"), d("1")).Equal(d("1000")))
	assert.True(t, FloorToStep(d("226.76"), d("1")).Equal(d("226")))
	assert.True(t, FloorToStep(d("0.9"), d("1")).IsZero())
}

func TestClamp(t *testing.T) {
	assert.True(t, Clamp(d("5"), d("1"), d("3")).Equal(d("3")))
	assert.True(t, Clamp(d("-5"), d("-1"), d("3")).Equal(d("-1")))
	assert.True(t, Clamp(d("2"), d("1"), d("3")).Equal(d("2")))
}

func TestFromBps(t *testing.T) {
	assert.True(t, FromBps(d("3")).Equal(d("0.0003")))
}
