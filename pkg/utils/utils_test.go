package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSetDefaultNum(t *testing.T) {
	var d time.Duration
	SetDefaultNum(&d, time.Second)
	assert.Equal(t, time.Second, d)

	n := 3
	SetDefaultNum(&n, 5)
	assert.Equal(t, 3, n)
}

func TestRoundMillis(t *testing.T) {
	assert.Equal(t, 1500*time.Millisecond, RoundMillis(float64(time.Second)*1.5))
	assert.Equal(t, 2*time.Millisecond, RoundMillis(float64(1600*time.Microsecond)))
	assert.Equal(t, time.Duration(0), RoundMillis(float64(400*time.Microsecond)))
}

func TestRatio(t *testing.T) {
	assert.Equal(t, 0.0, Ratio(3, 0))
	assert.Equal(t, 0.75, Ratio(3, 4))
}
