package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	got := c.Advance(5 * time.Second)
	assert.Equal(t, start.Add(5*time.Second), got)
	assert.Equal(t, start.Add(5*time.Second), c.Now())
}

func TestFakeSet(t *testing.T) {
	c := NewFake(time.Now())
	pinned := time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)
	c.Set(pinned)
	assert.Equal(t, pinned, c.Now())
}

func TestAfter(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)
	assert.Equal(t, start.Add(10*time.Second), After(c, 10*time.Second))
}
