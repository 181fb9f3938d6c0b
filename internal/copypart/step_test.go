package copypart

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOutcomeHelpers(t *testing.T) {
	a := advance()
	assert.True(t, a.advance)
	assert.Nil(t, a.err)

	r := retryAfter(5 * time.Second)
	assert.False(t, r.advance)
	assert.Equal(t, 5*time.Second, r.retry)
	assert.Nil(t, r.err)

	f := fail(assertError{})
	assert.False(t, f.advance)
	assert.NotNil(t, f.err)
}

type assertError struct{}

func (assertError) Error() string { return "boom" }
