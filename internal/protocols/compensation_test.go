package protocols

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCompensationConfig() CompensationConfig {
	return CompensationConfig{MaxRetries: 3, RetryDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestCompensationLIFOOrder(t *testing.T) {
	cs := NewCompensationStack(testCompensationConfig())

	var order []string
	cs.Push("run-1", "first", func() error { order = append(order, "first"); return nil })
	cs.Push("run-1", "second", func() error { order = append(order, "second"); return nil })
	cs.Push("run-1", "third", func() error { order = append(order, "third"); return nil })

	results, complete := cs.Execute("run-1")
	assert.True(t, complete)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"third", "second", "first"}, order, "reverse order of registration")
}

func TestCompensationRetriesThenSucceeds(t *testing.T) {
	cs := NewCompensationStack(testCompensationConfig())

	calls := 0
	cs.Push("run-1", "flaky undo", func() error {
		calls++
		if calls < 3 {
			return errors.New("still failing")
		}
		return nil
	})

	results, complete := cs.Execute("run-1")
	assert.True(t, complete)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, 2, results[0].Retries)
}

func TestCompensationDeadLetterAfterExhaustion(t *testing.T) {
	cs := NewCompensationStack(testCompensationConfig())

	cs.Push("run-1", "hopeless undo", func() error { return errors.New("permanently broken") })

	results, complete := cs.Execute("run-1")
	assert.False(t, complete)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)

	dead := cs.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "run-1", dead[0].RunID)
	assert.Equal(t, "permanently broken", dead[0].LastError)
	assert.Equal(t, 3, dead[0].Attempts)
}

func TestCompensationCommitClearsStack(t *testing.T) {
	cs := NewCompensationStack(testCompensationConfig())

	ran := false
	cs.Push("run-1", "should never run", func() error { ran = true; return nil })
	cs.Commit("run-1")

	results, complete := cs.Execute("run-1")
	assert.True(t, complete)
	assert.Empty(t, results)
	assert.False(t, ran)
}
