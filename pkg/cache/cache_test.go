package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dojo-network/feedback-subnet/pkg/protocol"
)

func TestStoreAndGet(t *testing.T) {
	c := New(time.Minute)
	synapse := &protocol.TaskSynapse{TaskID: "task-1", Prompt: "hello"}

	c.Store("task-1", synapse)
	got := c.Get("task-1")
	require.NotNil(t, got)
	assert.Equal(t, "hello", got.Prompt)

	assert.Nil(t, c.Get("task-2"))
}

func TestTakeConsumesEntry(t *testing.T) {
	c := New(time.Minute)
	c.Store("task-1", &protocol.TaskSynapse{TaskID: "task-1"})

	require.NotNil(t, c.Take("task-1"))
	assert.Nil(t, c.Take("task-1"))
	assert.Nil(t, c.Get("task-1"))
}

func TestEntriesExpire(t *testing.T) {
	c := New(10 * time.Millisecond)
	c.Store("task-1", &protocol.TaskSynapse{TaskID: "task-1"})

	time.Sleep(20 * time.Millisecond)
	assert.Nil(t, c.Get("task-1"))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "feedback:task-1", Key("task-1"))
}
