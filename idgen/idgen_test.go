package idgen

import (
	"strconv"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventID_Monotonic(t *testing.T) {
	require.NoError(t, Init(7))

	prev := int64(0)
	for i := 0; i < 1000; i++ {
		v, err := strconv.ParseInt(NewEventID(), 10, 64)
		require.NoError(t, err)
		assert.Greater(t, v, prev)
		prev = v
	}
}

func TestInit_RejectsOutOfRangeNode(t *testing.T) {
	assert.Error(t, Init(5000))
}

func TestNewID_IsUUID(t *testing.T) {
	_, err := uuid.Parse(NewID())
	assert.NoError(t, err)
}
