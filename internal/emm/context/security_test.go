package context

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCount_IncrementAdvancesSeqNum(t *testing.T) {
	c := Count{}
	require.NoError(t, c.Increment())
	assert.Equal(t, uint8(1), c.SeqNum)
	assert.Equal(t, uint32(0), c.Overflow)
}

func TestCount_IncrementRollsOverflow(t *testing.T) {
	c := Count{SeqNum: 0xFF}
	require.NoError(t, c.Increment())
	assert.Equal(t, uint8(0), c.SeqNum)
	assert.Equal(t, uint32(1), c.Overflow)
}

func TestCount_ExhaustedAtMax(t *testing.T) {
	c := Count{SeqNum: 0xFF, Overflow: 0x00FFFFFF}
	err := c.Increment()
	assert.ErrorIs(t, err, ErrCountExhausted)
	// State must not advance past exhaustion.
	assert.Equal(t, uint8(0xFF), c.SeqNum)
}

func TestCount_Value(t *testing.T) {
	c := Count{Overflow: 1, SeqNum: 2}
	assert.Equal(t, uint32(1<<8|2), c.Value())
}

func TestSecurityContext_CloneDoesNotAliasKeys(t *testing.T) {
	sc := &SecurityContext{KASME: []byte{1, 2, 3}}
	clone := sc.Clone()
	clone.KASME[0] = 99
	assert.Equal(t, byte(1), sc.KASME[0], "clone must not alias the original's backing array")
}

func TestSecurityContext_CloneNil(t *testing.T) {
	var sc *SecurityContext
	assert.Nil(t, sc.Clone())
}
