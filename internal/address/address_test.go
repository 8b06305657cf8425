package address

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBare(t *testing.T) {
	id := uuid.New()
	a, err := Parse(id.String())
	require.NoError(t, err)
	assert.True(t, a.IsBare())
	assert.Equal(t, id, a.UserID)
	assert.Equal(t, id.String(), a.String())
}

func TestParseWithDevice(t *testing.T) {
	id := uuid.New()
	a, err := Parse(id.String() + ".7")
	require.NoError(t, err)
	assert.False(t, a.IsBare())
	assert.Equal(t, uint32(7), a.DeviceID)
	assert.Equal(t, id.String()+".7", a.String())
}

func TestParseTooManyDots(t *testing.T) {
	id := uuid.New()
	_, err := Parse(id.String() + ".7.8")
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseInvalidUUID(t *testing.T) {
	_, err := Parse("not-a-uuid")
	require.Error(t, err)
}

func TestEqualIgnoresNothingButSameUserIgnoresDevice(t *testing.T) {
	id := uuid.New()
	a := New(id, 1)
	b := New(id, 2)
	assert.False(t, a.Equal(b))
	assert.True(t, a.SameUser(b))
}
