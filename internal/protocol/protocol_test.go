package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandToken(t *testing.T) {
	cmd, err := NewCommand(Capture, 7)
	require.NoError(t, err)

	assert.Equal(t, "C007", cmd.Token(PadWidth))
	assert.Equal(t, "C7", cmd.Token(0))
	assert.Equal(t, "C007", cmd.String())

	del, err := NewCommand(Delete, 127)
	require.NoError(t, err)
	assert.Equal(t, "D127", del.String())
}

func TestNewCommandRejectsOutOfRange(t *testing.T) {
	for _, id := range []int{-1, 0, 128, 1000} {
		_, err := NewCommand(Capture, id)
		assert.ErrorIs(t, err, ErrInvalidID, "id %d", id)
	}

	_, err := NewCommand(Kind('X'), 5)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

// TestTokenRoundTrip covers every slot for both kinds, padded and unpadded.
func TestTokenRoundTrip(t *testing.T) {
	for _, kind := range []Kind{Capture, Delete} {
		for id := MinID; id <= MaxID; id++ {
			cmd, err := NewCommand(kind, id)
			require.NoError(t, err)

			for _, width := range []int{0, PadWidth} {
				token := cmd.Token(width)

				parsed, err := ParseCommand(token)
				require.NoError(t, err, "token %q", token)
				assert.Equal(t, cmd, parsed)

				echoed, ok := ParseAck(AckFor(token))
				require.True(t, ok)
				assert.Equal(t, token, echoed)
			}
		}
	}
}

func TestParseCommandErrors(t *testing.T) {
	_, err := ParseCommand("C")
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = ParseCommand("X010")
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = ParseCommand("C1a")
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = ParseCommand("C000")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("Capture")
	require.NoError(t, err)
	assert.Equal(t, Capture, k)

	k, err = ParseKind("d")
	require.NoError(t, err)
	assert.Equal(t, Delete, k)
	assert.Equal(t, "delete", k.String())

	_, err = ParseKind("enroll")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestParseAck(t *testing.T) {
	token, ok := ParseAck("ACK: C042")
	assert.True(t, ok)
	assert.Equal(t, "C042", token)

	_, ok = ParseAck("ACK C042")
	assert.False(t, ok)

	_, ok = ParseAck("Coloque el dedo")
	assert.False(t, ok)
}

func TestParseDetection(t *testing.T) {
	id, err := ParseDetection("ID detectado: 42")
	require.NoError(t, err)
	assert.Equal(t, 42, id)

	id, err = ParseDetection("ID detectado:  0 ")
	require.NoError(t, err)
	assert.Equal(t, 0, id)

	// Only the first colon splits; a prefix with its own colon poisons the id.
	_, err = ParseDetection("Huella: ID detectado: 5")
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = ParseDetection("ID detectado: abc")
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = ParseDetection("ID detectado: -3")
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = ParseDetection("ID detectado")
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = ParseDetection("Huella no reconocida")
	assert.True(t, errors.Is(err, ErrNoDetection))
}
