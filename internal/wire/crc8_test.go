package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSIIChecksumIsDeterministic(t *testing.T) {
	words := []uint16{0x0101, 0x0202, 0x0303, 0x0404, 0x00AB, 0x0606, 0x0707, 0x1234}
	assert.Equal(t, SIIChecksum(words), SIIChecksum(words))
}

func TestSIIChecksumChangesWithAlias(t *testing.T) {
	words := []uint16{0x0101, 0x0202, 0x0303, 0x0404, 0x0000, 0x0606, 0x0707, 0x1234}
	before := SIIChecksum(words)
	words[4] = 0x00AB
	after := SIIChecksum(words)
	assert.NotEqual(t, before, after)
}

func TestSIIChecksumIgnoresWordSeven(t *testing.T) {
	words := []uint16{0x0101, 0x0202, 0x0303, 0x0404, 0x00AB, 0x0606, 0x0707, 0x1234}
	a := SIIChecksum(words)
	words[7] = 0xFFFF
	b := SIIChecksum(words)
	assert.Equal(t, a, b)
}
