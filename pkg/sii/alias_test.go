package sii

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosoem/master/internal/wire"
	"github.com/gosoem/master/pkg/datagram"
)

// fakeEeprom models a writable 16-word SII image, so SetAlias's read-modify-
// write round trip can be observed end to end.
type fakeEeprom struct {
	words      [16]uint16
	lastOffset uint16
}

func (f *fakeEeprom) SimpleIO(d *datagram.Datagram, timeout time.Duration) error {
	switch d.Command {
	case datagram.NPWR:
		switch len(d.Data) {
		case 6: // read request
			f.lastOffset = uint16(wire.ReadU32(d.Data, 2))
		case 8: // write request
			offset := uint16(wire.ReadU32(d.Data, 2))
			f.words[offset] = wire.ReadU16(d.Data, 6)
			f.lastOffset = offset
		}
		d.State = datagram.Received
	case datagram.NPRD:
		switch len(d.Data) {
		case 10: // read status+data poll
			wire.WriteU8(d.Data, 1, 0x00)
			v := uint32(f.words[f.lastOffset]) | uint32(f.words[f.lastOffset+1])<<16
			wire.WriteU32(d.Data, 6, v)
		case 2: // write status poll
			wire.WriteU8(d.Data, 1, 0x00)
		}
		d.State = datagram.Received
	}
	return nil
}

func TestSetAliasRoundTripsWordsAndChecksum(t *testing.T) {
	f := &fakeEeprom{words: [16]uint16{
		0: 0x0101, 1: 0x0202, 2: 0x0303, 3: 0x0404,
		4: 0x0000 /* alias */, 5: 0x0606, 6: 0x0707, 7: 0x1234,
	}}

	require.NoError(t, SetAlias(f, 0x1001, 0x00AB))

	assert.EqualValues(t, 0x00AB, f.words[wordAlias])

	expected := wire.SIIChecksum(f.words[:8])
	assert.EqualValues(t, expected, uint8(f.words[7]))
	assert.EqualValues(t, 0x12, f.words[7]>>8, "high byte of word 7 is preserved")

	// a fresh read of the same 8 words reproduces what was written.
	for offset := uint16(0); offset < 8; offset += 2 {
		v, err := ReadWord(f, 0x1001, offset)
		require.NoError(t, err)
		assert.EqualValues(t, f.words[offset], uint16(v))
		assert.EqualValues(t, f.words[offset+1], uint16(v>>16))
	}
}
