package sii

import (
	"github.com/gosoem/master/internal/wire"
)

const wordCount = 8 // words 0..7: alias lives at word 4, checksum at word 7's low byte

// SetAlias implements spec §8 scenario 6: read the first 8 SII words, set
// word 4 to alias, recompute the 8-bit checksum over the first 14 bytes
// (words 0..6), store it into word 7's low byte, and write all 8 words
// back. Grounded on tool/cmd_alias.cpp's writeSlaveAlias.
func SetAlias(fm sender, stationAddr uint16, alias uint16) error {
	var words [wordCount]uint16
	for offset := uint16(0); offset < wordCount; offset += 2 {
		v, err := ReadWord(fm, stationAddr, offset)
		if err != nil {
			return err
		}
		words[offset] = uint16(v)
		words[offset+1] = uint16(v >> 16)
	}

	words[wordAlias] = alias
	checksum := wire.SIIChecksum(words[:])
	words[7] = (words[7] &^ 0x00FF) | uint16(checksum)

	for offset, w := range words {
		if err := WriteWord(fm, stationAddr, uint16(offset), w); err != nil {
			return err
		}
	}
	return nil
}
