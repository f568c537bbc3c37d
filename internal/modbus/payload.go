package modbus

import (
	"encoding/binary"
	"fmt"
)

// registerWords splits a register response into big-endian words.
func registerWords(data []byte, count uint16) ([]uint16, error) {
	if len(data) != int(count)*2 {
		return nil, fmt.Errorf("expected %d register bytes, got %d", int(count)*2, len(data))
	}
	words := make([]uint16, count)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return words, nil
}

// bitWords unpacks a coil/discrete response (LSB first) into one 0/1 word
// per bit so the register codec can decode it.
func bitWords(data []byte, count uint16) ([]uint16, error) {
	need := (int(count) + 7) / 8
	if len(data) < need {
		return nil, fmt.Errorf("expected %d bit bytes, got %d", need, len(data))
	}
	words := make([]uint16, count)
	for i := range words {
		if data[i/8]&(1<<(uint(i)%8)) != 0 {
			words[i] = 1
		}
	}
	return words, nil
}

func wordBytes(words []uint16) []byte {
	buf := make([]byte, len(words)*2)
	for i, w := range words {
		binary.BigEndian.PutUint16(buf[i*2:], w)
	}
	return buf
}
