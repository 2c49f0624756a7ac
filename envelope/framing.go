package envelope

import (
	"encoding/binary"
	"fmt"
)

// EncodeParams concatenates segs into a payload per spec §6: each segment
// is prefixed by a 32-bit little-endian length, followed by exactly that
// many bytes. Used for both request parameters (N segments) and return
// values (a single segment).
func EncodeParams(segs ...[]byte) []byte {
	size := 0
	for _, s := range segs {
		size += 4 + len(s)
	}
	out := make([]byte, 0, size)
	for _, s := range segs {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
		out = append(out, lenBuf[:]...)
		out = append(out, s...)
	}
	return out
}

// DecodeParams splits payload back into its segments. A truncated length
// prefix, or a segment whose declared length runs past the end of payload,
// is a framing error; these are the only failure modes, and the error
// names the index of the segment that failed (spec §6, §8 property 12).
func DecodeParams(payload []byte) ([][]byte, error) {
	var segs [][]byte
	i := 0
	n := 0
	for i < len(payload) {
		if i+4 > len(payload) {
			return nil, fmt.Errorf("envelope: truncated length prefix for segment %d", n)
		}
		segLen := int(binary.LittleEndian.Uint32(payload[i : i+4]))
		i += 4
		if segLen < 0 || i+segLen > len(payload) {
			return nil, fmt.Errorf("envelope: segment %d declares length %d, exceeds remaining payload", n, segLen)
		}
		segs = append(segs, payload[i:i+segLen])
		i += segLen
		n++
	}
	return segs, nil
}
