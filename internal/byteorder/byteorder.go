package byteorder

import (
	"encoding/binary"
)

// https://linux.die.net/man/3/ntohs
//
// decrypt names:
// h  = host
// n  = network
// s  = short     = 16 bit
// l  = long      = 32 bit
// ll = long long = 64 bit
//
// The Append variants grow an existing buffer instead of allocating, which
// matters in the per-packet encode path.

func Htons(val uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, val)
	return buf
}

func Htonl(val uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, val)
	return buf
}

func Htonll(val uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, val)
	return buf
}

func Ntohs(buf []byte) uint16 {
	return binary.BigEndian.Uint16(buf)
}

func Ntohl(buf []byte) uint32 {
	return binary.BigEndian.Uint32(buf)
}

func Ntohll(buf []byte) uint64 {
	return binary.BigEndian.Uint64(buf)
}

func AppendUint16(buf []byte, val uint16) []byte {
	return binary.BigEndian.AppendUint16(buf, val)
}

func AppendUint32(buf []byte, val uint32) []byte {
	return binary.BigEndian.AppendUint32(buf, val)
}

func AppendUint64(buf []byte, val uint64) []byte {
	return binary.BigEndian.AppendUint64(buf, val)
}
