package zigzag

// ZigZag transform: maps signed integers to unsigned ones so that values
// with a small absolute value stay small when encoded. Frame numbers use a
// -1 "no frame" sentinel, which would otherwise blow up to the maximum
// unsigned value on the wire.
//
//       int32 ->     uint32
// -------------------------
//           0 ->          0
//          -1 ->          1
//           1 ->          2
//          -2 ->          3
//
//        >> encode >>
//        << decode <<

func Encode32(n int32) uint32 {
	return uint32((n << 1) ^ (n >> 31))
}

func Decode32(n uint32) int32 {
	return int32(n>>1) ^ -int32(n&1)
}

func Encode64(n int64) uint64 {
	return uint64((n << 1) ^ (n >> 63))
}

func Decode64(n uint64) int64 {
	return int64(n>>1) ^ -int64(n&1)
}
