package io

import "encoding/binary"

// All on-disk integers in chert are little-endian.

func AppendInt16(buffer []byte, v int16) []byte {
	return binary.LittleEndian.AppendUint16(buffer, uint16(v))
}

func AppendInt32(buffer []byte, v int32) []byte {
	return binary.LittleEndian.AppendUint32(buffer, uint32(v))
}

func AppendInt64(buffer []byte, v int64) []byte {
	return binary.LittleEndian.AppendUint64(buffer, uint64(v))
}

func AppendUInt32(buffer []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(buffer, v)
}

func AppendUInt64(buffer []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(buffer, v)
}

func ToInt16(b []byte) int16 {
	return int16(binary.LittleEndian.Uint16(b))
}

func ToInt32(b []byte) int32 {
	return int32(binary.LittleEndian.Uint32(b))
}

func ToInt64(b []byte) int64 {
	return int64(binary.LittleEndian.Uint64(b))
}

func ToUInt32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

func ToUInt64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}
