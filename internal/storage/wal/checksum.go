package wal

// ============================================================================
// Checksums: CRC32-IEEE over the fields that identify a record
// ============================================================================

import (
	"hash/crc32"
	"strconv"
)

// CalculateChecksum covers seq, type and value. The timestamp is left out.
func CalculateChecksum(eventType EventType, value string, seq uint64) uint32 {
	data := strconv.FormatUint(seq, 10) + "|" + string(eventType) + "|" + value
	return crc32.ChecksumIEEE([]byte(data))
}

// VerifyChecksum reports whether event's stored checksum matches its
// content.
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event.Type, event.Value, event.Seq)
}
