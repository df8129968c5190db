package journal

import (
	"fmt"
	"hash/crc32"
)

// checksum computes the CRC32-IEEE checksum of an event's identifying
// fields (type, unit, job id, seq) — timestamp is excluded since replay
// never changes the fields that establish what happened, only when the
// handler observes it.
func checksum(e Event) uint32 {
	data := fmt.Sprintf("%s|%s|%d|%d", e.Type, e.Unit, e.JobID, e.Seq)
	return crc32.ChecksumIEEE([]byte(data))
}

func verifyChecksum(e Event) bool {
	return e.Checksum == checksum(e)
}
