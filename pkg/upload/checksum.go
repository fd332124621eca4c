package upload

import (
	"fmt"
	"hash/crc32"
)

// Checksum returns the reflected CRC-32 (IEEE) of data as 8 lowercase hex
// digits, the form the storage upload endpoint expects in Content-CRC32.
func Checksum(data []byte) string {
	return fmt.Sprintf("%08x", crc32.Checksum(data, crc32.IEEETable))
}
