package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// ContentHash computes the canonical hash of a reduced (fields, provenance)
// pair. Field names are sorted and records length-delimited, so the hash is
// independent of map iteration order and unambiguous under values that
// contain separator-looking bytes.
func ContentHash(fields, provenance map[string]string) string {
	names := make([]string, 0, len(fields))
	for f := range fields {
		names = append(names, f)
	}
	sort.Strings(names)

	h := sha256.New()
	var lenBuf [8]byte
	writeRecord := func(s string) {
		n := len(s)
		for i := 7; i >= 0; i-- {
			lenBuf[i] = byte(n)
			n >>= 8
		}
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}

	for _, f := range names {
		writeRecord(f)
		writeRecord(fields[f])
		writeRecord(provenance[f])
	}
	return hex.EncodeToString(h.Sum(nil))
}
