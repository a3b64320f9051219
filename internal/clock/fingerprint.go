package clock

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// fingerprintSep separates fields inside the hashed payload so that field
// concatenation cannot collide (US, unit separator).
const fingerprintSep = "\x1f"

// Fingerprint derives the idempotency key the MES uses to collapse duplicate
// increments: the first 16 hex characters of
// SHA-256(orderCode 0x1f upc 0x1f occurredAt(RFC3339) 0x1f stationId).
func Fingerprint(orderCode, upc string, occurredAt time.Time, stationID int) string {
	h := sha256.New()
	h.Write([]byte(orderCode))
	h.Write([]byte(fingerprintSep))
	h.Write([]byte(upc))
	h.Write([]byte(fingerprintSep))
	h.Write([]byte(occurredAt.UTC().Format(time.RFC3339)))
	h.Write([]byte(fingerprintSep))
	h.Write([]byte(strconv.Itoa(stationID)))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
