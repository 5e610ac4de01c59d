package validator

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/telhawk-systems/relay/common/models"
)

// DerivedPrefix marks logical ids computed by ingestion.
const DerivedPrefix = "derived-"

const unitSeparator = "\x1f"

// DeriveLogicalID computes a stable identity for an event submitted without
// one. It hashes the core payload fields and observedAt truncated to the
// second, so a retried event maps to the same id. The producer session is
// left out: a restarted producer must not create a second copy.
func DeriveLogicalID(p models.Payload, observedAt time.Time) string {
	parts := []string{
		p.Author,
		p.Channel,
		p.Text,
		p.Quoted,
		observedAt.UTC().Truncate(time.Second).Format(time.RFC3339),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, unitSeparator)))
	return DerivedPrefix + hex.EncodeToString(sum[:])[:32]
}
