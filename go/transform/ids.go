package transform

import (
	"encoding/hex"

	"github.com/KASPACOM/ai-agent-sub001/go/message"
	"github.com/google/uuid"
	"github.com/minio/highwayhash"
)

// idHashKey is the fixed HighwayHash key used to derive message identifiers.
// It must never change: identifiers are the idempotence boundary of the whole
// pipeline, and a key change would re-ingest every message under new ids.
var idHashKey = []byte("kaspa-social-etl-id-hash-key-v1!")

// pointNamespace is the fixed UUID namespace for deriving vector point ids
// from canonical message ids.
var pointNamespace = uuid.MustParse("b0c585e1-6a2f-45e9-8d3a-7f20d1c3a9b4")

// StableID derives the deterministic canonical id of a message from its
// source, partition and platform-native identifier. Stable across reruns.
func StableID(source message.Source, channel, foreignID string) string {
	var sum = highwayhash.Sum128([]byte(string(source)+"|"+channel+"|"+foreignID), idHashKey)
	return hex.EncodeToString(sum[:])
}

// PointID derives the UUID under which a canonical message is stored in the
// vector collection, as a v5-style UUID of the canonical id.
func PointID(canonicalID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(canonicalID)).String()
}
