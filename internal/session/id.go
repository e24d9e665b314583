package session

import (
	"crypto/sha1"
	"encoding/hex"
)

// ResolveSessionID derives the session id for an engine-bound execution scope
// within a conversation. It is a pure function of its inputs, so any client
// can re-derive the id for an engine switch without a server round trip.
func ResolveSessionID(engineName, conversationID string) string {
	sum := sha1.Sum([]byte(engineName + "\x00" + conversationID))
	return "ses-" + hex.EncodeToString(sum[:])[:16]
}
