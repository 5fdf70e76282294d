// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint derives the stable session key from a client-supplied
// conversation identity. The hash keeps arbitrary client identifiers
// (UUIDs, user-chosen names, long opaque strings) uniform and safe to
// use in log payloads and URLs. An empty identity yields an empty
// fingerprint, which the store treats as a one-shot request.
func Fingerprint(conversationID string) string {
	if conversationID == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(conversationID))
	return hex.EncodeToString(sum[:16])
}
