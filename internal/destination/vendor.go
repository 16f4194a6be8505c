// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package destination

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/mia-platform/amux/internal/info"
)

// UserAgent returns the User-Agent header value vendor backends set on
// outgoing HTTP requests.
func UserAgent() string {
	return info.AppName + "/" + info.Version
}

// ResourceKey derives the acquisition cache identifier for a vendor resource
// tied to a credential. The credential is fingerprinted so the identifier can
// appear in logs and metrics without exposing the secret, while two different
// credentials still name two different resources.
func ResourceKey(vendor, credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return vendor + "/" + hex.EncodeToString(sum[:4])
}
