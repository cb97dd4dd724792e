// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package codec

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// DeriveEventID computes the idempotence key for a caller that didn't
// supply one: "json:" + hex(xxhash64(payload)). Two events with identical
// payloads and no caller key are deliberately indistinguishable - this is
// the contract spec.md section 4.A calls out explicitly.
func DeriveEventID(payload []byte) string {
	sum := xxhash.Sum64(payload)
	return fmt.Sprintf("json:%016x", sum)
}

// EventID returns the caller-supplied id verbatim if non-empty, otherwise
// derives one from the payload.
func EventID(callerSupplied string, payload []byte) string {
	if callerSupplied != "" {
		return callerSupplied
	}
	return DeriveEventID(payload)
}
