// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package thermolink

import "bytes"

// Destuff removes every MarkerByte from raw, keeping the order of the other
// bytes. The byte following a marker is not interpreted. When raw holds no
// marker it is returned as-is without copying.
func Destuff(raw []byte) []byte {
	n := bytes.Count(raw, []byte{MarkerByte})
	if n == 0 {
		return raw
	}

	result := make([]byte, 0, len(raw)-n)
	for _, b := range raw {
		if b != MarkerByte {
			result = append(result, b)
		}
	}
	return result
}
