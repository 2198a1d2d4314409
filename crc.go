// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package desfire

import "hash/crc32"

// CRC32 computes the DESFire EV1 checksum over the concatenation of parts:
// the IEEE polynomial with an all-ones preset and no final inversion.
func CRC32(parts ...[]byte) uint32 {
	crc := ^uint32(0)
	for _, p := range parts {
		crc = ^crc32.Update(^crc, crc32.IEEETable, p)
	}
	return crc
}
