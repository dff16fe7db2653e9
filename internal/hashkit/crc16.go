// Copyright (c) 2022 The rcproxy Authors
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

// Package hashkit implements the CRC16/XMODEM hash used for Redis Cluster
// slot assignment.
package hashkit

const polynomial = 0x1021

var table [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for b := 0; b < 8; b++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ polynomial
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
}

// crc16 computes the CRC16/XMODEM checksum (poly 0x1021, init 0) of p.
func crc16(p []byte) uint16 {
	var crc uint16
	for _, b := range p {
		crc = (crc << 8) ^ table[byte(crc>>8)^b]
	}
	return crc
}

const slotCount = 16384

// Hash returns the CRC16/XMODEM checksum of key, matching the values Redis
// Cluster itself computes over the hash-tag-extracted key: a non-empty
// substring between the first `{` and the following `}` is hashed in
// place of the whole key, so that multi-key commands sharing a hash tag
// land on the same slot. An empty tag (`{}`) does not trigger extraction.
func Hash(key string) uint16 {
	return crc16([]byte(hashTag(key)))
}

func hashTag(key string) string {
	open := -1
	for i := 0; i < len(key); i++ {
		if key[i] == '{' {
			open = i
			break
		}
	}
	if open < 0 {
		return key
	}
	rest := key[open+1:]
	close := -1
	for i := 0; i < len(rest); i++ {
		if rest[i] == '}' {
			close = i
			break
		}
	}
	if close <= 0 {
		return key
	}
	return rest[:close]
}

// Slot returns the Redis Cluster slot (0..16383) a key maps to.
func Slot(key string) int {
	return int(Hash(key)) % slotCount
}
