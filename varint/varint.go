// Package varint
// BSD 3-Clause License
//
// Copyright (c) 2024, Alex Gaetano Padula
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
//  1. Redistributions of source code must retain the above copyright notice, this
//     list of conditions and the following disclaimer.
//
//  2. Redistributions in binary form must reproduce the above copyright notice,
//     this list of conditions and the following disclaimer in the documentation
//     and/or other materials provided with the distribution.
//
//  3. Neither the name of the copyright holder nor the names of its
//     contributors may be used to endorse or promote products derived from
//     this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.
package varint

import "errors"

// Little-endian base-128 varint.  Each byte carries 7 payload bits, MSB set
// means another byte follows.

var ErrOverflow = errors.New("varint overflows 64 bits")   // more than 64 bits of payload
var ErrTruncated = errors.New("varint not terminated")     // input ended before the final byte

// Len returns the encoded length of value in bytes
func Len(value uint64) int {
	n := 1
	for value >= 0x80 {
		n++
		value >>= 7
	}
	return n
}

// Append appends the encoding of value to dst and returns the extended slice
func Append(dst []byte, value uint64) []byte {
	for value >= 0x80 {
		dst = append(dst, byte(value&0x7F)|0x80)
		value >>= 7
	}
	return append(dst, byte(value))
}

// Decode reads a varint from the front of data.
// Returns the value and the number of bytes consumed.
func Decode(data []byte) (uint64, int, error) {
	var value uint64
	var shift uint

	for i, b := range data {
		value |= uint64(b&0x7F) << shift
		if b&0x80 == 0 {
			return value, i + 1, nil
		}

		shift += 7
		if shift >= 64 {
			return 0, 0, ErrOverflow
		}
	}

	return 0, 0, ErrTruncated
}
