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

// ReadCursor is a bounded little-endian reader over a borrowed byte slice.
// A read that would run past Size fails with ErrBufferOverflow and leaves
// the cursor where it was.
type ReadCursor struct {
	data []byte
	size int
	pos  int
}

// NewReadCursor wraps data without copying or clearing it.
func NewReadCursor(data []byte) *ReadCursor {
	return &ReadCursor{data: data, size: len(data)}
}

// Size returns the number of readable bytes.
func (r *ReadCursor) Size() int { return r.size }

// Remaining returns the number of bytes not yet consumed.
func (r *ReadCursor) Remaining() int { return r.size - r.pos }

// Bytes returns the readable region, including bytes already consumed.
func (r *ReadCursor) Bytes() []byte { return r.data[:r.size] }

// SetSize shrinks the readable region to n bytes and rewinds the cursor.
// Growing the region is rejected.
func (r *ReadCursor) SetSize(n int) error {
	if n < 0 || n > r.size {
		return ErrBufferOverflow
	}
	r.size = n
	r.pos = 0
	return nil
}

func (r *ReadCursor) take(n int) ([]byte, error) {
	if n < 0 || r.pos+n > r.size {
		return nil, ErrBufferOverflow
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ReadUint8 consumes one byte.
func (r *ReadCursor) ReadUint8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadUint16 consumes a little-endian 16 bit value.
func (r *ReadCursor) ReadUint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return uint16(b[0]) | uint16(b[1])<<8, nil
}

// ReadUint24 consumes a little-endian 24 bit value; the top byte of the
// result is always zero.
func (r *ReadCursor) ReadUint24() (uint32, error) {
	b, err := r.take(3)
	if err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16, nil
}

// ReadUint32 consumes a little-endian 32 bit value.
func (r *ReadCursor) ReadUint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

// ReadBytes fills dst completely or fails without consuming anything.
func (r *ReadCursor) ReadBytes(dst []byte) error {
	b, err := r.take(len(dst))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

// WriteCursor is a bounded little-endian writer over a borrowed byte slice.
type WriteCursor struct {
	data  []byte
	size  int
	count int
}

// NewWriteCursor wraps data and zeroes it so a reused slice never leaks
// bytes from a previous command.
func NewWriteCursor(data []byte) *WriteCursor {
	clear(data)
	return &WriteCursor{data: data, size: len(data)}
}

// Size returns the writable capacity.
func (w *WriteCursor) Size() int { return w.size }

// Count returns the number of bytes written so far.
func (w *WriteCursor) Count() int { return w.count }

// Free returns the remaining capacity.
func (w *WriteCursor) Free() int { return w.size - w.count }

// Bytes returns the written region.
func (w *WriteCursor) Bytes() []byte { return w.data[:w.count] }

// Clear discards everything written.
func (w *WriteCursor) Clear() { w.count = 0 }

// SetCount re-scopes the written region to n bytes. It is used after an
// in-place transformation such as encryption changed the payload length.
func (w *WriteCursor) SetCount(n int) error {
	if n < 0 || n > w.size {
		return ErrBufferOverflow
	}
	w.count = n
	return nil
}

func (w *WriteCursor) reserve(n int) ([]byte, error) {
	if w.count+n > w.size {
		return nil, ErrBufferOverflow
	}
	b := w.data[w.count : w.count+n]
	w.count += n
	return b, nil
}

// AppendUint8 writes one byte.
func (w *WriteCursor) AppendUint8(v uint8) error {
	b, err := w.reserve(1)
	if err != nil {
		return err
	}
	b[0] = v
	return nil
}

// AppendUint16 writes v little-endian.
func (w *WriteCursor) AppendUint16(v uint16) error {
	b, err := w.reserve(2)
	if err != nil {
		return err
	}
	b[0], b[1] = byte(v), byte(v>>8)
	return nil
}

// AppendUint24 writes the low three bytes of v little-endian.
func (w *WriteCursor) AppendUint24(v uint32) error {
	b, err := w.reserve(3)
	if err != nil {
		return err
	}
	b[0], b[1], b[2] = byte(v), byte(v>>8), byte(v>>16)
	return nil
}

// AppendUint32 writes v little-endian.
func (w *WriteCursor) AppendUint32(v uint32) error {
	b, err := w.reserve(4)
	if err != nil {
		return err
	}
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	return nil
}

// AppendBytes writes src. An empty or nil src is a successful no-op.
func (w *WriteCursor) AppendBytes(src []byte) error {
	if len(src) == 0 {
		return nil
	}
	b, err := w.reserve(len(src))
	if err != nil {
		return err
	}
	copy(b, src)
	return nil
}
