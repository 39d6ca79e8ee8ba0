// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	// MaxFrameSize is the largest body a frame may declare.
	MaxFrameSize = 64 * 1024

	// PartialFrameTimeout bounds how long a started frame may take to
	// arrive in full.
	PartialFrameTimeout = 5 * time.Second

	headerSize = 4
)

var (
	// ErrFrameTooLarge reports a body larger than MaxFrameSize, either
	// on encode or as a declared length on decode.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrPartialFrameTimeout reports a frame whose body did not
	// complete within PartialFrameTimeout.
	ErrPartialFrameTimeout = errors.New("partial frame timed out")
)

// Encode serializes value as JSON and prefixes the length header.
func Encode(value any) ([]byte, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	frame := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(frame[:headerSize], uint32(len(body)))
	copy(frame[headerSize:], body)
	return frame, nil
}

// WriteFrame encodes value and writes it to w in a single Write.
func WriteFrame(w io.Writer, value any) error {
	frame, err := Encode(value)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Decoder reassembles frames from a byte stream delivered in arbitrary
// chunks. It is not safe for concurrent use; each connection owns one.
type Decoder struct {
	buffer []byte

	// bodyLength is the declared length of the frame being assembled,
	// or -1 while the header is incomplete.
	bodyLength int

	// startedAt is when the first byte of the incomplete frame
	// arrived. Zero when no frame is in progress.
	startedAt time.Time
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{bodyLength: -1}
}

// Feed appends chunk, received at now, and returns every frame body
// completed by it. An oversized declared length or an expired partial
// frame returns an error; the connection must then be closed and the
// decoder discarded.
func (d *Decoder) Feed(chunk []byte, now time.Time) ([][]byte, error) {
	if err := d.CheckTimeout(now); err != nil {
		return nil, err
	}
	if len(chunk) > 0 && len(d.buffer) == 0 {
		d.startedAt = now
	}
	d.buffer = append(d.buffer, chunk...)

	var frames [][]byte
	for {
		if d.bodyLength < 0 {
			if len(d.buffer) < headerSize {
				break
			}
			declared := binary.BigEndian.Uint32(d.buffer[:headerSize])
			if declared > MaxFrameSize {
				d.buffer = nil
				return frames, fmt.Errorf("%w: declared %d bytes", ErrFrameTooLarge, declared)
			}
			d.bodyLength = int(declared)
		}
		if len(d.buffer) < headerSize+d.bodyLength {
			break
		}
		body := make([]byte, d.bodyLength)
		copy(body, d.buffer[headerSize:headerSize+d.bodyLength])
		frames = append(frames, body)
		d.buffer = d.buffer[headerSize+d.bodyLength:]
		d.bodyLength = -1
		if len(d.buffer) > 0 {
			d.startedAt = now
		}
	}
	if len(d.buffer) == 0 {
		d.buffer = nil
		d.startedAt = time.Time{}
	}
	return frames, nil
}

// Pending reports whether a frame has started but not completed.
func (d *Decoder) Pending() bool { return len(d.buffer) > 0 }

// Deadline returns the time by which the in-progress frame must
// complete. The boolean is false when no frame is in progress.
func (d *Decoder) Deadline() (time.Time, bool) {
	if !d.Pending() {
		return time.Time{}, false
	}
	return d.startedAt.Add(PartialFrameTimeout), true
}

// CheckTimeout returns ErrPartialFrameTimeout when a frame has been
// in progress for longer than PartialFrameTimeout at now.
func (d *Decoder) CheckTimeout(now time.Time) error {
	deadline, pending := d.Deadline()
	if pending && !now.Before(deadline) {
		return fmt.Errorf("%w after %s", ErrPartialFrameTimeout, now.Sub(d.startedAt))
	}
	return nil
}
