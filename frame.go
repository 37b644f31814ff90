// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package prmi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameLen is the largest frame body accepted by ReadFrom.
const MaxFrameLen = 64 << 20

// Handler IDs. Negative IDs mark replies, IDs below FirstUserHandler are
// reserved for operations every exported object supports, and the methods of
// a user type are numbered from FirstUserHandler.
const (
	HandlerReply int32 = -1 // successful reply
	HandlerFault int32 = -2 // reply carrying a Fault

	HandlerAddRef       int32 = 1
	HandlerDeleteRef    int32 = 2
	HandlerIdentify     int32 = 3
	HandlerDescribe     int32 = 4
	HandlerCreateSubset int32 = 5
	HandlerPutArray     int32 = 6
	HandlerGetArray     int32 = 7

	FirstUserHandler int32 = 16
)

// A Frame is the unit of transmission between two multiplexers.
//
// The binary encoding of a frame is a big-endian uint32 length followed by
// that many bytes of Data. Data begins with the big-endian int32 handler ID.
type Frame struct {
	Data []byte
}

// NewFrame constructs a frame with the given handler ID and payload.
func NewFrame(handlerID int32, payload []byte) *Frame {
	data := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(data, uint32(handlerID))
	copy(data[4:], payload)
	return &Frame{Data: data}
}

// HandlerID reports the handler ID of f, or 0 if f is too short to have one.
func (f *Frame) HandlerID() int32 {
	if len(f.Data) < 4 {
		return 0
	}
	return int32(binary.BigEndian.Uint32(f.Data))
}

// Payload returns the portion of f following the handler ID.
func (f *Frame) Payload() []byte {
	if len(f.Data) < 4 {
		return nil
	}
	return f.Data[4:]
}

// IsReply reports whether f is a reply or fault.
func (f *Frame) IsReply() bool { return f.HandlerID() < 0 }

// channelID returns the channel ID that leads every request and reply
// payload.
func (f *Frame) channelID() (uint32, error) {
	if len(f.Data) < 8 {
		return 0, fmt.Errorf("short frame (%d bytes): %w", len(f.Data), ErrUnderrun)
	}
	return binary.BigEndian.Uint32(f.Data[4:]), nil
}

// WriteTo writes the frame to w in binary format. It satisfies io.WriterTo.
func (f *Frame) WriteTo(w io.Writer) (int64, error) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(f.Data)))
	nw, err := w.Write(hdr[:])
	if err == nil && len(f.Data) != 0 {
		var np int
		np, err = w.Write(f.Data)
		nw += np
	}
	return int64(nw), err
}

// ReadFrom reads a frame from r in binary format. It satisfies io.ReaderFrom.
// A frame shorter than a handler ID or longer than MaxFrameLen is an error.
func (f *Frame) ReadFrom(r io.Reader) (int64, error) {
	var hdr [4]byte
	nr, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if errors.Is(err, io.EOF) && nr == 0 {
			return 0, err // clean end of stream
		}
		return int64(nr), fmt.Errorf("short frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size < 4 {
		return int64(nr), fmt.Errorf("frame too short (%d bytes)", size)
	} else if size > MaxFrameLen {
		return int64(nr), fmt.Errorf("frame too long (%d > %d bytes)", size, MaxFrameLen)
	}
	f.Data = make([]byte, int(size))
	np, err := io.ReadFull(r, f.Data)
	nr += np
	if err != nil {
		err = fmt.Errorf("short frame body: %w", err)
	}
	return int64(nr), err
}

// String returns a human-friendly rendering of the frame.
func (f *Frame) String() string {
	hid := f.HandlerID()
	var kind string
	switch hid {
	case HandlerReply:
		kind = "REPLY"
	case HandlerFault:
		kind = "FAULT"
	default:
		kind = fmt.Sprintf("CALL:%d", hid)
	}
	body := f.Payload()
	if len(body) > 16 {
		return fmt.Sprintf("Frame(%s, %d bytes, %+v ...)", kind, len(body), body[:16])
	}
	return fmt.Sprintf("Frame(%s, %+v)", kind, body)
}

// A FrameLogger logs a frame exchanged with a remote multiplexer.
type FrameLogger func(FrameInfo)

// A FrameInfo combines a frame with the connection it traversed and a flag
// indicating whether the frame was sent or received.
type FrameInfo struct {
	*Frame
	Peer string // the remote end of the connection
	Sent bool   // whether the frame was sent (true) or received (false)
}

func (f FrameInfo) dir() string {
	if f.Sent {
		return "send"
	}
	return "recv"
}

func (f FrameInfo) String() string {
	return fmt.Sprintf("%v %s %v", f.dir(), f.Peer, f.Frame)
}
