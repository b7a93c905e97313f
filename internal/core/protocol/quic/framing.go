package quic

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/zeusync/distsync/internal/core/protocol"
)

// streamKind is the first byte written on every stream a dialer opens.
type streamKind byte

const (
	streamOrdered streamKind = iota
	streamSequenced
)

func (k streamKind) String() string {
	switch k {
	case streamOrdered:
		return "ordered"
	case streamSequenced:
		return "sequenced"
	default:
		return "unknown"
	}
}

const lengthPrefixSize = 4

// writeFrame writes frame with a big-endian length prefix in one call.
func writeFrame(w io.Writer, frame []byte) error {
	buffer := make([]byte, lengthPrefixSize+len(frame))
	binary.BigEndian.PutUint32(buffer, uint32(len(frame)))
	copy(buffer[lengthPrefixSize:], frame)
	if _, err := w.Write(buffer); err != nil {
		return errors.Wrap(err, "failed to write frame")
	}
	return nil
}

// readFrame reads one length-prefixed frame, refusing frames above maxSize.
func readFrame(r io.Reader, maxSize int) ([]byte, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, errors.Wrap(err, "failed to read frame length")
	}
	size := int(binary.BigEndian.Uint32(prefix[:]))
	if size > maxSize {
		return nil, protocol.NewProtocolError(protocol.ErrorCodeMessageTooLarge, "inbound frame too large", protocol.ErrMessageTooLarge).
			WithContext("size", size)
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, errors.Wrap(err, "failed to read frame")
	}
	return frame, nil
}
