package protocol

import (
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/zeusync/distsync/pkg/generic"
)

const (
	// frameHeaderSize is timestamp(8) + key id(8) + quality(1).
	frameHeaderSize = 17
	maxPooledFrame  = 64 * 1024
)

var framePool = generic.NewPool(NewBytesStack,
	generic.WithReset((*BytesStack).Reset),
	generic.WithAccept(func(frame *BytesStack) bool { return frame.Count() <= maxPooledFrame }),
	generic.WithWarm[*BytesStack](16),
)

// KeyID is the wire identifier of an address key.
func KeyID(addressKey string) uint64 {
	return xxhash.Sum64String(addressKey)
}

// encodeFrame appends the routing header on top of the content. The returned
// stack comes from the pool and must be released with releaseFrame.
func encodeFrame(id uint64, message *Message) *BytesStack {
	frame := framePool.Get()
	if message.Content != nil {
		frame.PushBytes(message.Content.Bytes())
	}
	frame.PushInt64(message.Timestamp.UnixNano())
	frame.PushUint(id, 8)
	frame.PushByte(byte(message.Quality))
	return frame
}

func releaseFrame(frame *BytesStack) {
	framePool.Put(frame)
}

// decodeFrame splits a frame into its key id and a message without AddressKey.
func decodeFrame(data []byte) (uint64, *Message, error) {
	if len(data) < frameHeaderSize {
		return 0, nil, NewProtocolError(ErrorCodeInvalidFrame, "frame shorter than header", ErrInvalidFrame)
	}
	content := NewBytesStackFrom(data)
	quality := DeliveryQuality(content.PopByte())
	if quality > ReliableOrdered {
		return 0, nil, NewProtocolError(ErrorCodeInvalidFrame, "unknown delivery quality", ErrInvalidFrame).
			WithContext("quality", quality)
	}
	id := content.PopUint(8)
	timestamp := content.PopInt64()
	if err := content.Err(); err != nil {
		return 0, nil, WrapError(err, "failed to decode frame header")
	}
	return id, &Message{
		Content:   content,
		Quality:   quality,
		Timestamp: time.Unix(0, timestamp),
	}, nil
}
