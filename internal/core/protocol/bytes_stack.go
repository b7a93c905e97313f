package protocol

import (
	"math"
)

const initialStackSize = 32

// BytesStack is the LIFO buffer every replication message is written to.
// Values are popped in the reverse order they were pushed. Multi-byte
// integers are pushed least significant byte first, so the most significant
// byte sits on top of the stack.
//
// A failed pop sets a sticky error and returns the zero value; callers check
// Err once after decoding a whole payload.
type BytesStack struct {
	data     []byte
	position int
	err      error
}

func NewBytesStack() *BytesStack {
	return &BytesStack{data: make([]byte, 0, initialStackSize)}
}

// NewBytesStackFrom wraps data as a full stack. The slice is copied.
func NewBytesStackFrom(data []byte) *BytesStack {
	copied := make([]byte, len(data), max(len(data), initialStackSize))
	copy(copied, data)
	return &BytesStack{data: copied, position: len(data)}
}

// Count returns the number of bytes left on the stack.
func (s *BytesStack) Count() int {
	return s.position
}

// Err reports the first decoding failure.
func (s *BytesStack) Err() error {
	return s.err
}

func (s *BytesStack) Reset() {
	s.data = s.data[:0]
	s.position = 0
	s.err = nil
}

// Bytes returns the live stack contents, bottom first. The slice is only valid
// until the next push.
func (s *BytesStack) Bytes() []byte {
	return s.data[:s.position]
}

// Clone returns an independent copy including the pop position.
func (s *BytesStack) Clone() *BytesStack {
	clone := NewBytesStackFrom(s.data[:s.position])
	clone.err = s.err
	return clone
}

func (s *BytesStack) PushBytes(data []byte) {
	s.data = append(s.data[:s.position], data...)
	s.position += len(data)
}

func (s *BytesStack) PushByte(b byte) {
	s.data = append(s.data[:s.position], b)
	s.position++
}

// PopBytes removes count bytes and returns them in their original order.
func (s *BytesStack) PopBytes(count int) []byte {
	if !s.require(count) {
		return nil
	}
	s.position -= count
	result := make([]byte, count)
	copy(result, s.data[s.position:s.position+count])
	return result
}

func (s *BytesStack) PopByte() byte {
	if !s.require(1) {
		return 0
	}
	s.position--
	return s.data[s.position]
}

// PeekByte reads the byte offset positions below the top without popping.
func (s *BytesStack) PeekByte(offset int) byte {
	if offset < 0 || offset >= s.position {
		return 0
	}
	return s.data[s.position-1-offset]
}

// PushUint pushes the lowest bytesCount bytes of value.
func (s *BytesStack) PushUint(value uint64, bytesCount int) {
	for i := 0; i < bytesCount; i++ {
		s.PushByte(byte(value >> (8 * i)))
	}
}

func (s *BytesStack) PopUint(bytesCount int) uint64 {
	if !s.require(bytesCount) {
		return 0
	}
	var result uint64
	for i := 0; i < bytesCount; i++ {
		result <<= 8
		result |= uint64(s.PopByte())
	}
	return result
}

// PushInt pushes the lowest bytesCount bytes of value. PopInt restores the sign
// only for full-width (4 or 8 byte) values.
func (s *BytesStack) PushInt(value int, bytesCount int) {
	s.PushUint(uint64(value), bytesCount)
}

func (s *BytesStack) PopInt(bytesCount int) int {
	raw := s.PopUint(bytesCount)
	switch bytesCount {
	case 4:
		return int(int32(uint32(raw)))
	case 8:
		return int(int64(raw))
	default:
		return int(raw)
	}
}

func (s *BytesStack) PushInt64(value int64) {
	s.PushUint(uint64(value), 8)
}

func (s *BytesStack) PopInt64() int64 {
	return int64(s.PopUint(8))
}

func (s *BytesStack) PushBool(value bool) {
	if value {
		s.PushByte(1)
		return
	}
	s.PushByte(0)
}

func (s *BytesStack) PopBool() bool {
	return s.PopByte() != 0
}

func (s *BytesStack) PushFloat(value float32) {
	s.PushUint(uint64(math.Float32bits(value)), 4)
}

func (s *BytesStack) PopFloat() float32 {
	return math.Float32frombits(uint32(s.PopUint(4)))
}

// PushString pushes the UTF-8 bytes followed by their length as a 4-byte int.
func (s *BytesStack) PushString(value string) {
	s.PushBytes([]byte(value))
	s.PushInt(len(value), 4)
}

func (s *BytesStack) PopString() string {
	length := s.PopInt(4)
	if length < 0 {
		s.fail()
		return ""
	}
	if length == 0 {
		return ""
	}
	return string(s.PopBytes(length))
}

// PushEnum pushes a command tag sized for the largest value of its enum.
func (s *BytesStack) PushEnum(value, maxValue int) {
	s.PushInt(value, RequiredBytes(maxValue))
}

func (s *BytesStack) PopEnum(maxValue int) int {
	return s.PopInt(RequiredBytes(maxValue))
}

func (s *BytesStack) require(count int) bool {
	if s.err != nil {
		return false
	}
	if count > s.position {
		s.fail()
		return false
	}
	return true
}

func (s *BytesStack) fail() {
	if s.err == nil {
		s.err = ErrBufferUnderflow
	}
	s.position = 0
}

// RequiredBytes returns how many bytes hold number: one for zero, four for
// negatives, otherwise the minimal count.
func RequiredBytes(number int) int {
	if number == 0 {
		return 1
	}
	if number < 0 {
		return 4
	}
	required := 1
	for number >>= 8; number != 0; number >>= 8 {
		required++
	}
	return required
}
