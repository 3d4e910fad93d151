package types

import "encoding/base64"

// BinaryValue is an immutable byte buffer, MOO's "binary string" type.
// Like every other value it is copy-on-write from the VM's perspective:
// mutating ops (builtins/strings.go's binary helpers) always return a new
// BinaryValue rather than touching the backing array in place.
type BinaryValue struct {
	bytes []byte
}

// NewBinary takes ownership-by-convention of b; callers must not mutate it
// afterwards. Used by decoders that already own a freshly allocated buffer.
func NewBinary(b []byte) BinaryValue {
	return BinaryValue{bytes: b}
}

// NewBinaryCopy clones b so the caller's buffer can be reused or mutated.
func NewBinaryCopy(b []byte) BinaryValue {
	cp := make([]byte, len(b))
	copy(cp, b)
	return BinaryValue{bytes: cp}
}

func (b BinaryValue) Type() TypeCode { return TYPE_BINARY }

// String renders the MOO "binary string" literal encoding: ~-escaped hex
// pairs for any byte outside printable ASCII, matching the wire convention
// used by value_bytes()/decode_binary().
func (b BinaryValue) String() string {
	const hex = "0123456789ABCDEF"
	out := make([]byte, 0, len(b.bytes))
	for _, c := range b.bytes {
		if c == '~' || c < 0x20 || c >= 0x7f {
			out = append(out, '~', hex[c>>4], hex[c&0xf])
		} else {
			out = append(out, c)
		}
	}
	return string(out)
}

func (b BinaryValue) Equal(other Value) bool {
	o, ok := other.(BinaryValue)
	if !ok || len(o.bytes) != len(b.bytes) {
		return false
	}
	for i := range b.bytes {
		if b.bytes[i] != o.bytes[i] {
			return false
		}
	}
	return true
}

func (b BinaryValue) Truthy() bool {
	return len(b.bytes) > 0
}

// Bytes returns the underlying buffer. Callers must treat it as read-only.
func (b BinaryValue) Bytes() []byte {
	return b.bytes
}

func (b BinaryValue) Len() int {
	return len(b.bytes)
}

// Base64 returns the standard base64 form used on the wire for program
// literal pools and RPC records that carry binary payloads.
func (b BinaryValue) Base64() string {
	return base64.StdEncoding.EncodeToString(b.bytes)
}
