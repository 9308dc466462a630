package bridge

import "encoding/binary"

// RegisterSlot is one 16-bit register of a ChannelRegisterGroup.
// It holds no state of its own beyond its index.
type RegisterSlot struct {
	group *ChannelRegisterGroup
	index int
}

// Index returns the position of the slot inside its group (0 = most significant).
func (r *RegisterSlot) Index() int {
	return r.index
}

// Group returns the owning group.
func (r *RegisterSlot) Group() *ChannelRegisterGroup {
	return r.group
}

// Bytes returns the encoded register bytes of the group's current value.
func (r *RegisterSlot) Bytes() [2]byte {
	return r.group.EncodedBytesForSlot(r.index)
}

// Value returns the encoded register as a 16-bit word.
func (r *RegisterSlot) Value() uint16 {
	b := r.Bytes()
	return binary.BigEndian.Uint16(b[:])
}

// Write sinks two bytes into the group's write buffer.
func (r *RegisterSlot) Write(b1, b2 byte) (bool, error) {
	return r.group.AcceptWrite(r.index, b1, b2)
}
