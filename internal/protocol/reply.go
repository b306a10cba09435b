package protocol

import (
	"encoding/binary"
	"fmt"
)

// Status is the transport-level outcome of a service request, carried
// in every service reply. It is distinct from the signed 32-bit
// logical Result code a completed logical request carries.
type Status uint16

const (
	StatusOK       Status = 0
	StatusError    Status = 1
	StatusPending  Status = 2
	StatusBusy     Status = 3
	StatusNoMemory Status = 4
	StatusNotFound Status = 5
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	case StatusPending:
		return "PENDING"
	case StatusBusy:
		return "BUSY"
	case StatusNoMemory:
		return "NO_MEMORY"
	case StatusNotFound:
		return "NOT_FOUND"
	default:
		return fmt.Sprintf("Status(%d)", uint16(s))
	}
}

// Flag bits in the 4-byte little-endian flags word that prefixes every
// service reply. STATUS is mandatory; ID/SIZE/RESULT are present only
// when their bit is set (spec.md §3).
const (
	flagStatus uint32 = 1 << 0
	flagID     uint32 = 1 << 1
	flagSize   uint32 = 1 << 2
	flagResult uint32 = 1 << 3
)

// Reply is the fixed-layout service reply: 4-byte flags, then whichever
// of status/id/size/result the flags declare present, in that order.
type Reply struct {
	Status Status

	ID    uint16
	HasID bool

	Size    uint32
	HasSize bool

	Result    int32
	HasResult bool
}

// ParseReply decodes the service reply at the front of buf (the first
// 64 bytes of an INIT/CHECK/RESET IN transfer). Trailing bytes beyond
// the declared fields are ignored.
func ParseReply(buf []byte) (Reply, error) {
	if len(buf) < 4 {
		return Reply{}, fmt.Errorf("%w: reply shorter than the 4-byte flags word (%d bytes)", ErrProtocol, len(buf))
	}

	flags := binary.LittleEndian.Uint32(buf[0:4])
	if flags&flagStatus == 0 {
		return Reply{}, fmt.Errorf("%w: reply missing mandatory STATUS field", ErrProtocol)
	}

	off := 4
	need := func(n int) error {
		if off+n > len(buf) {
			return fmt.Errorf("%w: reply truncated at offset %d, need %d more bytes", ErrProtocol, off, n)
		}
		return nil
	}

	var rep Reply

	if err := need(2); err != nil {
		return Reply{}, err
	}
	rep.Status = Status(binary.LittleEndian.Uint16(buf[off : off+2]))
	off += 2

	if flags&flagID != 0 {
		if err := need(2); err != nil {
			return Reply{}, err
		}
		rep.ID = binary.LittleEndian.Uint16(buf[off : off+2])
		rep.HasID = true
		off += 2
	}

	if flags&flagSize != 0 {
		if err := need(4); err != nil {
			return Reply{}, err
		}
		rep.Size = binary.LittleEndian.Uint32(buf[off : off+4])
		rep.HasSize = true
		off += 4
	}

	if flags&flagResult != 0 {
		if err := need(4); err != nil {
			return Reply{}, err
		}
		rep.Result = int32(binary.LittleEndian.Uint32(buf[off : off+4]))
		rep.HasResult = true
		off += 4
	}

	return rep, nil
}

// EncodeReply is the inverse of ParseReply: it emits exactly the
// declared fields (no padding), flags word first.
func EncodeReply(rep Reply) []byte {
	flags := flagStatus
	size := 4 + 2
	if rep.HasID {
		flags |= flagID
		size += 2
	}
	if rep.HasSize {
		flags |= flagSize
		size += 4
	}
	if rep.HasResult {
		flags |= flagResult
		size += 4
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], flags)
	off := 4
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(rep.Status))
	off += 2
	if rep.HasID {
		binary.LittleEndian.PutUint16(buf[off:off+2], rep.ID)
		off += 2
	}
	if rep.HasSize {
		binary.LittleEndian.PutUint32(buf[off:off+4], rep.Size)
		off += 4
	}
	if rep.HasResult {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(rep.Result))
		off += 4
	}
	return buf
}
