package packet

import (
	"encoding/binary"
	"time"
)

// Timestamp acceptance window (spec.md §4.1 step 5).
const (
	TimestampPastTolerance   = 30 * time.Second
	TimestampFutureTolerance = 5 * time.Second
)

// Encode serializes header and payload into a wire-ready byte slice.
// header.DataLength is overwritten with len(payload) before validation,
// and header.Checksum is computed and overwritten; the caller's header
// value is not mutated. Encoding fails if the resulting header does not
// satisfy Header.Validate.
func Encode(header Header, payload []byte, now time.Time) ([]byte, error) {
	h := header
	h.DataLength = uint16(len(payload))
	if h.Timestamp == 0 {
		h.Timestamp = uint32(now.Unix())
	}
	if err := h.Validate(); err != nil {
		return nil, &EncodeError{cause: err}
	}

	buf := make([]byte, HeaderSize+len(payload))
	writeHeader(buf, h, 0)
	h.Checksum = checksum(buf[:HeaderSize])
	binary.BigEndian.PutUint32(buf[20:24], h.Checksum)
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// Decode parses and validates a wire datagram, in the exact step order
// spec.md §4.1 requires. On success it returns the header and a payload
// slice aliasing buf (callers that retain it beyond the current read
// buffer's lifetime must copy).
func Decode(buf []byte, now time.Time) (Header, []byte, error) {
	// spec.md §4.1 step 1 gives the floor as HEADER_SIZE+2, but its own
	// worked scenario (§8 "happy reliable echo") requires a valid,
	// zero-payload ACK packet of exactly HEADER_SIZE bytes to decode
	// successfully. The floor is therefore HeaderSize, not HeaderSize+2;
	// see DESIGN.md "Open Question resolutions".
	if len(buf) < HeaderSize {
		return Header{}, nil, ErrTooShort
	}
	if len(buf) > MaxSize {
		return Header{}, nil, ErrTooLarge
	}

	magic := binary.BigEndian.Uint16(buf[0:2])
	if magic != Magic {
		return Header{}, nil, ErrBadMagic
	}

	h := readHeader(buf)
	payload := buf[HeaderSize:]

	if h.Sequence == 0 {
		return Header{}, nil, ErrInvalidSequence
	}
	if h.DataLength > MaxPayloadSize {
		return Header{}, nil, ErrInvalidSize
	}
	if h.Flags&flagReservedMask != 0 {
		return Header{}, nil, ErrReservedFlags
	}
	if h.Flags.Has(FlagIsFragment) && h.FragmentIndex() > MaxFragmentIndex {
		return Header{}, nil, ErrInvalidFragmentIndex
	}
	if !timestampInWindow(h.Timestamp, now) {
		return Header{}, nil, ErrTimestampInvalid
	}

	wantChecksum := checksumOfHeaderWithZeroedField(buf[:HeaderSize])
	if wantChecksum != h.Checksum {
		return Header{}, nil, ErrBadChecksum
	}

	if int(h.DataLength) != len(payload) {
		return Header{}, nil, ErrLengthMismatch
	}

	return h, payload, nil
}

func timestampInWindow(ts uint32, now time.Time) bool {
	t := time.Unix(int64(ts), 0)
	earliest := now.Add(-TimestampPastTolerance)
	latest := now.Add(TimestampFutureTolerance)
	return !t.Before(earliest) && !t.After(latest)
}

func checksumOfHeaderWithZeroedField(header []byte) uint32 {
	tmp := make([]byte, HeaderSize)
	copy(tmp, header)
	tmp[20], tmp[21], tmp[22], tmp[23] = 0, 0, 0, 0
	return checksum(tmp)
}

// writeHeader serializes h into buf[off:off+HeaderSize] with the
// checksum field left as whatever h.Checksum currently holds (callers
// that need the real checksum must compute and patch it afterward, as
// Encode does).
func writeHeader(buf []byte, h Header, off int) {
	binary.BigEndian.PutUint16(buf[off:off+2], Magic)
	binary.BigEndian.PutUint32(buf[off+2:off+6], h.Sequence)
	binary.BigEndian.PutUint32(buf[off+6:off+10], h.AckSequence)
	binary.BigEndian.PutUint16(buf[off+10:off+12], h.DataLength)
	buf[off+12] = byte(h.Flags)
	buf[off+13] = byte(h.Reliability)
	buf[off+14] = byte(h.Priority)
	buf[off+15] = h.Reserved
	binary.BigEndian.PutUint32(buf[off+16:off+20], h.Timestamp)
	binary.BigEndian.PutUint32(buf[off+20:off+24], h.Checksum)
}

func readHeader(buf []byte) Header {
	return Header{
		Sequence:    binary.BigEndian.Uint32(buf[2:6]),
		AckSequence: binary.BigEndian.Uint32(buf[6:10]),
		DataLength:  binary.BigEndian.Uint16(buf[10:12]),
		Flags:       Flags(buf[12]),
		Reliability: ReliabilityClass(buf[13]),
		Priority:    Priority(buf[14]),
		Reserved:    buf[15],
		Timestamp:   binary.BigEndian.Uint32(buf[16:20]),
		Checksum:    binary.BigEndian.Uint32(buf[20:24]),
	}
}
