package portmap

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const (
	// Capacity is the fixed number of slots in the table.
	Capacity = 32

	// StoreKey is the persistence key holding the encoded table.
	StoreKey = "portmap_tab"

	// recordSize: proto(1) | external port(2) | internal addr(4) | internal port(2) | valid(1).
	recordSize = 10

	// BlobSize is the exact length of an encoded table.
	BlobSize = Capacity * recordSize
)

type slot struct {
	rule  Rule
	valid bool
}

// encode packs all slots, including empty ones, into a BlobSize byte slice.
func encode(slots *[Capacity]slot) []byte {
	buf := make([]byte, BlobSize)
	for i := range slots {
		if !slots[i].valid {
			continue
		}
		rec := buf[i*recordSize : (i+1)*recordSize]
		r := slots[i].rule
		addr := r.InternalAddr.As4()

		rec[0] = byte(r.Protocol)
		binary.BigEndian.PutUint16(rec[1:3], r.ExternalPort)
		copy(rec[3:7], addr[:])
		binary.BigEndian.PutUint16(rec[7:9], r.InternalPort)
		rec[9] = 1
	}
	return buf
}

// decode is the inverse of encode. Records flagged valid but carrying an
// unknown protocol are treated as empty slots.
func decode(blob []byte, slots *[Capacity]slot) error {
	if len(blob) != BlobSize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidLength, len(blob), BlobSize)
	}

	var out [Capacity]slot
	for i := range out {
		rec := blob[i*recordSize : (i+1)*recordSize]
		if rec[9] == 0 {
			continue
		}
		proto := Protocol(rec[0])
		if !proto.Valid() {
			continue
		}
		out[i] = slot{
			rule: Rule{
				Protocol:     proto,
				ExternalPort: binary.BigEndian.Uint16(rec[1:3]),
				InternalAddr: netip.AddrFrom4([4]byte(rec[3:7])),
				InternalPort: binary.BigEndian.Uint16(rec[7:9]),
			},
			valid: true,
		}
	}

	*slots = out
	return nil
}
