/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tsign

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/miekg/dns"
)

var ErrTruncated = errors.New("truncated key record set encoding")

// Serialize packs the four members into one blob: for each member a
// uint32 length prefix followed by the member's records in DNS wire
// format. Member order is fixed (DNSKEY, CDNSKEY, CDS, RRSIG), so the
// encoding needs no type tags. Empty members encode as a zero-length
// block and survive the round trip.
func (krs *KeyRecordSet) Serialize() ([]byte, error) {
	var out []byte
	for _, m := range krs.allMembers() {
		block, err := packRRs(m.RRs)
		if err != nil {
			return nil, err
		}
		var lenbuf [4]byte
		binary.BigEndian.PutUint32(lenbuf[:], uint32(len(block)))
		out = append(out, lenbuf[:]...)
		out = append(out, block...)
	}
	return out, nil
}

func packRRs(rrs []dns.RR) ([]byte, error) {
	var out []byte
	for _, rr := range rrs {
		buf := make([]byte, dns.Len(rr))
		off, err := dns.PackRR(rr, buf, 0, nil, false)
		if err != nil {
			return nil, fmt.Errorf("packRRs: %v", err)
		}
		out = append(out, buf[:off]...)
	}
	return out, nil
}

// DeserializeKeyRecords is the inverse of Serialize. A length prefix
// that runs past the end of the blob yields ErrTruncated; a record of
// the wrong type inside a block yields ErrMalformedRecords.
func DeserializeKeyRecords(owner string, data []byte) (*KeyRecordSet, error) {
	krs := NewKeyRecordSet(owner)

	memberTypes := []uint16{dns.TypeDNSKEY, dns.TypeCDNSKEY, dns.TypeCDS, dns.TypeRRSIG}

	off := 0
	for i, m := range krs.allMembers() {
		if len(data)-off < 4 {
			return nil, ErrTruncated
		}
		blocklen := int(binary.BigEndian.Uint32(data[off : off+4]))
		off += 4
		if len(data)-off < blocklen {
			return nil, ErrTruncated
		}
		end := off + blocklen
		for off < end {
			rr, newoff, err := dns.UnpackRR(data[:end], off)
			if err != nil {
				return nil, fmt.Errorf("DeserializeKeyRecords: %v", err)
			}
			if rr.Header().Rrtype != memberTypes[i] {
				return nil, fmt.Errorf("%s record in %s block: %w",
					dns.TypeToString[rr.Header().Rrtype],
					dns.TypeToString[memberTypes[i]], ErrMalformedRecords)
			}
			off = newoff
			m.RRs = append(m.RRs, rr)
		}
	}
	if off != len(data) {
		return nil, fmt.Errorf("%d trailing bytes: %w", len(data)-off, ErrMalformedRecords)
	}
	return krs, nil
}
