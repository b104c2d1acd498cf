/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tsign

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/miekg/dns"
)

var (
	ErrInvalidType      = errors.New("record type not part of a key record set")
	ErrMalformedRecords = errors.New("malformed key record set")
	ErrExpiringSoon     = errors.New("key record signatures expiring soon")
)

// KeyRecordSet carries the four apex RRsets that DNSSEC key management
// revolves around: DNSKEY, CDNSKEY, CDS and the RRSIGs covering them.
// All four share the zone apex as owner name.
type KeyRecordSet struct {
	Name    string
	Dnskey  RRset
	Cdnskey RRset
	Cds     RRset
	Rrsig   RRset
}

func NewKeyRecordSet(owner string) *KeyRecordSet {
	owner = dns.Fqdn(owner)
	return &KeyRecordSet{
		Name:    owner,
		Dnskey:  RRset{Name: owner},
		Cdnskey: RRset{Name: owner},
		Cds:     RRset{Name: owner},
		Rrsig:   RRset{Name: owner},
	}
}

// contentMembers are the members that carry zone data. The RRSIG
// member is handled separately: it is never part of set algebra or
// changesets, only of signing, verification and serialization.
func (krs *KeyRecordSet) contentMembers() []*RRset {
	return []*RRset{&krs.Dnskey, &krs.Cdnskey, &krs.Cds}
}

func (krs *KeyRecordSet) allMembers() []*RRset {
	return []*RRset{&krs.Dnskey, &krs.Cdnskey, &krs.Cds, &krs.Rrsig}
}

func (krs *KeyRecordSet) Clear() {
	for _, m := range krs.allMembers() {
		m.RRs = nil
		m.RRSIGs = nil
	}
}

func (krs *KeyRecordSet) IsEmpty() bool {
	for _, m := range krs.allMembers() {
		if len(m.RRs) != 0 {
			return false
		}
	}
	return true
}

// Add files a record under the member matching its type. Records of
// any other type are refused.
func (krs *KeyRecordSet) Add(rr dns.RR) error {
	owner := strings.ToLower(rr.Header().Name)
	if krs.Name == "" {
		krs.Name = owner
	} else if owner != krs.Name {
		return fmt.Errorf("owner %s does not match key record set owner %s: %w",
			owner, krs.Name, ErrMalformedRecords)
	}

	switch rr.Header().Rrtype {
	case dns.TypeDNSKEY:
		krs.Dnskey.RRs = append(krs.Dnskey.RRs, rr)
	case dns.TypeCDNSKEY:
		krs.Cdnskey.RRs = append(krs.Cdnskey.RRs, rr)
	case dns.TypeCDS:
		krs.Cds.RRs = append(krs.Cds.RRs, rr)
	case dns.TypeRRSIG:
		krs.Rrsig.RRs = append(krs.Rrsig.RRs, rr)
	default:
		return fmt.Errorf("%s: %w", dns.TypeToString[rr.Header().Rrtype], ErrInvalidType)
	}
	return nil
}

// ApexKeyRecords builds a KeyRecordSet from what the zone apex
// currently publishes. The RRSIG member is left empty; the signatures
// known to the zone live on the apex RRsets themselves.
func (zd *ZoneData) ApexKeyRecords() (*KeyRecordSet, error) {
	krs := NewKeyRecordSet(zd.ZoneName)

	apex, err := zd.GetOwner(zd.ZoneName)
	if err != nil {
		return nil, err
	}
	if apex == nil {
		return krs, nil
	}

	for _, rrtype := range []uint16{dns.TypeDNSKEY, dns.TypeCDNSKEY, dns.TypeCDS} {
		rrset, exist := apex.RRtypes[rrtype]
		if !exist {
			continue
		}
		for _, rr := range rrset.RRs {
			if err := krs.Add(rr); err != nil {
				return nil, err
			}
		}
	}
	return krs, nil
}

// ToChangeset appends each non-empty content member to the changeset,
// as removals or as additions.
func (krs *KeyRecordSet) ToChangeset(cs *Changeset, remove bool) {
	for _, m := range krs.contentMembers() {
		if len(m.RRs) == 0 {
			continue
		}
		if remove {
			cs.RemoveRRset(*m)
		} else {
			cs.AddRRset(*m)
		}
	}
}

// Subtract removes, member by member, every record that also occurs in
// other. Empty members are left alone.
func (krs *KeyRecordSet) Subtract(other *KeyRecordSet) {
	for i, m := range krs.contentMembers() {
		if len(m.RRs) == 0 {
			continue
		}
		m.RRs = subtractRRs(m.RRs, other.contentMembers()[i].RRs)
	}
}

// Intersect keeps, member by member, only the records that also occur
// in other.
func (krs *KeyRecordSet) Intersect(other *KeyRecordSet) {
	for i, m := range krs.contentMembers() {
		if len(m.RRs) == 0 {
			continue
		}
		m.RRs = intersectRRs(m.RRs, other.contentMembers()[i].RRs)
	}
}

func subtractRRs(a, b []dns.RR) []dns.RR {
	var result []dns.RR
	for _, rr := range a {
		found := false
		for _, other := range b {
			if dns.IsDuplicate(rr, other) {
				found = true
				break
			}
		}
		if !found {
			result = append(result, rr)
		}
	}
	return result
}

func intersectRRs(a, b []dns.RR) []dns.RR {
	var result []dns.RR
	for _, rr := range a {
		for _, other := range b {
			if dns.IsDuplicate(rr, other) {
				result = append(result, rr)
				break
			}
		}
	}
	return result
}

// Equal is true when both sets contain the same records in all three
// content members, regardless of order.
func (krs *KeyRecordSet) Equal(other *KeyRecordSet) bool {
	for i, m := range krs.contentMembers() {
		o := other.contentMembers()[i]
		if len(m.RRs) != len(o.RRs) {
			return false
		}
		if len(subtractRRs(m.RRs, o.RRs)) != 0 {
			return false
		}
	}
	return true
}

// Dump renders the set for diagnostics. Two passes: measure first,
// then render into a builder of exactly the right size.
func (krs *KeyRecordSet) Dump() string {
	size := 0
	for _, m := range krs.allMembers() {
		for _, rr := range m.RRs {
			size += len(rr.String()) + 1
		}
	}

	var b strings.Builder
	b.Grow(size)
	for _, m := range krs.allMembers() {
		for _, rr := range m.RRs {
			b.WriteString(rr.String())
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// Sign signs each non-empty content member with the given key,
// appending the new signatures to the RRSIG member.
func (krs *KeyRecordSet) Sign(dkc *DnssecKeyCache, pol *SigningPolicy, now time.Time) error {
	for _, m := range krs.contentMembers() {
		if len(m.RRs) == 0 {
			continue
		}
		sig, err := SignRRs(m.RRs, krs.Name, dkc, pol, now)
		if err != nil {
			return err
		}
		krs.Rrsig.RRs = append(krs.Rrsig.RRs, sig)
	}
	return nil
}

// Verify validates the signatures in the RRSIG member against the keys
// in the DNSKEY member. Signatures whose key tag matches no published
// key are skipped as stale signers, but a member with signatures of
// which none validates fails the whole verification.
//
// On success Verify returns the earliest time at which any member's
// signature coverage runs out. If that time is closer than minValid
// seconds from now, the error is ErrExpiringSoon: a signal to re-sign,
// not a hard failure.
func (krs *KeyRecordSet) Verify(now time.Time, minValid uint32) (time.Time, error) {
	if len(krs.Dnskey.RRs) == 0 {
		return time.Time{}, fmt.Errorf("key record set without DNSKEY RRset: %w", ErrMalformedRecords)
	}

	keys := map[uint16][]*dns.DNSKEY{}
	for _, rr := range krs.Dnskey.RRs {
		dnskey, ok := rr.(*dns.DNSKEY)
		if !ok {
			return time.Time{}, fmt.Errorf("non-DNSKEY record in DNSKEY member: %w", ErrMalformedRecords)
		}
		keys[dnskey.KeyTag()] = append(keys[dnskey.KeyTag()], dnskey)
	}

	var until time.Time

	for _, m := range krs.contentMembers() {
		if len(m.RRs) == 0 {
			continue
		}
		rrtype := m.RRs[0].Header().Rrtype

		var sigs []*dns.RRSIG
		for _, rr := range krs.Rrsig.RRs {
			if sig, ok := rr.(*dns.RRSIG); ok && sig.TypeCovered == rrtype {
				sigs = append(sigs, sig)
			}
		}
		if len(sigs) == 0 {
			return time.Time{}, fmt.Errorf("no signatures covering %s RRset for %s",
				dns.TypeToString[rrtype], krs.Name)
		}

		var memberUntil time.Time
		valid := 0
		for _, sig := range sigs {
			candidates := keys[sig.KeyTag]
			if len(candidates) == 0 {
				// Stale signer: signature from a key no longer published.
				log.Printf("Verify: %s: skipping %s RRSIG from unknown key tag %d",
					krs.Name, dns.TypeToString[rrtype], sig.KeyTag)
				continue
			}
			for _, key := range candidates {
				if key.Algorithm != sig.Algorithm {
					continue
				}
				if err := sig.Verify(key, m.RRs); err != nil {
					continue
				}
				if !WithinValidityPeriod(sig.Inception, sig.Expiration, now) {
					continue
				}
				valid++
				expire := time.Unix(int64(sig.Expiration), 0)
				if expire.After(memberUntil) {
					memberUntil = expire
				}
				break
			}
		}
		if valid == 0 {
			return time.Time{}, fmt.Errorf("no valid signature for %s RRset of %s",
				dns.TypeToString[rrtype], krs.Name)
		}
		if until.IsZero() || memberUntil.Before(until) {
			until = memberUntil
		}
	}

	if !until.IsZero() && until.Before(now.Add(time.Duration(minValid)*time.Second)) {
		return until, ErrExpiringSoon
	}
	return until, nil
}
