/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tsign

import (
	"errors"
	"fmt"
	"log"

	"github.com/miekg/dns"
)

var ErrKeyTagCollision = errors.New("key tag collision between active keys")

const DefaultCDSDigestType = dns.SHA256

// ZoneKeyset is the set of keys currently relevant to one zone. It is
// rebuilt from the keystore on every signing pass and never persisted;
// only state and timestamp changes are written back.
type ZoneKeyset struct {
	Zone string
	Keys []*DnssecKey
}

// LoadKeyset loads all keys for a zone fresh from the keystore.
func (kdb *KeyDB) LoadKeyset(zone string) (*ZoneKeyset, error) {
	keys, err := kdb.GetDnssecKeys(zone)
	if err != nil {
		return nil, err
	}
	return &ZoneKeyset{Zone: dns.Fqdn(zone), Keys: keys}, nil
}

func (zks *ZoneKeyset) Key(keyid uint16) *DnssecKey {
	for _, key := range zks.Keys {
		if key.KeyId == keyid {
			return key
		}
	}
	return nil
}

// CheckKeyTagCollisions returns an error if two concurrently active
// keys share a key tag. A collision would make RRSIG-to-key matching
// ambiguous, so the signing pass must abort before producing any
// signature.
func (zks *ZoneKeyset) CheckKeyTagCollisions() error {
	seen := map[uint16]*DnssecKey{}
	for _, key := range zks.Keys {
		if !KeyIsUsable(key.State) {
			continue
		}
		if other, exist := seen[key.KeyId]; exist {
			return fmt.Errorf("zone %s: active keys with flags %d and %d share key tag %d: %w",
				zks.Zone, other.Flags, key.Flags, key.KeyId, ErrKeyTagCollision)
		}
		seen[key.KeyId] = key
	}
	return nil
}

// RequireUsableKeys verifies that the keyset can sign all required
// apex RRsets. Failure here is a policy configuration error, not
// something a signing pass may silently skip. A lone KSK is accepted
// as a CSK serving both roles.
func (zks *ZoneKeyset) RequireUsableKeys() error {
	var ksk, zsk bool
	for _, key := range zks.Keys {
		if !KeyIsUsable(key.State) {
			continue
		}
		if key.IsKSK() {
			ksk = true
		} else {
			zsk = true
		}
	}
	if !ksk && !zsk {
		return fmt.Errorf("zone %s: %w", zks.Zone, ErrNoActiveKey)
	}
	if !ksk {
		return fmt.Errorf("zone %s: no usable KSK: %w", zks.Zone, ErrNoActiveKey)
	}
	return nil
}

func (zks *ZoneKeyset) UsableKeys() []*DnssecKey {
	var keys []*DnssecKey
	for _, key := range zks.Keys {
		if KeyIsUsable(key.State) {
			keys = append(keys, key)
		}
	}
	return keys
}

func (zks *ZoneKeyset) PublishedKeys() []*DnssecKey {
	var keys []*DnssecKey
	for _, key := range zks.Keys {
		if KeyIsPublished(key.State) {
			keys = append(keys, key)
		}
	}
	return keys
}

// HasActiveSuccessor reports whether some other active key shares the
// role of the given key.
func (zks *ZoneKeyset) HasActiveSuccessor(key *DnssecKey) bool {
	for _, other := range zks.Keys {
		if other.KeyId == key.KeyId {
			continue
		}
		if KeyIsUsable(other.State) && other.IsKSK() == key.IsKSK() {
			return true
		}
	}
	return false
}

// DnskeyRR parses the stored DNSKEY presentation of a key.
func (key *DnssecKey) DnskeyRR() (*dns.DNSKEY, error) {
	rr, err := dns.NewRR(key.Keystr)
	if err != nil {
		return nil, fmt.Errorf("zone %s: error parsing stored DNSKEY for keyid %d: %v",
			key.Zone, key.KeyId, err)
	}
	dnskey, ok := rr.(*dns.DNSKEY)
	if !ok {
		return nil, fmt.Errorf("zone %s: stored key %d is not a DNSKEY", key.Zone, key.KeyId)
	}
	return dnskey, nil
}

// DnskeyRRset builds the DNSKEY RRset the zone should publish given
// the current key states.
func (zks *ZoneKeyset) DnskeyRRset(ttl uint32) (RRset, error) {
	rrset := RRset{Name: zks.Zone}
	for _, key := range zks.PublishedKeys() {
		rr, err := dns.NewRR(key.Keystr)
		if err != nil {
			return rrset, fmt.Errorf("zone %s: error parsing stored DNSKEY for keyid %d: %v",
				zks.Zone, key.KeyId, err)
		}
		rr.Header().Ttl = ttl
		rrset.RRs = append(rrset.RRs, rr)
	}
	return rrset, nil
}

// CdsRRsets builds the CDNSKEY and CDS RRsets for the keys the
// evaluator marked with the Cds duty. Both are published with TTL 0.
func (zks *ZoneKeyset) CdsRRsets(duties []KeyDuty) (RRset, RRset, error) {
	cdnskeys := RRset{Name: zks.Zone}
	cdss := RRset{Name: zks.Zone}

	for _, duty := range duties {
		if !duty.Cds {
			continue
		}
		rr, err := dns.NewRR(duty.Key.Keystr)
		if err != nil {
			return cdnskeys, cdss, fmt.Errorf("zone %s: error parsing stored DNSKEY for keyid %d: %v",
				zks.Zone, duty.Key.KeyId, err)
		}
		dnskey, ok := rr.(*dns.DNSKEY)
		if !ok {
			return cdnskeys, cdss, fmt.Errorf("zone %s: stored key %d is not a DNSKEY",
				zks.Zone, duty.Key.KeyId)
		}

		cdnskey := dns.CDNSKEY{DNSKEY: *dnskey}
		cdnskey.Hdr.Rrtype = dns.TypeCDNSKEY
		cdnskey.Hdr.Ttl = 0
		cdnskeys.RRs = append(cdnskeys.RRs, &cdnskey)

		ds := dnskey.ToDS(DefaultCDSDigestType)
		if ds == nil {
			return cdnskeys, cdss, fmt.Errorf("zone %s: cannot compute DS for keyid %d",
				zks.Zone, duty.Key.KeyId)
		}
		cds := dns.CDS{DS: *ds}
		cds.Hdr.Rrtype = dns.TypeCDS
		cds.Hdr.Ttl = 0
		cdss.RRs = append(cdss.RRs, &cds)
	}
	return cdnskeys, cdss, nil
}

// ApplyTransitions writes the due lifecycle transitions back through
// the keystore. A transition whose from-state no longer matches is
// skipped: some other invocation already applied it. When tx is nil the
// function runs in its own transaction.
func (kdb *KeyDB) ApplyTransitions(tx *Tx, transitions []KeyTransition) (int, error) {
	localtx := false
	var err error
	if tx == nil {
		tx, err = kdb.Begin("ApplyTransitions")
		if err != nil {
			return 0, err
		}
		localtx = true
	}

	applied := 0
	for _, tr := range transitions {
		ok, terr := kdb.transitionKeyState(tx, tr.Zone, tr.KeyId, tr.FromState, tr.ToState, tr.When)
		if terr != nil {
			if localtx {
				tx.Rollback()
			}
			return applied, terr
		}
		if !ok {
			log.Printf("ApplyTransitions: zone %s: key %d no longer in state %q, transition skipped",
				tr.Zone, tr.KeyId, tr.FromState)
			continue
		}
		applied++
		log.Printf("ApplyTransitions: zone %s: key %d: %s -> %s",
			tr.Zone, tr.KeyId, tr.FromState, tr.ToState)
	}
	if localtx {
		if err := tx.Commit(); err != nil {
			return applied, err
		}
	}
	if applied > 0 {
		for _, tr := range transitions {
			kdb.DnssecCache.Remove(dns.Fqdn(tr.Zone))
		}
	}
	return applied, nil
}
