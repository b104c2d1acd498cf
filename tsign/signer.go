/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tsign

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/miekg/dns"
)

// SignResult is what one apex signing pass produces: the changeset to
// apply to the zone, the rollover transitions that were written back,
// the earliest signature expiration among the apex key RRsets and the
// time the next pass for this zone is due.
type SignResult struct {
	Zone        string
	Changeset   *Changeset
	Transitions []KeyTransition
	Expiration  time.Time
	NextWake    time.Time
}

// BuildKeyRecords constructs the Key Record Set the zone should
// publish given the keyset and the duties the evaluator assigned.
func BuildKeyRecords(zks *ZoneKeyset, duties []KeyDuty, pol *SigningPolicy) (*KeyRecordSet, error) {
	krs := NewKeyRecordSet(zks.Zone)

	dnskeys, err := zks.DnskeyRRset(pol.DnskeyTTL)
	if err != nil {
		return nil, err
	}
	krs.Dnskey = dnskeys

	cdnskeys, cdss, err := zks.CdsRRsets(duties)
	if err != nil {
		return nil, err
	}
	krs.Cdnskey = cdnskeys
	krs.Cds = cdss

	return krs, nil
}

// SignApexPass runs one complete evaluation of the zone's apex key
// RRsets at time now: advance due rollover transitions, rebuild the
// DNSKEY/CDNSKEY/CDS members from the keyset, check signature coverage
// per member and re-sign what needs it. Nothing is applied to the zone
// here; the caller applies the returned changeset on full success.
//
// Running the pass twice at the same "now" yields an empty second
// changeset.
func (zd *ZoneData) SignApexPass(kdb *KeyDB, now time.Time) (*SignResult, error) {
	pol := zd.Policy
	if pol == nil {
		return nil, fmt.Errorf("SignApexPass: zone %s has no signing policy", zd.ZoneName)
	}

	res := &SignResult{
		Zone:      zd.ZoneName,
		Changeset: NewChangeset(zd.ZoneName),
	}

	zks, err := kdb.LoadKeyset(zd.ZoneName)
	if err != nil {
		return nil, err
	}

	// Key tag collisions among active keys must be caught before a
	// single signature is produced.
	if err := zks.CheckKeyTagCollisions(); err != nil {
		return nil, err
	}

	if zd.Options[OptAutomaticRoll] {
		changed, err := zd.ensureSuccessorKeys(kdb, zks, pol, now)
		if err != nil {
			return nil, err
		}
		if changed {
			zks, err = kdb.LoadKeyset(zd.ZoneName)
			if err != nil {
				return nil, err
			}
		}
	}

	transitions, _ := pol.EvaluateKeyset(zks, now)
	if len(transitions) > 0 {
		applied, err := kdb.ApplyTransitions(nil, transitions)
		if err != nil {
			return nil, err
		}
		if applied > 0 {
			res.Transitions = transitions
			zks, err = kdb.LoadKeyset(zd.ZoneName)
			if err != nil {
				return nil, err
			}
		}
	}
	_, nextDue := pol.EvaluateKeyset(zks, now)

	if err := zks.RequireUsableKeys(); err != nil {
		return nil, err
	}

	duties := pol.KeysetDuties(zks, now)
	if zd.Options[OptPublishCds] {
		forceCdsDuties(duties)
	}

	var newkrs *KeyRecordSet
	if zd.Options[OptOfflineKSK] {
		newkrs, err = zd.offlineKeyRecords(kdb, pol, now)
		if err != nil {
			return nil, err
		}
	} else {
		newkrs, err = BuildKeyRecords(zks, duties, pol)
		if err != nil {
			return nil, err
		}
	}

	// The public halves of the usable SEP keys: the keys whose
	// signatures count as coverage for the apex key types.
	kskKeys := map[uint16]*dns.DNSKEY{}
	for _, key := range zks.UsableKeys() {
		if !key.IsKSK() {
			continue
		}
		dnskey, err := key.DnskeyRR()
		if err != nil {
			return nil, err
		}
		kskKeys[dnskey.KeyTag()] = dnskey
	}

	types := []uint16{dns.TypeDNSKEY, dns.TypeCDNSKEY, dns.TypeCDS}
	newMembers := []*RRset{&newkrs.Dnskey, &newkrs.Cdnskey, &newkrs.Cds}

	var marked []int
	var expiration time.Time
	for i, t := range types {
		old := zd.apexRRset(t)
		newm := newMembers[i]
		if len(old.RRs) == 0 && len(newm.RRs) == 0 {
			continue
		}
		covered, until := memberCovered(old, newm.RRs, kskKeys, pol, now)
		if covered {
			if expiration.IsZero() || until.Before(expiration) {
				expiration = until
			}
			continue
		}
		marked = append(marked, i)
	}

	if len(marked) == 0 {
		res.Expiration = expiration
		res.NextWake = nextWake(expiration, nextDue, pol)
		return res, nil
	}

	var dak *DnssecActiveKeys
	if !zd.Options[OptOfflineKSK] {
		dak, err = kdb.GetDnssecActiveKeys(zd.ZoneName)
		if err != nil {
			return nil, err
		}
		if len(dak.KSKs) == 0 {
			return nil, fmt.Errorf("SignApexPass: zone %s: %w: no KSK private key material",
				zd.ZoneName, ErrNoActiveKey)
		}
	}

	for _, i := range marked {
		t := types[i]
		old := zd.apexRRset(t)
		newm := newMembers[i]

		var newsigs []dns.RR
		if len(newm.RRs) > 0 {
			if zd.Options[OptOfflineKSK] {
				for _, rr := range newkrs.Rrsig.RRs {
					if sig, ok := rr.(*dns.RRSIG); ok && sig.TypeCovered == t {
						newsigs = append(newsigs, sig)
					}
				}
				if len(newsigs) == 0 {
					return nil, fmt.Errorf("SignApexPass: zone %s: offline key records carry no %s coverage",
						zd.ZoneName, dns.TypeToString[t])
				}
			} else {
				for _, ksk := range dak.KSKs {
					rrsig, err := SignRRs(newm.RRs, zd.ZoneName, ksk, pol, now)
					if err != nil {
						return nil, err
					}
					newsigs = append(newsigs, rrsig)
				}
			}
		}

		var memberUntil time.Time
		for _, sigrr := range newsigs {
			expire := time.Unix(int64(sigrr.(*dns.RRSIG).Expiration), 0)
			if expire.After(memberUntil) {
				memberUntil = expire
			}
		}
		if !memberUntil.IsZero() && (expiration.IsZero() || memberUntil.Before(expiration)) {
			expiration = memberUntil
		}

		remRRs := subtractRRs(old.RRs, newm.RRs)
		addRRs := subtractRRs(newm.RRs, old.RRs)
		if ttlDiffers(old.RRs, newm.RRs) {
			remRRs = old.RRs
			addRRs = newm.RRs
		}

		if len(remRRs) > 0 || len(old.RRSIGs) > 0 {
			res.Changeset.RemoveRRset(RRset{Name: zd.ZoneName, RRs: remRRs, RRSIGs: old.RRSIGs})
		}
		if len(addRRs) > 0 || len(newsigs) > 0 {
			res.Changeset.AddRRset(RRset{Name: zd.ZoneName, RRs: addRRs, RRSIGs: newsigs})
		}
	}

	res.Expiration = expiration
	res.NextWake = nextWake(expiration, nextDue, pol)
	return res, nil
}

// offlineKeyRecords fetches the journal snapshot in effect at now and
// verifies it. The snapshot replaces live KSK signing entirely, so a
// missing, empty or invalid snapshot is fatal to the invocation.
func (zd *ZoneData) offlineKeyRecords(kdb *KeyDB, pol *SigningPolicy, now time.Time) (*KeyRecordSet, error) {
	entry, err := kdb.OfflineRecordsCovering(zd.ZoneName, now)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("SignApexPass: zone %s: no offline key records covering %s: %w",
			zd.ZoneName, now.Format(time.RFC3339), ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	snap := entry.Records
	if snap.IsEmpty() {
		return nil, fmt.Errorf("SignApexPass: zone %s: offline key records at %s are empty, no coverage",
			zd.ZoneName, entry.ValidFrom.Format(time.RFC3339))
	}
	_, err = snap.Verify(now, pol.MinValidity)
	if errors.Is(err, ErrExpiringSoon) {
		log.Printf("SignApexPass: zone %s: offline key record signatures are expiring soon, a newer snapshot is needed",
			zd.ZoneName)
	} else if err != nil {
		return nil, fmt.Errorf("SignApexPass: zone %s: offline key records at %s do not verify: %v",
			zd.ZoneName, entry.ValidFrom.Format(time.RFC3339), err)
	}
	return snap, nil
}

// memberCovered decides whether an apex member RRset can be left
// alone: content identical to the target, at least one valid
// non-expiring signature from a usable SEP key, and no signatures
// hanging around from keys no longer usable.
func memberCovered(old RRset, newRRs []dns.RR, kskKeys map[uint16]*dns.DNSKEY, pol *SigningPolicy, now time.Time) (bool, time.Time) {
	if len(subtractRRs(old.RRs, newRRs)) != 0 || len(subtractRRs(newRRs, old.RRs)) != 0 {
		return false, time.Time{}
	}
	if ttlDiffers(old.RRs, newRRs) {
		return false, time.Time{}
	}
	if len(old.RRSIGs) == 0 {
		return false, time.Time{}
	}

	valid := 0
	var until time.Time
	for _, sigrr := range old.RRSIGs {
		sig, ok := sigrr.(*dns.RRSIG)
		if !ok {
			return false, time.Time{}
		}
		key, known := kskKeys[sig.KeyTag]
		if !known {
			// A leftover signature from a retired key: rebuild the
			// member to prune it.
			return false, time.Time{}
		}
		if key.Algorithm != sig.Algorithm {
			continue
		}
		if err := sig.Verify(key, old.RRs); err != nil {
			continue
		}
		if !WithinValidityPeriod(sig.Inception, sig.Expiration, now) {
			continue
		}
		if needsResigning(sig, pol, now) {
			continue
		}
		valid++
		expire := time.Unix(int64(sig.Expiration), 0)
		if expire.After(until) {
			until = expire
		}
	}
	if valid == 0 {
		return false, time.Time{}
	}
	return true, until
}

func ttlDiffers(a, b []dns.RR) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	return a[0].Header().Ttl != b[0].Header().Ttl
}

// nextWake is when the zone needs attention again: the earliest
// signature hits its refresh margin, or the earliest pending rollover
// transition comes due, whichever is first.
func nextWake(expiration, nextDue time.Time, pol *SigningPolicy) time.Time {
	var wake time.Time
	if !expiration.IsZero() {
		wake = expiration.Add(-time.Duration(pol.SigRefresh) * time.Second)
	}
	if !nextDue.IsZero() && (wake.IsZero() || nextDue.Before(wake)) {
		wake = nextDue
	}
	return wake
}

func (zd *ZoneData) apexRRset(t uint16) RRset {
	apex, err := zd.GetOwner(zd.ZoneName)
	if err != nil || apex == nil {
		return RRset{Name: zd.ZoneName}
	}
	if rrset, exist := apex.RRtypes[t]; exist {
		return rrset
	}
	return RRset{Name: zd.ZoneName}
}

// ensureSuccessorKeys generates the keys automatic rollover needs: a
// first KSK/ZSK pair for a zone with no keys at all (they go straight
// to active, there is nothing published to roll away from), and a
// successor whenever an active key is close enough to its lifetime
// expiry that a replacement must start its introduction now.
func (zd *ZoneData) ensureSuccessorKeys(kdb *KeyDB, zks *ZoneKeyset, pol *SigningPolicy, now time.Time) (bool, error) {
	changed := false

	if len(zks.Keys) == 0 {
		log.Printf("ensureSuccessorKeys: zone %s has no keys, generating initial KSK+ZSK", zd.ZoneName)
		for _, flags := range []uint16{257, 256} {
			bits := pol.ZSK.Bits
			if flags&0x0001 != 0 {
				bits = pol.KSK.Bits
			}
			dkc, err := kdb.GenerateSigningKey(nil, zd.ZoneName, flags, pol.Algorithm, bits, "tsignd")
			if err != nil {
				return changed, err
			}
			if err := kdb.SetKeyState(nil, zd.ZoneName, dkc.KeyId, DnssecStatePublished, now); err != nil {
				return changed, err
			}
			if err := kdb.SetKeyState(nil, zd.ZoneName, dkc.KeyId, DnssecStateActive, now); err != nil {
				return changed, err
			}
			changed = true
		}
		return changed, nil
	}

	// Introduction takes two stages; a successor must exist this far
	// ahead of the incumbent's retirement.
	lead := pol.StageDelay(DnssecStateGenerated) + pol.StageDelay(DnssecStatePublished)

	for _, key := range zks.Keys {
		if key.State != DnssecStateActive {
			continue
		}
		lifetime := pol.Lifetime(key)
		if lifetime == 0 {
			continue
		}
		retireAt := key.Activated.Add(time.Duration(lifetime) * time.Second)
		if now.Add(lead).Before(retireAt) {
			continue
		}
		if hasSuccessor(zks, key) {
			continue
		}

		bits := pol.ZSK.Bits
		flags := uint16(256)
		if key.IsKSK() {
			bits = pol.KSK.Bits
			flags = 257
		}
		log.Printf("ensureSuccessorKeys: zone %s: key %d retires at %s, generating successor",
			zd.ZoneName, key.KeyId, retireAt.Format(time.RFC3339))
		_, err := kdb.GenerateSigningKey(nil, zd.ZoneName, flags, pol.Algorithm, bits, "tsignd")
		if err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}

// StartRollover begins a rollover by hand: every active key without a
// successor on its way in gets one, regardless of how far away its
// scheduled retirement is. The state machine takes it from there.
func (kdb *KeyDB) StartRollover(zone string, pol *SigningPolicy) (int, error) {
	zks, err := kdb.LoadKeyset(zone)
	if err != nil {
		return 0, err
	}
	if pol == nil {
		pol = DefaultSigningPolicy("default")
	}

	started := 0
	for _, key := range zks.Keys {
		if key.State != DnssecStateActive {
			continue
		}
		if hasSuccessor(zks, key) {
			continue
		}
		bits := pol.ZSK.Bits
		flags := uint16(256)
		if key.IsKSK() {
			bits = pol.KSK.Bits
			flags = 257
		}
		dkc, err := kdb.GenerateSigningKey(nil, zone, flags, pol.Algorithm, bits, "rollover")
		if err != nil {
			return started, err
		}
		log.Printf("StartRollover: zone %s: generated key %d as successor for key %d",
			zone, dkc.KeyId, key.KeyId)
		started++
	}
	return started, nil
}

// forceCdsDuties makes every signing KSK publish its CDS/CDNSKEY pair,
// which is what the publish-cds zone option requests independent of
// the policy mode.
func forceCdsDuties(duties []KeyDuty) {
	for i := range duties {
		if duties[i].Sign && duties[i].Key.IsKSK() {
			duties[i].Cds = true
		}
	}
}

// hasSuccessor is true when another key of the same role is already on
// its way in (or also active).
func hasSuccessor(zks *ZoneKeyset, key *DnssecKey) bool {
	for _, other := range zks.Keys {
		if other.KeyId == key.KeyId {
			continue
		}
		if other.IsKSK() != key.IsKSK() {
			continue
		}
		switch other.State {
		case DnssecStateGenerated, DnssecStatePublished, DnssecStateActive:
			return true
		}
	}
	return false
}

// PresignOfflineRecords builds and signs one journal snapshot, for use
// on the machine that holds the KSK private keys. A zero validFrom
// appends to the journal: the new snapshot starts where the coverage
// of the last one hits its refresh margin.
func (kdb *KeyDB) PresignOfflineRecords(zd *ZoneData, validFrom time.Time) (*OfflineRecords, error) {
	pol := zd.Policy
	if pol == nil {
		return nil, fmt.Errorf("PresignOfflineRecords: zone %s has no signing policy", zd.ZoneName)
	}

	zks, err := kdb.LoadKeyset(zd.ZoneName)
	if err != nil {
		return nil, err
	}
	if err := zks.CheckKeyTagCollisions(); err != nil {
		return nil, err
	}
	if err := zks.RequireUsableKeys(); err != nil {
		return nil, err
	}

	if validFrom.IsZero() {
		if _, _, err := kdb.OfflineRecordsRead(zd.ZoneName, time.Time{}); errors.Is(err, ErrNotFound) {
			validFrom = time.Now()
		} else if err != nil {
			return nil, err
		} else {
			last, err := kdb.OfflineRecordsLastTimestamp(zd.ZoneName)
			if err != nil {
				return nil, err
			}
			validFrom = last.Add(time.Duration(pol.SigValidity-pol.SigRefresh) * time.Second)
			if validFrom.Before(time.Now()) {
				validFrom = time.Now()
			}
		}
	}

	duties := pol.KeysetDuties(zks, validFrom)
	if zd.Options[OptPublishCds] {
		forceCdsDuties(duties)
	}
	krs, err := BuildKeyRecords(zks, duties, pol)
	if err != nil {
		return nil, err
	}

	dak, err := kdb.GetDnssecActiveKeys(zd.ZoneName)
	if err != nil {
		return nil, err
	}
	if len(dak.KSKs) == 0 {
		return nil, fmt.Errorf("PresignOfflineRecords: zone %s: %w: no KSK private key material",
			zd.ZoneName, ErrNoActiveKey)
	}

	for _, ksk := range dak.KSKs {
		if err := krs.Sign(ksk, pol, validFrom); err != nil {
			return nil, err
		}
	}

	if err := kdb.OfflineRecordsAdd(nil, zd.ZoneName, validFrom, krs); err != nil {
		return nil, err
	}

	return &OfflineRecords{Zone: zd.ZoneName, ValidFrom: validFrom, Records: krs}, nil
}
