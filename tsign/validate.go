/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tsign

import (
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/miekg/dns"
)

const year68 = 1 << 31 // For RFC1982 (Serial Arithmetic) calculations in 32 bits

// WithinValidityPeriod uses RFC1982 serial arithmetic to calculate
// if a signature period is valid. If t is the zero time, the
// current time is taken otherwise t is. Returns true if the signature
// is valid at the given time, otherwise returns false.
func WithinValidityPeriod(inc, exp uint32, t time.Time) bool {
	var utc int64
	if t.IsZero() {
		utc = time.Now().UTC().Unix()
	} else {
		utc = t.UTC().Unix()
	}
	modi := (int64(inc) - utc) / year68
	mode := (int64(exp) - utc) / year68
	ti := int64(inc) + modi*year68
	te := int64(exp) + mode*year68
	return ti <= utc && utc <= te
}

// ZoneValidationResult is the outcome of a verify-only pass over a
// zone: nothing is modified, coverage is only reported.
type ZoneValidationResult struct {
	Zone         string
	Checked      int
	Unsigned     []string
	Failed       []string
	StaleSigs    int
	Expiration   time.Time
	ExpiringSoon bool
}

func (vr *ZoneValidationResult) OK() bool {
	return len(vr.Unsigned) == 0 && len(vr.Failed) == 0
}

// ValidateZone checks signature coverage for every authoritative RRset
// in the zone against the DNSKEYs published at the apex. Delegation NS
// RRsets and glue are not expected to be signed. Signatures from key
// tags not present in the DNSKEY RRset are skipped, not failed. The
// result carries the earliest signature expiration; when that is
// closer than the policy minimum validity the ExpiringSoon flag is
// set.
func (zd *ZoneData) ValidateZone(now time.Time) (*ZoneValidationResult, error) {
	apex, err := zd.GetOwner(zd.ZoneName)
	if err != nil {
		return nil, err
	}
	if apex == nil {
		return nil, fmt.Errorf("ValidateZone: zone %s has no apex data", zd.ZoneName)
	}

	dnskeys, exist := apex.RRtypes[dns.TypeDNSKEY]
	if !exist || len(dnskeys.RRs) == 0 {
		return nil, fmt.Errorf("ValidateZone: zone %s publishes no DNSKEY RRset", zd.ZoneName)
	}

	keys := map[uint16][]*dns.DNSKEY{}
	for _, rr := range dnskeys.RRs {
		dnskey, ok := rr.(*dns.DNSKEY)
		if !ok {
			return nil, fmt.Errorf("ValidateZone: zone %s: non-DNSKEY record in DNSKEY RRset: %w",
				zd.ZoneName, ErrMalformedRecords)
		}
		keys[dnskey.KeyTag()] = append(keys[dnskey.KeyTag()], dnskey)
	}

	names, err := zd.GetOwnerNames()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	delegations := zd.Delegations(names)

	vr := &ZoneValidationResult{Zone: zd.ZoneName}

	for _, name := range names {
		if belowDelegation(name, delegations) {
			continue
		}
		owner, err := zd.GetOwner(name)
		if err != nil {
			return nil, err
		}
		for rrt, rrset := range owner.RRtypes {
			if rrt == dns.TypeRRSIG {
				continue
			}
			if rrt == dns.TypeNS && name != zd.ZoneName {
				continue
			}
			if isGlue(name, rrt, delegations) {
				continue
			}
			if len(rrset.RRs) == 0 {
				continue
			}
			vr.Checked++

			if len(rrset.RRSIGs) == 0 {
				vr.Unsigned = append(vr.Unsigned,
					fmt.Sprintf("%s %s", name, dns.TypeToString[rrt]))
				continue
			}

			valid := 0
			var rrsetUntil time.Time
			for _, sigrr := range rrset.RRSIGs {
				sig, ok := sigrr.(*dns.RRSIG)
				if !ok {
					continue
				}
				candidates := keys[sig.KeyTag]
				if len(candidates) == 0 {
					vr.StaleSigs++
					if zd.Debug {
						log.Printf("ValidateZone: %s: skipping %s %s RRSIG from unknown key tag %d",
							zd.ZoneName, name, dns.TypeToString[rrt], sig.KeyTag)
					}
					continue
				}
				for _, key := range candidates {
					if key.Algorithm != sig.Algorithm {
						continue
					}
					if err := sig.Verify(key, rrset.RRs); err != nil {
						continue
					}
					if !WithinValidityPeriod(sig.Inception, sig.Expiration, now) {
						continue
					}
					valid++
					expire := time.Unix(int64(sig.Expiration), 0)
					if expire.After(rrsetUntil) {
						rrsetUntil = expire
					}
					break
				}
			}
			if valid == 0 {
				vr.Failed = append(vr.Failed,
					fmt.Sprintf("%s %s", name, dns.TypeToString[rrt]))
				continue
			}
			if vr.Expiration.IsZero() || rrsetUntil.Before(vr.Expiration) {
				vr.Expiration = rrsetUntil
			}
		}
	}

	if zd.Policy != nil && !vr.Expiration.IsZero() {
		horizon := now.Add(time.Duration(zd.Policy.MinValidity) * time.Second)
		vr.ExpiringSoon = vr.Expiration.Before(horizon)
	}

	return vr, nil
}
