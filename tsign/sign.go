/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tsign

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/exp/rand"
)

var ErrSignFailed = errors.New("signing operation failed")

func sigLifetime(t time.Time, validity uint32) (uint32, uint32) {
	sigJitter := time.Duration(time.Duration(rand.Intn(61)) * time.Second)
	sigValidity := time.Duration(validity) * time.Second
	if validity == 0 {
		sigValidity = time.Duration(5 * time.Minute)
	}
	incep := uint32(t.Add(-sigJitter).Unix())
	expir := uint32(t.Add(sigValidity).Add(sigJitter).Unix())
	return incep, expir
}

// SignRRs creates one RRSIG over the given records with the given key.
// The signature TTL follows the covered RRset, the validity follows
// the policy.
func SignRRs(rrs []dns.RR, signer string, dkc *DnssecKeyCache, pol *SigningPolicy, now time.Time) (*dns.RRSIG, error) {
	if len(rrs) == 0 {
		return nil, fmt.Errorf("SignRRs: %s: nothing to sign", signer)
	}

	rrsig := new(dns.RRSIG)
	rrsig.Hdr = dns.RR_Header{
		Name:   rrs[0].Header().Name,
		Rrtype: dns.TypeRRSIG,
		Class:  dns.ClassINET,
		Ttl:    rrs[0].Header().Ttl,
	}
	rrsig.KeyTag = dkc.KeyRR.KeyTag()
	rrsig.Algorithm = dkc.KeyRR.Algorithm
	rrsig.Inception, rrsig.Expiration = sigLifetime(now.UTC(), pol.SigValidity)
	rrsig.SignerName = signer

	err := rrsig.Sign(dkc.CS, rrs)
	if err != nil {
		return nil, fmt.Errorf("SignRRs: %s %s: %w: %v", signer,
			dns.TypeToString[rrs[0].Header().Rrtype], ErrSignFailed, err)
	}
	return rrsig, nil
}

// needsResigning is true when the signature has expired or will expire
// within the policy refresh margin.
func needsResigning(rrsig *dns.RRSIG, pol *SigningPolicy, now time.Time) bool {
	expire := time.Unix(int64(rrsig.Expiration), 0)
	return expire.Before(now.Add(time.Duration(pol.SigRefresh) * time.Second))
}

// NeedsResigning is true when the RRset lacks signatures entirely or
// any of its signatures is within the refresh margin.
func (rrset *RRset) NeedsResigning(pol *SigningPolicy, now time.Time) bool {
	if len(rrset.RRSIGs) == 0 {
		return true
	}
	for _, oldsig := range rrset.RRSIGs {
		if needsResigning(oldsig.(*dns.RRSIG), pol, now) {
			return true
		}
	}
	return false
}

// SignRRset signs the RRset with every key whose role covers it: the
// apex key types (DNSKEY, CDNSKEY, CDS) are signed by the KSKs, all
// other RRsets by the ZSKs. An existing signature by the same key is
// kept unless it is within the refresh margin or force is set.
// Reports whether any new signature was produced.
func SignRRset(rrset *RRset, name string, dak *DnssecActiveKeys, pol *SigningPolicy, now time.Time, force bool) (bool, error) {

	if dak == nil {
		return false, fmt.Errorf("SignRRset: %w for zone %s", ErrNoActiveKey, name)
	}

	if len(rrset.RRs) == 0 {
		return false, fmt.Errorf("SignRRset: rrset has no RRs")
	}

	var signingkeys []*DnssecKeyCache
	switch rrset.RRs[0].Header().Rrtype {
	case dns.TypeDNSKEY, dns.TypeCDNSKEY, dns.TypeCDS:
		signingkeys = dak.KSKs
	default:
		signingkeys = dak.ZSKs
	}
	if len(signingkeys) == 0 {
		return false, fmt.Errorf("SignRRset: %w for %s %s", ErrNoActiveKey, name,
			dns.TypeToString[rrset.RRs[0].Header().Rrtype])
	}

	resigned := false

	for _, key := range signingkeys {
		keytag := key.KeyRR.KeyTag()

		shouldSign := force
		hassig := false
		kept := make([]dns.RR, 0, len(rrset.RRSIGs))
		for _, oldsig := range rrset.RRSIGs {
			sig := oldsig.(*dns.RRSIG)
			if sig.KeyTag != keytag || sig.Algorithm != key.KeyRR.Algorithm {
				kept = append(kept, oldsig)
				continue
			}
			hassig = true
			if force || needsResigning(sig, pol, now) {
				log.Printf("SignRRset: removing older RRSIG( %s %s ) by key %d",
					sig.Header().Name, dns.TypeToString[sig.TypeCovered], keytag)
				shouldSign = true
				continue
			}
			kept = append(kept, oldsig)
		}
		if !hassig {
			shouldSign = true
		}
		rrset.RRSIGs = kept

		if shouldSign {
			rrsig, err := SignRRs(rrset.RRs, name, key, pol, now)
			if err != nil {
				return resigned, err
			}
			rrset.RRSIGs = append(rrset.RRSIGs, rrsig)
			resigned = true
		}
	}

	return resigned, nil
}

// SignZone walks all owner names and signs every RRset that needs it:
// missing signatures, signatures within the refresh margin, or all of
// them when force is set. Delegation NS RRsets and glue are left
// unsigned. If anything was signed the SOA serial is bumped and the
// SOA re-signed.
func (zd *ZoneData) SignZone(kdb *KeyDB, force bool) (int, error) {
	if !zd.Options[OptOnlineSigning] {
		return 0, fmt.Errorf("SignZone: zone %s does not use online signing", zd.ZoneName)
	}
	if !zd.Options[OptAllowUpdates] {
		return 0, fmt.Errorf("SignZone: zone %s is not allowed to be updated", zd.ZoneName)
	}

	pol := zd.Policy
	if pol == nil {
		return 0, fmt.Errorf("SignZone: zone %s has no signing policy", zd.ZoneName)
	}

	// Key tag collisions among active keys must be caught before a
	// single signature is produced.
	zks, err := kdb.LoadKeyset(zd.ZoneName)
	if err != nil {
		return 0, err
	}
	if err := zks.CheckKeyTagCollisions(); err != nil {
		return 0, err
	}
	if err := zks.RequireUsableKeys(); err != nil {
		return 0, err
	}

	dak, err := kdb.GetDnssecActiveKeys(zd.ZoneName)
	if err != nil {
		log.Printf("SignZone: failed to get active keys for zone %s: %v", zd.ZoneName, err)
		return 0, err
	}

	now := time.Now()
	newrrsigs := 0

	err = zd.PublishDnskeyRRs(zks, pol)
	if err != nil {
		return 0, err
	}

	// It's either black lies or we need a traditional NSEC chain.
	if !zd.Options[OptBlackLies] {
		err = zd.GenerateNsecChain()
		if err != nil {
			return 0, err
		}
	}

	MaybeSignRRset := func(rrset RRset, zone string) (RRset, bool) {
		resigned, err := SignRRset(&rrset, zone, dak, pol, now, force)
		if err != nil {
			log.Printf("SignZone: failed to sign %s %s RRset for zone %s: %v",
				rrset.RRs[0].Header().Name,
				dns.TypeToString[rrset.RRs[0].Header().Rrtype], zd.ZoneName, err)
		}
		if resigned {
			newrrsigs++
		}
		return rrset, resigned
	}

	names, err := zd.GetOwnerNames()
	if err != nil {
		return 0, err
	}
	sort.Strings(names)

	delegations := zd.Delegations(names)

	var signed, zoneResigned bool
	for _, name := range names {
		owner, err := zd.GetOwner(name)
		if err != nil {
			return 0, err
		}

		for rrt, rrset := range owner.RRtypes {
			if rrt == dns.TypeRRSIG {
				continue
			}
			if rrt == dns.TypeNS && name != zd.ZoneName {
				continue // don't sign delegations
			}
			if isGlue(name, rrt, delegations) {
				continue
			}
			// With an offline KSK the apex key RRsets carry
			// pre-generated signatures; they are not ours to touch.
			if zd.Options[OptOfflineKSK] && name == zd.ZoneName &&
				(rrt == dns.TypeDNSKEY || rrt == dns.TypeCDNSKEY || rrt == dns.TypeCDS) {
				continue
			}
			owner.RRtypes[rrt], signed = MaybeSignRRset(rrset, zd.ZoneName)
			if signed {
				zoneResigned = true
			}
		}
	}

	if zoneResigned {
		_, err := zd.BumpSerial()
		if err != nil {
			log.Printf("SignZone: failed to bump SOA serial for zone %s: %v", zd.ZoneName, err)
			return 0, err
		}
	}

	return newrrsigs, nil
}

// Delegations returns the names among the given owner names that hold
// NS RRsets below the apex.
func (zd *ZoneData) Delegations(names []string) []string {
	var delegations []string
	for _, name := range names {
		if name == zd.ZoneName {
			continue
		}
		owner, err := zd.GetOwner(name)
		if err != nil || owner == nil {
			continue
		}
		if _, exist := owner.RRtypes[dns.TypeNS]; exist {
			delegations = append(delegations, name)
		}
	}
	return delegations
}

// isGlue is true for address records at or below a delegation cut.
func isGlue(name string, rrt uint16, delegations []string) bool {
	if rrt != dns.TypeA && rrt != dns.TypeAAAA {
		return false
	}
	for _, del := range delegations {
		if name == del || strings.HasSuffix(name, "."+del) {
			return true
		}
	}
	return false
}

// belowDelegation is true for any name at or below a delegation cut,
// the cut itself excluded.
func belowDelegation(name string, delegations []string) bool {
	for _, del := range delegations {
		if name != del && strings.HasSuffix(name, "."+del) {
			return true
		}
	}
	return false
}

// GenerateNsecChain builds the NSEC chain over the authoritative owner
// names in canonical order. Names below a delegation cut (glue) get no
// NSEC record.
func (zd *ZoneData) GenerateNsecChain() error {
	if !zd.Options[OptAllowUpdates] {
		return fmt.Errorf("GenerateNsecChain: zone %s is not allowed to be updated", zd.ZoneName)
	}

	names, err := zd.GetOwnerNames()
	if err != nil {
		return err
	}
	sort.Strings(names)

	delegations := zd.Delegations(names)

	var authnames []string
	for _, name := range names {
		if belowDelegation(name, delegations) {
			continue
		}
		authnames = append(authnames, name)
	}

	for idx, name := range authnames {
		owner, err := zd.GetOwner(name)
		if err != nil {
			return err
		}

		nextidx := idx + 1
		if nextidx == len(authnames) {
			nextidx = 0
		}
		nextname := authnames[nextidx]

		var tmap = []int{int(dns.TypeNSEC), int(dns.TypeRRSIG)}
		for rrt := range owner.RRtypes {
			if rrt == dns.TypeRRSIG || rrt == dns.TypeNSEC {
				continue
			}
			if rrt == 0 {
				log.Printf("GenerateNsecChain: name: %s rrt: %v (not good)", name, rrt)
				continue
			}
			tmap = append(tmap, int(rrt))
		}

		sort.Ints(tmap) // the NSEC type bitmap must be in order
		var rrts = make([]string, len(tmap))
		for idx, t := range tmap {
			rrts[idx] = dns.TypeToString[uint16(t)]
		}

		items := []string{name, "NSEC", nextname}
		items = append(items, rrts...)
		nsecrr, err := dns.NewRR(strings.Join(items, " "))
		if err != nil {
			return err
		}
		tmp := owner.RRtypes[dns.TypeNSEC]
		tmp.Name = name
		tmp.RRs = []dns.RR{nsecrr}
		tmp.RRSIGs = nil
		owner.RRtypes[dns.TypeNSEC] = tmp
	}

	return nil
}
