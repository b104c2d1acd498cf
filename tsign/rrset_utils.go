/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tsign

import (
	"log"

	"github.com/miekg/dns"
)

// RRsetDiffer compares two RRsets on rdata, ignoring RRSIGs and TTLs.
// Returns whether they differ plus the adds and removes that would
// turn oldrrs into newrrs.
func RRsetDiffer(zone string, newrrs, oldrrs []dns.RR, rrtype uint16, lg *log.Logger) (bool, []dns.RR, []dns.RR) {
	var match, differ bool
	typestr := dns.TypeToString[rrtype]
	adds := []dns.RR{}
	removes := []dns.RR{}

	if Globals.Debug {
		lg.Printf("*** RRD: Comparing %s RRsets for %s:", typestr, zone)
		lg.Printf("-------- Old set for %s %s:", zone, typestr)
		for _, rr := range oldrrs {
			lg.Printf("%s", rr.String())
		}
		lg.Printf("-------- New set for %s %s:", zone, typestr)
		for _, rr := range newrrs {
			lg.Printf("%s", rr.String())
		}
	}

	// compare oldrrs to newrrs
	for _, orr := range oldrrs {
		if orr.Header().Rrtype == dns.TypeRRSIG {
			continue
		}
		match = false
		for _, nrr := range newrrs {
			if dns.IsDuplicate(orr, nrr) {
				match = true
				break
			}
		}
		// if we get here w/o match then this orr has no equal nrr
		if !match {
			differ = true
			removes = append(removes, orr)
		}
	}

	// compare newrrs to oldrrs
	for _, nrr := range newrrs {
		if nrr.Header().Rrtype == dns.TypeRRSIG {
			continue
		}
		match = false
		for _, orr := range oldrrs {
			if dns.IsDuplicate(nrr, orr) {
				match = true
				break
			}
		}
		if !match {
			differ = true
			adds = append(adds, nrr)
		}
	}
	return differ, adds, removes
}

// RemoveRR removes a single RR from the RRset. Any signatures are
// dropped, as they no longer cover the modified set.
func (rrset *RRset) RemoveRR(rr dns.RR) {
	for i, r := range rrset.RRs {
		if dns.IsDuplicate(r, rr) {
			rrset.RRs = append(rrset.RRs[:i], rrset.RRs[i+1:]...)
			rrset.RRSIGs = []dns.RR{}
			return
		}
	}
}

func (rrset *RRset) Copy() RRset {
	out := RRset{Name: rrset.Name}
	out.RRs = append(out.RRs, rrset.RRs...)
	out.RRSIGs = append(out.RRSIGs, rrset.RRSIGs...)
	return out
}
