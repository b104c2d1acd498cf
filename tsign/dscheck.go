/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tsign

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// ParentZone looks up the zone one label up via a SOA query to the
// IMR, using the owner of the SOA in the answer or authority section.
func ParentZone(z, imr string) (string, error) {
	labels := strings.Split(z, ".")

	if len(labels) == 1 {
		return z, nil
	}

	upone := dns.Fqdn(strings.Join(labels[1:], "."))

	m := new(dns.Msg)
	m.SetQuestion(upone, dns.TypeSOA)
	m.SetEdns0(4096, true)
	m.CheckingDisabled = true

	r, err := dns.Exchange(m, imr)
	if err != nil {
		return "", err
	}
	if r != nil {
		if len(r.Answer) != 0 {
			return r.Answer[0].Header().Name, nil
		}
		for _, rr := range r.Ns {
			if rr.Header().Rrtype == dns.TypeSOA {
				return rr.Header().Name, nil
			}
		}
		log.Printf("ParentZone: ERROR: Failed to locate parent of '%s' via Answer and Authority. Now guessing.", z)
		return upone, fmt.Errorf("failed to locate parent of '%s' via Answer and Authority", z)
	}
	return z, fmt.Errorf("failed to split zone name '%s' into labels", z)
}

// FetchParentData resolves the parent zone name and its nameservers,
// caching the result on the ZoneData.
func (zd *ZoneData) FetchParentData() error {
	var err error

	if zd.Parent == "" {
		zd.Parent, err = ParentZone(zd.ZoneName, Globals.IMR)
		if err != nil {
			return err
		}
	}

	if len(zd.ParentNS) == 0 {
		m := new(dns.Msg)
		m.SetQuestion(zd.Parent, dns.TypeNS)

		r, err := dns.Exchange(m, Globals.IMR)
		if err != nil {
			return err
		}
		if r != nil {
			for _, rr := range r.Answer {
				if rr.Header().Rrtype == dns.TypeNS && rr.Header().Name == zd.Parent {
					zd.ParentNS = append(zd.ParentNS, rr.(*dns.NS).Ns)
				}
			}
		}
		if len(zd.ParentNS) == 0 {
			return fmt.Errorf("FetchParentData: no nameservers found for parent zone %s", zd.Parent)
		}
	}

	return nil
}

type DsCheckResult struct {
	Zone      string
	Parent    string
	Present   []uint16 // KSK keytags with a matching DS in the parent
	Missing   []uint16 // KSK keytags without one
	Submitted []uint16 // keytags stamped as submitted during this check
}

func (dcr *DsCheckResult) InSync() bool {
	return len(dcr.Missing) == 0
}

// CheckDsPropagation queries the parent zone for the DS RRset and
// compares it against the DS forms of our published and active KSKs.
// Each KSK whose DS has appeared in the parent, and which is not yet
// stamped as submitted, gets its ds_submitted timestamp set. That is
// what allows the rollover evaluator to take a new KSK to active.
func (zd *ZoneData) CheckDsPropagation(kdb *KeyDB, cl *DNSClient) (*DsCheckResult, error) {
	if err := zd.FetchParentData(); err != nil {
		return nil, err
	}

	result := &DsCheckResult{Zone: zd.ZoneName, Parent: zd.Parent}

	var dsRRs []dns.RR
	var err error
	for _, ns := range zd.ParentNS {
		dsRRs, err = cl.AuthQuery(zd.ZoneName, ns, dns.TypeDS)
		if err == nil {
			break
		}
		log.Printf("CheckDsPropagation: zone %s: DS query to %s failed: %v", zd.ZoneName, ns, err)
	}
	if err != nil {
		return nil, fmt.Errorf("CheckDsPropagation: zone %s: no parent nameserver answered: %v", zd.ZoneName, err)
	}

	zks, err := kdb.LoadKeyset(zd.ZoneName)
	if err != nil {
		return nil, err
	}

	for _, key := range zks.Keys {
		if !key.IsKSK() {
			continue
		}
		if key.State != DnssecStatePublished && key.State != DnssecStateActive {
			continue
		}

		dnskey, err := key.DnskeyRR()
		if err != nil {
			return nil, err
		}

		if dsMatch(dnskey, key.KeyId, dsRRs) {
			result.Present = append(result.Present, key.KeyId)
			if key.DSSubmitted.IsZero() {
				if err := kdb.MarkDSSubmitted(nil, zd.ZoneName, key.KeyId, time.Now()); err != nil {
					return nil, err
				}
				result.Submitted = append(result.Submitted, key.KeyId)
				log.Printf("CheckDsPropagation: zone %s: DS for KSK %d seen in parent %s, marked as submitted",
					zd.ZoneName, key.KeyId, zd.Parent)
			}
		} else {
			result.Missing = append(result.Missing, key.KeyId)
		}
	}

	return result, nil
}

// dsMatch reports whether any of the DS records matches the key, by
// recomputing our DS with the digest type the parent used.
func dsMatch(dnskey *dns.DNSKEY, keyid uint16, dsRRs []dns.RR) bool {
	for _, rr := range dsRRs {
		ds, ok := rr.(*dns.DS)
		if !ok {
			continue
		}
		if ds.KeyTag != keyid || ds.Algorithm != dnskey.Algorithm {
			continue
		}
		ours := dnskey.ToDS(ds.DigestType)
		if ours == nil {
			continue
		}
		if strings.EqualFold(ours.Digest, ds.Digest) {
			return true
		}
	}
	return false
}
