/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tsign

import (
	"fmt"

	"github.com/miekg/dns"
)

// PublishDnskeyRRs replaces the apex DNSKEY RRset with the keys the
// keyset currently wants published. If content and TTL are unchanged
// the existing RRset (and its signatures) is left alone.
func (zd *ZoneData) PublishDnskeyRRs(zks *ZoneKeyset, pol *SigningPolicy) error {
	if !zd.Options[OptAllowUpdates] {
		return fmt.Errorf("Zone %s does not allow updates", zd.ZoneName)
	}

	apex, err := zd.GetOwner(zd.ZoneName)
	if err != nil {
		return err
	}
	if apex == nil {
		return fmt.Errorf("PublishDnskeyRRs: no apex data for zone %s", zd.ZoneName)
	}

	dnskeys, err := zks.DnskeyRRset(pol.DnskeyTTL)
	if err != nil {
		return err
	}
	if len(dnskeys.RRs) == 0 {
		return fmt.Errorf("PublishDnskeyRRs: zone %s has no published keys", zd.ZoneName)
	}

	if old, exist := apex.RRtypes[dns.TypeDNSKEY]; exist {
		differ, _, _ := RRsetDiffer(zd.ZoneName, dnskeys.RRs, old.RRs, dns.TypeDNSKEY, zd.Logger)
		if !differ && !ttlDiffers(old.RRs, dnskeys.RRs) {
			return nil
		}
	}

	apex.RRtypes[dns.TypeDNSKEY] = dnskeys
	return nil
}
