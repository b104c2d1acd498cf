/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tsign

import (
	"log"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

// SignerEngine is the heart of the daemon: it wakes up on a ticker
// (and on zones arriving on the sign queue) and runs one apex signing
// pass per zone that is due. Each pass reports when the zone next
// needs attention; the ticker only acts on zones that are due.
func SignerEngine(conf *Config, stopch chan struct{}) {
	signq := conf.Internal.SignQ
	kdb := conf.Internal.KeyDB

	interval := viper.GetInt("signer.interval")
	if interval < 60 {
		interval = 60
	}
	if interval > 3600 {
		interval = 3600
	}

	parallel := viper.GetInt("signer.parallel")
	if parallel < 1 {
		parallel = 4
	}

	if conf.Service.Sign != nil && !*conf.Service.Sign {
		log.Printf("SignerEngine is NOT active. Zones will only be signed on explicit request.")
		for range signq {
			continue // ensure that we keep reading to keep the channel open
		}
	}

	log.Printf("*** SignerEngine: Starting with interval %d seconds (max %d zones in parallel) ***",
		interval, parallel)

	dnsclient := NewDNSClient(TransportDo53, "53", nil)

	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()

	zonesToKeepSigned := map[string]*ZoneData{}

	for {
		select {
		case zd := <-signq:
			if zd == nil {
				log.Printf("SignerEngine: Zone <nil> does not exist, cannot sign")
				continue
			}
			if _, exist := zonesToKeepSigned[zd.ZoneName]; !exist {
				log.Printf("SignerEngine: Adding zone %s to zonesToKeepSigned", zd.ZoneName)
				zonesToKeepSigned[zd.ZoneName] = zd
			}
			// A zone arriving on the queue is signed right away.
			runSignPass(kdb, dnsclient, []*ZoneData{zd}, parallel)

		case <-ticker.C:
			now := time.Now()
			var due []*ZoneData
			for _, zd := range zonesToKeepSigned {
				if zd.Options[OptFrozen] {
					continue
				}
				if !zd.NextSignPass.IsZero() && zd.NextSignPass.After(now) {
					continue
				}
				due = append(due, zd)
			}
			runSignPass(kdb, dnsclient, due, parallel)

		case <-stopch:
			log.Printf("SignerEngine: terminating")
			return
		}
	}
}

// runSignPass signs the given zones, at most parallel at a time.
func runSignPass(kdb *KeyDB, dnsclient *DNSClient, zones []*ZoneData, parallel int) {
	if len(zones) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(parallel)

	for _, zd := range zones {
		zd := zd
		g.Go(func() error {
			if _, err := ZoneSignPass(kdb, dnsclient, zd); err != nil {
				log.Printf("SignerEngine: zone %s: %v", zd.ZoneName, err)
				MetricsSignPassErrors.WithLabelValues(zd.ZoneName).Inc()
			}
			return nil
		})
	}
	g.Wait()
}

// ZoneSignPass runs one complete signing pass over the zone: check DS
// propagation if a new KSK is waiting on the parent, maintain the apex
// key records, apply the resulting changes, refresh the zone body
// signatures and write the zone back out.
func ZoneSignPass(kdb *KeyDB, dnsclient *DNSClient, zd *ZoneData) (*SignResult, error) {
	if zd.Options[OptFrozen] {
		log.Printf("ZoneSignPass: zone %s is frozen, skipping", zd.ZoneName)
		return nil, nil
	}

	start := time.Now()

	if zd.Options[OptAutomaticRoll] && dnsclient != nil {
		if hasUnsubmittedKsk(kdb, zd.ZoneName) {
			result, err := zd.CheckDsPropagation(kdb, dnsclient)
			if err != nil {
				// Not fatal; the KSK simply stays in the published state.
				log.Printf("ZoneSignPass: zone %s: DS propagation check failed: %v", zd.ZoneName, err)
			} else if len(result.Submitted) > 0 {
				log.Printf("ZoneSignPass: zone %s: DS seen in parent for keys %v", zd.ZoneName, result.Submitted)
			}
		}
	}

	sr, err := zd.SignApexPass(kdb, start)
	if err != nil {
		return nil, err
	}

	if !sr.Changeset.IsEmpty() {
		if err := zd.ApplyChangeset(sr.Changeset); err != nil {
			return sr, err
		}
		removes, adds := sr.Changeset.Size()
		log.Printf("ZoneSignPass: zone %s: applied %d adds, %d removes", zd.ZoneName, adds, removes)
		MetricsChangesApplied.WithLabelValues(zd.ZoneName).Add(float64(adds + removes))
	}
	if len(sr.Transitions) > 0 {
		MetricsKeyTransitions.WithLabelValues(zd.ZoneName).Add(float64(len(sr.Transitions)))
	}

	if zd.Options[OptOnlineSigning] {
		newrrsigs, err := zd.SignZone(kdb, false)
		if err != nil {
			return sr, err
		}
		if newrrsigs > 0 {
			log.Printf("ZoneSignPass: zone %s: %d new RRSIGs", zd.ZoneName, newrrsigs)
			MetricsSignatures.WithLabelValues(zd.ZoneName).Add(float64(newrrsigs))
		}
	}

	if zd.Options[OptDirty] {
		msg, err := zd.WriteZone(false)
		if err != nil {
			return sr, err
		}
		if Globals.Verbose {
			log.Printf("ZoneSignPass: %s", msg)
		}
	}

	zd.NextSignPass = sr.NextWake
	MetricsNextSignPass.WithLabelValues(zd.ZoneName).Set(float64(sr.NextWake.Unix()))
	MetricsSignPasses.WithLabelValues(zd.ZoneName).Inc()
	MetricsSignPassDuration.WithLabelValues(zd.ZoneName).Observe(time.Since(start).Seconds())

	return sr, nil
}

// hasUnsubmittedKsk is true when some KSK sits in the published state
// without its DS recorded as present in the parent.
func hasUnsubmittedKsk(kdb *KeyDB, zone string) bool {
	zks, err := kdb.LoadKeyset(zone)
	if err != nil {
		return false
	}
	for _, key := range zks.Keys {
		if key.IsKSK() && key.State == DnssecStatePublished && key.DSSubmitted.IsZero() {
			return true
		}
	}
	return false
}
