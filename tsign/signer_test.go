package tsign

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func newTestZone(t *testing.T, kdb *KeyDB, opts ...ZoneOption) *ZoneData {
	t.Helper()

	zd := &ZoneData{
		ZoneName:  "example.com.",
		ZoneStore: SliceZone,
		ZoneType:  Primary,
		Policy:    DefaultSigningPolicy("test"),
		Options:   map[ZoneOption]bool{},
		KeyDB:     kdb,
		Logger:    log.Default(),
	}
	for _, opt := range opts {
		zd.Options[opt] = true
	}
	zd.AddOwner(&OwnerData{
		Name: zd.ZoneName,
		RRtypes: map[uint16]RRset{
			dns.TypeSOA: {
				Name: zd.ZoneName,
				RRs:  makeRRSlice("example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. 1 10800 3600 1209600 3600"),
			},
		},
	})
	zd.CurrentSerial = 1
	return zd
}

func activateTestKeys(t *testing.T, kdb *KeyDB, zone string, when time.Time) (*DnssecKeyCache, *DnssecKeyCache) {
	t.Helper()

	ksk, err := kdb.GenerateSigningKey(nil, zone, 257, dns.ECDSAP256SHA256, 0, "test")
	if err != nil {
		t.Fatalf("Error from GenerateSigningKey: %v", err)
	}
	zsk, err := kdb.GenerateSigningKey(nil, zone, 256, dns.ECDSAP256SHA256, 0, "test")
	if err != nil {
		t.Fatalf("Error from GenerateSigningKey: %v", err)
	}
	if err := kdb.SetKeyState(nil, zone, ksk.KeyId, DnssecStateActive, when); err != nil {
		t.Fatalf("Error from SetKeyState: %v", err)
	}
	if err := kdb.SetKeyState(nil, zone, zsk.KeyId, DnssecStateActive, when); err != nil {
		t.Fatalf("Error from SetKeyState: %v", err)
	}
	return ksk, zsk
}

func TestSignApexPassBootstrap(t *testing.T) {
	kdb := newTestKeyDB(t)
	zd := newTestZone(t, kdb, OptAutomaticRoll)
	now := time.Now()

	res, err := zd.SignApexPass(kdb, now)
	if err != nil {
		t.Fatalf("Error from SignApexPass: %v", err)
	}

	keys, err := kdb.GetDnssecKeys(zd.ZoneName)
	if err != nil {
		t.Fatalf("Error from GetDnssecKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("Got: %d keys\n Want: 2\n", len(keys))
	}
	for _, key := range keys {
		if key.State != DnssecStateActive {
			t.Errorf("Got: key %d in state %q\n Want: %s\n", key.KeyId, key.State, DnssecStateActive)
		}
	}

	if len(res.Changeset.Removes) != 0 {
		t.Errorf("Got: %d removes\n Want: 0\n", len(res.Changeset.Removes))
	}
	if len(res.Changeset.Adds) != 1 {
		t.Fatalf("Got: %d adds\n Want: 1\n", len(res.Changeset.Adds))
	}
	add := res.Changeset.Adds[0]
	if len(add.RRs) != 2 || len(add.RRSIGs) != 1 {
		t.Errorf("Got: %d RRs, %d RRSIGs\n Want: 2 DNSKEYs with one signature\n",
			len(add.RRs), len(add.RRSIGs))
	}
	for _, rr := range add.RRs {
		if rr.Header().Rrtype != dns.TypeDNSKEY || rr.Header().Ttl != zd.Policy.DnskeyTTL {
			t.Errorf("Got: %s\n Want: a DNSKEY with TTL %d\n", rr.String(), zd.Policy.DnskeyTTL)
		}
	}

	if res.Expiration.IsZero() {
		t.Fatalf("expiration should track the new RRSIG")
	}
	/* wake for the signature refresh margin, not the far-off ZSK retirement */
	wantWake := res.Expiration.Add(-time.Duration(zd.Policy.SigRefresh) * time.Second)
	if !res.NextWake.Equal(wantWake) {
		t.Errorf("Got: %v\n Want: %v\n", res.NextWake, wantWake)
	}
}

func TestSignApexPassPublishCdsOption(t *testing.T) {
	kdb := newTestKeyDB(t)
	zd := newTestZone(t, kdb, OptAutomaticRoll, OptPublishCds)
	now := time.Now()

	res, err := zd.SignApexPass(kdb, now)
	if err != nil {
		t.Fatalf("Error from SignApexPass: %v", err)
	}

	/* with publish-cds the bootstrap pass also emits CDNSKEY and CDS */
	if len(res.Changeset.Adds) != 3 {
		t.Fatalf("Got: %d adds\n Want: 3\n", len(res.Changeset.Adds))
	}
	wanted := map[uint16]int{
		dns.TypeDNSKEY:  2,
		dns.TypeCDNSKEY: 1,
		dns.TypeCDS:     1,
	}
	for _, add := range res.Changeset.Adds {
		if len(add.RRs) == 0 {
			t.Fatalf("Got: an addition without records\n Want: RRs in every addition\n")
		}
		rrtype := add.RRs[0].Header().Rrtype
		if len(add.RRs) != wanted[rrtype] {
			t.Errorf("Got: %d %s records\n Want: %d\n",
				len(add.RRs), dns.TypeToString[rrtype], wanted[rrtype])
		}
		if len(add.RRSIGs) != 1 {
			t.Errorf("Got: %d RRSIGs for %s\n Want: 1\n", len(add.RRSIGs), dns.TypeToString[rrtype])
		}
		if rrtype != dns.TypeDNSKEY && add.RRs[0].Header().Ttl != 0 {
			t.Errorf("Got: %s with TTL %d\n Want: TTL 0\n",
				dns.TypeToString[rrtype], add.RRs[0].Header().Ttl)
		}
		delete(wanted, rrtype)
	}
	if len(wanted) != 0 {
		t.Errorf("Got: no additions for %v\n Want: all three apex key types\n", wanted)
	}

	if err := zd.ApplyChangeset(res.Changeset); err != nil {
		t.Fatalf("Error from ApplyChangeset: %v", err)
	}
	res, err = zd.SignApexPass(kdb, now)
	if err != nil {
		t.Fatalf("Error from SignApexPass: %v", err)
	}
	if !res.Changeset.IsEmpty() {
		t.Errorf("Got:\n%s Want: an empty changeset\n", res.Changeset.Dump())
	}
}

func TestSignApexPassIdempotent(t *testing.T) {
	kdb := newTestKeyDB(t)
	zd := newTestZone(t, kdb, OptAutomaticRoll)
	now := time.Now()

	res, err := zd.SignApexPass(kdb, now)
	if err != nil {
		t.Fatalf("Error from SignApexPass: %v", err)
	}
	if err := zd.ApplyChangeset(res.Changeset); err != nil {
		t.Fatalf("Error from ApplyChangeset: %v", err)
	}

	res, err = zd.SignApexPass(kdb, now)
	if err != nil {
		t.Fatalf("Error from SignApexPass: %v", err)
	}
	if !res.Changeset.IsEmpty() {
		t.Errorf("Got:\n%s Want: an empty changeset\n", res.Changeset.Dump())
	}
	if res.Expiration.IsZero() {
		t.Errorf("expiration should carry over from the existing signature")
	}
}

func TestSignApexPassNoUsableKeys(t *testing.T) {
	kdb := newTestKeyDB(t)
	zd := newTestZone(t, kdb)

	_, err := zd.SignApexPass(kdb, time.Now())
	if !errors.Is(err, ErrNoActiveKey) {
		t.Errorf("Got: %v\n Want: %v\n", err, ErrNoActiveKey)
	}

	zd.Policy = nil
	_, err = zd.SignApexPass(kdb, time.Now())
	if err == nil {
		t.Errorf("a zone without a signing policy cannot be signed")
	}
}

func TestSignApexPassRefresh(t *testing.T) {
	kdb := newTestKeyDB(t)
	zd := newTestZone(t, kdb, OptAutomaticRoll)
	now := time.Now()

	res, err := zd.SignApexPass(kdb, now)
	if err != nil {
		t.Fatalf("Error from SignApexPass: %v", err)
	}
	if err := zd.ApplyChangeset(res.Changeset); err != nil {
		t.Fatalf("Error from ApplyChangeset: %v", err)
	}

	/* eight days on, the 14 day signature is inside the 7 day refresh margin */
	later := now.Add(8 * 24 * time.Hour)
	res, err = zd.SignApexPass(kdb, later)
	if err != nil {
		t.Fatalf("Error from SignApexPass: %v", err)
	}
	if len(res.Changeset.Removes) != 1 || len(res.Changeset.Adds) != 1 {
		t.Fatalf("Got: %d removes, %d adds\n Want: 1, 1\n",
			len(res.Changeset.Removes), len(res.Changeset.Adds))
	}
	if len(res.Changeset.Removes[0].RRs) != 0 || len(res.Changeset.Removes[0].RRSIGs) != 1 {
		t.Errorf("Got: %+v\n Want: only the old signature removed\n", res.Changeset.Removes[0])
	}
	if len(res.Changeset.Adds[0].RRs) != 0 || len(res.Changeset.Adds[0].RRSIGs) != 1 {
		t.Errorf("Got: %+v\n Want: only a fresh signature added\n", res.Changeset.Adds[0])
	}
}

func TestSignApexPassTtlChange(t *testing.T) {
	kdb := newTestKeyDB(t)
	zd := newTestZone(t, kdb, OptAutomaticRoll)
	now := time.Now()

	res, err := zd.SignApexPass(kdb, now)
	if err != nil {
		t.Fatalf("Error from SignApexPass: %v", err)
	}
	if err := zd.ApplyChangeset(res.Changeset); err != nil {
		t.Fatalf("Error from ApplyChangeset: %v", err)
	}

	/* rdata is unchanged, so a TTL change must replace the full RRset */
	zd.Policy.DnskeyTTL = 7200
	res, err = zd.SignApexPass(kdb, now)
	if err != nil {
		t.Fatalf("Error from SignApexPass: %v", err)
	}
	if len(res.Changeset.Removes) != 1 || len(res.Changeset.Adds) != 1 {
		t.Fatalf("Got: %d removes, %d adds\n Want: 1, 1\n",
			len(res.Changeset.Removes), len(res.Changeset.Adds))
	}
	if len(res.Changeset.Removes[0].RRs) != 2 || len(res.Changeset.Adds[0].RRs) != 2 {
		t.Errorf("Got: %d removed, %d added\n Want: a full RRset replace\n",
			len(res.Changeset.Removes[0].RRs), len(res.Changeset.Adds[0].RRs))
	}
	for _, rr := range res.Changeset.Adds[0].RRs {
		if rr.Header().Ttl != 7200 {
			t.Errorf("Got: TTL %d\n Want: 7200\n", rr.Header().Ttl)
		}
	}
}

func TestSignApexPassAppliesTransitions(t *testing.T) {
	kdb := newTestKeyDB(t)
	zd := newTestZone(t, kdb)
	now := time.Now()

	activateTestKeys(t, kdb, zd.ZoneName, now.Add(-24*time.Hour))

	suc, err := kdb.GenerateSigningKey(nil, zd.ZoneName, 256, dns.ECDSAP256SHA256, 0, "test")
	if err != nil {
		t.Fatalf("Error from GenerateSigningKey: %v", err)
	}
	/* backdate the successor past its introduction delay */
	_, err = kdb.Exec(`UPDATE DnssecKeyStore SET generated=? WHERE zonename=? AND keyid=?`,
		now.Add(-time.Hour).Unix(), zd.ZoneName, suc.KeyId)
	if err != nil {
		t.Fatalf("Error from kdb.Exec: %v", err)
	}

	res, err := zd.SignApexPass(kdb, now)
	if err != nil {
		t.Fatalf("Error from SignApexPass: %v", err)
	}
	if len(res.Transitions) != 1 ||
		res.Transitions[0].KeyId != suc.KeyId ||
		res.Transitions[0].FromState != DnssecStateGenerated ||
		res.Transitions[0].ToState != DnssecStatePublished {
		t.Errorf("Got: %+v\n Want: key %d generated -> published\n", res.Transitions, suc.KeyId)
	}

	keys, err := kdb.GetDnssecKeys(zd.ZoneName)
	if err != nil {
		t.Fatalf("Error from GetDnssecKeys: %v", err)
	}
	for _, key := range keys {
		if key.KeyId == suc.KeyId && key.State != DnssecStatePublished {
			t.Errorf("Got: %s\n Want: %s\n", key.State, DnssecStatePublished)
		}
	}

	/* the newly published key joins the DNSKEY RRset */
	if len(res.Changeset.Adds) != 1 || len(res.Changeset.Adds[0].RRs) != 3 {
		t.Errorf("Got: %+v\n Want: one add with 3 DNSKEYs\n", res.Changeset.Adds)
	}
}

func TestSignApexPassSuccessor(t *testing.T) {
	kdb := newTestKeyDB(t)
	zd := newTestZone(t, kdb, OptAutomaticRoll)
	/* a two hour ZSK lifetime is inside the introduction lead time */
	zd.Policy.ZSK.Lifetime = 7200
	now := time.Now()

	res, err := zd.SignApexPass(kdb, now)
	if err != nil {
		t.Fatalf("Error from SignApexPass: %v", err)
	}
	if err := zd.ApplyChangeset(res.Changeset); err != nil {
		t.Fatalf("Error from ApplyChangeset: %v", err)
	}

	res, err = zd.SignApexPass(kdb, now)
	if err != nil {
		t.Fatalf("Error from SignApexPass: %v", err)
	}

	keys, err := kdb.GetDnssecKeys(zd.ZoneName)
	if err != nil {
		t.Fatalf("Error from GetDnssecKeys: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("Got: %d keys\n Want: 3\n", len(keys))
	}
	var successor *DnssecKey
	for _, key := range keys {
		if key.State == DnssecStateGenerated {
			successor = key
		}
	}
	if successor == nil || successor.IsKSK() {
		t.Fatalf("Got: %+v\n Want: a generated ZSK successor\n", keys)
	}

	/* the next wake is the successor's introduction delay, not the refresh margin */
	wake := res.NextWake.Sub(now)
	if wake < 4*time.Minute || wake > 6*time.Minute {
		t.Errorf("Got: wake in %v\n Want: about five minutes\n", wake)
	}
}

func TestStartRollover(t *testing.T) {
	kdb := newTestKeyDB(t)
	zone := "example.com."
	pol := DefaultSigningPolicy("test")

	activateTestKeys(t, kdb, zone, time.Now())

	started, err := kdb.StartRollover(zone, pol)
	if err != nil {
		t.Fatalf("Error from StartRollover: %v", err)
	}
	if started != 2 {
		t.Errorf("Got: %d\n Want: 2\n", started)
	}

	keys, err := kdb.GetDnssecKeys(zone)
	if err != nil {
		t.Fatalf("Error from GetDnssecKeys: %v", err)
	}
	if len(keys) != 4 {
		t.Errorf("Got: %d keys\n Want: 4\n", len(keys))
	}

	/* successors already on their way in: nothing more to start */
	started, err = kdb.StartRollover(zone, pol)
	if err != nil {
		t.Fatalf("Error from StartRollover: %v", err)
	}
	if started != 0 {
		t.Errorf("Got: %d\n Want: 0\n", started)
	}
}

func TestSignApexPassOfflineKsk(t *testing.T) {
	kdb := newTestKeyDB(t)
	zd := newTestZone(t, kdb, OptOfflineKSK)
	now := time.Now()

	activateTestKeys(t, kdb, zd.ZoneName, now)

	entry, err := kdb.PresignOfflineRecords(zd, now)
	if err != nil {
		t.Fatalf("Error from PresignOfflineRecords: %v", err)
	}
	if len(entry.Records.Dnskey.RRs) != 2 || len(entry.Records.Rrsig.RRs) != 1 {
		t.Errorf("Got: %d DNSKEY, %d RRSIG\n Want: 2, 1\n",
			len(entry.Records.Dnskey.RRs), len(entry.Records.Rrsig.RRs))
	}

	res, err := zd.SignApexPass(kdb, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Error from SignApexPass: %v", err)
	}
	if len(res.Changeset.Adds) != 1 {
		t.Fatalf("Got: %d adds\n Want: 1\n", len(res.Changeset.Adds))
	}
	add := res.Changeset.Adds[0]
	if len(add.RRs) != 2 || len(add.RRSIGs) != 1 {
		t.Errorf("Got: %d RRs, %d RRSIGs\n Want: the snapshot contents\n",
			len(add.RRs), len(add.RRSIGs))
	}
	/* the signature is the presigned one, not a fresh one */
	if !rrEquals(add.RRSIGs, entry.Records.Rrsig.RRs) {
		t.Errorf("Got: %v\n Want: the journal snapshot signature\n", add.RRSIGs)
	}
}

func TestSignApexPassOfflineEmptyJournal(t *testing.T) {
	kdb := newTestKeyDB(t)
	zd := newTestZone(t, kdb, OptOfflineKSK)
	now := time.Now()

	activateTestKeys(t, kdb, zd.ZoneName, now)

	_, err := zd.SignApexPass(kdb, now)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Got: %v\n Want: %v\n", err, ErrNotFound)
	}
}

func TestPresignChaining(t *testing.T) {
	kdb := newTestKeyDB(t)
	zd := newTestZone(t, kdb)

	activateTestKeys(t, kdb, zd.ZoneName, time.Now())

	t1 := time.Now().Add(time.Hour).Truncate(time.Second)
	first, err := kdb.PresignOfflineRecords(zd, t1)
	if err != nil {
		t.Fatalf("Error from PresignOfflineRecords: %v", err)
	}
	if !first.ValidFrom.Equal(t1) {
		t.Errorf("Got: %v\n Want: %v\n", first.ValidFrom, t1)
	}

	/* a zero validFrom chains onto the refresh margin of the last snapshot */
	second, err := kdb.PresignOfflineRecords(zd, time.Time{})
	if err != nil {
		t.Fatalf("Error from PresignOfflineRecords: %v", err)
	}
	want := t1.Add(time.Duration(zd.Policy.SigValidity-zd.Policy.SigRefresh) * time.Second)
	if !second.ValidFrom.Equal(want) {
		t.Errorf("Got: %v\n Want: %v\n", second.ValidFrom, want)
	}

	entries, err := kdb.OfflineRecordsList(zd.ZoneName)
	if err != nil {
		t.Fatalf("Error from OfflineRecordsList: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("Got: %d journal entries\n Want: 2\n", len(entries))
	}
}

func TestApplyChangesetFrozen(t *testing.T) {
	kdb := newTestKeyDB(t)
	zd := newTestZone(t, kdb, OptAutomaticRoll, OptFrozen)

	res, err := zd.SignApexPass(kdb, time.Now())
	if err != nil {
		t.Fatalf("Error from SignApexPass: %v", err)
	}
	if err := zd.ApplyChangeset(res.Changeset); err == nil {
		t.Errorf("a frozen zone must refuse changesets")
	}
}

func TestSignZoneOnline(t *testing.T) {
	kdb := newTestKeyDB(t)
	zd := newTestZone(t, kdb, OptOnlineSigning, OptAllowUpdates)
	now := time.Now()

	if _, err := newTestZone(t, kdb).SignZone(kdb, false); err == nil {
		t.Errorf("signing without the online signing option should fail")
	}

	/* a small zone with one delegation and its glue */
	zonefile := filepath.Join(t.TempDir(), "example.com.zone")
	zonedata := `example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. 42 10800 3600 1209600 3600
example.com. 3600 IN NS ns1.example.com.
ns1.example.com. 3600 IN A 192.0.2.1
www.example.com. 3600 IN A 192.0.2.80
sub.example.com. 3600 IN NS ns1.sub.example.com.
ns1.sub.example.com. 3600 IN A 192.0.2.53
`
	if err := os.WriteFile(zonefile, []byte(zonedata), 0644); err != nil {
		t.Fatalf("Error writing zone file: %v", err)
	}
	if _, err := zd.ReadZoneFile(zonefile); err != nil {
		t.Fatalf("Error from ReadZoneFile: %v", err)
	}

	activateTestKeys(t, kdb, zd.ZoneName, now)

	newsigs, err := zd.SignZone(kdb, false)
	if err != nil {
		t.Fatalf("Error from SignZone: %v", err)
	}
	if newsigs == 0 {
		t.Errorf("Got: 0 new signatures\n Want: some\n")
	}

	vr, err := zd.ValidateZone(now)
	if err != nil {
		t.Fatalf("Error from ValidateZone: %v", err)
	}
	if !vr.OK() {
		t.Errorf("Got: unsigned %v failed %v\n Want: full coverage\n", vr.Unsigned, vr.Failed)
	}
	if vr.ExpiringSoon {
		t.Errorf("fresh signatures should not be expiring soon")
	}

	/* the delegation NS and its glue stay unsigned */
	sub, err := zd.GetOwner("sub.example.com.")
	if err != nil || sub == nil {
		t.Fatalf("no owner data for the delegation")
	}
	if len(sub.RRtypes[dns.TypeNS].RRSIGs) != 0 {
		t.Errorf("a delegation NS RRset must not be signed")
	}
	glue, err := zd.GetOwner("ns1.sub.example.com.")
	if err != nil || glue == nil {
		t.Fatalf("no owner data for the glue")
	}
	if len(glue.RRtypes[dns.TypeA].RRSIGs) != 0 {
		t.Errorf("glue must not be signed")
	}

	if zd.CurrentSerial <= 42 {
		t.Errorf("Got: serial %d\n Want: above the file serial 42\n", zd.CurrentSerial)
	}
}

func TestGenerateNsecChain(t *testing.T) {
	zd := newTestZone(t, nil, OptAllowUpdates)
	zd.AddOwner(&OwnerData{
		Name: "www.example.com.",
		RRtypes: map[uint16]RRset{
			dns.TypeA: {Name: "www.example.com.", RRs: makeRRSlice("www.example.com. 3600 IN A 192.0.2.80")},
		},
	})
	zd.AddOwner(&OwnerData{
		Name: "mail.example.com.",
		RRtypes: map[uint16]RRset{
			dns.TypeA: {Name: "mail.example.com.", RRs: makeRRSlice("mail.example.com. 3600 IN A 192.0.2.25")},
		},
	})

	if err := zd.GenerateNsecChain(); err != nil {
		t.Fatalf("Error from GenerateNsecChain: %v", err)
	}

	nextOf := func(name string) *dns.NSEC {
		owner, err := zd.GetOwner(name)
		if err != nil || owner == nil {
			t.Fatalf("no owner data for %s", name)
		}
		rrs := owner.RRtypes[dns.TypeNSEC].RRs
		if len(rrs) != 1 {
			t.Fatalf("Got: %d NSEC RRs for %s\n Want: 1\n", len(rrs), name)
		}
		return rrs[0].(*dns.NSEC)
	}

	apexNsec := nextOf("example.com.")
	if apexNsec.NextDomain != "mail.example.com." {
		t.Errorf("Got: %s\n Want: mail.example.com.\n", apexNsec.NextDomain)
	}
	if nextOf("mail.example.com.").NextDomain != "www.example.com." {
		t.Errorf("Got: %s\n Want: www.example.com.\n", nextOf("mail.example.com.").NextDomain)
	}
	/* the chain closes back to the apex */
	if nextOf("www.example.com.").NextDomain != "example.com." {
		t.Errorf("Got: %s\n Want: example.com.\n", nextOf("www.example.com.").NextDomain)
	}

	/* the apex bitmap carries the owner's types plus NSEC and RRSIG */
	for _, want := range []uint16{dns.TypeSOA, dns.TypeNSEC, dns.TypeRRSIG} {
		found := false
		for _, t2 := range apexNsec.TypeBitMap {
			if t2 == want {
				found = true
			}
		}
		if !found {
			t.Errorf("Got: %v\n Want: %s in the type bitmap\n",
				apexNsec.TypeBitMap, dns.TypeToString[want])
		}
	}

	zd2 := newTestZone(t, nil)
	if err := zd2.GenerateNsecChain(); err == nil {
		t.Errorf("an update-locked zone must refuse a new NSEC chain")
	}
}

func TestNextWake(t *testing.T) {
	pol := DefaultSigningPolicy("test")
	now := time.Unix(1700000000, 0)
	expiration := now.Add(14 * 24 * time.Hour)
	refreshAt := expiration.Add(-time.Duration(pol.SigRefresh) * time.Second)

	if got := nextWake(expiration, time.Time{}, pol); !got.Equal(refreshAt) {
		t.Errorf("Got: %v\n Want: %v\n", got, refreshAt)
	}

	early := now.Add(time.Hour)
	if got := nextWake(expiration, early, pol); !got.Equal(early) {
		t.Errorf("Got: %v\n Want: %v\n", got, early)
	}

	late := expiration.Add(24 * time.Hour)
	if got := nextWake(expiration, late, pol); !got.Equal(refreshAt) {
		t.Errorf("Got: %v\n Want: %v\n", got, refreshAt)
	}

	if got := nextWake(time.Time{}, early, pol); !got.Equal(early) {
		t.Errorf("Got: %v\n Want: %v\n", got, early)
	}

	if got := nextWake(time.Time{}, time.Time{}, pol); !got.IsZero() {
		t.Errorf("Got: %v\n Want: zero\n", got)
	}
}
