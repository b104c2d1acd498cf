package tsign

import (
	"errors"
	"testing"

	"github.com/miekg/dns"
)

func TestCheckKeyTagCollisions(t *testing.T) {
	zks := &ZoneKeyset{
		Zone: "example.com.",
		Keys: []*DnssecKey{
			{Zone: "example.com.", KeyId: 4711, Flags: 257, State: DnssecStateActive},
			{Zone: "example.com.", KeyId: 4711, Flags: 256, State: DnssecStateActive},
		},
	}

	if err := zks.CheckKeyTagCollisions(); !errors.Is(err, ErrKeyTagCollision) {
		t.Errorf("Got: %v\n Want: %v\n", err, ErrKeyTagCollision)
	}

	/* the same tag is fine as long as at most one of the keys is active */
	zks.Keys[1].State = DnssecStateGenerated
	if err := zks.CheckKeyTagCollisions(); err != nil {
		t.Errorf("Error from CheckKeyTagCollisions: %v", err)
	}
}

func TestRequireUsableKeys(t *testing.T) {
	zks := &ZoneKeyset{Zone: "example.com."}

	if err := zks.RequireUsableKeys(); !errors.Is(err, ErrNoActiveKey) {
		t.Errorf("Got: %v\n Want: %v\n", err, ErrNoActiveKey)
	}

	/* only a ZSK cannot produce the apex key signatures */
	zks.Keys = []*DnssecKey{
		{Zone: "example.com.", KeyId: 1, Flags: 256, State: DnssecStateActive},
	}
	if err := zks.RequireUsableKeys(); !errors.Is(err, ErrNoActiveKey) {
		t.Errorf("Got: %v\n Want: %v\n", err, ErrNoActiveKey)
	}

	/* a lone KSK is accepted as a CSK serving both roles */
	zks.Keys = []*DnssecKey{
		{Zone: "example.com.", KeyId: 2, Flags: 257, State: DnssecStateActive},
	}
	if err := zks.RequireUsableKeys(); err != nil {
		t.Errorf("Error from RequireUsableKeys: %v", err)
	}

	zks.Keys = append(zks.Keys,
		&DnssecKey{Zone: "example.com.", KeyId: 3, Flags: 256, State: DnssecStateActive})
	if err := zks.RequireUsableKeys(); err != nil {
		t.Errorf("Error from RequireUsableKeys: %v", err)
	}
}

func TestHasActiveSuccessor(t *testing.T) {
	ksk := &DnssecKey{Zone: "example.com.", KeyId: 1, Flags: 257, State: DnssecStateActive}
	zsk := &DnssecKey{Zone: "example.com.", KeyId: 2, Flags: 256, State: DnssecStateActive}
	zks := &ZoneKeyset{Zone: "example.com.", Keys: []*DnssecKey{ksk, zsk}}

	/* the other active key has a different role */
	if zks.HasActiveSuccessor(ksk) {
		t.Errorf("a ZSK is not a successor for a KSK")
	}

	zks.Keys = append(zks.Keys,
		&DnssecKey{Zone: "example.com.", KeyId: 3, Flags: 257, State: DnssecStatePublished})
	if zks.HasActiveSuccessor(ksk) {
		t.Errorf("a published key is not active yet")
	}

	zks.Keys[2].State = DnssecStateActive
	if !zks.HasActiveSuccessor(ksk) {
		t.Errorf("an active key of the same role is a successor")
	}
}

func TestUsablePublishedKeys(t *testing.T) {
	zks := &ZoneKeyset{
		Zone: "example.com.",
		Keys: []*DnssecKey{
			{Zone: "example.com.", KeyId: 1, Flags: 257, State: DnssecStateActive},
			{Zone: "example.com.", KeyId: 2, Flags: 256, State: DnssecStateRetireActive},
			{Zone: "example.com.", KeyId: 3, Flags: 256, State: DnssecStateGenerated},
		},
	}

	if got := len(zks.UsableKeys()); got != 1 {
		t.Errorf("Got: %d usable keys\n Want: 1\n", got)
	}
	if got := len(zks.PublishedKeys()); got != 2 {
		t.Errorf("Got: %d published keys\n Want: 2\n", got)
	}
	if zks.Key(2) == nil {
		t.Errorf("key 2 should be found")
	}
	if zks.Key(42) != nil {
		t.Errorf("key 42 should not be found")
	}
}

func TestDnskeyRRset(t *testing.T) {
	ksk := makeTestKey(t, "example.com.", 257)
	zsk := makeTestKey(t, "example.com.", 256)
	gen := makeTestKey(t, "example.com.", 256)

	zks := &ZoneKeyset{
		Zone: "example.com.",
		Keys: []*DnssecKey{
			{Zone: "example.com.", KeyId: ksk.KeyId, Flags: 257, State: DnssecStateActive, Keystr: ksk.KeyRR.String()},
			{Zone: "example.com.", KeyId: zsk.KeyId, Flags: 256, State: DnssecStatePublished, Keystr: zsk.KeyRR.String()},
			{Zone: "example.com.", KeyId: gen.KeyId, Flags: 256, State: DnssecStateGenerated, Keystr: gen.KeyRR.String()},
		},
	}

	rrset, err := zks.DnskeyRRset(7200)
	if err != nil {
		t.Fatalf("Error from DnskeyRRset: %v", err)
	}
	if len(rrset.RRs) != 2 {
		t.Fatalf("Got: %d DNSKEYs\n Want: 2 (generated keys are not published)\n", len(rrset.RRs))
	}
	for _, rr := range rrset.RRs {
		if rr.Header().Ttl != 7200 {
			t.Errorf("Got: TTL %d\n Want: 7200\n", rr.Header().Ttl)
		}
	}
}

func TestCdsRRsets(t *testing.T) {
	ksk := makeTestKey(t, "example.com.", 257)
	key := &DnssecKey{Zone: "example.com.", KeyId: ksk.KeyId, Flags: 257,
		State: DnssecStateActive, Keystr: ksk.KeyRR.String()}
	zks := &ZoneKeyset{Zone: "example.com.", Keys: []*DnssecKey{key}}

	duties := []KeyDuty{{Key: key, Publish: true, Sign: true, Cds: true}}

	cdnskeys, cdss, err := zks.CdsRRsets(duties)
	if err != nil {
		t.Fatalf("Error from CdsRRsets: %v", err)
	}
	if len(cdnskeys.RRs) != 1 || len(cdss.RRs) != 1 {
		t.Fatalf("Got: %d CDNSKEY, %d CDS\n Want: 1, 1\n", len(cdnskeys.RRs), len(cdss.RRs))
	}

	cds := cdss.RRs[0].(*dns.CDS)
	if cds.KeyTag != ksk.KeyId {
		t.Errorf("Got: key tag %d\n Want: %d\n", cds.KeyTag, ksk.KeyId)
	}
	if cds.DigestType != DefaultCDSDigestType {
		t.Errorf("Got: digest type %d\n Want: %d\n", cds.DigestType, DefaultCDSDigestType)
	}
	if cdnskeys.RRs[0].Header().Ttl != 0 || cdss.RRs[0].Header().Ttl != 0 {
		t.Errorf("CDS and CDNSKEY should be published with TTL 0")
	}

	/* no Cds duty, nothing to publish */
	duties[0].Cds = false
	cdnskeys, cdss, err = zks.CdsRRsets(duties)
	if err != nil {
		t.Fatalf("Error from CdsRRsets: %v", err)
	}
	if len(cdnskeys.RRs) != 0 || len(cdss.RRs) != 0 {
		t.Errorf("Got: %d CDNSKEY, %d CDS\n Want: 0, 0\n", len(cdnskeys.RRs), len(cdss.RRs))
	}
}
