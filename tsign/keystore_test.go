package tsign

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func TestKeySizeForAlgorithm(t *testing.T) {
	tests := []struct {
		alg     uint8
		bits    int
		want    int
		wanterr bool
	}{
		{dns.ECDSAP256SHA256, 0, 256, false},
		{dns.ECDSAP256SHA256, 256, 256, false},
		{dns.ECDSAP256SHA256, 384, 0, true},
		{dns.ECDSAP384SHA384, 0, 384, false},
		{dns.ED25519, 0, 256, false},
		{dns.RSASHA256, 0, 2048, false},
		{dns.RSASHA256, 512, 0, true},
		{dns.RSASHA256, 4096, 4096, false},
		{200, 0, 0, true},
	}
	for _, tc := range tests {
		got, err := KeySizeForAlgorithm(tc.alg, tc.bits)
		if (err != nil) != tc.wanterr || got != tc.want {
			t.Errorf("KeySizeForAlgorithm(%d, %d) = (%d, %v)\n Want: (%d, error=%v)\n",
				tc.alg, tc.bits, got, err, tc.want, tc.wanterr)
		}
	}
}

func TestGenerateSigningKey(t *testing.T) {
	kdb := newTestKeyDB(t)
	zone := "example.com."

	pkc, err := kdb.GenerateSigningKey(nil, zone, 257, dns.ECDSAP256SHA256, 0, "test")
	if err != nil {
		t.Fatalf("Error from GenerateSigningKey: %v", err)
	}
	if pkc.Flags != 257 || pkc.Algorithm != dns.ECDSAP256SHA256 {
		t.Errorf("Got: flags %d alg %d\n Want: flags 257 alg %d\n",
			pkc.Flags, pkc.Algorithm, dns.ECDSAP256SHA256)
	}
	if pkc.KeyId != pkc.KeyRR.KeyTag() {
		t.Errorf("Got: keyid %d\n Want: %d\n", pkc.KeyId, pkc.KeyRR.KeyTag())
	}

	keys, err := kdb.GetDnssecKeys(zone)
	if err != nil {
		t.Fatalf("Error from GetDnssecKeys: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("Got: %d keys\n Want: 1\n", len(keys))
	}
	key := keys[0]
	if key.State != DnssecStateGenerated || key.KeyId != pkc.KeyId || !key.IsKSK() {
		t.Errorf("Got: %+v\n Want: KSK %d in state %q\n", key, pkc.KeyId, DnssecStateGenerated)
	}
	if key.Algorithm != dns.ECDSAP256SHA256 {
		t.Errorf("Got: algorithm %d\n Want: %d\n", key.Algorithm, dns.ECDSAP256SHA256)
	}
	if key.Generated.IsZero() || !key.Published.IsZero() || !key.Activated.IsZero() {
		t.Errorf("Got: %+v\n Want: only the generated timestamp set\n", key)
	}
	if key.PrivateKey == "" {
		t.Errorf("stored key lost its private key material")
	}
}

func TestSetKeyState(t *testing.T) {
	kdb := newTestKeyDB(t)
	zone := "example.com."
	when := time.Unix(1700000000, 0)

	pkc, err := kdb.GenerateSigningKey(nil, zone, 256, dns.ECDSAP256SHA256, 0, "test")
	if err != nil {
		t.Fatalf("Error from GenerateSigningKey: %v", err)
	}

	if err := kdb.SetKeyState(nil, zone, pkc.KeyId, DnssecStateActive, when); err != nil {
		t.Fatalf("Error from SetKeyState: %v", err)
	}

	keys, err := kdb.GetDnssecKeys(zone)
	if err != nil {
		t.Fatalf("Error from GetDnssecKeys: %v", err)
	}
	if keys[0].State != DnssecStateActive || !keys[0].Activated.Equal(when) {
		t.Errorf("Got: %s at %v\n Want: %s at %v\n",
			keys[0].State, keys[0].Activated, DnssecStateActive, when)
	}

	if err := kdb.SetKeyState(nil, zone, pkc.KeyId+1, DnssecStateActive, when); err == nil {
		t.Errorf("setting the state of a nonexistent key should fail")
	}
	if err := kdb.SetKeyState(nil, zone, pkc.KeyId, "bogus", when); err == nil {
		t.Errorf("an unknown state should be refused")
	}
}

func TestApplyTransitions(t *testing.T) {
	kdb := newTestKeyDB(t)
	zone := "example.com."
	when := time.Unix(1700000000, 0)

	pkc, err := kdb.GenerateSigningKey(nil, zone, 256, dns.ECDSAP256SHA256, 0, "test")
	if err != nil {
		t.Fatalf("Error from GenerateSigningKey: %v", err)
	}

	transitions := []KeyTransition{
		{
			Zone:      zone,
			KeyId:     pkc.KeyId,
			FromState: DnssecStateGenerated,
			ToState:   DnssecStatePublished,
			When:      when,
		},
	}

	applied, err := kdb.ApplyTransitions(nil, transitions)
	if err != nil {
		t.Fatalf("Error from ApplyTransitions: %v", err)
	}
	if applied != 1 {
		t.Errorf("Got: %d applied\n Want: 1\n", applied)
	}

	keys, err := kdb.GetDnssecKeys(zone)
	if err != nil {
		t.Fatalf("Error from GetDnssecKeys: %v", err)
	}
	if keys[0].State != DnssecStatePublished || !keys[0].Published.Equal(when) {
		t.Errorf("Got: %s at %v\n Want: %s at %v\n",
			keys[0].State, keys[0].Published, DnssecStatePublished, when)
	}

	/* the from-state guard makes a replayed transition a no-op */
	applied, err = kdb.ApplyTransitions(nil, transitions)
	if err != nil {
		t.Fatalf("Error from ApplyTransitions: %v", err)
	}
	if applied != 0 {
		t.Errorf("Got: %d applied\n Want: 0\n", applied)
	}
}

func TestDnssecKeyMgmt(t *testing.T) {
	kdb := newTestKeyDB(t)
	zone := "example.com."

	resp, err := kdb.DnssecKeyMgmt(nil, &KeystorePost{
		Command:    "dnssec",
		SubCommand: "generate",
		Zone:       zone,
		Flags:      257,
	})
	if err != nil {
		t.Fatalf("Error from DnssecKeyMgmt: %v", err)
	}
	if resp.Error || !strings.Contains(resp.Msg, "generated new") {
		t.Errorf("Got: %+v\n Want: a generate confirmation\n", resp)
	}

	keys, err := kdb.GetDnssecKeys(zone)
	if err != nil {
		t.Fatalf("Error from GetDnssecKeys: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("Got: %d keys\n Want: 1\n", len(keys))
	}
	keyid := keys[0].KeyId

	/* list redacts the private key material */
	resp, err = kdb.DnssecKeyMgmt(nil, &KeystorePost{Command: "dnssec", SubCommand: "list", Zone: zone})
	if err != nil {
		t.Fatalf("Error from DnssecKeyMgmt: %v", err)
	}
	if len(resp.Dnskeys) != 1 {
		t.Fatalf("Got: %d keys\n Want: 1\n", len(resp.Dnskeys))
	}
	for _, key := range resp.Dnskeys {
		if !strings.Contains(key.PrivateKey, "*****") {
			t.Errorf("Got: %q\n Want: a redacted private key\n", key.PrivateKey)
		}
	}

	/* an empty zone lists the whole keystore */
	resp, err = kdb.DnssecKeyMgmt(nil, &KeystorePost{Command: "dnssec", SubCommand: "list"})
	if err != nil {
		t.Fatalf("Error from DnssecKeyMgmt: %v", err)
	}
	if len(resp.Dnskeys) != 1 {
		t.Errorf("Got: %d keys\n Want: 1\n", len(resp.Dnskeys))
	}

	_, err = kdb.DnssecKeyMgmt(nil, &KeystorePost{
		Command:    "dnssec",
		SubCommand: "setstate",
		Zone:       zone,
		Keyid:      keyid,
		State:      DnssecStateActive,
	})
	if err != nil {
		t.Fatalf("Error from DnssecKeyMgmt: %v", err)
	}
	keys, err = kdb.GetDnssecKeys(zone)
	if err != nil {
		t.Fatalf("Error from GetDnssecKeys: %v", err)
	}
	if keys[0].State != DnssecStateActive {
		t.Errorf("Got: %s\n Want: %s\n", keys[0].State, DnssecStateActive)
	}

	_, err = kdb.DnssecKeyMgmt(nil, &KeystorePost{
		Command:    "dnssec",
		SubCommand: "delete",
		Zone:       zone,
		Keyid:      keyid,
	})
	if err != nil {
		t.Fatalf("Error from DnssecKeyMgmt: %v", err)
	}
	keys, err = kdb.GetDnssecKeys(zone)
	if err != nil {
		t.Fatalf("Error from GetDnssecKeys: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("Got: %d keys\n Want: 0\n", len(keys))
	}

	resp, err = kdb.DnssecKeyMgmt(nil, &KeystorePost{Command: "dnssec", SubCommand: "frobnicate", Zone: zone})
	if err == nil || !resp.Error {
		t.Errorf("an unknown subcommand should be refused")
	}
}

func TestDnssecKeyMgmtImport(t *testing.T) {
	kdb := newTestKeyDB(t)
	zone := "example.com."
	kc := makeTestKey(t, zone, 257)

	resp, err := kdb.DnssecKeyMgmt(nil, &KeystorePost{
		Command:    "dnssec",
		SubCommand: "import",
		Zone:       zone,
		PrivateKey: kc.PrivateKeyString(),
		KeyRR:      kc.KeyRR.String(),
		State:      DnssecStateActive,
	})
	if err != nil {
		t.Fatalf("Error from DnssecKeyMgmt: %v", err)
	}
	if resp.Error {
		t.Fatalf("Got: %+v\n Want: no error\n", resp)
	}

	keys, err := kdb.GetDnssecKeys(zone)
	if err != nil {
		t.Fatalf("Error from GetDnssecKeys: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("Got: %d keys\n Want: 1\n", len(keys))
	}
	key := keys[0]
	if key.KeyId != kc.KeyId || key.State != DnssecStateActive || key.Creator != "import" {
		t.Errorf("Got: %+v\n Want: key %d active from import\n", key, kc.KeyId)
	}
	/* stamps are backfilled up to the imported state */
	if key.Published.IsZero() || key.Activated.IsZero() {
		t.Errorf("Got: %+v\n Want: published and activated timestamps set\n", key)
	}

	resp, err = kdb.DnssecKeyMgmt(nil, &KeystorePost{
		Command:    "dnssec",
		SubCommand: "import",
		Zone:       zone,
		PrivateKey: kc.PrivateKeyString(),
		KeyRR:      kc.KeyRR.String(),
		State:      "bogus",
	})
	if err == nil || !resp.Error {
		t.Errorf("an unknown state should be refused")
	}
}

func TestDnssecKeyMgmtDsSubmitted(t *testing.T) {
	kdb := newTestKeyDB(t)
	zone := "example.com."

	ksk, err := kdb.GenerateSigningKey(nil, zone, 257, dns.ECDSAP256SHA256, 0, "test")
	if err != nil {
		t.Fatalf("Error from GenerateSigningKey: %v", err)
	}
	zsk, err := kdb.GenerateSigningKey(nil, zone, 256, dns.ECDSAP256SHA256, 0, "test")
	if err != nil {
		t.Fatalf("Error from GenerateSigningKey: %v", err)
	}

	resp, err := kdb.DnssecKeyMgmt(nil, &KeystorePost{
		Command:    "dnssec",
		SubCommand: "ds-submitted",
		Zone:       zone,
		Keyid:      zsk.KeyId,
	})
	if err == nil || !resp.Error {
		t.Errorf("ds-submitted on a ZSK should be refused")
	}

	_, err = kdb.DnssecKeyMgmt(nil, &KeystorePost{
		Command:    "dnssec",
		SubCommand: "ds-submitted",
		Zone:       zone,
		Keyid:      ksk.KeyId,
	})
	if err != nil {
		t.Fatalf("Error from DnssecKeyMgmt: %v", err)
	}

	keys, err := kdb.GetDnssecKeys(zone)
	if err != nil {
		t.Fatalf("Error from GetDnssecKeys: %v", err)
	}
	for _, key := range keys {
		if key.KeyId == ksk.KeyId && key.DSSubmitted.IsZero() {
			t.Errorf("Got: %+v\n Want: a ds_submitted timestamp\n", key)
		}
		if key.KeyId == zsk.KeyId && !key.DSSubmitted.IsZero() {
			t.Errorf("Got: %+v\n Want: no ds_submitted timestamp on the ZSK\n", key)
		}
	}
}

func TestMarkDSSubmitted(t *testing.T) {
	kdb := newTestKeyDB(t)
	zone := "example.com."
	when := time.Unix(1700000000, 0)

	ksk, err := kdb.GenerateSigningKey(nil, zone, 257, dns.ECDSAP256SHA256, 0, "test")
	if err != nil {
		t.Fatalf("Error from GenerateSigningKey: %v", err)
	}

	if err := kdb.MarkDSSubmitted(nil, zone, ksk.KeyId, when); err != nil {
		t.Fatalf("Error from MarkDSSubmitted: %v", err)
	}
	keys, err := kdb.GetDnssecKeys(zone)
	if err != nil {
		t.Fatalf("Error from GetDnssecKeys: %v", err)
	}
	if !keys[0].DSSubmitted.Equal(when) {
		t.Errorf("Got: %v\n Want: %v\n", keys[0].DSSubmitted, when)
	}

	if err := kdb.MarkDSSubmitted(nil, zone, ksk.KeyId+1, when); err == nil {
		t.Errorf("marking a nonexistent key should fail")
	}
}

func TestGetDnssecActiveKeys(t *testing.T) {
	kdb := newTestKeyDB(t)
	zone := "example.com."
	when := time.Unix(1700000000, 0)

	_, err := kdb.GetDnssecActiveKeys(zone)
	if !errors.Is(err, ErrNoActiveKey) {
		t.Errorf("Got: %v\n Want: %v\n", err, ErrNoActiveKey)
	}

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

	dak, err := kdb.GetDnssecActiveKeys(zone)
	if err != nil {
		t.Fatalf("Error from GetDnssecActiveKeys: %v", err)
	}
	if len(dak.KSKs) != 1 || len(dak.ZSKs) != 1 {
		t.Fatalf("Got: %d KSKs, %d ZSKs\n Want: 1, 1\n", len(dak.KSKs), len(dak.ZSKs))
	}
	if dak.KSKs[0].KeyId != ksk.KeyId || dak.ZSKs[0].KeyId != zsk.KeyId {
		t.Errorf("Got: KSK %d ZSK %d\n Want: KSK %d ZSK %d\n",
			dak.KSKs[0].KeyId, dak.ZSKs[0].KeyId, ksk.KeyId, zsk.KeyId)
	}

	/* retiring the ZSK invalidates the cache; the lone KSK then serves both roles */
	if err := kdb.SetKeyState(nil, zone, zsk.KeyId, DnssecStateRetireActive, when); err != nil {
		t.Fatalf("Error from SetKeyState: %v", err)
	}
	dak, err = kdb.GetDnssecActiveKeys(zone)
	if err != nil {
		t.Fatalf("Error from GetDnssecActiveKeys: %v", err)
	}
	if len(dak.KSKs) != 1 || len(dak.ZSKs) != 1 || dak.ZSKs[0].KeyId != ksk.KeyId {
		t.Errorf("Got: %d KSKs, %d ZSKs\n Want: the KSK mirrored into the ZSK role\n",
			len(dak.KSKs), len(dak.ZSKs))
	}
}

func TestGetDnssecActiveKeysPublicOnly(t *testing.T) {
	kdb := newTestKeyDB(t)
	zone := "example.com."
	kc := makeTestKey(t, zone, 257)

	/* a public-only row (the private half lives offline) cannot sign */
	_, err := kdb.Exec(`
INSERT INTO DnssecKeyStore (zonename, state, keyid, flags, algorithm, creator, privatekey, keyrr,
       generated, published, activated, retired, removed, ds_submitted, comment)
VALUES (?, 'active', ?, 257, 'ECDSAP256SHA256', 'offline', '', ?, 0, 0, 0, 0, 0, 0, '')`,
		zone, kc.KeyId, kc.KeyRR.String())
	if err != nil {
		t.Fatalf("Error from kdb.Exec: %v", err)
	}

	_, err = kdb.GetDnssecActiveKeys(zone)
	if !errors.Is(err, ErrNoActiveKey) {
		t.Errorf("Got: %v\n Want: %v\n", err, ErrNoActiveKey)
	}
}
