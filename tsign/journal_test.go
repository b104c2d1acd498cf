package tsign

import (
	"errors"
	"testing"
	"time"
)

func journalTestSet(t *testing.T, rrs ...string) *KeyRecordSet {
	t.Helper()

	krs := NewKeyRecordSet("example.com.")
	for _, rr := range makeRRSlice(rrs...) {
		if err := krs.Add(rr); err != nil {
			t.Fatalf("Error from krs.Add: %v", err)
		}
	}
	return krs
}

func TestOfflineRecordsAddRead(t *testing.T) {
	kdb := newTestKeyDB(t)
	zone := "example.com."

	t1 := time.Unix(1700000000, 0)
	t2 := t1.Add(7 * 24 * time.Hour)

	if err := kdb.OfflineRecordsAdd(nil, zone, t1, journalTestSet(t, testKsk1Str, testRrsigStr)); err != nil {
		t.Fatalf("Error from OfflineRecordsAdd: %v", err)
	}
	if err := kdb.OfflineRecordsAdd(nil, zone, t2, journalTestSet(t, testKsk1Str, testZsk1Str, testRrsigStr)); err != nil {
		t.Fatalf("Error from OfflineRecordsAdd: %v", err)
	}

	entry, next, err := kdb.OfflineRecordsRead(zone, time.Time{})
	if err != nil {
		t.Fatalf("Error from OfflineRecordsRead: %v", err)
	}
	if !entry.ValidFrom.Equal(t1) || !next.Equal(t2) {
		t.Errorf("Got: %v next %v\n Want: %v next %v\n", entry.ValidFrom, next, t1, t2)
	}
	if len(entry.Records.Dnskey.RRs) != 1 || len(entry.Records.Rrsig.RRs) != 1 {
		t.Errorf("Got: %d DNSKEY, %d RRSIG\n Want: 1, 1\n",
			len(entry.Records.Dnskey.RRs), len(entry.Records.Rrsig.RRs))
	}

	entry, next, err = kdb.OfflineRecordsRead(zone, t2)
	if err != nil {
		t.Fatalf("Error from OfflineRecordsRead: %v", err)
	}
	if !entry.ValidFrom.Equal(t2) || !next.IsZero() {
		t.Errorf("Got: %v next %v\n Want: %v next zero\n", entry.ValidFrom, next, t2)
	}
	if len(entry.Records.Dnskey.RRs) != 2 {
		t.Errorf("Got: %d DNSKEY\n Want: 2\n", len(entry.Records.Dnskey.RRs))
	}

	_, _, err = kdb.OfflineRecordsRead(zone, t2.Add(time.Hour))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Got: %v\n Want: %v\n", err, ErrNotFound)
	}
}

func TestOfflineRecordsAddZeroTimestamp(t *testing.T) {
	kdb := newTestKeyDB(t)

	err := kdb.OfflineRecordsAdd(nil, "example.com.", time.Time{}, journalTestSet(t, testKsk1Str))
	if err == nil {
		t.Errorf("a zero validfrom timestamp should be refused")
	}
}

func TestOfflineRecordsReplace(t *testing.T) {
	kdb := newTestKeyDB(t)
	zone := "example.com."
	t1 := time.Unix(1700000000, 0)

	if err := kdb.OfflineRecordsAdd(nil, zone, t1, journalTestSet(t, testKsk1Str)); err != nil {
		t.Fatalf("Error from OfflineRecordsAdd: %v", err)
	}
	if err := kdb.OfflineRecordsAdd(nil, zone, t1, journalTestSet(t, testKsk1Str, testZsk1Str)); err != nil {
		t.Fatalf("Error from OfflineRecordsAdd: %v", err)
	}

	entries, err := kdb.OfflineRecordsList(zone)
	if err != nil {
		t.Fatalf("Error from OfflineRecordsList: %v", err)
	}
	if len(entries) != 1 || entries[0].Dnskeys != 2 {
		t.Errorf("Got: %+v\n Want: one entry with 2 DNSKEYs\n", entries)
	}
}

func TestOfflineRecordsCovering(t *testing.T) {
	kdb := newTestKeyDB(t)
	zone := "example.com."
	t1 := time.Unix(1700000000, 0)
	t2 := t1.Add(7 * 24 * time.Hour)

	if err := kdb.OfflineRecordsAdd(nil, zone, t1, journalTestSet(t, testKsk1Str)); err != nil {
		t.Fatalf("Error from OfflineRecordsAdd: %v", err)
	}
	if err := kdb.OfflineRecordsAdd(nil, zone, t2, journalTestSet(t, testZsk1Str)); err != nil {
		t.Fatalf("Error from OfflineRecordsAdd: %v", err)
	}

	_, err := kdb.OfflineRecordsCovering(zone, t1.Add(-time.Second))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Got: %v\n Want: %v\n", err, ErrNotFound)
	}

	entry, err := kdb.OfflineRecordsCovering(zone, t1.Add(time.Hour))
	if err != nil {
		t.Fatalf("Error from OfflineRecordsCovering: %v", err)
	}
	if !entry.ValidFrom.Equal(t1) {
		t.Errorf("Got: %v\n Want: %v\n", entry.ValidFrom, t1)
	}

	entry, err = kdb.OfflineRecordsCovering(zone, t2.Add(time.Hour))
	if err != nil {
		t.Fatalf("Error from OfflineRecordsCovering: %v", err)
	}
	if !entry.ValidFrom.Equal(t2) {
		t.Errorf("Got: %v\n Want: %v\n", entry.ValidFrom, t2)
	}
}

func TestOfflineRecordsRemove(t *testing.T) {
	kdb := newTestKeyDB(t)
	zone := "example.com."
	t1 := time.Unix(1700000000, 0)
	t2 := t1.Add(7 * 24 * time.Hour)

	addBoth := func() {
		if err := kdb.OfflineRecordsAdd(nil, zone, t1, journalTestSet(t, testKsk1Str)); err != nil {
			t.Fatalf("Error from OfflineRecordsAdd: %v", err)
		}
		if err := kdb.OfflineRecordsAdd(nil, zone, t2, journalTestSet(t, testKsk1Str)); err != nil {
			t.Fatalf("Error from OfflineRecordsAdd: %v", err)
		}
	}

	addBoth()
	removed, err := kdb.OfflineRecordsRemove(nil, zone, t1)
	if err != nil {
		t.Fatalf("Error from OfflineRecordsRemove: %v", err)
	}
	if removed != 1 {
		t.Errorf("Got: %d removed\n Want: 1\n", removed)
	}

	entry, _, err := kdb.OfflineRecordsRead(zone, time.Time{})
	if err != nil {
		t.Fatalf("Error from OfflineRecordsRead: %v", err)
	}
	if !entry.ValidFrom.Equal(t2) {
		t.Errorf("Got: %v\n Want: %v\n", entry.ValidFrom, t2)
	}

	/* a zero upTo clears the whole journal */
	addBoth()
	removed, err = kdb.OfflineRecordsRemove(nil, zone, time.Time{})
	if err != nil {
		t.Fatalf("Error from OfflineRecordsRemove: %v", err)
	}
	if removed != 2 {
		t.Errorf("Got: %d removed\n Want: 2\n", removed)
	}

	_, _, err = kdb.OfflineRecordsRead(zone, time.Time{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Got: %v\n Want: %v\n", err, ErrNotFound)
	}
}

func TestOfflineRecordsLastTimestamp(t *testing.T) {
	kdb := newTestKeyDB(t)
	zone := "example.com."

	/* empty journal: a new chain starts from now */
	last, err := kdb.OfflineRecordsLastTimestamp(zone)
	if err != nil {
		t.Fatalf("Error from OfflineRecordsLastTimestamp: %v", err)
	}
	if time.Since(last) > 5*time.Second || time.Until(last) > 5*time.Second {
		t.Errorf("Got: %v\n Want: about now\n", last)
	}

	t1 := time.Unix(1700000000, 0)
	t2 := t1.Add(7 * 24 * time.Hour)
	if err := kdb.OfflineRecordsAdd(nil, zone, t1, journalTestSet(t, testKsk1Str)); err != nil {
		t.Fatalf("Error from OfflineRecordsAdd: %v", err)
	}
	if err := kdb.OfflineRecordsAdd(nil, zone, t2, journalTestSet(t, testKsk1Str)); err != nil {
		t.Fatalf("Error from OfflineRecordsAdd: %v", err)
	}

	last, err = kdb.OfflineRecordsLastTimestamp(zone)
	if err != nil {
		t.Fatalf("Error from OfflineRecordsLastTimestamp: %v", err)
	}
	if !last.Equal(t2) {
		t.Errorf("Got: %v\n Want: %v\n", last, t2)
	}
}

func TestOfflineRecordsMalformedBlob(t *testing.T) {
	kdb := newTestKeyDB(t)
	zone := "example.com."
	t1 := time.Unix(1700000000, 0)

	/* a corrupt stored blob must read back as an empty set, not an error */
	_, err := kdb.Exec(`INSERT INTO OfflineKeyRecords (zonename, validfrom, records) VALUES (?, ?, ?)`,
		zone, t1.Unix(), []byte{0xde, 0xad, 0xbe, 0xef})
	if err != nil {
		t.Fatalf("Error from kdb.Exec: %v", err)
	}

	entry, _, err := kdb.OfflineRecordsRead(zone, time.Time{})
	if err != nil {
		t.Fatalf("Error from OfflineRecordsRead: %v", err)
	}
	if !entry.Records.IsEmpty() {
		t.Errorf("a malformed blob should read back as an empty record set")
	}

	entry, err = kdb.OfflineRecordsCovering(zone, t1.Add(time.Hour))
	if err != nil {
		t.Fatalf("Error from OfflineRecordsCovering: %v", err)
	}
	if !entry.Records.IsEmpty() {
		t.Errorf("a malformed blob should read back as an empty record set")
	}
}

func TestOfflineRecordsList(t *testing.T) {
	kdb := newTestKeyDB(t)
	zone := "example.com."
	t1 := time.Unix(1700000000, 0)
	t2 := t1.Add(7 * 24 * time.Hour)

	if err := kdb.OfflineRecordsAdd(nil, zone, t1, journalTestSet(t, testKsk1Str, testRrsigStr)); err != nil {
		t.Fatalf("Error from OfflineRecordsAdd: %v", err)
	}
	if err := kdb.OfflineRecordsAdd(nil, zone, t2,
		journalTestSet(t, testKsk1Str, testZsk1Str, testCdnskeyStr, testCdsStr, testRrsigStr)); err != nil {
		t.Fatalf("Error from OfflineRecordsAdd: %v", err)
	}

	entries, err := kdb.OfflineRecordsList(zone)
	if err != nil {
		t.Fatalf("Error from OfflineRecordsList: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Got: %d entries\n Want: 2\n", len(entries))
	}
	if entries[0].Dnskeys != 1 || entries[0].Rrsigs != 1 {
		t.Errorf("Got: %+v\n Want: 1 DNSKEY, 1 RRSIG\n", entries[0])
	}
	if entries[1].Dnskeys != 2 || entries[1].Cdnskeys != 1 || entries[1].Cdss != 1 {
		t.Errorf("Got: %+v\n Want: 2 DNSKEY, 1 CDNSKEY, 1 CDS\n", entries[1])
	}
}
