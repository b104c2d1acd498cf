/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tsign

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"
)

var ErrNotFound = errors.New("not found")

// OfflineRecords is one journal entry: a Key Record Set snapshot that
// becomes valid at ValidFrom and stays valid until the next entry.
type OfflineRecords struct {
	Zone      string
	ValidFrom time.Time
	Records   *KeyRecordSet
}

// OfflineRecordsAdd stores a snapshot. An entry with the same
// timestamp is replaced.
func (kdb *KeyDB) OfflineRecordsAdd(tx *Tx, zone string, validFrom time.Time, krs *KeyRecordSet) error {
	const addOfflineRecordsSql = `
INSERT OR REPLACE INTO OfflineKeyRecords (zonename, validfrom, records) VALUES (?, ?, ?)`

	if validFrom.IsZero() {
		return fmt.Errorf("OfflineRecordsAdd: zone %s: zero validfrom timestamp", zone)
	}

	blob, err := krs.Serialize()
	if err != nil {
		return fmt.Errorf("OfflineRecordsAdd: zone %s: %v", zone, err)
	}

	localtx := false
	if tx == nil {
		tx, err = kdb.Begin("OfflineRecordsAdd")
		if err != nil {
			return err
		}
		localtx = true
	}

	_, err = tx.Exec(addOfflineRecordsSql, zone, validFrom.Unix(), blob)
	if localtx {
		if err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	}
	return err
}

// OfflineRecordsRead returns the first entry with a timestamp at or
// after from, plus the timestamp of the entry after that (zero time
// when the returned entry is the tail). A malformed stored blob is not
// a read error: the entry comes back with an empty record set, which
// the signer treats as missing coverage.
func (kdb *KeyDB) OfflineRecordsRead(zone string, from time.Time) (*OfflineRecords, time.Time, error) {
	const readOfflineRecordsSql = `
SELECT validfrom, records FROM OfflineKeyRecords WHERE zonename=? AND validfrom>=? ORDER BY validfrom ASC LIMIT 2`

	var fromUnix int64
	if !from.IsZero() {
		fromUnix = from.Unix()
	}

	rows, err := kdb.Query(readOfflineRecordsSql, zone, fromUnix)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("OfflineRecordsRead: zone %s: %v", zone, err)
	}
	defer rows.Close()

	var entry *OfflineRecords
	var next time.Time
	for rows.Next() {
		var validfrom int64
		var blob []byte
		if err := rows.Scan(&validfrom, &blob); err != nil {
			return nil, time.Time{}, err
		}
		if entry == nil {
			entry = &OfflineRecords{
				Zone:      zone,
				ValidFrom: time.Unix(validfrom, 0),
			}
			krs, err := DeserializeKeyRecords(zone, blob)
			if err != nil {
				log.Printf("OfflineRecordsRead: zone %s: entry at %s is malformed, treating as empty: %v",
					zone, entry.ValidFrom.Format(time.RFC3339), err)
				krs = NewKeyRecordSet(zone)
			}
			entry.Records = krs
		} else {
			next = time.Unix(validfrom, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, err
	}
	if entry == nil {
		return nil, time.Time{}, ErrNotFound
	}
	return entry, next, nil
}

// OfflineRecordsCovering returns the newest entry with a timestamp at
// or before the given time, i.e. the snapshot in effect then.
func (kdb *KeyDB) OfflineRecordsCovering(zone string, at time.Time) (*OfflineRecords, error) {
	const coveringOfflineRecordsSql = `
SELECT validfrom, records FROM OfflineKeyRecords WHERE zonename=? AND validfrom<=? ORDER BY validfrom DESC LIMIT 1`

	row := kdb.QueryRow(coveringOfflineRecordsSql, zone, at.Unix())

	var validfrom int64
	var blob []byte
	switch err := row.Scan(&validfrom, &blob); err {
	case sql.ErrNoRows:
		return nil, ErrNotFound
	case nil:
	default:
		return nil, fmt.Errorf("OfflineRecordsCovering: zone %s: %v", zone, err)
	}

	entry := &OfflineRecords{
		Zone:      zone,
		ValidFrom: time.Unix(validfrom, 0),
	}
	krs, err := DeserializeKeyRecords(zone, blob)
	if err != nil {
		log.Printf("OfflineRecordsCovering: zone %s: entry at %s is malformed, treating as empty: %v",
			zone, entry.ValidFrom.Format(time.RFC3339), err)
		krs = NewKeyRecordSet(zone)
	}
	entry.Records = krs
	return entry, nil
}

// OfflineRecordsRemove deletes all entries up to and including upTo. A
// zero upTo clears the whole journal for the zone. Returns the number
// of entries removed.
func (kdb *KeyDB) OfflineRecordsRemove(tx *Tx, zone string, upTo time.Time) (int, error) {
	const removeOfflineRecordsSql = `
DELETE FROM OfflineKeyRecords WHERE zonename=? AND validfrom<=?`
	const clearOfflineRecordsSql = `
DELETE FROM OfflineKeyRecords WHERE zonename=?`

	localtx := false
	var err error
	if tx == nil {
		tx, err = kdb.Begin("OfflineRecordsRemove")
		if err != nil {
			return 0, err
		}
		localtx = true
	}

	var res sql.Result
	if upTo.IsZero() {
		res, err = tx.Exec(clearOfflineRecordsSql, zone)
	} else {
		res, err = tx.Exec(removeOfflineRecordsSql, zone, upTo.Unix())
	}
	if err != nil {
		if localtx {
			tx.Rollback()
		}
		return 0, fmt.Errorf("OfflineRecordsRemove: zone %s: %v", zone, err)
	}
	removed, _ := res.RowsAffected()
	if localtx {
		if err := tx.Commit(); err != nil {
			return 0, err
		}
	}
	return int(removed), nil
}

// OfflineRecordsLastTimestamp walks the journal from the beginning and
// returns the timestamp of the last entry. An empty journal yields the
// current time, so a new snapshot chain starts from "now".
func (kdb *KeyDB) OfflineRecordsLastTimestamp(zone string) (time.Time, error) {
	var last time.Time
	var from time.Time
	for {
		entry, next, err := kdb.OfflineRecordsRead(zone, from)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return time.Time{}, err
		}
		last = entry.ValidFrom
		if next.IsZero() {
			break
		}
		from = next
	}
	if last.IsZero() {
		last = time.Now()
	}
	return last, nil
}

// OfflineRecordsList returns per-entry summaries for display.
func (kdb *KeyDB) OfflineRecordsList(zone string) ([]JournalEntry, error) {
	var entries []JournalEntry
	var from time.Time
	for {
		entry, next, err := kdb.OfflineRecordsRead(zone, from)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, JournalEntry{
			ValidFrom: entry.ValidFrom,
			Dnskeys:   len(entry.Records.Dnskey.RRs),
			Cdnskeys:  len(entry.Records.Cdnskey.RRs),
			Cdss:      len(entry.Records.Cds.RRs),
			Rrsigs:    len(entry.Records.Rrsig.RRs),
		})
		if next.IsZero() {
			break
		}
		from = next
	}
	return entries, nil
}
