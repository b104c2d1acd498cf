/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tsign

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/miekg/dns"
)

var ErrNoActiveKey = errors.New("no active DNSSEC key for zone")

// stateTimestampColumn maps a lifecycle state to the column that
// records when the key entered that state.
var stateTimestampColumn = map[string]string{
	DnssecStateGenerated:    "generated",
	DnssecStatePublished:    "published",
	DnssecStateActive:       "activated",
	DnssecStateRetireActive: "retired",
	DnssecStateRemoved:      "removed",
}

const getDnssecKeysSql = `
SELECT zonename, state, keyid, flags, algorithm, creator, privatekey, keyrr,
       generated, published, activated, retired, removed, ds_submitted
FROM DnssecKeyStore WHERE zonename=?`

const getAllDnssecKeysSql = `
SELECT zonename, state, keyid, flags, algorithm, creator, privatekey, keyrr,
       generated, published, activated, retired, removed, ds_submitted
FROM DnssecKeyStore`

// DnssecKeyMgmt implements the keystore side of the "keystore dnssec ..."
// API and CLI commands. When tx is nil the function runs in its own
// transaction.
func (kdb *KeyDB) DnssecKeyMgmt(tx *Tx, kp *KeystorePost) (*KeystoreResponse, error) {
	const (
		addDnssecKeySql = `
INSERT OR REPLACE INTO DnssecKeyStore (zonename, state, keyid, flags, algorithm, creator, privatekey, keyrr,
       generated, published, activated, retired, removed, ds_submitted, comment)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, '')`
		deleteDnssecKeySql = `
DELETE FROM DnssecKeyStore WHERE zonename=? AND keyid=?`
		dsSubmittedSql = `
UPDATE DnssecKeyStore SET ds_submitted=? WHERE zonename=? AND keyid=?`
	)

	resp := KeystoreResponse{Time: time.Now(), Zone: kp.Zone}
	var err error

	if tx == nil {
		tx, err = kdb.Begin("DnssecKeyMgmt")
		if err != nil {
			return &resp, err
		}
		defer func() {
			if err != nil {
				tx.Rollback()
			} else {
				tx.Commit()
			}
		}()
	}

	switch kp.SubCommand {
	case "list":
		var keys []*DnssecKey
		var lerr error
		if kp.Zone == "" {
			keys, lerr = kdb.getAllDnssecKeys(tx)
		} else {
			keys, lerr = kdb.getDnssecKeys(tx, kp.Zone)
		}
		if lerr != nil {
			err = lerr
			resp.Error = true
			resp.ErrorMsg = lerr.Error()
			return &resp, err
		}
		resp.Dnskeys = map[string]DnssecKey{}
		for _, key := range keys {
			tmp := *key
			if len(tmp.PrivateKey) > 10 {
				tmp.PrivateKey = tmp.PrivateKey[0:5] + "*****" + tmp.PrivateKey[len(tmp.PrivateKey)-5:]
			}
			resp.Dnskeys[fmt.Sprintf("%s::%d", key.Zone, key.KeyId)] = tmp
		}
		resp.Msg = fmt.Sprintf("%d DNSSEC keys found", len(resp.Dnskeys))

	case "generate":
		alg := kp.Algorithm
		if alg == 0 {
			alg = dns.ECDSAP256SHA256
		}
		flags := kp.Flags
		if flags == 0 {
			flags = 256
		}
		pkc, gerr := kdb.GenerateSigningKey(tx, kp.Zone, flags, alg, 0, "api")
		if gerr != nil {
			err = gerr
			resp.Error = true
			resp.ErrorMsg = gerr.Error()
			return &resp, err
		}
		kdb.DnssecCache.Remove(dns.Fqdn(kp.Zone))
		resp.Msg = fmt.Sprintf("Zone %s: generated new %s key with keyid %d (flags %d)",
			kp.Zone, dns.AlgorithmToString[alg], pkc.KeyId, flags)

	case "import":
		pkc, perr := PrepareKeyCache(kp.PrivateKey, kp.KeyRR)
		if perr != nil {
			err = perr
			resp.Error = true
			resp.ErrorMsg = perr.Error()
			return &resp, err
		}
		state := kp.State
		if state == "" {
			state = DnssecStateGenerated
		}
		if err = ValidDnssecState(state); err != nil {
			resp.Error = true
			resp.ErrorMsg = err.Error()
			return &resp, err
		}

		// An imported key may already be published or active
		// elsewhere; stamp all stages up to and including its
		// current one so that delay arithmetic has a baseline.
		now := time.Now().Unix()
		var published, activated int64
		if DnssecStateNumber[state] >= DnssecStateNumber[DnssecStatePublished] {
			published = now
		}
		if DnssecStateNumber[state] >= DnssecStateNumber[DnssecStateActive] {
			activated = now
		}

		_, err = tx.Exec(addDnssecKeySql, dns.Fqdn(kp.Zone), state, pkc.KeyId, pkc.Flags,
			dns.AlgorithmToString[pkc.Algorithm], "import",
			pkc.PrivateKeyString(), pkc.KeyRR.String(), now, published, activated)
		if err != nil {
			resp.Error = true
			resp.ErrorMsg = err.Error()
			return &resp, err
		}
		kdb.DnssecCache.Remove(dns.Fqdn(kp.Zone))
		resp.Msg = fmt.Sprintf("Zone %s: imported %s key with keyid %d in state %q",
			kp.Zone, dns.AlgorithmToString[pkc.Algorithm], pkc.KeyId, state)

	case "setstate":
		if err = ValidDnssecState(kp.State); err != nil {
			resp.Error = true
			resp.ErrorMsg = err.Error()
			return &resp, err
		}
		if err = kdb.SetKeyState(tx, kp.Zone, kp.Keyid, kp.State, time.Now()); err != nil {
			resp.Error = true
			resp.ErrorMsg = err.Error()
			return &resp, err
		}
		resp.Msg = fmt.Sprintf("Zone %s: key %d moved to state %q", kp.Zone, kp.Keyid, kp.State)

	case "ds-submitted":
		key, gerr := kdb.getDnssecKey(tx, kp.Zone, kp.Keyid)
		if gerr != nil {
			err = gerr
			resp.Error = true
			resp.ErrorMsg = gerr.Error()
			return &resp, err
		}
		if !key.IsKSK() {
			err = fmt.Errorf("key %d in zone %s is not a KSK", kp.Keyid, kp.Zone)
			resp.Error = true
			resp.ErrorMsg = err.Error()
			return &resp, err
		}
		_, err = tx.Exec(dsSubmittedSql, time.Now().Unix(), dns.Fqdn(kp.Zone), kp.Keyid)
		if err != nil {
			resp.Error = true
			resp.ErrorMsg = err.Error()
			return &resp, err
		}
		resp.Msg = fmt.Sprintf("Zone %s: DS for key %d recorded as submitted to parent", kp.Zone, kp.Keyid)

	case "delete":
		_, err = tx.Exec(deleteDnssecKeySql, dns.Fqdn(kp.Zone), kp.Keyid)
		if err != nil {
			resp.Error = true
			resp.ErrorMsg = err.Error()
			return &resp, err
		}
		kdb.DnssecCache.Remove(dns.Fqdn(kp.Zone))
		resp.Msg = fmt.Sprintf("Zone %s: key %d deleted from keystore", kp.Zone, kp.Keyid)

	default:
		err = fmt.Errorf("DnssecKeyMgmt: unknown SubCommand: %s", kp.SubCommand)
		resp.Error = true
		resp.ErrorMsg = err.Error()
	}

	return &resp, err
}

// SetKeyState moves a key to a new lifecycle state and stamps the
// corresponding timestamp column. When tx is nil the function runs in
// its own transaction.
func (kdb *KeyDB) SetKeyState(tx *Tx, zone string, keyid uint16, state string, when time.Time) error {
	col, exist := stateTimestampColumn[state]
	if !exist {
		return fmt.Errorf("unknown DNSSEC key state: %q", state)
	}

	localtx := false
	var err error
	if tx == nil {
		tx, err = kdb.Begin("SetKeyState")
		if err != nil {
			return err
		}
		localtx = true
	}

	setStateSql := fmt.Sprintf(`UPDATE DnssecKeyStore SET state=?, %s=? WHERE zonename=? AND keyid=?`, col)
	res, err := tx.Exec(setStateSql, state, when.Unix(), dns.Fqdn(zone), keyid)
	if err != nil {
		if localtx {
			tx.Rollback()
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if localtx {
			tx.Rollback()
		}
		return fmt.Errorf("no key with keyid %d found for zone %s", keyid, zone)
	}
	kdb.DnssecCache.Remove(dns.Fqdn(zone))
	if localtx {
		return tx.Commit()
	}
	return nil
}

// MarkDSSubmitted stamps the ds_submitted timestamp on a KSK. This is
// the gate that lets the rollover evaluator take the key from
// published to active.
func (kdb *KeyDB) MarkDSSubmitted(tx *Tx, zone string, keyid uint16, when time.Time) error {
	const dsSubmittedSql = `UPDATE DnssecKeyStore SET ds_submitted=? WHERE zonename=? AND keyid=?`

	localtx := false
	var err error
	if tx == nil {
		tx, err = kdb.Begin("MarkDSSubmitted")
		if err != nil {
			return err
		}
		localtx = true
	}

	res, err := tx.Exec(dsSubmittedSql, when.Unix(), dns.Fqdn(zone), keyid)
	if err != nil {
		if localtx {
			tx.Rollback()
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if localtx {
			tx.Rollback()
		}
		return fmt.Errorf("no key with keyid %d found for zone %s", keyid, zone)
	}
	if localtx {
		return tx.Commit()
	}
	return nil
}

// transitionKeyState is the rollover engine variant of SetKeyState: it
// only succeeds if the key is still in fromstate, so that two
// concurrent evaluations cannot apply the same transition twice.
func (kdb *KeyDB) transitionKeyState(tx *Tx, zone string, keyid uint16, fromstate, tostate string, when time.Time) (bool, error) {
	col, exist := stateTimestampColumn[tostate]
	if !exist {
		return false, fmt.Errorf("unknown DNSSEC key state: %q", tostate)
	}
	transitionSql := fmt.Sprintf(`UPDATE DnssecKeyStore SET state=?, %s=? WHERE zonename=? AND keyid=? AND state=?`, col)
	res, err := tx.Exec(transitionSql, tostate, when.Unix(), dns.Fqdn(zone), keyid, fromstate)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (kdb *KeyDB) getDnssecKeys(tx *Tx, zone string) ([]*DnssecKey, error) {
	rows, err := tx.Query(getDnssecKeysSql, dns.Fqdn(zone))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDnssecKeys(rows)
}

func (kdb *KeyDB) getAllDnssecKeys(tx *Tx) ([]*DnssecKey, error) {
	rows, err := tx.Query(getAllDnssecKeysSql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDnssecKeys(rows)
}

// GetDnssecKeys returns all keys for a zone, outside any transaction.
func (kdb *KeyDB) GetDnssecKeys(zone string) ([]*DnssecKey, error) {
	rows, err := kdb.Query(getDnssecKeysSql, dns.Fqdn(zone))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDnssecKeys(rows)
}

func (kdb *KeyDB) getDnssecKey(tx *Tx, zone string, keyid uint16) (*DnssecKey, error) {
	keys, err := kdb.getDnssecKeys(tx, zone)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		if key.KeyId == keyid {
			return key, nil
		}
	}
	return nil, fmt.Errorf("no key with keyid %d found for zone %s", keyid, zone)
}

func scanDnssecKeys(rows *sql.Rows) ([]*DnssecKey, error) {
	var keys []*DnssecKey

	for rows.Next() {
		var key DnssecKey
		var algorithm string
		var flags, keyid int
		var generated, published, activated, retired, removed, dssubmitted int64

		err := rows.Scan(&key.Zone, &key.State, &keyid, &flags, &algorithm,
			&key.Creator, &key.PrivateKey, &key.Keystr,
			&generated, &published, &activated, &retired, &removed, &dssubmitted)
		if err != nil {
			log.Printf("scanDnssecKeys: Error from rows.Scan(): %v", err)
			return nil, err
		}
		key.KeyId = uint16(keyid)
		key.Flags = uint16(flags)
		key.Algorithm = dns.StringToAlgorithm[strings.ToUpper(algorithm)]
		key.Generated = unixTime(generated)
		key.Published = unixTime(published)
		key.Activated = unixTime(activated)
		key.Retired = unixTime(retired)
		key.Removed = unixTime(removed)
		key.DSSubmitted = unixTime(dssubmitted)
		keys = append(keys, &key)
	}
	return keys, rows.Err()
}

func unixTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0)
}

// GetDnssecActiveKeys returns the signing keys for a zone, split into
// KSKs and ZSKs. The result is cached until the keystore is mutated.
func (kdb *KeyDB) GetDnssecActiveKeys(zonename string) (*DnssecActiveKeys, error) {
	const fetchDnssecPrivKeySql = `
SELECT keyid, flags, state, privatekey, keyrr FROM DnssecKeyStore WHERE zonename=? AND state='active'`

	zonename = dns.Fqdn(zonename)

	if data, ok := kdb.DnssecCache.Get(zonename); ok {
		return data, nil
	}

	var dak DnssecActiveKeys

	rows, err := kdb.Query(fetchDnssecPrivKeySql, zonename)
	if err != nil {
		log.Printf("Error from kdb.Query(%s, %s): %v", fetchDnssecPrivKeySql, zonename, err)
		return nil, err
	}
	defer rows.Close()

	var state, privatekey, keyrrstr string
	var flags, keyid int

	for rows.Next() {
		err := rows.Scan(&keyid, &flags, &state, &privatekey, &keyrrstr)
		if err != nil {
			log.Printf("Error from rows.Scan(): %v", err)
			return nil, err
		}
		// A key row without private key material is a public-only
		// entry (the private half lives offline). It cannot sign.
		if privatekey == "" {
			continue
		}
		dkc, err := PrepareKeyCache(privatekey, keyrrstr)
		if err != nil {
			log.Printf("Error from PrepareKeyCache: %v", err)
			return nil, err
		}
		dkc.State = state

		// A KSK (or CSK) carries the SEP bit.
		if (flags & 0x0001) != 0 {
			dak.KSKs = append(dak.KSKs, dkc)
		} else {
			dak.ZSKs = append(dak.ZSKs, dkc)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(dak.KSKs) == 0 && len(dak.ZSKs) == 0 {
		log.Printf("No active DNSSEC key found for zone %s", zonename)
		return nil, ErrNoActiveKey
	}

	if len(dak.KSKs) == 0 {
		// Acceptable only when the KSK is held offline; the caller
		// decides whether apex key types can still be produced.
		log.Printf("No active DNSSEC KSK with private key material for zone %s", zonename)
	}

	// When using a CSK it will have the flags = 257, but also be used as a ZSK.
	if len(dak.ZSKs) == 0 {
		dak.ZSKs = append(dak.ZSKs, dak.KSKs[0])
	}

	kdb.DnssecCache.Set(zonename, &dak)

	return &dak, nil
}
