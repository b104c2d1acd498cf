/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package tsign

import (
	"crypto"
	"database/sql"
	"fmt"
	"log"
	"os"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/miekg/dns"
	cmap "github.com/orcaman/concurrent-map/v2"
)

var DefaultTables = map[string]string{

	// The DnssecKeyStore contains both the private and public DNSSEC keys
	// for each zone that we're signing, plus the lifecycle timestamps that
	// drive the rollover engine. Timestamps are unix seconds, 0 = not set.
	"DnssecKeyStore": `CREATE TABLE IF NOT EXISTS 'DnssecKeyStore' (
id		  INTEGER PRIMARY KEY,
zonename	  TEXT,
state		  TEXT,
keyid		  INTEGER,
flags		  INTEGER,
algorithm	  TEXT,
creator	  	  TEXT,
privatekey	  TEXT,
keyrr		  TEXT,
generated	  INTEGER,
published	  INTEGER,
activated	  INTEGER,
retired		  INTEGER,
removed		  INTEGER,
ds_submitted	  INTEGER,
comment		  TEXT,
UNIQUE (zonename, keyid)
)`,

	// The OfflineKeyRecords table is the append-only journal of
	// pre-signed apex key record sets, ordered by the start of their
	// validity window.
	"OfflineKeyRecords": `CREATE TABLE IF NOT EXISTS 'OfflineKeyRecords' (
id		  INTEGER PRIMARY KEY,
zonename	  TEXT,
validfrom	  INTEGER,
records		  BLOB,
UNIQUE (zonename, validfrom)
)`,
}

type DnssecKeyCache struct {
	K         crypto.PrivateKey
	CS        crypto.Signer
	RR        dns.RR
	KeyRR     dns.DNSKEY
	KeyId     uint16
	Flags     uint16
	Algorithm uint8
	State     string
}

type DnssecActiveKeys struct {
	KSKs []*DnssecKeyCache
	ZSKs []*DnssecKeyCache
}

type Tx struct {
	*sql.Tx
	KeyDB    *KeyDB
	context  string
	finished bool
}

func (tx *Tx) Commit() error {
	err := tx.Tx.Commit()
	tx.release()
	if err != nil {
		log.Printf("<--- Error committing KeyDB transaction (%s): %v", tx.context, err)
	}
	return err
}

func (tx *Tx) Rollback() error {
	err := tx.Tx.Rollback()
	tx.release()
	if err != nil && err != sql.ErrTxDone {
		log.Printf("<--- Error rolling back KeyDB transaction (%s): %v", tx.context, err)
	}
	return err
}

func (tx *Tx) release() {
	if tx.finished {
		return
	}
	tx.finished = true
	tx.KeyDB.Ctx = ""
	tx.KeyDB.mu.Unlock()
}

func (tx *Tx) Exec(query string, args ...interface{}) (sql.Result, error) {
	result, err := tx.Tx.Exec(query, args...)
	if err != nil {
		log.Printf("<--- Error executing KeyDB Exec (%s): %v", tx.context, err)
	}
	return result, err
}

func (tx *Tx) Query(query string, args ...interface{}) (*sql.Rows, error) {
	rows, err := tx.Tx.Query(query, args...)
	if err != nil {
		log.Printf("<--- Error executing KeyDB query (%s): %v", tx.context, err)
	}
	return rows, err
}

func (tx *Tx) QueryRow(query string, args ...interface{}) *sql.Row {
	return tx.Tx.QueryRow(query, args...)
}

type KeyDB struct {
	DB *sql.DB
	mu sync.Mutex
	// Signing-key cache, keyed by zone name. Signing passes for
	// different zones read and fill it concurrently.
	DnssecCache cmap.ConcurrentMap[string, *DnssecActiveKeys]
	Ctx         string
}

func (db *KeyDB) Prepare(q string) (*sql.Stmt, error) {
	return db.DB.Prepare(q)
}

// Begin serializes KeyDB transactions: concurrent signing passes for
// different zones must not interleave timestamp updates.
func (db *KeyDB) Begin(context string) (*Tx, error) {
	db.mu.Lock()
	db.Ctx = context
	tx, err := db.DB.Begin()
	if err != nil {
		db.Ctx = ""
		db.mu.Unlock()
		log.Printf("Error beginning transaction (%s): %v", context, err)
		return nil, err
	}
	return &Tx{Tx: tx, KeyDB: db, context: context}, nil
}

func (db *KeyDB) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return db.DB.Query(query, args...)
}

func (db *KeyDB) QueryRow(query string, args ...interface{}) *sql.Row {
	return db.DB.QueryRow(query, args...)
}

func (db *KeyDB) Exec(query string, args ...interface{}) (sql.Result, error) {
	return db.DB.Exec(query, args...)
}

func (db *KeyDB) Close() error {
	return db.DB.Close()
}

func dbSetupTables(db *sql.DB) bool {
	if Globals.Verbose {
		log.Printf("Setting up missing tables\n")
	}

	for t, s := range DefaultTables {
		stmt, err := db.Prepare(s)
		if err != nil {
			log.Printf("dbSetupTables: Error from %s schema \"%s\": %v\n", t, s, err)
		}
		_, err = stmt.Exec()
		if err != nil {
			log.Fatalf("Failed to set up db schema: %s. Error: %v", s, err)
		}
	}

	return false
}

func NewKeyDB(dbfile string, force bool) (*KeyDB, error) {
	if dbfile == "" {
		return nil, fmt.Errorf("error: DB filename unspecified")
	}
	if Globals.Verbose {
		log.Printf("NewKeyDB: using sqlite db in file %s\n", dbfile)
	}
	if err := os.Chmod(dbfile, 0664); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("NewKeyDB: Error trying to ensure that db %s is writable: %v", dbfile, err)
	}
	db, err := sql.Open("sqlite3", dbfile)
	if err != nil {
		return nil, fmt.Errorf("NewKeyDB: Error from sql.Open: %v", err)
	}

	if force {
		for table := range DefaultTables {
			sqlcmd := "DROP TABLE " + table
			_, err = db.Exec(sqlcmd)
			if err != nil {
				return nil, fmt.Errorf("NewKeyDB: Error when dropping table %s: %v", table, err)
			}
		}
	}
	dbSetupTables(db)
	return &KeyDB{
		DB:          db,
		DnssecCache: cmap.New[*DnssecActiveKeys](),
	}, nil
}
