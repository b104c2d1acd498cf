/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tsign

import (
	"fmt"
	"log"
	"time"

	"github.com/miekg/dns"
)

// KeySizeForAlgorithm validates (or defaults) the key size in bits for
// the given algorithm. The elliptic curve algorithms have a fixed
// size; for RSA anything between 1024 and 4096 bits is accepted.
func KeySizeForAlgorithm(alg uint8, bits int) (int, error) {
	switch alg {
	case dns.ECDSAP256SHA256, dns.ED25519:
		if bits != 0 && bits != 256 {
			return 0, fmt.Errorf("algorithm %s requires a 256 bit key", dns.AlgorithmToString[alg])
		}
		return 256, nil
	case dns.ECDSAP384SHA384:
		if bits != 0 && bits != 384 {
			return 0, fmt.Errorf("algorithm %s requires a 384 bit key", dns.AlgorithmToString[alg])
		}
		return 384, nil
	case dns.RSASHA256, dns.RSASHA512:
		if bits == 0 {
			return 2048, nil
		}
		if bits < 1024 || bits > 4096 {
			return 0, fmt.Errorf("RSA key size %d out of range (1024-4096)", bits)
		}
		return bits, nil
	}
	return 0, fmt.Errorf("unsupported DNSSEC algorithm: %d", alg)
}

// GenerateSigningKey generates a new DNSSEC key for a zone and stores
// it in the keystore in state "generated". Flags should be 257 for a
// KSK (or CSK) and 256 for a ZSK. When tx is nil the function runs in
// its own transaction.
func (kdb *KeyDB) GenerateSigningKey(tx *Tx, zone string, flags uint16, alg uint8, bits int, creator string) (*DnssecKeyCache, error) {
	const addDnssecKeySql = `
INSERT OR REPLACE INTO DnssecKeyStore (zonename, state, keyid, flags, algorithm, creator, privatekey, keyrr,
       generated, published, activated, retired, removed, ds_submitted, comment)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, 0, 0, '')`

	bits, err := KeySizeForAlgorithm(alg, bits)
	if err != nil {
		return nil, err
	}

	nkey := new(dns.DNSKEY)
	nkey.Hdr.Name = dns.Fqdn(zone)
	nkey.Hdr.Rrtype = dns.TypeDNSKEY
	nkey.Hdr.Class = dns.ClassINET
	nkey.Hdr.Ttl = 3600
	nkey.Algorithm = alg
	nkey.Flags = flags
	nkey.Protocol = 3

	privkey, err := nkey.Generate(bits)
	if err != nil {
		return nil, fmt.Errorf("Error from nkey.Generate: %v", err)
	}

	privkeystr := nkey.PrivateKeyString(privkey)

	pkc, err := PrepareKeyCache(privkeystr, nkey.String())
	if err != nil {
		return nil, fmt.Errorf("Error from PrepareKeyCache: %v", err)
	}

	if tx == nil {
		tx, err = kdb.Begin("GenerateSigningKey")
		if err != nil {
			return nil, err
		}
		defer func() {
			if err != nil {
				tx.Rollback()
			} else {
				tx.Commit()
			}
		}()
	}

	_, err = tx.Exec(addDnssecKeySql, dns.Fqdn(zone), DnssecStateGenerated, pkc.KeyId,
		flags, dns.AlgorithmToString[pkc.Algorithm], creator,
		pkc.PrivateKeyString(), pkc.KeyRR.String(), time.Now().Unix())
	if err != nil {
		log.Printf("Error storing generated DNSSEC key in keystore: %v", err)
		return nil, err
	}

	if Globals.Verbose {
		log.Printf("GenerateSigningKey: zone %s: generated %s key with keyid %d (flags %d)",
			zone, dns.AlgorithmToString[alg], pkc.KeyId, flags)
	}
	return pkc, nil
}
