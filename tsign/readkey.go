/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tsign

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"

	"fmt"
	"os"
	"strings"

	"github.com/miekg/dns"
)

// ReadPrivateKey reads a DNSSEC key pair from the conventional pair of
// BIND-style files, Kzone.+alg+keyid.{key,private}. Either filename
// may be given.
func ReadPrivateKey(filename string) (*DnssecKeyCache, error) {

	if filename == "" {
		return nil, fmt.Errorf("Error: filename of DNSSEC key not specified")
	}

	var basename, pubfile, privfile string

	if strings.HasSuffix(filename, ".key") {
		basename = strings.TrimSuffix(filename, ".key")
		pubfile = filename
		privfile = basename + ".private"
	} else if strings.HasSuffix(filename, ".private") {
		basename = strings.TrimSuffix(filename, ".private")
		privfile = filename
		pubfile = basename + ".key"
	} else {
		return nil, fmt.Errorf("Error: filename %s does not end in either .key or .private", filename)
	}

	pubkeybytes, err := os.ReadFile(pubfile)
	if err != nil {
		return nil, fmt.Errorf("Error reading public key file '%s': %v", pubfile, err)
	}
	pubkey := string(pubkeybytes)

	privkeybytes, err := os.ReadFile(privfile)
	if err != nil {
		return nil, fmt.Errorf("Error reading private key file '%s': %v", privfile, err)
	}
	privkey := string(privkeybytes)

	pkc, err := PrepareKeyCache(privkey, pubkey)
	if err != nil {
		return nil, fmt.Errorf("Error preparing key cache: %v", err)
	}
	return pkc, nil
}

// PrivKeyToBindFormat wraps a bare base64 private key in the "BIND
// Private-key-format: v1.3" framing that dns.DNSKEY.NewPrivateKey()
// expects. Only useful for the single-field algorithms (ECDSA,
// Ed25519); RSA keys must be imported from their full .private file.
func PrivKeyToBindFormat(privkey, algorithm string) (string, error) {
	alg, algexist := dns.StringToAlgorithm[strings.ToUpper(algorithm)]
	if !algexist {
		return "", fmt.Errorf("Error: algorithm %s is unknown", algorithm)
	}
	foo := fmt.Sprintf(
		`Private-key-format: v1.3
Algorithm: %d (%s)
PrivateKey: %s`,
		alg, algorithm, privkey)
	return foo, nil
}

// PrepareKeyCache parses a DNSSEC key pair from strings. The private
// key must be the complete "BIND Private-key-format: v1.3" text, the
// public key the presentation form of a DNSKEY RR. The full private
// key text is kept in the cache so that it can be stored and later
// re-parsed without losing the RSA-only fields.
func PrepareKeyCache(privkey, pubkey string) (*DnssecKeyCache, error) {
	rr, err := dns.NewRR(pubkey)
	if err != nil {
		return nil, fmt.Errorf("Error reading public key '%s': %v", pubkey, err)
	}

	dnskeyrr, ok := rr.(*dns.DNSKEY)
	if !ok {
		return nil, fmt.Errorf("Error: public key '%s' is not a DNSKEY", pubkey)
	}

	var pkc DnssecKeyCache

	pkc.K, err = dnskeyrr.NewPrivateKey(privkey)
	if err != nil {
		return nil, fmt.Errorf("Error parsing DNSKEY private key: %v", err)
	}
	pkc.RR = rr
	pkc.KeyRR = *dnskeyrr
	pkc.KeyId = dnskeyrr.KeyTag()
	pkc.Flags = dnskeyrr.Flags
	pkc.Algorithm = dnskeyrr.Algorithm

	switch pkc.Algorithm {
	case dns.RSASHA256, dns.RSASHA512:
		pkc.CS = pkc.K.(*rsa.PrivateKey)
	case dns.ED25519:
		pkc.CS = pkc.K.(ed25519.PrivateKey)
	case dns.ECDSAP256SHA256, dns.ECDSAP384SHA384:
		pkc.CS = pkc.K.(*ecdsa.PrivateKey)
	default:
		return nil, fmt.Errorf("Error: no support for algorithm %s yet", dns.AlgorithmToString[pkc.Algorithm])
	}

	return &pkc, nil
}

// PrivateKeyString renders the cached private key back to BIND
// Private-key-format: v1.3 text, the form stored in the keystore.
func (pkc *DnssecKeyCache) PrivateKeyString() string {
	return pkc.KeyRR.PrivateKeyString(pkc.K)
}
