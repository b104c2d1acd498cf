/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tsign

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/miekg/dns"
	cmap "github.com/orcaman/concurrent-map/v2"
)

type ZoneConf struct {
	Name     string `validate:"required"`
	Type     string `validate:"required"`
	Store    string // zone data stored as "map" or "slice"
	Zonefile string
	Policy   string // name of the signing policy for this zone
	Options  []string
	Template string
}

type ZoneData struct {
	mu             sync.Mutex
	ZoneName       string
	ZoneStore      ZoneStore
	ZoneType       ZoneType
	Owners         Owners
	OwnerIndex     cmap.ConcurrentMap[string, int]
	ApexLen        int
	CurrentSerial  uint32
	IncomingSerial uint32
	Zonefile       string
	Parent         string
	ParentNS       []string
	Policy         *SigningPolicy
	PolicyName     string
	Options        map[ZoneOption]bool
	NextSignPass   time.Time
	KeyDB          *KeyDB
	Logger         *log.Logger
	Verbose        bool
	Debug          bool
}

type Owners []OwnerData

type OwnerData struct {
	Name    string
	RRtypes map[uint16]RRset
}

type RRset struct {
	Name   string
	RRs    []dns.RR
	RRSIGs []dns.RR
}

// DnssecKey is the external representation of a key in the keystore,
// including the full set of lifecycle timestamps. The zero time means
// "this stage has not been reached".
type DnssecKey struct {
	Zone        string
	State       string
	KeyId       uint16
	Flags       uint16
	Algorithm   uint8
	Creator     string
	PrivateKey  string
	Keystr      string // DNSKEY RR in presentation format
	Generated   time.Time
	Published   time.Time
	Activated   time.Time
	Retired     time.Time
	Removed     time.Time
	DSSubmitted time.Time
}

// A KSK has the SEP bit set. A CSK also has the SEP bit set, but is
// used in both roles.
func (key *DnssecKey) IsKSK() bool {
	return key.Flags&0x0001 != 0
}

func (key *DnssecKey) StageTime(state string) time.Time {
	switch state {
	case DnssecStateGenerated:
		return key.Generated
	case DnssecStatePublished:
		return key.Published
	case DnssecStateActive:
		return key.Activated
	case DnssecStateRetireActive:
		return key.Retired
	case DnssecStateRemoved:
		return key.Removed
	}
	return time.Time{}
}

type KeystorePost struct {
	Command    string // "dnssec"
	SubCommand string // list | generate | import | setstate | ds-submitted | delete
	Zone       string
	Keyname    string
	Keyid      uint16
	Flags      uint16
	Algorithm  uint8
	PrivateKey string
	KeyRR      string
	State      string
	Policy     string
}

type KeystoreResponse struct {
	AppName  string
	Time     time.Time
	Status   string
	Zone     string
	Dnskeys  map[string]DnssecKey
	Msg      string
	Error    bool
	ErrorMsg string
}

type ZonePost struct {
	Command string // sign | validate | status | rollover | freeze | thaw
	Zone    string
	Force   bool
}

type ZoneResponse struct {
	AppName    string
	Time       time.Time
	Zone       string
	Serial     uint32
	NextWake   time.Time
	Adds       int
	Removes    int
	Expiration time.Time
	Msg        string
	Error      bool
	ErrorMsg   string
}

type JournalPost struct {
	Command   string // list | last | add | sign | remove
	Zone      string
	ValidFrom time.Time
	Records   string // serialized key record set, base64 when on the wire
}

type JournalResponse struct {
	AppName  string
	Time     time.Time
	Zone     string
	Entries  []JournalEntry
	Last     time.Time
	Msg      string
	Error    bool
	ErrorMsg string
}

type JournalEntry struct {
	ValidFrom time.Time
	Dnskeys   int
	Cdnskeys  int
	Cdss      int
	Rrsigs    int
}

type CommandPost struct {
	Command string
	Zone    string
	Force   bool
}

type CommandResponse struct {
	AppName  string
	Time     time.Time
	Status   string
	Zone     string
	Names    []string
	Msg      string
	Error    bool
	ErrorMsg string
}

type PingPost struct {
	Message string
	Pings   int
}

type PingResponse struct {
	Time     time.Time
	BootTime time.Time
	Client   string
	Msg      string
	Pings    int
	Pongs    int
}

type ApiClient struct {
	Name       string
	Client     *http.Client
	BaseUrl    string
	apiKey     string
	AuthMethod string
	Verbose    bool
	Debug      bool
}
