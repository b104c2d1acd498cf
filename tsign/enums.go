/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tsign

import "fmt"

type ZoneType uint8

const (
	Primary ZoneType = iota + 1
	Secondary
)

var ZoneTypeToString = map[ZoneType]string{
	Primary:   "primary",
	Secondary: "secondary",
}

var StringToZoneType = map[string]ZoneType{
	"primary":   Primary,
	"secondary": Secondary,
}

type ZoneStore uint8

const (
	MapZone ZoneStore = iota + 1
	SliceZone
)

var ZoneStoreToString = map[ZoneStore]string{
	MapZone:   "map",
	SliceZone: "slice",
}

type ZoneOption uint8

const (
	OptOnlineSigning ZoneOption = iota + 1
	OptOfflineKSK
	OptPublishCds
	OptBlackLies
	OptAllowUpdates
	OptAutomaticRoll
	OptDirty
	OptFrozen
)

var ZoneOptionToString = map[ZoneOption]string{
	OptOnlineSigning: "online-signing",
	OptOfflineKSK:    "offline-ksk",
	OptPublishCds:    "publish-cds",
	OptBlackLies:     "black-lies",
	OptAllowUpdates:  "allow-updates",
	OptAutomaticRoll: "automatic-roll",
	OptDirty:         "dirty",
	OptFrozen:        "frozen",
}

var StringToZoneOption = map[string]ZoneOption{
	"online-signing": OptOnlineSigning,
	"offline-ksk":    OptOfflineKSK,
	"publish-cds":    OptPublishCds,
	"black-lies":     OptBlackLies,
	"allow-updates":  OptAllowUpdates,
	"automatic-roll": OptAutomaticRoll,
	"dirty":          OptDirty,
	"frozen":         OptFrozen,
}

// DNSSEC key lifecycle states, in the order the rollover engine moves
// a key through them. These strings are also what ends up in the
// "state" column in the keystore.
const (
	DnssecStateGenerated    = "generated"
	DnssecStatePublished    = "published"
	DnssecStateActive       = "active"
	DnssecStateRetireActive = "retire-active"
	DnssecStateRemoved      = "removed"
)

// DnssecStateNumber defines the lifecycle ordering. A key must never
// move to a state with a lower number than its current one.
var DnssecStateNumber = map[string]int{
	DnssecStateGenerated:    1,
	DnssecStatePublished:    2,
	DnssecStateActive:       3,
	DnssecStateRetireActive: 4,
	DnssecStateRemoved:      5,
}

func ValidDnssecState(state string) error {
	if _, ok := DnssecStateNumber[state]; !ok {
		return fmt.Errorf("unknown DNSSEC key state: %q", state)
	}
	return nil
}

// KeyIsPublished is true for the states in which the key must be part
// of the published DNSKEY RRset.
func KeyIsPublished(state string) bool {
	switch state {
	case DnssecStatePublished, DnssecStateActive, DnssecStateRetireActive:
		return true
	}
	return false
}

// KeyIsUsable is true only for keys that may produce new signatures.
func KeyIsUsable(state string) bool {
	return state == DnssecStateActive
}
