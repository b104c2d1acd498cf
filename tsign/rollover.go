/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tsign

import (
	"time"

	"github.com/miekg/dns"
)

type KeyParams struct {
	Lifetime uint32 // seconds; 0 = never rolled automatically
	Bits     int
}

// SigningPolicy is the numeric form of a DnssecPolicyConf: all the
// timing knobs that drive key rollovers and signature maintenance for
// a zone.
type SigningPolicy struct {
	Name      string
	Algorithm uint8
	KSK       KeyParams
	ZSK       KeyParams
	CSK       KeyParams

	DnskeyTTL        uint32
	PropagationDelay uint32
	PublishSafety    uint32
	RetireSafety     uint32
	SigValidity      uint32
	SigRefresh       uint32
	MinValidity      uint32
	CDSPublish       string // never | rollover | always
}

func DefaultSigningPolicy(name string) *SigningPolicy {
	return &SigningPolicy{
		Name:             name,
		Algorithm:        dns.ECDSAP256SHA256,
		KSK:              KeyParams{Lifetime: 0, Bits: 256},
		ZSK:              KeyParams{Lifetime: uint32((1440 * time.Hour).Seconds()), Bits: 256},
		CSK:              KeyParams{Lifetime: 0, Bits: 256},
		DnskeyTTL:        3600,
		PropagationDelay: 300,
		PublishSafety:    3600,
		RetireSafety:     3600,
		SigValidity:      uint32((14 * 24 * time.Hour).Seconds()),
		SigRefresh:       uint32((7 * 24 * time.Hour).Seconds()),
		MinValidity:      3600,
		CDSPublish:       "rollover",
	}
}

// Lifetime returns the configured lifetime for a key based on its
// role. In CSK mode (a csk lifetime is configured) keys with the SEP
// bit follow the CSK parameters.
func (pol *SigningPolicy) Lifetime(key *DnssecKey) uint32 {
	if key.IsKSK() {
		if pol.CSK.Lifetime != 0 {
			return pol.CSK.Lifetime
		}
		return pol.KSK.Lifetime
	}
	return pol.ZSK.Lifetime
}

// StageDelay is how long a key must have been in the given state
// before the transition out of it may fire. The active stage is
// special: its delay is the role lifetime, see EvaluateKey.
func (pol *SigningPolicy) StageDelay(state string) time.Duration {
	switch state {
	case DnssecStateGenerated:
		return time.Duration(pol.PropagationDelay) * time.Second
	case DnssecStatePublished:
		return time.Duration(pol.DnskeyTTL+pol.PropagationDelay+pol.PublishSafety) * time.Second
	case DnssecStateRetireActive:
		return time.Duration(pol.DnskeyTTL+pol.PropagationDelay+pol.RetireSafety) * time.Second
	}
	return 0
}

// EvaluateKey is a pure function of (key, now, policy). It returns the
// state the key is due to move to ("" if no transition is due) and the
// time at which the transition out of the current state becomes due
// (zero if the key will stay where it is forever).
//
// Transitions never fire early: a transition out of a state requires
// that at least the configured delay has elapsed since the timestamp
// of that state. Evaluating twice at the same "now" yields the same
// answer.
func (pol *SigningPolicy) EvaluateKey(key *DnssecKey, now time.Time) (string, time.Time) {
	switch key.State {
	case DnssecStateGenerated:
		due := key.Generated.Add(pol.StageDelay(DnssecStateGenerated))
		if !now.Before(due) {
			return DnssecStatePublished, due
		}
		return "", due

	case DnssecStatePublished:
		due := key.Published.Add(pol.StageDelay(DnssecStatePublished))
		if !now.Before(due) {
			return DnssecStateActive, due
		}
		return "", due

	case DnssecStateActive:
		lifetime := pol.Lifetime(key)
		if lifetime == 0 {
			return "", time.Time{}
		}
		due := key.Activated.Add(time.Duration(lifetime) * time.Second)
		if now.Before(due) {
			return "", due
		}
		// A KSK may not leave the active state until its DS
		// handling with the parent has been recorded.
		if key.IsKSK() && key.DSSubmitted.IsZero() {
			return "", time.Time{}
		}
		return DnssecStateRetireActive, due

	case DnssecStateRetireActive:
		due := key.Retired.Add(pol.StageDelay(DnssecStateRetireActive))
		if !now.Before(due) {
			return DnssecStateRemoved, due
		}
		return "", due
	}

	// generated is the initial state and removed the terminal one;
	// anything else stays put.
	return "", time.Time{}
}

type KeyTransition struct {
	Zone      string
	KeyId     uint16
	FromState string
	ToState   string
	When      time.Time
}

// EvaluateKeyset runs EvaluateKey over a whole keyset and returns the
// transitions that are due at time now, plus the earliest time at
// which a further transition becomes due (zero if none is pending).
//
// One cross-key rule applies on top of the per-key state machine: the
// lifetime expiry of an active key only retires it if another key of
// the same role is also active, so that a role never goes dark just
// because a successor was delayed.
func (pol *SigningPolicy) EvaluateKeyset(zks *ZoneKeyset, now time.Time) ([]KeyTransition, time.Time) {
	var transitions []KeyTransition
	var nextDue time.Time

	for _, key := range zks.Keys {
		next, due := pol.EvaluateKey(key, now)

		if next == "" {
			if !due.IsZero() && (nextDue.IsZero() || due.Before(nextDue)) {
				nextDue = due
			}
			continue
		}

		if next == DnssecStateRetireActive && !zks.HasActiveSuccessor(key) {
			continue
		}

		transitions = append(transitions, KeyTransition{
			Zone:      key.Zone,
			KeyId:     key.KeyId,
			FromState: key.State,
			ToState:   next,
			When:      now,
		})
	}

	return transitions, nextDue
}

// KeyDuty is what the evaluator reports per key: whether the key must
// appear in the DNSKEY RRset, whether it may sign, and whether a
// CDS/CDNSKEY pair should be published for it.
type KeyDuty struct {
	Key     *DnssecKey
	Publish bool
	Sign    bool
	Cds     bool
}

// KeysetDuties computes the publication and signing duties for every
// key in the keyset. CDS/CDNSKEY publication is policy gated: "always"
// publishes for every usable KSK, "rollover" only while a KSK rollover
// is in progress, "never" not at all.
func (pol *SigningPolicy) KeysetDuties(zks *ZoneKeyset, now time.Time) []KeyDuty {
	kskRolling := false
	for _, key := range zks.Keys {
		if key.IsKSK() &&
			(key.State == DnssecStatePublished || key.State == DnssecStateRetireActive) {
			kskRolling = true
		}
	}

	var duties []KeyDuty
	for _, key := range zks.Keys {
		duty := KeyDuty{
			Key:     key,
			Publish: KeyIsPublished(key.State),
			Sign:    KeyIsUsable(key.State),
		}
		if duty.Sign && key.IsKSK() {
			switch pol.CDSPublish {
			case "always":
				duty.Cds = true
			case "rollover":
				duty.Cds = kskRolling
			}
		}
		duties = append(duties, duty)
	}
	return duties
}
