/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tsign

import (
	"strings"
)

// Changeset is the output of a signing pass: the RRsets to remove from
// and add to the zone. It is applied atomically or not at all.
type Changeset struct {
	Zone    string
	Removes []RRset
	Adds    []RRset
}

func NewChangeset(zone string) *Changeset {
	return &Changeset{Zone: zone}
}

func (cs *Changeset) AddRRset(rrset RRset) {
	cs.Adds = append(cs.Adds, rrset)
}

func (cs *Changeset) RemoveRRset(rrset RRset) {
	cs.Removes = append(cs.Removes, rrset)
}

func (cs *Changeset) IsEmpty() bool {
	return len(cs.Removes) == 0 && len(cs.Adds) == 0
}

// Size returns the number of records to remove and to add, signatures
// included.
func (cs *Changeset) Size() (int, int) {
	removes := 0
	for _, rrset := range cs.Removes {
		removes += len(rrset.RRs) + len(rrset.RRSIGs)
	}
	adds := 0
	for _, rrset := range cs.Adds {
		adds += len(rrset.RRs) + len(rrset.RRSIGs)
	}
	return removes, adds
}

func (cs *Changeset) Dump() string {
	var b strings.Builder
	for _, rrset := range cs.Removes {
		for _, rr := range rrset.RRs {
			b.WriteString("-: " + rr.String() + "\n")
		}
		for _, rr := range rrset.RRSIGs {
			b.WriteString("-: " + rr.String() + "\n")
		}
	}
	for _, rrset := range cs.Adds {
		for _, rr := range rrset.RRs {
			b.WriteString("+: " + rr.String() + "\n")
		}
		for _, rr := range rrset.RRSIGs {
			b.WriteString("+: " + rr.String() + "\n")
		}
	}
	return b.String()
}
