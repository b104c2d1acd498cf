/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tsign

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/twotwotwo/sorts"
)

func (owners Owners) Len() int {
	return len(owners)
}

func (owners Owners) Swap(i, j int) {
	owners[i], owners[j] = owners[j], owners[i]
}

func (owners Owners) Less(i, j int) bool {
	return owners[i].Name < owners[j].Name
}

func quickSort(sortable sort.Interface) {
	sorts.Quicksort(sortable)
}

// ReadZoneFile parses the zone file into the owner slice. If the SOA
// serial is unchanged from what is already loaded the zone data is
// left alone. Returns the SOA serial of the file.
func (zd *ZoneData) ReadZoneFile(filename string) (uint32, error) {
	zd.Logger.Printf("ReadZoneFile: zone: %s filename: %s", zd.ZoneName, filename)

	f, err := os.Open(filename)
	if err != nil {
		return 0, fmt.Errorf("ReadZoneFile: failed to read %s: %v", filename, err)
	}
	defer f.Close()

	data := map[string]*OwnerData{}

	sortRR := func(rr dns.RR, firstSoaSeen bool) bool {
		owner := rr.Header().Name
		rrtype := rr.Header().Rrtype

		omap, exist := data[owner]
		if !exist {
			omap = &OwnerData{
				Name:    owner,
				RRtypes: map[uint16]RRset{},
			}
			data[owner] = omap
		}

		var tmp RRset

		switch v := rr.(type) {
		case *dns.SOA:
			if !firstSoaSeen {
				firstSoaSeen = true
				zd.ApexLen++
				tmp = omap.RRtypes[rrtype]
				tmp.Name = owner
				tmp.RRs = append(tmp.RRs, rr)
				omap.RRtypes[rrtype] = tmp
			}

		case *dns.RRSIG:
			rrt := v.TypeCovered
			tmp = omap.RRtypes[rrt]
			tmp.Name = owner
			tmp.RRSIGs = append(tmp.RRSIGs, rr)
			omap.RRtypes[rrt] = tmp

		default:
			tmp = omap.RRtypes[rrtype]
			tmp.Name = owner
			tmp.RRs = append(tmp.RRs, rr)
			omap.RRtypes[rrtype] = tmp
		}
		return firstSoaSeen
	}

	zp := dns.NewZoneParser(bufio.NewReader(f), "", "")
	zp.SetIncludeAllowed(true)

	firstSoaSeen := false
	checkedForUnchanged := false

	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		firstSoaSeen = sortRR(rr, firstSoaSeen)
		if firstSoaSeen && !checkedForUnchanged {
			checkedForUnchanged = true
			apex := data[zd.ZoneName]
			if apex == nil {
				return 0, fmt.Errorf("ReadZoneFile: zone %s: first SOA does not match zone name", zd.ZoneName)
			}
			soa := apex.RRtypes[dns.TypeSOA].RRs[0].(*dns.SOA)
			if zd.IncomingSerial != 0 && soa.Serial == zd.IncomingSerial {
				zd.Logger.Printf("ReadZoneFile: %s: serial %d unchanged. Reload not needed.",
					zd.ZoneName, soa.Serial)
				return soa.Serial, nil
			}
		}
	}
	if err := zp.Err(); err != nil {
		zd.Logger.Printf("ReadZoneFile: error from ZoneParser(%s): %v", zd.ZoneName, err)
		return 0, fmt.Errorf("error from ZoneParser: %v", err)
	}

	apex, exist := data[zd.ZoneName]
	if !exist || len(apex.RRtypes[dns.TypeSOA].RRs) == 0 {
		return 0, fmt.Errorf("ReadZoneFile: zone %s: no SOA found in %s", zd.ZoneName, filename)
	}
	soa := apex.RRtypes[dns.TypeSOA].RRs[0].(*dns.SOA)

	zd.mu.Lock()
	zd.Owners = nil
	for _, v := range data {
		zd.Owners = append(zd.Owners, *v)
	}
	quickSort(zd.Owners)
	zd.OwnerIndex = cmap.New[int]()
	for i, od := range zd.Owners {
		zd.OwnerIndex.Set(od.Name, i)
	}
	zd.CurrentSerial = soa.Serial
	zd.IncomingSerial = soa.Serial
	zd.mu.Unlock()

	zd.Logger.Printf("*** Zone %s read from file. No errors.", zd.ZoneName)
	return soa.Serial, nil
}

func (zd *ZoneData) GetOwner(qname string) (*OwnerData, error) {
	switch zd.ZoneStore {
	case SliceZone:
		if len(zd.Owners) == 0 {
			return nil, nil
		}
		idx, exist := zd.OwnerIndex.Get(qname)
		if !exist {
			return nil, nil
		}
		return &zd.Owners[idx], nil

	default:
		return nil, fmt.Errorf("GetOwner: only supported for SliceZone, not %s",
			ZoneStoreToString[zd.ZoneStore])
	}
}

func (zd *ZoneData) AddOwner(owner *OwnerData) {
	switch zd.ZoneStore {
	case SliceZone:
		if zd.OwnerIndex == nil {
			zd.OwnerIndex = cmap.New[int]()
		}
		zd.Owners = append(zd.Owners, *owner)
		zd.OwnerIndex.Set(owner.Name, len(zd.Owners)-1)
	}
}

func (zd *ZoneData) NameExists(qname string) bool {
	if zd.OwnerIndex == nil {
		return false
	}
	_, ok := zd.OwnerIndex.Get(qname)
	return ok
}

// GetOwnerNames returns the owner names in canonical zone order.
func (zd *ZoneData) GetOwnerNames() ([]string, error) {
	names := make([]string, 0, len(zd.Owners))
	for _, owner := range zd.Owners {
		names = append(names, owner.Name)
	}
	return names, nil
}

func (zd *ZoneData) GetRRset(qname string, rrtype uint16) (*RRset, error) {
	owner, err := zd.GetOwner(qname)
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, nil
	}
	if rrset, exist := owner.RRtypes[rrtype]; exist {
		return &rrset, nil
	}
	return nil, nil
}

func (zd *ZoneData) GetSOA() (*dns.SOA, error) {
	owner, err := zd.GetOwner(zd.ZoneName)
	if err != nil || owner == nil {
		return nil, fmt.Errorf("GetSOA: no apex data for zone %s", zd.ZoneName)
	}
	rrset, exist := owner.RRtypes[dns.TypeSOA]
	if !exist || len(rrset.RRs) == 0 {
		return nil, fmt.Errorf("GetSOA: no SOA RRset for zone %s", zd.ZoneName)
	}
	return rrset.RRs[0].(*dns.SOA), nil
}

type BumperResponse struct {
	Zone      string
	OldSerial uint32
	NewSerial uint32
}

// BumpSerial increments the SOA serial and, for online signing zones,
// re-signs the SOA RRset.
func (zd *ZoneData) BumpSerial() (BumperResponse, error) {
	resp := BumperResponse{Zone: zd.ZoneName}

	log.Printf("BumpSerial: bumping SOA serial for zone '%s'", zd.ZoneName)
	zd.mu.Lock()
	defer zd.mu.Unlock()

	resp.OldSerial = zd.CurrentSerial
	zd.CurrentSerial++
	resp.NewSerial = zd.CurrentSerial

	apex, err := zd.GetOwner(zd.ZoneName)
	if err != nil {
		return resp, err
	}
	if apex == nil {
		return resp, fmt.Errorf("BumpSerial: no apex data for zone %s", zd.ZoneName)
	}
	soaRRset := apex.RRtypes[dns.TypeSOA]
	if len(soaRRset.RRs) == 0 {
		return resp, fmt.Errorf("BumpSerial: no SOA RRset for zone %s", zd.ZoneName)
	}
	soaRRset.RRs[0].(*dns.SOA).Serial = zd.CurrentSerial

	if zd.Options[OptOnlineSigning] && zd.KeyDB != nil {
		dak, err := zd.KeyDB.GetDnssecActiveKeys(zd.ZoneName)
		if err != nil {
			log.Printf("BumpSerial: failed to get active keys for zone %s: %v", zd.ZoneName, err)
			return resp, err
		}
		// force signing, as we know the SOA has changed
		_, err = SignRRset(&soaRRset, zd.ZoneName, dak, zd.Policy, time.Now(), true)
		if err != nil {
			log.Printf("BumpSerial: failed to sign SOA RRset for zone %s: %v", zd.ZoneName, err)
			return resp, err
		}
	}
	apex.RRtypes[dns.TypeSOA] = soaRRset
	zd.Options[OptDirty] = true

	return resp, nil
}

// ApplyChangeset applies the removals and additions of one signing
// pass to the zone data, then bumps the SOA serial. Individual records
// are matched on rdata; signatures are matched per covered type.
func (zd *ZoneData) ApplyChangeset(cs *Changeset) error {
	if cs == nil || cs.IsEmpty() {
		return nil
	}
	if zd.Options[OptFrozen] {
		return fmt.Errorf("ApplyChangeset: zone %s is frozen", zd.ZoneName)
	}

	for _, rrset := range cs.Removes {
		owner, err := zd.GetOwner(rrset.Name)
		if err != nil {
			return err
		}
		if owner == nil {
			continue
		}
		for _, rr := range rrset.RRs {
			t := rr.Header().Rrtype
			tmp := owner.RRtypes[t]
			tmp.RRs = removeRR(tmp.RRs, rr)
			storeOrDelete(owner, t, tmp)
		}
		for _, sigrr := range rrset.RRSIGs {
			sig, ok := sigrr.(*dns.RRSIG)
			if !ok {
				continue
			}
			tmp := owner.RRtypes[sig.TypeCovered]
			tmp.RRSIGs = removeRR(tmp.RRSIGs, sigrr)
			storeOrDelete(owner, sig.TypeCovered, tmp)
		}
	}

	for _, rrset := range cs.Adds {
		owner, err := zd.GetOwner(rrset.Name)
		if err != nil {
			return err
		}
		if owner == nil {
			zd.AddOwner(&OwnerData{
				Name:    rrset.Name,
				RRtypes: map[uint16]RRset{},
			})
			owner, _ = zd.GetOwner(rrset.Name)
		}
		for _, rr := range rrset.RRs {
			t := rr.Header().Rrtype
			tmp := owner.RRtypes[t]
			tmp.Name = rrset.Name
			if !containsRR(tmp.RRs, rr) {
				tmp.RRs = append(tmp.RRs, rr)
			}
			owner.RRtypes[t] = tmp
		}
		for _, sigrr := range rrset.RRSIGs {
			sig, ok := sigrr.(*dns.RRSIG)
			if !ok {
				continue
			}
			tmp := owner.RRtypes[sig.TypeCovered]
			tmp.Name = rrset.Name
			if !containsRR(tmp.RRSIGs, sigrr) {
				tmp.RRSIGs = append(tmp.RRSIGs, sigrr)
			}
			owner.RRtypes[sig.TypeCovered] = tmp
		}
	}

	_, err := zd.BumpSerial()
	return err
}

func storeOrDelete(owner *OwnerData, t uint16, rrset RRset) {
	if len(rrset.RRs) == 0 && len(rrset.RRSIGs) == 0 {
		delete(owner.RRtypes, t)
		return
	}
	owner.RRtypes[t] = rrset
}

func removeRR(rrs []dns.RR, rr dns.RR) []dns.RR {
	var result []dns.RR
	for _, r := range rrs {
		if dns.IsDuplicate(r, rr) {
			continue
		}
		result = append(result, r)
	}
	return result
}

func containsRR(rrs []dns.RR, rr dns.RR) bool {
	for _, r := range rrs {
		if dns.IsDuplicate(r, rr) {
			return true
		}
	}
	return false
}

// WriteZoneToFile renders the zone in presentation format: SOA and its
// signatures first, then the rest of the apex, then the other owner
// names in order.
func (zd *ZoneData) WriteZoneToFile(w io.Writer) error {
	writer := bufio.NewWriter(w)

	apex, err := zd.GetOwner(zd.ZoneName)
	if err != nil {
		return err
	}
	if apex == nil {
		return fmt.Errorf("WriteZoneToFile: no apex data for zone %s", zd.ZoneName)
	}

	soaRRset := apex.RRtypes[dns.TypeSOA]
	if len(soaRRset.RRs) == 0 {
		return fmt.Errorf("WriteZoneToFile: no SOA RRset for zone %s", zd.ZoneName)
	}
	soaRRset.RRs[0].(*dns.SOA).Serial = zd.CurrentSerial

	writeRRs := func(rrs []dns.RR) {
		for _, rr := range rrs {
			fmt.Fprintf(writer, "%s\n", rr.String())
		}
	}

	writeRRs(soaRRset.RRs)
	writeRRs(soaRRset.RRSIGs)

	for rrt, rrset := range apex.RRtypes {
		if rrt == dns.TypeSOA {
			continue
		}
		writeRRs(rrset.RRs)
		writeRRs(rrset.RRSIGs)
	}

	for _, owner := range zd.Owners {
		if owner.Name == zd.ZoneName {
			continue
		}
		for _, rrset := range owner.RRtypes {
			writeRRs(rrset.RRs)
			writeRRs(rrset.RRSIGs)
		}
	}

	return writer.Flush()
}

func (zd *ZoneData) WriteFile(filename string) (string, error) {
	f, err := os.Create(filename)
	if err != nil {
		return filename, err
	}
	defer f.Close()

	err = zd.WriteZoneToFile(f)
	return filename, err
}

// WriteZone writes the zone back to its source file when it has
// unwritten changes (or force is set).
func (zd *ZoneData) WriteZone(force bool) (string, error) {
	if !zd.Options[OptDirty] && !force {
		return fmt.Sprintf("Zone %s not modified, writing to disk not needed", zd.ZoneName), nil
	}
	if zd.Zonefile == "" {
		return "", fmt.Errorf("WriteZone: zone %s has no zone file configured", zd.ZoneName)
	}
	fname, err := zd.WriteFile(zd.Zonefile)
	if err == nil {
		zd.mu.Lock()
		zd.Options[OptDirty] = false
		zd.mu.Unlock()
	}
	return fmt.Sprintf("Zone %s written to %s", zd.ZoneName, fname), err
}

// FindZone returns the closest enclosing zone for qname, case folded
// if needed.
func FindZone(qname string) *ZoneData {
	qname = dns.Fqdn(qname)
	labels := strings.Split(qname, ".")
	for i := 0; i < len(labels); i++ {
		tzone := strings.Join(labels[i:], ".")
		if tzone == "" {
			tzone = "."
		}
		if zd, ok := Zones.Get(tzone); ok {
			return zd
		}
	}

	// if no match for exact qname, let's try with a case folded version
	qname = strings.ToLower(qname)
	labels = strings.Split(qname, ".")
	for i := 0; i < len(labels); i++ {
		tzone := strings.Join(labels[i:], ".")
		if tzone == "" {
			tzone = "."
		}
		if zd, ok := Zones.Get(tzone); ok {
			return zd
		}
	}
	log.Printf("FindZone: no zone for qname=%q found", qname)
	return nil
}
