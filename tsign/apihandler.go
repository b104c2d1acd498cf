/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tsign

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"time"
)

var pongs int = 0

func APIping(conf *Config) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {

		tls := ""
		if r.TLS != nil {
			tls = "TLS "
		}

		log.Printf("APIping: received %s/ping request from %s.\n", tls, r.RemoteAddr)

		decoder := json.NewDecoder(r.Body)
		var pp PingPost
		err := decoder.Decode(&pp)
		if err != nil {
			log.Println("APIping: error decoding ping post:", err)
		}
		pongs += 1
		hostname, _ := os.Hostname()
		response := PingResponse{
			Time:     time.Now(),
			BootTime: conf.ServerBootTime,
			Client:   r.RemoteAddr,
			Msg:      fmt.Sprintf("%spong from %s @ %s", tls, Globals.App.Name, hostname),
			Pings:    pp.Pings + 1,
			Pongs:    pongs,
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

func APIcommand(conf *Config) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		stopCh := conf.Internal.APIStopCh

		decoder := json.NewDecoder(r.Body)
		var cp CommandPost
		err := decoder.Decode(&cp)
		if err != nil {
			log.Println("APIcommand: error decoding command post:", err)
		}

		log.Printf("API: received /command request (cmd: %s) from %s.\n",
			cp.Command, r.RemoteAddr)

		resp := CommandResponse{
			Time:    time.Now(),
			AppName: Globals.App.Name,
		}

		switch cp.Command {
		case "status":
			log.Printf("Daemon status inquiry\n")
			resp.Status = "ok" // only status we know, so far
			resp.Msg = fmt.Sprintf("%s: up since %s, managing %d zones",
				Globals.App.Name, conf.ServerBootTime.Format(TimeLayout), Zones.Count())

		case "zones":
			names := Zones.Keys()
			sort.Strings(names)
			resp.Names = names
			resp.Msg = fmt.Sprintf("%d zones under management", len(names))

		case "stop":
			log.Printf("Daemon instructed to stop\n")
			resp.Status = "stopping"
			resp.Msg = fmt.Sprintf("%s: Daemon was happy, but now winding down", Globals.App.Name)

			go func() {
				// Allow the HTTP response to be sent before triggering shutdown
				time.Sleep(200 * time.Millisecond)
				conf.Internal.StopOnce.Do(func() {
					close(stopCh)
				})
			}()

		default:
			resp.ErrorMsg = fmt.Sprintf("%s: Unknown command: %s", Globals.App.Name, cp.Command)
			resp.Error = true
		}

		w.Header().Set("Content-Type", "application/json")
		err = json.NewEncoder(w).Encode(resp)
		if err != nil {
			log.Printf("Error from json encoder: %v", err)
		}
	}
}

func (kdb *KeyDB) APIkeystore() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {

		decoder := json.NewDecoder(r.Body)
		var kp KeystorePost
		err := decoder.Decode(&kp)
		if err != nil {
			log.Println("APIkeystore: error decoding keystore post:", err)
		}

		log.Printf("API: received /keystore request (cmd: %s subcommand: %s) from %s.\n",
			kp.Command, kp.SubCommand, r.RemoteAddr)

		var resp *KeystoreResponse

		tx, err := kdb.Begin("APIkeystore")

		defer func() {
			if tx != nil {
				if err != nil {
					tx.Rollback()
				} else {
					tx.Commit()
				}
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(resp)
		}()

		if err != nil {
			log.Printf("Error from kdb.Begin(): %v", err)
			resp = &KeystoreResponse{
				Error:    true,
				ErrorMsg: err.Error(),
			}
			return
		}

		switch kp.Command {
		case "dnssec":
			resp, err = kdb.DnssecKeyMgmt(tx, &kp)
			if err != nil {
				log.Printf("Error from DnssecKeyMgmt(): %v", err)
				resp = &KeystoreResponse{
					Error:    true,
					ErrorMsg: err.Error(),
				}
			}
			if resp != nil {
				resp.AppName = Globals.App.Name
			}

		default:
			log.Printf("Unknown command: %s", kp.Command)
			resp = &KeystoreResponse{
				Error:    true,
				ErrorMsg: fmt.Sprintf("Unknown command: %s", kp.Command),
			}
		}
	}
}

func APIzone(conf *Config) func(w http.ResponseWriter, r *http.Request) {
	kdb := conf.Internal.KeyDB

	return func(w http.ResponseWriter, r *http.Request) {

		decoder := json.NewDecoder(r.Body)
		var zp ZonePost
		err := decoder.Decode(&zp)
		if err != nil {
			log.Println("APIzone: error decoding zone post:", err)
		}

		log.Printf("API: received /zone request (cmd: %s zone: %s) from %s.\n",
			zp.Command, zp.Zone, r.RemoteAddr)

		resp := ZoneResponse{
			AppName: Globals.App.Name,
			Time:    time.Now(),
			Zone:    zp.Zone,
		}

		defer func() {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(resp)
		}()

		zd, exist := Zones.Get(zp.Zone)
		if !exist {
			msg := fmt.Sprintf("Zone \"%s\" is unknown.", zp.Zone)
			log.Printf("APIzone: %s", msg)
			resp.Error = true
			resp.ErrorMsg = msg
			return
		}

		switch zp.Command {
		case "sign":
			sr, serr := ZoneSignPass(kdb, nil, zd)
			if serr != nil {
				resp.Error = true
				resp.ErrorMsg = serr.Error()
				return
			}
			if sr == nil {
				resp.Msg = fmt.Sprintf("Zone %s is frozen, not signed", zd.ZoneName)
				return
			}
			if zp.Force && zd.Options[OptOnlineSigning] {
				newrrsigs, ferr := zd.SignZone(kdb, true)
				if ferr != nil {
					resp.Error = true
					resp.ErrorMsg = ferr.Error()
					return
				}
				if _, werr := zd.WriteZone(true); werr != nil {
					resp.Error = true
					resp.ErrorMsg = werr.Error()
					return
				}
				resp.Msg = fmt.Sprintf("Zone %s force signed, %d new RRSIGs", zd.ZoneName, newrrsigs)
			}
			resp.Serial = zd.CurrentSerial
			resp.NextWake = sr.NextWake
			resp.Expiration = sr.Expiration
			resp.Removes, resp.Adds = sr.Changeset.Size()
			if resp.Msg == "" {
				resp.Msg = fmt.Sprintf("Zone %s signed. Serial %d. Signatures good until %s.",
					zd.ZoneName, zd.CurrentSerial, sr.Expiration.Format(TimeLayout))
			}

		case "validate":
			vr, verr := zd.ValidateZone(time.Now())
			if verr != nil {
				resp.Error = true
				resp.ErrorMsg = verr.Error()
				return
			}
			MetricsValidationFailures.WithLabelValues(zd.ZoneName).Add(float64(len(vr.Failed)))
			resp.Expiration = vr.Expiration
			resp.Msg = fmt.Sprintf("Zone %s: %d RRsets checked: %d unsigned, %d failed, %d stale signatures. Earliest expiration: %s.",
				zd.ZoneName, vr.Checked, len(vr.Unsigned), len(vr.Failed), vr.StaleSigs,
				vr.Expiration.Format(TimeLayout))
			if !vr.OK() {
				resp.Error = true
				resp.ErrorMsg = fmt.Sprintf("zone %s failed validation", zd.ZoneName)
			}

		case "status":
			var opts []string
			for opt, val := range zd.Options {
				if val {
					opts = append(opts, ZoneOptionToString[opt])
				}
			}
			sort.Strings(opts)
			resp.Serial = zd.CurrentSerial
			resp.NextWake = zd.NextSignPass
			resp.Msg = fmt.Sprintf("Zone %s: serial %d, policy %q, options: %v",
				zd.ZoneName, zd.CurrentSerial, zd.PolicyName, opts)

		case "rollover":
			started, rerr := kdb.StartRollover(zd.ZoneName, zd.Policy)
			if rerr != nil {
				resp.Error = true
				resp.ErrorMsg = rerr.Error()
				return
			}
			conf.Internal.SignQ <- zd
			resp.Msg = fmt.Sprintf("Zone %s: %d key rollovers started", zd.ZoneName, started)

		case "freeze":
			zd.mu.Lock()
			zd.Options[OptFrozen] = true
			zd.mu.Unlock()
			resp.Msg = fmt.Sprintf("Zone %s is now frozen: no further signing until thawed", zd.ZoneName)

		case "thaw":
			zd.mu.Lock()
			zd.Options[OptFrozen] = false
			zd.mu.Unlock()
			conf.Internal.SignQ <- zd
			resp.Msg = fmt.Sprintf("Zone %s thawed, queued for signing", zd.ZoneName)

		default:
			resp.Error = true
			resp.ErrorMsg = fmt.Sprintf("Unknown zone command: %s", zp.Command)
		}
	}
}

func APIjournal(conf *Config) func(w http.ResponseWriter, r *http.Request) {
	kdb := conf.Internal.KeyDB

	return func(w http.ResponseWriter, r *http.Request) {

		decoder := json.NewDecoder(r.Body)
		var jp JournalPost
		err := decoder.Decode(&jp)
		if err != nil {
			log.Println("APIjournal: error decoding journal post:", err)
		}

		log.Printf("API: received /journal request (cmd: %s zone: %s) from %s.\n",
			jp.Command, jp.Zone, r.RemoteAddr)

		resp := JournalResponse{
			AppName: Globals.App.Name,
			Time:    time.Now(),
			Zone:    jp.Zone,
		}

		defer func() {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(resp)
		}()

		switch jp.Command {
		case "list":
			entries, lerr := kdb.OfflineRecordsList(jp.Zone)
			if lerr != nil {
				resp.Error = true
				resp.ErrorMsg = lerr.Error()
				return
			}
			resp.Entries = entries
			resp.Msg = fmt.Sprintf("%d journal entries for zone %s", len(entries), jp.Zone)

		case "last":
			last, lerr := kdb.OfflineRecordsLastTimestamp(jp.Zone)
			if lerr != nil {
				resp.Error = true
				resp.ErrorMsg = lerr.Error()
				return
			}
			resp.Last = last
			resp.Msg = fmt.Sprintf("Zone %s journal coverage starts to run out at %s",
				jp.Zone, last.Format(TimeLayout))

		case "add":
			data, derr := base64.StdEncoding.DecodeString(jp.Records)
			if derr != nil {
				resp.Error = true
				resp.ErrorMsg = fmt.Sprintf("undecodable key records: %v", derr)
				return
			}
			krs, derr := DeserializeKeyRecords(jp.Zone, data)
			if derr != nil {
				resp.Error = true
				resp.ErrorMsg = derr.Error()
				return
			}
			if aerr := kdb.OfflineRecordsAdd(nil, jp.Zone, jp.ValidFrom, krs); aerr != nil {
				resp.Error = true
				resp.ErrorMsg = aerr.Error()
				return
			}
			resp.Msg = fmt.Sprintf("Zone %s: journal entry added, valid from %s",
				jp.Zone, jp.ValidFrom.Format(TimeLayout))

		case "sign":
			zd, exist := Zones.Get(jp.Zone)
			if !exist {
				resp.Error = true
				resp.ErrorMsg = fmt.Sprintf("Zone \"%s\" is unknown.", jp.Zone)
				return
			}
			rec, serr := kdb.PresignOfflineRecords(zd, jp.ValidFrom)
			if serr != nil {
				resp.Error = true
				resp.ErrorMsg = serr.Error()
				return
			}
			resp.Msg = fmt.Sprintf("Zone %s: journal entry signed, valid from %s",
				jp.Zone, rec.ValidFrom.Format(TimeLayout))

		case "remove":
			n, rerr := kdb.OfflineRecordsRemove(nil, jp.Zone, jp.ValidFrom)
			if rerr != nil {
				resp.Error = true
				resp.ErrorMsg = rerr.Error()
				return
			}
			resp.Msg = fmt.Sprintf("Zone %s: %d journal entries removed", jp.Zone, n)

		default:
			resp.Error = true
			resp.ErrorMsg = fmt.Sprintf("Unknown journal command: %s", jp.Command)
		}
	}
}
