/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tsign

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/mitchellh/mapstructure"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Zconfig struct {
	Templates map[string]ZoneConf
	Zones     map[string]ZoneConf
}

func ParseConfig(conf *Config, reload bool) error {
	cfgfile := viper.ConfigFileUsed()
	if cfgfile == "" {
		cfgfile = DefaultCfgFile
		viper.SetConfigFile(cfgfile)
	}

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("Could not load config %s: Error: %v", cfgfile, err)
	}

	if err := viper.Unmarshal(conf); err != nil {
		log.Fatalf("ParseConfig: error unmarshalling config %s: %v", cfgfile, err)
	}

	ValidateConfig(nil, cfgfile) // will terminate on error

	if conf.Service.Verbose != nil {
		Globals.Verbose = *conf.Service.Verbose
	}
	if conf.Service.Debug != nil {
		Globals.Debug = *conf.Service.Debug
	}
	Globals.IMR = conf.Signer.IMR

	if err := conf.ParsePolicies(); err != nil {
		return fmt.Errorf("ParseConfig: error parsing DNSSEC policies: %v", err)
	}

	if !reload {
		kdb, err := NewKeyDB(viper.GetString("db.file"), false)
		if err != nil {
			log.Fatalf("Error from NewKeyDB: %v", err)
		}
		conf.Internal.KeyDB = kdb
	}

	conf.ServerConfigTime = time.Now()
	return nil
}

// ParsePolicies converts the string form signing policies from the
// config into their numeric form. A policy named "default" must exist.
func (conf *Config) ParsePolicies() error {
	var pconf map[string]DnssecPolicyConf

	// The policy section uses hyphenated keys, so the default viper
	// unmarshal (mapstructure tags) does not see them.
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "yaml",
		Result:  &pconf,
	})
	if err != nil {
		return fmt.Errorf("error creating policy decoder: %v", err)
	}
	if err := decoder.Decode(viper.GetStringMap("dnssecpolicies")); err != nil {
		return fmt.Errorf("error decoding dnssecpolicies section: %v", err)
	}

	conf.DnssecPolicies = pconf
	conf.Internal.DnssecPolicies = map[string]*SigningPolicy{}

	for name, dpc := range pconf {
		pol, err := ParsePolicy(name, &dpc)
		if err != nil {
			return fmt.Errorf("error parsing DNSSEC policy %q: %v", name, err)
		}
		conf.Internal.DnssecPolicies[name] = pol
	}

	if _, exist := conf.Internal.DnssecPolicies["default"]; !exist {
		return fmt.Errorf("no DNSSEC policy named \"default\" found in config")
	}

	if Globals.Debug {
		for name := range conf.Internal.DnssecPolicies {
			log.Printf("ParsePolicies: have policy %q", name)
		}
	}
	return nil
}

func ParsePolicy(name string, dpc *DnssecPolicyConf) (*SigningPolicy, error) {
	pol := DefaultSigningPolicy(name)

	if dpc.Algorithm != "" {
		alg, exist := dns.StringToAlgorithm[strings.ToUpper(dpc.Algorithm)]
		if !exist {
			return nil, fmt.Errorf("unknown algorithm %q", dpc.Algorithm)
		}
		pol.Algorithm = alg
	}

	var err error
	if pol.KSK.Lifetime, err = GenKeyLifetime(dpc.KSK.Lifetime, pol.KSK.Lifetime); err != nil {
		return nil, err
	}
	if pol.ZSK.Lifetime, err = GenKeyLifetime(dpc.ZSK.Lifetime, pol.ZSK.Lifetime); err != nil {
		return nil, err
	}
	if pol.CSK.Lifetime, err = GenKeyLifetime(dpc.CSK.Lifetime, pol.CSK.Lifetime); err != nil {
		return nil, err
	}
	if dpc.KSK.Bits != 0 {
		pol.KSK.Bits = dpc.KSK.Bits
	}
	if dpc.ZSK.Bits != 0 {
		pol.ZSK.Bits = dpc.ZSK.Bits
	}
	if dpc.CSK.Bits != 0 {
		pol.CSK.Bits = dpc.CSK.Bits
	}

	for _, item := range []struct {
		val string
		dst *uint32
	}{
		{dpc.DnskeyTTL, &pol.DnskeyTTL},
		{dpc.PropagationDelay, &pol.PropagationDelay},
		{dpc.PublishSafety, &pol.PublishSafety},
		{dpc.RetireSafety, &pol.RetireSafety},
		{dpc.SigValidity, &pol.SigValidity},
		{dpc.SigRefresh, &pol.SigRefresh},
		{dpc.MinValidity, &pol.MinValidity},
	} {
		if item.val == "" {
			continue
		}
		dur, err := time.ParseDuration(item.val)
		if err != nil {
			return nil, fmt.Errorf("bad duration %q: %v", item.val, err)
		}
		*item.dst = uint32(dur.Seconds())
	}

	if dpc.CDSPublish != "" {
		switch dpc.CDSPublish {
		case "never", "rollover", "always":
			pol.CDSPublish = dpc.CDSPublish
		default:
			return nil, fmt.Errorf("unknown cds-publish mode %q (must be never, rollover or always)", dpc.CDSPublish)
		}
	}

	if pol.SigRefresh >= pol.SigValidity {
		return nil, fmt.Errorf("sig-refresh (%d) must be less than sig-validity (%d)", pol.SigRefresh, pol.SigValidity)
	}

	return pol, nil
}

// GenKeyLifetime parses a key lifetime from the config. "none" (or
// unset) means the key is never rolled automatically, "forever" is a
// very long but finite lifetime.
func GenKeyLifetime(kl string, dflt uint32) (uint32, error) {
	switch kl {
	case "":
		return dflt, nil
	case "none":
		return 0, nil
	case "forever":
		return uint32((10000 * time.Hour).Seconds()), nil
	}
	dur, err := time.ParseDuration(kl)
	if err != nil {
		return 0, fmt.Errorf("bad key lifetime %q: %v", kl, err)
	}
	return uint32(dur.Seconds()), nil
}

func ParseZones(conf *Config, reload bool) ([]string, error) {
	var zones []string

	zonescfg := viper.GetString("zones.config")
	if zonescfg == "" {
		zonescfg = DefaultZonesCfgFile
	}

	data, err := os.ReadFile(zonescfg)
	if err != nil {
		return nil, fmt.Errorf("ParseZones: error reading zones config %s: %v", zonescfg, err)
	}

	var zconf Zconfig
	if err := yaml.Unmarshal(data, &zconf); err != nil {
		return nil, fmt.Errorf("ParseZones: error unmarshalling zones config %s: %v", zonescfg, err)
	}

	for zname, zc := range zconf.Zones {
		zname = dns.Fqdn(strings.ToLower(zname))

		if zc.Template != "" {
			tmpl, exist := zconf.Templates[zc.Template]
			if !exist {
				log.Printf("ParseZones: zone %s refers to undefined template %q. Zone ignored.", zname, zc.Template)
				continue
			}
			zc = ExpandTemplate(zc, tmpl)
		}
		zc.Name = zname

		zd, err := conf.RefreshZone(zname, zc, reload)
		if err != nil {
			log.Printf("ParseZones: error setting up zone %s: %v. Zone ignored.", zname, err)
			continue
		}
		zones = append(zones, zd.ZoneName)
	}

	conf.Zones = zconf.Zones

	log.Printf("ParseZones: %d zones configured: %v", len(zones), zones)
	return zones, nil
}

// ExpandTemplate copies any unset zone attributes from the template.
func ExpandTemplate(zc ZoneConf, tmpl ZoneConf) ZoneConf {
	if zc.Type == "" {
		zc.Type = tmpl.Type
	}
	if zc.Store == "" {
		zc.Store = tmpl.Store
	}
	if zc.Zonefile == "" {
		zc.Zonefile = tmpl.Zonefile
	}
	if zc.Policy == "" {
		zc.Policy = tmpl.Policy
	}
	if len(zc.Options) == 0 {
		zc.Options = tmpl.Options
	}
	return zc
}

func (conf *Config) RefreshZone(zname string, zc ZoneConf, reload bool) (*ZoneData, error) {
	ztype, exist := StringToZoneType[zc.Type]
	if !exist {
		return nil, fmt.Errorf("unknown zone type %q", zc.Type)
	}

	options := map[ZoneOption]bool{}
	for _, opt := range zc.Options {
		zo, exist := StringToZoneOption[opt]
		if !exist {
			log.Printf("RefreshZone: zone %s: unknown zone option %q ignored", zname, opt)
			continue
		}
		options[zo] = true
	}

	polname := zc.Policy
	if polname == "" {
		polname = "default"
	}
	pol, exist := conf.Internal.DnssecPolicies[polname]
	if !exist {
		return nil, fmt.Errorf("zone %s refers to undefined DNSSEC policy %q", zname, polname)
	}

	zd := &ZoneData{
		ZoneName:   zname,
		ZoneStore:  SliceZone,
		ZoneType:   ztype,
		Zonefile:   zc.Zonefile,
		Policy:     pol,
		PolicyName: polname,
		Options:    options,
		OwnerIndex: cmap.New[int](),
		KeyDB:      conf.Internal.KeyDB,
		Logger:     log.Default(),
		Verbose:    Globals.Verbose,
		Debug:      Globals.Debug,
	}

	if zc.Zonefile != "" {
		serial, err := zd.ReadZoneFile(zc.Zonefile)
		if err != nil {
			return nil, fmt.Errorf("error reading zone file %s: %v", zc.Zonefile, err)
		}
		if Globals.Verbose {
			log.Printf("RefreshZone: zone %s loaded from %s (serial %d)", zname, zc.Zonefile, serial)
		}
	}

	Zones.Set(zname, zd)
	return zd, nil
}
