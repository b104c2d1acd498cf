/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tsign

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	AppName          string
	AppVersion       string
	AppMode          string
	ServerBootTime   time.Time
	ServerConfigTime time.Time

	Service        ServiceConf
	Apiserver      ApiserverConf
	Signer         SignerConf
	DnssecPolicies map[string]DnssecPolicyConf
	Zones          map[string]ZoneConf
	Db             DbConf
	Log            struct {
		File string `validate:"required"`
	}
	Internal InternalConf
}

type ServiceConf struct {
	Name    string `validate:"required"`
	Debug   *bool
	Verbose *bool
	Sign    *bool // master switch for the signer engine
}

type ApiserverConf struct {
	Addresses []string `validate:"required"`
	ApiKey    string   `validate:"required"`
	CertFile  string
	KeyFile   string
}

type SignerConf struct {
	Interval int    // seconds between signer engine wakeups
	IMR      string // resolver used for DS propagation checks
	Parallel int    // max zones signed concurrently
}

type DbConf struct {
	File string `validate:"required"`
}

// DnssecPolicyConf is the config file (string) form of a signing
// policy. It is converted to a SigningPolicy at startup.
type DnssecPolicyConf struct {
	Algorithm string     `yaml:"algorithm"`
	KSK       KeyConfTmp `yaml:"ksk"`
	ZSK       KeyConfTmp `yaml:"zsk"`
	CSK       KeyConfTmp `yaml:"csk"`

	DnskeyTTL        string `yaml:"dnskey-ttl"`
	PropagationDelay string `yaml:"propagation-delay"`
	PublishSafety    string `yaml:"publish-safety"`
	RetireSafety     string `yaml:"retire-safety"`
	SigValidity      string `yaml:"sig-validity"`
	SigRefresh       string `yaml:"sig-refresh"`
	MinValidity      string `yaml:"min-validity"`
	CDSPublish       string `yaml:"cds-publish"`
}

type KeyConfTmp struct {
	Lifetime string `yaml:"lifetime"`
	Bits     int    `yaml:"bits"`
}

type InternalConf struct {
	KeyDB          *KeyDB
	DnssecPolicies map[string]*SigningPolicy
	APIStopCh      chan struct{}
	StopOnce       sync.Once
	SignQ          chan *ZoneData
}

func ValidateConfig(v *viper.Viper, cfgfile string) error {
	var config Config

	if v == nil {
		if err := viper.Unmarshal(&config); err != nil {
			log.Fatalf("ValidateConfig: unable to unmarshal the config %v", err)
		}
	} else {
		if err := v.Unmarshal(&config); err != nil {
			log.Fatalf("ValidateConfig: unable to unmarshal the config %v", err)
		}
	}

	var configsections = make(map[string]interface{}, 5)

	configsections["log"] = config.Log
	configsections["service"] = config.Service
	configsections["db"] = config.Db
	configsections["apiserver"] = config.Apiserver

	if err := ValidateBySection(&config, configsections, cfgfile); err != nil {
		log.Fatalf("Config \"%s\" is missing required attributes:\n%v\n", cfgfile, err)
	}
	return nil
}

func ValidateZones(config *Config, cfgfile string) error {
	var zonesections = make(map[string]interface{}, len(config.Zones))

	for zname, zconf := range config.Zones {
		zonesections[zname] = zconf
	}

	if err := ValidateBySection(config, zonesections, cfgfile); err != nil {
		log.Fatalf("Config \"%s\" is missing required attributes:\n%v\n", cfgfile, err)
	}
	return nil
}

func ValidateBySection(config *Config, configsections map[string]interface{}, cfgfile string) error {
	validate := validator.New()

	for k, data := range configsections {
		if Globals.Debug {
			log.Printf("%s: Validating config for %s section\n", config.Service.Name, k)
		}
		if err := validate.Struct(data); err != nil {
			return fmt.Errorf("config %s, section %s: %v", cfgfile, k, err)
		}
	}
	return nil
}
