/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tsign

import (
	"fmt"
	"net"

	cmap "github.com/orcaman/concurrent-map/v2"
)

type AppDetails struct {
	Name    string
	Version string
	Date    string
	Mode    string
}

type GlobalStuff struct {
	App         AppDetails
	IMR         string
	Verbose     bool
	Debug       bool
	Zonename    string
	ParentZone  string
	Api         *ApiClient
	ApiClients  map[string]*ApiClient
	PingCount   int
	Algorithm   string
	ShowHeaders bool // -H in various CLI commands
	Port        uint16
	Address     string
}

var Globals = GlobalStuff{
	Verbose:    false,
	Debug:      false,
	ApiClients: map[string]*ApiClient{},
}

var Zones = cmap.New[*ZoneData]()

func (gs *GlobalStuff) Validate() error {
	if gs.Address != "" {
		if net.ParseIP(gs.Address) == nil {
			return fmt.Errorf("invalid address: %s", gs.Address)
		}
	}
	return nil
}
