/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tsign

const (
	DefaultCfgFile      = "/etc/tsign/tsignd.yaml"
	DefaultCliCfgFile   = "/etc/tsign/tsign-cli.yaml"
	DefaultZonesCfgFile = "/etc/tsign/tsign-zones.yaml"
	DefaultPolicyFile   = "/etc/tsign/tsign-policies.yaml"
	DefaultDBFile       = "/var/lib/tsign/tsign.db"
	DefaultLogFile      = "/var/log/tsign/tsignd.log"

	TimeLayout = "2006-01-02 15:04:05"
)
