/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/johanix/tsign/tsign"
	"github.com/spf13/cobra"
)

var ZoneCmd = &cobra.Command{
	Use:   "zone",
	Short: "Prefix command, not useable by itself",
}

var zoneListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the zones known to tsignd",
	Run: func(cmd *cobra.Command, args []string) {

		cr, err := SendCommandNG(tsign.Globals.Api, tsign.CommandPost{
			Command: "zones",
		})
		if err != nil {
			fmt.Printf("Error: %s\n", err.Error())
			os.Exit(1)
		}

		if cr.Msg != "" {
			fmt.Printf("%s\n", cr.Msg)
		}
		for _, name := range cr.Names {
			fmt.Printf("%s\n", name)
		}
	},
}

var zoneSignCmd = &cobra.Command{
	Use:   "sign",
	Short: "Send a zone sign command to tsignd",
	Long: `Send a zone sign command to tsignd. The zone gets a full signing pass:
key states are advanced, the DNSKEY RRset is updated and missing or ageing
signatures are regenerated. With --force all signatures are regenerated
regardless of age (online signing zones only).`,
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("zonename")

		cr, err := SendZoneCommand(tsign.Globals.Api, tsign.ZonePost{
			Command: "sign",
			Zone:    tsign.Globals.Zonename,
			Force:   force,
		})
		if err != nil {
			fmt.Printf("Error: %s\n", err.Error())
			os.Exit(1)
		}
		if cr.Error {
			fmt.Printf("Error from tsignd: %s\n", cr.ErrorMsg)
			os.Exit(1)
		}

		if cr.Msg != "" {
			fmt.Printf("%s\n", cr.Msg)
		}
		if tsign.Globals.Verbose {
			fmt.Printf("Adds: %d Removes: %d Next signing pass: %s\n",
				cr.Adds, cr.Removes, cr.NextWake.Format(tsign.TimeLayout))
		}
	},
}

var zoneValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Ask tsignd to validate all signatures in a zone",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("zonename")

		cr, err := SendZoneCommand(tsign.Globals.Api, tsign.ZonePost{
			Command: "validate",
			Zone:    tsign.Globals.Zonename,
		})
		if err != nil {
			fmt.Printf("Error: %s\n", err.Error())
			os.Exit(1)
		}
		if cr.Error {
			fmt.Printf("Error from tsignd: %s\n", cr.ErrorMsg)
			os.Exit(1)
		}

		if cr.Msg != "" {
			fmt.Printf("%s\n", cr.Msg)
		}
	},
}

var zoneStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show serial, policy and options for a zone",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("zonename")

		cr, err := SendZoneCommand(tsign.Globals.Api, tsign.ZonePost{
			Command: "status",
			Zone:    tsign.Globals.Zonename,
		})
		if err != nil {
			fmt.Printf("Error: %s\n", err.Error())
			os.Exit(1)
		}
		if cr.Error {
			fmt.Printf("Error from tsignd: %s\n", cr.ErrorMsg)
			os.Exit(1)
		}

		if cr.Msg != "" {
			fmt.Printf("%s\n", cr.Msg)
		}
		if tsign.Globals.Verbose && !cr.NextWake.IsZero() {
			fmt.Printf("Next signing pass: %s\n", cr.NextWake.Format(tsign.TimeLayout))
		}
	},
}

var zoneRolloverCmd = &cobra.Command{
	Use:   "rollover",
	Short: "Start a key rollover for a zone",
	Long: `Start a key rollover for a zone. A successor key is generated for every
active key that does not already have one, regardless of the policy lifetime.
The normal key lifecycle machinery then takes the new keys through
publication and activation and retires the old ones.`,
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("zonename")

		cr, err := SendZoneCommand(tsign.Globals.Api, tsign.ZonePost{
			Command: "rollover",
			Zone:    tsign.Globals.Zonename,
		})
		if err != nil {
			fmt.Printf("Error: %s\n", err.Error())
			os.Exit(1)
		}
		if cr.Error {
			fmt.Printf("Error from tsignd: %s\n", cr.ErrorMsg)
			os.Exit(1)
		}

		if cr.Msg != "" {
			fmt.Printf("%s\n", cr.Msg)
		}
	},
}

var zoneFreezeCmd = &cobra.Command{
	Use:   "freeze",
	Short: "Tell tsignd to freeze a zone (i.e. no more signing passes)",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("zonename")

		cr, err := SendZoneCommand(tsign.Globals.Api, tsign.ZonePost{
			Command: "freeze",
			Zone:    tsign.Globals.Zonename,
		})
		if err != nil {
			fmt.Printf("Error: %s\n", err.Error())
			os.Exit(1)
		}
		if cr.Error {
			fmt.Printf("Error from tsignd: %s\n", cr.ErrorMsg)
			os.Exit(1)
		}

		if cr.Msg != "" {
			fmt.Printf("%s\n", cr.Msg)
		}
	},
}

var zoneThawCmd = &cobra.Command{
	Use:   "thaw",
	Short: "Tell tsignd to thaw a zone (i.e. resume signing passes)",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("zonename")

		cr, err := SendZoneCommand(tsign.Globals.Api, tsign.ZonePost{
			Command: "thaw",
			Zone:    tsign.Globals.Zonename,
		})
		if err != nil {
			fmt.Printf("Error: %s\n", err.Error())
			os.Exit(1)
		}
		if cr.Error {
			fmt.Printf("Error from tsignd: %s\n", cr.ErrorMsg)
			os.Exit(1)
		}

		if cr.Msg != "" {
			fmt.Printf("%s\n", cr.Msg)
		}
	},
}

func init() {
	ZoneCmd.AddCommand(zoneListCmd, zoneSignCmd, zoneValidateCmd, zoneStatusCmd)
	ZoneCmd.AddCommand(zoneRolloverCmd, zoneFreezeCmd, zoneThawCmd)

	ZoneCmd.PersistentFlags().BoolVarP(&force, "force", "F", false, "force operation")
}

func SendZoneCommand(api *tsign.ApiClient, data tsign.ZonePost) (tsign.ZoneResponse, error) {
	var cr tsign.ZoneResponse
	bytebuf := new(bytes.Buffer)
	json.NewEncoder(bytebuf).Encode(data)

	status, buf, err := api.Post("/zone", bytebuf.Bytes())
	if err != nil {
		log.Println("Error from Api Post:", err)
		return cr, fmt.Errorf("error from api post: %v", err)
	}
	if tsign.Globals.Verbose {
		fmt.Printf("Status: %d\n", status)
	}

	err = json.Unmarshal(buf, &cr)
	if err != nil {
		return cr, fmt.Errorf("error from unmarshal: %v", err)
	}

	if cr.Error {
		return cr, fmt.Errorf("error from tsignd: %s", cr.ErrorMsg)
	}

	return cr, nil
}
