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
	"github.com/miekg/dns"
	"github.com/spf13/cobra"
)

var force bool
var keyid int
var NewState, filename, keytype string

var StopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Send stop command to tsignd",
	Run: func(cmd *cobra.Command, args []string) {
		msg, err := SendCommand(tsign.CommandPost{Command: "stop"})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		if msg != "" {
			fmt.Printf("%s\n", msg)
		}
	},
}

var DaemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query tsignd for daemon status",
	Run: func(cmd *cobra.Command, args []string) {
		msg, err := SendCommand(tsign.CommandPost{Command: "status"})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		if msg != "" {
			fmt.Printf("%s\n", msg)
		}
	},
}

func PrepArgs(required ...string) {
	for _, arg := range required {
		if tsign.Globals.Debug {
			fmt.Printf("Required: %s\n", arg)
		}
		switch arg {
		case "zonename":
			if tsign.Globals.Zonename == "" {
				fmt.Printf("Error: zone name not specified using --zone flag\n")
				os.Exit(1)
			}
			tsign.Globals.Zonename = dns.Fqdn(tsign.Globals.Zonename)

		case "keyid":
			if keyid == 0 {
				fmt.Printf("Error: key id not specified using --keyid flag\n")
				os.Exit(1)
			}

		case "state":
			if NewState == "" {
				fmt.Printf("Error: new state of key not specified\n")
				os.Exit(1)
			}
			switch NewState {
			case "generated", "published", "active", "retire-active", "removed":
			default:
				fmt.Printf("Error: key state \"%s\" is not known\n", NewState)
				os.Exit(1)
			}

		case "keytype":
			switch keytype {
			case "KSK", "ZSK", "CSK":
			case "":
				fmt.Printf("Error: key type not specified using --keytype flag\n")
				os.Exit(1)
			default:
				fmt.Printf("Error: key type \"%s\" is not known (KSK|ZSK|CSK)\n", keytype)
				os.Exit(1)
			}

		case "filename":
			if filename == "" {
				fmt.Printf("Error: filename not specified\n")
				os.Exit(1)
			}
			_, err := os.ReadFile(filename)
			if err != nil {
				fmt.Printf("Error reading file: %v\n", err)
				os.Exit(1)
			}

		default:
			fmt.Printf("Unknown required argument: \"%s\"\n", arg)
			os.Exit(1)
		}
	}
}

func SendCommand(data tsign.CommandPost) (string, error) {

	bytebuf := new(bytes.Buffer)
	json.NewEncoder(bytebuf).Encode(data)

	status, buf, err := tsign.Globals.Api.Post("/command", bytebuf.Bytes())
	if err != nil {
		return "", fmt.Errorf("error from api post: %v", err)
	}
	if tsign.Globals.Verbose {
		fmt.Printf("Status: %d\n", status)
	}

	var cr tsign.CommandResponse

	err = json.Unmarshal(buf, &cr)
	if err != nil {
		return "", fmt.Errorf("error from unmarshal: %v", err)
	}

	if cr.Error {
		return "", fmt.Errorf("error from tsignd: %s", cr.ErrorMsg)
	}

	return cr.Msg, nil
}

func SendCommandNG(api *tsign.ApiClient, data tsign.CommandPost) (tsign.CommandResponse, error) {
	var cr tsign.CommandResponse
	bytebuf := new(bytes.Buffer)
	json.NewEncoder(bytebuf).Encode(data)

	status, buf, err := api.Post("/command", bytebuf.Bytes())
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
