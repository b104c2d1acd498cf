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
	"sort"
	"strings"

	"github.com/johanix/tsign/tsign"
	"github.com/miekg/dns"
	"github.com/ryanuber/columnize"
	"github.com/spf13/cobra"
)

var KeystoreCmd = &cobra.Command{
	Use:   "keystore",
	Short: "Prefix command, only usable via sub-commands",
	Long: `The tsignd keystore is where DNSSEC key pairs for zones are kept.
The CLI contains functions for listing keys, generating and importing
keys, moving keys through their lifecycle states and deleting keys.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("keystore called. This is likely a mistake, sub command needed")
	},
}

var keystoreDnssecCmd = &cobra.Command{
	Use:   "dnssec",
	Short: "Prefix command, only usable via sub-commands",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("keystore dnssec called (this is an empty prefix command)")
	},
}

var keystoreDnssecListCmd = &cobra.Command{
	Use:   "list",
	Short: "List DNSSEC key pairs in the keystore",
	Long: `List DNSSEC key pairs in the keystore. With --zone only the keys for
that zone are listed, otherwise all keys.`,
	Run: func(cmd *cobra.Command, args []string) {
		err := DnssecKeyMgmt("list")
		if err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	},
}

var keystoreDnssecGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new DNSSEC key pair and add it to the keystore",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("zonename", "keytype")
		err := DnssecKeyMgmt("generate")
		if err != nil {
			fmt.Printf("Error from DnssecKeyMgmt(): %v\n", err)
		}
	},
}

var keystoreDnssecImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import an existing DNSSEC key pair into the keystore",
	Long: `Import an existing DNSSEC key pair into the keystore. Required arguments
are the name of the file containing the private key (BIND .private format,
with the corresponding .key file next to it) and the name of the zone.`,
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("filename", "zonename")
		err := DnssecKeyMgmt("import")
		if err != nil {
			fmt.Printf("Error from DnssecKeyMgmt(): %v\n", err)
		}
	},
}

var keystoreDnssecSetStateCmd = &cobra.Command{
	Use:   "setstate",
	Short: "Set the state of an existing DNSSEC key pair in the keystore",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("keyid", "zonename", "state")

		err := DnssecKeyMgmt("setstate")
		if err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	},
}

var keystoreDnssecDsSubmittedCmd = &cobra.Command{
	Use:   "ds-submitted",
	Short: "Record that the DS for a KSK has been submitted to the parent",
	Long: `Record that the DS record for a KSK has been submitted to the parent zone.
A new KSK is held in the published state until its DS is known to have been
submitted; this command provides that signal when the submission is done
out of band.`,
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("keyid", "zonename")

		err := DnssecKeyMgmt("ds-submitted")
		if err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	},
}

var keystoreDnssecDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a DNSSEC key pair from the keystore",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("keyid", "zonename")

		err := DnssecKeyMgmt("delete")
		if err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	},
}

func init() {
	KeystoreCmd.AddCommand(keystoreDnssecCmd)

	keystoreDnssecCmd.AddCommand(keystoreDnssecListCmd, keystoreDnssecGenerateCmd, keystoreDnssecImportCmd)
	keystoreDnssecCmd.AddCommand(keystoreDnssecSetStateCmd, keystoreDnssecDsSubmittedCmd, keystoreDnssecDeleteCmd)

	keystoreDnssecImportCmd.Flags().StringVarP(&filename, "file", "f", "", "Name of file containing the private DNSSEC key")
	keystoreDnssecImportCmd.MarkFlagRequired("file")
	keystoreDnssecImportCmd.Flags().StringVarP(&NewState, "state", "", "", "State of imported key (generated|published|active)")
	keystoreDnssecDeleteCmd.Flags().IntVarP(&keyid, "keyid", "", 0, "Key ID of key to delete")
	keystoreDnssecSetStateCmd.Flags().IntVarP(&keyid, "keyid", "", 0, "Key ID of key to modify")
	keystoreDnssecSetStateCmd.Flags().StringVarP(&NewState, "state", "", "", "New state of key (generated|published|active|retire-active|removed)")
	keystoreDnssecDsSubmittedCmd.Flags().IntVarP(&keyid, "keyid", "", 0, "Key ID of the KSK whose DS has been submitted")
	keystoreDnssecGenerateCmd.Flags().StringVarP(&keytype, "keytype", "", "", "Key type to generate (KSK|ZSK|CSK)")
	keystoreDnssecGenerateCmd.Flags().StringVarP(&tsign.Globals.Algorithm, "algorithm", "a", "ECDSAP256SHA256", "Algorithm to use for key generation")
	keystoreDnssecGenerateCmd.MarkFlagRequired("keytype")
}

func DnssecKeyMgmt(cmd string) error {
	data := tsign.KeystorePost{
		Command:    "dnssec",
		SubCommand: cmd,
	}

	switch cmd {
	case "list":
		data.Zone = tsign.Globals.Zonename

	case "generate":
		data.Zone = tsign.Globals.Zonename
		data.Algorithm = dns.StringToAlgorithm[strings.ToUpper(tsign.Globals.Algorithm)]
		if data.Algorithm == 0 {
			log.Fatalf("Error: algorithm %q is unknown", tsign.Globals.Algorithm)
		}
		switch keytype {
		case "KSK", "CSK":
			data.Flags = 257
		case "ZSK":
			data.Flags = 256
		}

	case "import":
		pkc, err := tsign.ReadPrivateKey(filename)
		if err != nil {
			log.Fatalf("Error reading key '%s': %v", filename, err)
		}
		if pkc == nil {
			log.Fatalf("Error: no DNSKEY found in keyfile '%s'", filename)
		}

		fmt.Printf("DNSKEY RR: %s\n", pkc.KeyRR.String())

		if pkc.KeyRR.Header().Name != tsign.Globals.Zonename {
			log.Fatalf("Error: name of zone (%s) and name of key (%s) do not match",
				tsign.Globals.Zonename, pkc.KeyRR.Header().Name)
		}

		data.Zone = tsign.Globals.Zonename
		data.PrivateKey = pkc.PrivateKeyString()
		data.KeyRR = pkc.KeyRR.String()
		data.State = NewState

	case "delete", "ds-submitted":
		data.Keyid = uint16(keyid)
		data.Zone = tsign.Globals.Zonename

	case "setstate":
		data.Keyid = uint16(keyid)
		data.Zone = tsign.Globals.Zonename
		data.State = NewState

	default:
		fmt.Printf("Unknown keystore command: \"%s\"\n", cmd)
		os.Exit(1)
	}

	if tsign.Globals.Debug {
		log.Printf("DnssecKeyMgmt: calling SendKeystoreCmd with data=%v", data)
	}

	tr, err := SendKeystoreCmd(tsign.Globals.Api, data)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	if tr.Error {
		fmt.Printf("Error from tsignd: %s\n", tr.ErrorMsg)
		os.Exit(1)
	}

	switch cmd {
	case "list":
		var out []string
		if len(tr.Dnskeys) > 0 {
			fmt.Printf("Known DNSSEC key pairs:\n")
			for k, v := range tr.Dnskeys {
				tmp := strings.Split(k, "::")
				since := "-"
				if st := v.StageTime(v.State); !st.IsZero() {
					since = st.Format(tsign.TimeLayout)
				}
				out = append(out, fmt.Sprintf("%s|%s|%s|%s|%d|%s|%s|%.50s...\n",
					tmp[0], v.State, since, tmp[1], v.Flags, dns.AlgorithmToString[v.Algorithm],
					v.PrivateKey, v.Keystr))
			}
			sort.Strings(out)
			if tsign.Globals.ShowHeaders {
				out = append([]string{"Zone|State|Since|KeyID|Flags|Algorithm|PrivKey|DNSKEY Record"}, out...)
			}

			fmt.Printf("%s\n", columnize.SimpleFormat(out))
		} else {
			fmt.Printf("No DNSSEC key pairs found\n")
		}

	case "generate", "import", "delete", "setstate", "ds-submitted":
		if tr.Msg != "" {
			fmt.Printf("%s\n", tr.Msg)
		}
	}

	return nil
}

func SendKeystoreCmd(api *tsign.ApiClient, data tsign.KeystorePost) (tsign.KeystoreResponse, error) {

	var kr tsign.KeystoreResponse

	bytebuf := new(bytes.Buffer)
	json.NewEncoder(bytebuf).Encode(data)

	status, buf, err := api.Post("/keystore", bytebuf.Bytes())
	if err != nil {
		log.Println("Error from Api Post:", err)
		return kr, fmt.Errorf("error from api post: %v", err)
	}
	if tsign.Globals.Verbose {
		fmt.Printf("Status: %d\n", status)
	}

	err = json.Unmarshal(buf, &kr)
	if err != nil {
		return kr, fmt.Errorf("error from unmarshal: %v", err)
	}

	if kr.Error {
		return kr, fmt.Errorf("%s", kr.ErrorMsg)
	}

	return kr, nil
}
