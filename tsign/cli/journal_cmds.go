/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cli

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/johanix/tsign/tsign"
	"github.com/ryanuber/columnize"
	"github.com/spf13/cobra"
)

var validfrom string

var JournalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Prefix command, only usable via sub-commands",
	Long: `The journal holds pre-signed snapshots of the apex key RRsets
(DNSKEY, CDNSKEY, CDS plus their RRSIGs) for zones where the KSK is kept
offline. Each snapshot has a validfrom timestamp; the signer picks the
snapshot in effect for the current time on every signing pass.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("journal called. This is likely a mistake, sub command needed")
	},
}

var journalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the journal entries for a zone",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("zonename")

		jr, err := SendJournalCmd(tsign.Globals.Api, tsign.JournalPost{
			Command: "list",
			Zone:    tsign.Globals.Zonename,
		})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

		if len(jr.Entries) > 0 {
			var out []string
			if tsign.Globals.ShowHeaders {
				out = append(out, "ValidFrom|DNSKEY|CDNSKEY|CDS|RRSIG")
			}
			for _, e := range jr.Entries {
				out = append(out, fmt.Sprintf("%s|%d|%d|%d|%d",
					e.ValidFrom.Format(tsign.TimeLayout), e.Dnskeys, e.Cdnskeys, e.Cdss, e.Rrsigs))
			}
			fmt.Printf("%s\n", columnize.SimpleFormat(out))
		} else {
			fmt.Printf("No journal entries found for zone %s\n", tsign.Globals.Zonename)
		}
	},
}

var journalLastCmd = &cobra.Command{
	Use:   "last",
	Short: "Show when journal coverage for a zone starts to run out",
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("zonename")

		jr, err := SendJournalCmd(tsign.Globals.Api, tsign.JournalPost{
			Command: "last",
			Zone:    tsign.Globals.Zonename,
		})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

		if jr.Msg != "" {
			fmt.Printf("%s\n", jr.Msg)
		}
	},
}

var journalAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add an externally signed snapshot to the journal",
	Long: `Add an externally signed snapshot to the journal. The file must contain
a serialized key record set as produced on the machine holding the offline
KSK. The --validfrom timestamp states when the snapshot takes effect.`,
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("zonename", "filename")

		when := parseValidFrom(validfrom)
		if when.IsZero() {
			fmt.Printf("Error: --validfrom timestamp is required for journal add\n")
			os.Exit(1)
		}

		blob, err := os.ReadFile(filename)
		if err != nil {
			fmt.Printf("Error reading file '%s': %v\n", filename, err)
			os.Exit(1)
		}

		jr, err := SendJournalCmd(tsign.Globals.Api, tsign.JournalPost{
			Command:   "add",
			Zone:      tsign.Globals.Zonename,
			ValidFrom: when,
			Records:   base64.StdEncoding.EncodeToString(blob),
		})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

		if jr.Msg != "" {
			fmt.Printf("%s\n", jr.Msg)
		}
	},
}

var journalSignCmd = &cobra.Command{
	Use:   "sign",
	Short: "Have tsignd sign a new journal snapshot for a zone",
	Long: `Have tsignd build and sign a new journal snapshot for a zone. This only
works when the KSK private key is present in the keystore. Without
--validfrom the snapshot is timestamped to extend the existing chain.`,
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("zonename")

		jr, err := SendJournalCmd(tsign.Globals.Api, tsign.JournalPost{
			Command:   "sign",
			Zone:      tsign.Globals.Zonename,
			ValidFrom: parseValidFrom(validfrom),
		})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

		if jr.Msg != "" {
			fmt.Printf("%s\n", jr.Msg)
		}
	},
}

var journalRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove journal entries for a zone",
	Long: `Remove journal entries for a zone. With --validfrom all entries up to
and including that timestamp are removed. Without --validfrom the entire
journal for the zone is cleared, which requires --force.`,
	Run: func(cmd *cobra.Command, args []string) {
		PrepArgs("zonename")

		when := parseValidFrom(validfrom)
		if when.IsZero() && !force {
			fmt.Printf("Error: no --validfrom given; refusing to clear the whole journal without --force\n")
			os.Exit(1)
		}

		jr, err := SendJournalCmd(tsign.Globals.Api, tsign.JournalPost{
			Command:   "remove",
			Zone:      tsign.Globals.Zonename,
			ValidFrom: when,
		})
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

		if jr.Msg != "" {
			fmt.Printf("%s\n", jr.Msg)
		}
	},
}

func init() {
	JournalCmd.AddCommand(journalListCmd, journalLastCmd, journalAddCmd)
	JournalCmd.AddCommand(journalSignCmd, journalRemoveCmd)

	journalAddCmd.Flags().StringVarP(&filename, "file", "f", "", "Name of file containing serialized key records")
	journalAddCmd.MarkFlagRequired("file")
	journalAddCmd.Flags().StringVarP(&validfrom, "validfrom", "t", "", "Timestamp when the snapshot takes effect (RFC3339 or \"2006-01-02 15:04:05\")")
	journalAddCmd.MarkFlagRequired("validfrom")
	journalSignCmd.Flags().StringVarP(&validfrom, "validfrom", "t", "", "Timestamp when the snapshot takes effect (default: extend the chain)")
	journalRemoveCmd.Flags().StringVarP(&validfrom, "validfrom", "t", "", "Remove entries valid from this timestamp or earlier")
	journalRemoveCmd.Flags().BoolVarP(&force, "force", "F", false, "force operation")
}

func parseValidFrom(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse(tsign.TimeLayout, s)
		if err != nil {
			log.Fatalf("Error: cannot parse timestamp %q (want RFC3339 or %q)", s, tsign.TimeLayout)
		}
	}
	return t
}

func SendJournalCmd(api *tsign.ApiClient, data tsign.JournalPost) (tsign.JournalResponse, error) {

	var jr tsign.JournalResponse

	bytebuf := new(bytes.Buffer)
	json.NewEncoder(bytebuf).Encode(data)

	status, buf, err := api.Post("/journal", bytebuf.Bytes())
	if err != nil {
		log.Println("Error from Api Post:", err)
		return jr, fmt.Errorf("error from api post: %v", err)
	}
	if tsign.Globals.Verbose {
		fmt.Printf("Status: %d\n", status)
	}

	err = json.Unmarshal(buf, &jr)
	if err != nil {
		return jr, fmt.Errorf("error from unmarshal: %v", err)
	}

	if jr.Error {
		return jr, fmt.Errorf("%s", jr.ErrorMsg)
	}

	return jr, nil
}
