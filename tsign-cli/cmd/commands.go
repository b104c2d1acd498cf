/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cmd

import (
	cli "github.com/johanix/tsign/tsign/cli"
)

func init() {
	// From ../tsign/cli/ping.go:
	rootCmd.AddCommand(cli.PingCmd)

	// From ../tsign/cli/commands.go:
	rootCmd.AddCommand(cli.StopCmd, cli.DaemonStatusCmd)

	// From ../tsign/cli/zone_cmds.go:
	rootCmd.AddCommand(cli.ZoneCmd)

	// From ../tsign/cli/keystore_cmds.go:
	rootCmd.AddCommand(cli.KeystoreCmd)

	// From ../tsign/cli/journal_cmds.go:
	rootCmd.AddCommand(cli.JournalCmd)
}
