/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package main

import (
	"github.com/johanix/tsign/tsign"
	"github.com/johanix/tsign/tsign-cli/cmd"
)

func main() {
	tsign.Globals.App.Name = appName
	tsign.Globals.App.Version = appVersion
	tsign.Globals.App.Date = appDate
	cmd.Execute()
}
