/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package main

// Overridden at build time via -ldflags "-X main.appVersion=...".
var appVersion = "v0.1.0"
var appName = "tsign-cli"
var appDate = "unknown"
