/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/johanix/tsign/tsign"
)

func mainloop(conf *tsign.Config) {
	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	hupper := make(chan os.Signal, 1)
	signal.Notify(hupper, syscall.SIGHUP)

	var err error
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		for {
			select {
			case <-exit:
				log.Println("mainloop: Exit signal received. Cleaning up.")
				wg.Done()
			case <-hupper:
				log.Println("mainloop: SIGHUP received. Forcing refresh of all configured zones.")
				err = tsign.ParseConfig(conf, true)
				if err != nil {
					log.Fatalf("Error parsing config: %v", err)
				}
				_, err = tsign.ParseZones(conf, true)
				if err != nil {
					log.Fatalf("Error parsing zones: %v", err)
				}

			case <-conf.Internal.APIStopCh:
				log.Println("mainloop: Stop command received. Cleaning up.")
				wg.Done()
			}
		}
	}()
	wg.Wait()

	fmt.Println("mainloop: leaving signal dispatcher")
}

func main() {
	var conf tsign.Config

	conf.ServerBootTime = time.Now()
	conf.ServerConfigTime = time.Now()
	conf.AppVersion = appVersion
	conf.AppName = appName

	tsign.Globals.App.Name = appName
	tsign.Globals.App.Version = appVersion
	tsign.Globals.App.Date = appDate

	flag.BoolVarP(&tsign.Globals.Debug, "debug", "d", false, "Debug mode")
	flag.BoolVarP(&tsign.Globals.Verbose, "verbose", "v", false, "Verbose mode")
	flag.Parse()

	err := tsign.ParseConfig(&conf, false)
	if err != nil {
		log.Fatalf("Error parsing config: %v", err)
	}

	logfile := viper.GetString("log.file")
	tsign.SetupLogging(logfile)
	fmt.Printf("Logging to file: %s\n", logfile)

	fmt.Printf("%s version %s starting.\n", appName, appVersion)

	var stopch = make(chan struct{}, 10)

	_, err = tsign.ParseZones(&conf, false)
	if err != nil {
		log.Fatalf("Error parsing zones: %v", err)
	}

	conf.Internal.SignQ = make(chan *tsign.ZoneData, 10)
	go tsign.SignerEngine(&conf, stopch)

	apistopper := make(chan struct{})
	conf.Internal.APIStopCh = apistopper

	router, err := tsign.SetupAPIRouter(&conf)
	if err != nil {
		log.Fatalf("Error setting up API router: %v", err)
	}
	go tsign.APIdispatcher(&conf, router, apistopper)

	mainloop(&conf)
}
