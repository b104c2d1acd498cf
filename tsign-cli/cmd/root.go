/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/johanix/tsign/tsign"
)

var cfgFile, cfgFileUsed string
var LocalConfig string

var rootCmd = &cobra.Command{
	Use:   "tsign-cli",
	Short: "tsign-cli is a tool used to interact with the tsignd signer via API",
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

func init() {
	cobra.OnInitialize(initConfig, initApi)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		fmt.Sprintf("config file (default is %s)", tsign.DefaultCliCfgFile))
	rootCmd.PersistentFlags().StringVarP(&tsign.Globals.Zonename, "zone", "z", "", "zone name")

	rootCmd.PersistentFlags().BoolVarP(&tsign.Globals.Debug, "debug", "d", false, "debug output")
	rootCmd.PersistentFlags().BoolVarP(&tsign.Globals.Verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&tsign.Globals.ShowHeaders, "headers", "H", false, "show column headers on output")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigFile(tsign.DefaultCliCfgFile)
	}

	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		if tsign.Globals.Verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
		cfgFileUsed = viper.ConfigFileUsed()
	} else {
		log.Fatalf("Could not load config %s: Error: %v", viper.ConfigFileUsed(), err)
	}

	LocalConfig = viper.GetString("cli.localconfig")
	if LocalConfig != "" {
		_, err := os.Stat(LocalConfig)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Fatalf("Error stat(%s): %v", LocalConfig, err)
			}
		} else {
			viper.SetConfigFile(LocalConfig)
			if err := viper.MergeInConfig(); err != nil {
				log.Fatalf("Error merging in local config from '%s'", LocalConfig)
			} else {
				if tsign.Globals.Verbose {
					fmt.Printf("Merging in local config from '%s'\n", LocalConfig)
				}
			}
		}
		viper.SetConfigFile(LocalConfig)
	}
}

func initApi() {
	baseurl := viper.GetString("cli.tsignd.baseurl")
	apikey := viper.GetString("cli.tsignd.apikey")
	authmethod := viper.GetString("cli.tsignd.authmethod")

	tsign.Globals.Api = tsign.NewClient("tsignd", baseurl, apikey, authmethod, "insecure",
		tsign.Globals.Verbose, tsign.Globals.Debug)
	if tsign.Globals.Debug {
		fmt.Printf("initApi: API client set up (baseurl: %s)\n", tsign.Globals.Api.BaseUrl)
	}
}
