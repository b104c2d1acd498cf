/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package tsign

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func WalkRoutes(router *mux.Router, address string) {
	log.Printf("Defined API endpoints for router on: %s\n", address)

	walker := func(route *mux.Route, router *mux.Router, ancestors []*mux.Route) error {
		path, _ := route.GetPathTemplate()
		methods, _ := route.GetMethods()
		for m := range methods {
			log.Printf("%-6s %s\n", methods[m], path)
		}
		return nil
	}
	if err := router.Walk(walker); err != nil {
		log.Panicf("Logging err: %s\n", err.Error())
	}
}

// SetupAPIRouter defines the management API. All endpoints except
// /metrics require a valid X-API-Key header.
func SetupAPIRouter(conf *Config) (*mux.Router, error) {
	kdb := conf.Internal.KeyDB
	r := mux.NewRouter().StrictSlash(true)
	apikey := conf.Apiserver.ApiKey
	if apikey == "" {
		return nil, fmt.Errorf("apiserver.apikey is not set")
	}

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	sr := r.PathPrefix("/api/v1").Headers("X-API-Key", apikey).Subrouter()

	sr.HandleFunc("/ping", APIping(conf)).Methods("POST")
	sr.HandleFunc("/command", APIcommand(conf)).Methods("POST")
	sr.HandleFunc("/keystore", kdb.APIkeystore()).Methods("POST")
	sr.HandleFunc("/zone", APIzone(conf)).Methods("POST")
	sr.HandleFunc("/journal", APIjournal(conf)).Methods("POST")

	return r, nil
}

func APIdispatcher(conf *Config, router *mux.Router, done <-chan struct{}) error {
	addresses := conf.Apiserver.Addresses
	certFile := conf.Apiserver.CertFile
	keyFile := conf.Apiserver.KeyFile

	if len(addresses) == 0 {
		log.Println("APIdispatcher: no addresses to listen on (key 'apiserver.addresses' not set). Not starting.")
		return fmt.Errorf("no addresses to listen on")
	}

	WalkRoutes(router, addresses[0])
	log.Println("")

	servers := make([]*http.Server, len(addresses))

	for idx, address := range addresses {
		idxCopy := idx
		servers[idx] = &http.Server{
			Addr:    address,
			Handler: router,
		}

		go func(srv *http.Server, idx int) {
			log.Printf("Starting API dispatcher #%d. Listening on '%s'\n", idx, srv.Addr)
			if certFile != "" && keyFile != "" {
				if err := srv.ListenAndServeTLS(certFile, keyFile); err != http.ErrServerClosed {
					log.Fatalf("ListenAndServeTLS(): %v", err)
				}
			} else {
				log.Printf("APIdispatcher: no cert/key configured, serving plain HTTP on '%s'", srv.Addr)
				if err := srv.ListenAndServe(); err != http.ErrServerClosed {
					log.Fatalf("ListenAndServe(): %v", err)
				}
			}
		}(servers[idx], idxCopy)
	}

	go func() {
		<-done
		log.Println("Shutting down API servers...")
		for _, srv := range servers {
			if err := srv.Shutdown(context.Background()); err != nil {
				log.Printf("API server Shutdown: %v", err)
			}
		}
	}()

	return nil
}
