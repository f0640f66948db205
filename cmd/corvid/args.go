package main

import (
	"flag"
	"fmt"
	"path/filepath"
)

// Args are command line arguments.
type Args struct {
	ConfigFile    string
	ProxyProtocol bool
	MetricsAddr   string
}

func getArgs() (Args, error) {
	configFile := flag.String("config", "", "Configuration file.")
	proxyProtocol := flag.Bool("proxy-protocol", false, "Trust an inbound PROXY protocol header from a front-end load balancer.")
	metricsAddr := flag.String("metrics-addr", "", "If set, serve Prometheus metrics on this address.")

	flag.Parse()

	if len(*configFile) == 0 {
		flag.PrintDefaults()
		return Args{}, fmt.Errorf("you must provide a configuration file")
	}

	configPath, err := filepath.Abs(*configFile)
	if err != nil {
		return Args{}, fmt.Errorf("unable to determine absolute path to config file: %s: %s",
			*configFile, err)
	}

	return Args{
		ConfigFile:    configPath,
		ProxyProtocol: *proxyProtocol,
		MetricsAddr:   *metricsAddr,
	}, nil
}
