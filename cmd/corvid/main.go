// Command corvid runs the IRC server daemon core: connection registration,
// the user/server entity model, and inter-server propagation.
package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hallowell-irc/corvid/internal/corvid"
)

func main() {
	log.SetFlags(0)

	args, err := getArgs()
	if err != nil {
		log.Fatal(err)
	}

	cfg, err := corvid.LoadConfig(args.ConfigFile)
	if err != nil {
		log.Fatalf("configuration problem: %s", err)
	}

	rt := corvid.NewRuntime(cfg, corvid.DefaultUModes(), corvid.DefaultCModes())
	rt.SetNoticeSink(func(kind string, fields map[string]string) {
		log.Printf("notice: %s %v", kind, fields)
	})

	if err := rt.Listen(args.ProxyProtocol); err != nil {
		log.Fatalf("unable to listen: %s", err)
	}

	if args.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(args.MetricsAddr, mux); err != nil {
				log.Printf("metrics server exited: %s", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigChan {
			if sig == syscall.SIGHUP {
				newCfg, err := corvid.LoadConfig(args.ConfigFile)
				if err != nil {
					log.Printf("rehash failed: %s", err)
					continue
				}
				*cfg = *newCfg
				log.Printf("rehashed configuration")
				continue
			}
			log.Printf("received %s, shutting down", sig)
			rt.Shutdown()
			return
		}
	}()

	rt.Run()

	log.Printf("server shutdown cleanly")
}
