// Command relayserver runs the DarkSwap relay (C7): a WebRTC signaling
// endpoint plus circuit relay v2 bookkeeping, external to the darkswapd
// node it brokers connections for.
package main

import (
	"flag"
	"net/http"
	"os"

	log "github.com/sirupsen/logrus"

	core "darkswap/core"
)

func main() {
	listen := flag.String("listen", ":9443", "listen address")
	jwtSecretEnv := flag.String("jwt-secret-env", "DARKSWAP_RELAY_JWT_SECRET", "environment variable holding the JWT HMAC secret; empty disables auth")
	maxReservations := flag.Int("max-reservations", 100, "max active circuit reservations")
	maxCircuitsPerPeer := flag.Int("max-circuits-per-peer", 8, "max concurrent circuits per peer")
	flag.Parse()

	log.SetFormatter(&log.JSONFormatter{})
	logger := log.New()
	logger.SetFormatter(&log.JSONFormatter{})

	var secret []byte
	if v := os.Getenv(*jwtSecretEnv); v != "" {
		secret = []byte(v)
	} else {
		logger.Warn("relayserver: no JWT secret configured, auth disabled")
	}

	auth := core.NewPeerAuthRegistry()
	caps := core.CircuitCaps{
		MaxReservations:    *maxReservations,
		MaxCircuitsPerPeer: *maxCircuitsPerPeer,
	}
	srv := core.NewRelayServer(secret, auth, caps, logger)

	logger.Printf("relayserver listening on %s", *listen)
	logger.Fatal(http.ListenAndServe(*listen, srv.Router()))
}
