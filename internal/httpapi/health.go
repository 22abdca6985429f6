package httpapi

import (
	"net"
	"time"

	"github.com/heptiolabs/healthcheck"
)

// maxGoroutines flags a leak of sessions or stream handlers.
const maxGoroutines = 10000

// NewHealth builds the liveness and readiness checks. The process is ready
// once the SMTP listener at smtpAddr accepts connections.
func NewHealth(smtpAddr string) healthcheck.Handler {
	h := healthcheck.NewHandler()

	h.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(maxGoroutines))
	h.AddReadinessCheck("smtp", healthcheck.TCPDialCheck(dialAddr(smtpAddr), time.Second))

	return h
}

// dialAddr turns a listen address such as ":1025" into one that can be
// dialled.
func dialAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	switch host {
	case "", "0.0.0.0":
		host = "127.0.0.1"
	case "::":
		host = "::1"
	}
	return net.JoinHostPort(host, port)
}
