// Command 65cgi serves the hardware harness's CGI contract
// (spec.md §6) over the standard library's CGI adapter: one request
// per invocation, driven by the environment variables a web server's
// CGI gateway sets.
//
// The CGI process wiring itself (environment parsing, one request per
// process) is left to net/http/cgi; this command is the thin adapter
// layer the contract handler plugs into, grounded on cmd/65soft's flag-driven, dependency-free entry
// point style.
package main

import (
	"flag"
	"io"
	"log"
	"net/http/cgi"

	"w65test/internal/hwharness"
)

func main() {
	debug := flag.Bool("debug", false, "enable verbose logging")
	flag.Parse()

	if !*debug {
		log.SetOutput(io.Discard)
	}

	h := hwharness.NewDeviceHandler()
	if err := cgi.Serve(h); err != nil {
		log.Printf("65cgi: %v", err)
	}
}
