// Command 65soft is the software harness CLI: it reads a job document
// from stdin and writes the result as a single-line document on
// stdout, exiting non-zero only on parse failure (spec.md §6).
//
// Grounded on BigBossBoolingB-VDATABPro's cmd/ entry points, which
// parse flags with the standard library's flag package and log setup
// errors with log.Fatalf before doing any real work.
package main

import (
	"flag"
	"io"
	"log"
	"os"

	"w65test/internal/swharness"
)

func main() {
	debug := flag.Bool("debug", false, "enable verbose logging")
	flag.Parse()

	if !*debug {
		log.SetOutput(io.Discard)
	}

	doc, err := swharness.Run(os.Stdin)
	if err != nil {
		log.Printf("65soft: %v", err)
		os.Exit(1)
	}

	line, err := doc.MarshalLine()
	if err != nil {
		log.Printf("65soft: %v", err)
		os.Exit(1)
	}
	os.Stdout.Write(line)
	os.Stdout.Write([]byte("\n"))
}
