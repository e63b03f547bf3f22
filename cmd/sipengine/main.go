// Command sipengine runs a SIP engine answering OPTIONS and optionally forwarding other requests.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
