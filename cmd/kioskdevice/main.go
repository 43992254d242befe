// Command kioskdevice is a software kiosk speaker. It connects to a producer,
// plays the streams it receives and reports playback progress back.
//
// Usage:
//
//	kioskdevice [flags] run        - stay connected; each stdin line is a query
//	kioskdevice [flags] say <text> - ask one question and exit after playback
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
