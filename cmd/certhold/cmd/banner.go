package cmd

import (
	"fmt"
)

const banner = `
                 _   _           _     _
  ___ ___ _ __ | |_| |__   ___ | | __| |
 / __/ _ \ '__|| __| '_ \ / _ \| |/ _` + "`" + ` |
| (_|  __/ |   | |_| | | | (_) | | (_| |
 \___\___|_|    \__|_| |_|\___/|_|\__,_|

`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Certificate Authority Manager - Version %s\x1b[0m\n\n", Version)
}
