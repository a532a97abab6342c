// ZapCamp is a campaign assistant for WhatsApp and Discord. It buffers
// bursts of voter messages per conversation, generates one consolidated
// reply, and delivers it in human-paced chunks during operating hours.
package main

import (
	"fmt"
	"os"

	"github.com/zapcamp/zapcamp/cmd/zapcamp/commands"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	rootCmd := commands.NewRootCmd(version)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
