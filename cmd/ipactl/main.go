// Command ipactl drives the breakpoint engine from the command line: it
// replays scripted scenarios, checks watch-list patterns, inspects the hit
// journal and runs a standalone agent.
//
// Usage:
//
//	ipactl replay pkg/replay/testdata/scenarios/*.yaml
//	ipactl match handle_request 'handle_* ??_init'
//	ipactl hits --db ipa-hits.db --limit 20
//	IPA_BACKEND_URL=ws://localhost:19999/api/ipa/agent/v1 ipactl agent --metrics-addr :9464
package main

import (
	"fmt"
	"os"
)

func main() {
	cmd := NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(GetExitCode(err))
	}
}
