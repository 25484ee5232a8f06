// Command feedsim drives feedcache against an in-memory backend and prints what
// a view would show at each step of a few optimistic-update scenarios.
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
