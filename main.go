package main

import (
	"fmt"
	"os"
)

const usage = "usage: headunit <serve|status|answer|hangup|recent>"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe()
	case "status":
		err = runStatus()
	case "answer":
		err = runCommand("answer")
	case "hangup":
		err = runCommand("hangup")
	case "recent":
		err = runRecent()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n%s\n", os.Args[1], usage)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
