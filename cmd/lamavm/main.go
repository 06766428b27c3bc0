// Command lamavm runs a Lama bytefile to completion, reading
// CALL_Lread input from stdin and writing CALL_Lwrite output to
// stdout.
package main

import (
	"fmt"
	"os"
	"strconv"

	"lamavm.dev/interp/bytefile"
	"lamavm.dev/interp/heap"
	"lamavm.dev/interp/interp"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <path-to-bytefile>\n", os.Args[0])
		os.Exit(2)
	}
	path := os.Args[1]

	bf, loadErrs := bytefile.Read(path)
	if loadErrs != nil {
		for _, e := range loadErrs {
			fmt.Fprintf(os.Stderr, "E %s\n", e)
		}
		os.Exit(1)
	}

	h := heap.New(os.Stdin, os.Stdout)
	in := interp.New(bf, h)

	if limit := os.Getenv("LAMAVM_STEP_LIMIT"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			in.SetStepLimit(n)
		}
	}
	if os.Getenv("LAMAVM_TRACE") == "1" {
		in.SetTrace(os.Stderr)
	}

	if _, err := in.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "E %v\n", err)
		os.Exit(1)
	}
}
