// Command pingpong measures the latency to communicate a modified cache
// line between each pair of cores. Use taskset(1) to restrict the tested
// cpus.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/LynnColeArt/memchase"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr,
			"usage: %s [-l | -u | -x] [-r nr_relax] [-s nr_array_elts_to_dirty] [-c nr_tested_cores]\n",
			os.Args[0])
		os.Exit(1)
	}
	var (
		locked   = fs.Bool("l", false, "communicate with a locked compare-and-swap")
		unlocked = fs.Bool("u", false, "communicate with a separate load and store (no compare-and-swap)")
		xadd     = fs.Bool("x", false, "communicate through an atomic fetch-add")
		nrRelax  = fs.Int("r", 10, "cpu_relax iterations between attempts")
		nrElts   = fs.Int("s", 0, "array elements to dirty on each handover")
		nrCores  = fs.Int("c", 0, "number of origin cores to test (0 = all)")
	)
	if err := fs.Parse(os.Args[1:]); err != nil || fs.NArg() != 0 {
		fs.Usage()
	}

	nrModes := 0
	mode := memchase.PingPongLocked
	if *locked {
		nrModes++
	}
	if *unlocked {
		mode = memchase.PingPongUnlocked
		nrModes++
	}
	if *xadd {
		mode = memchase.PingPongXadd
		nrModes++
	}
	if nrModes != 1 {
		fmt.Fprintln(os.Stderr, "must specify exactly one of -u, -l or -x")
		os.Exit(1)
	}

	err := memchase.PingPong(&memchase.PingPongOptions{
		Mode:          mode,
		NrRelax:       *nrRelax,
		NrArrayElts:   *nrElts,
		NrTestedCores: *nrCores,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
