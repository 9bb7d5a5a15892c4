// Command fairness measures how evenly contended atomic increments are
// granted across cores. By default it runs one thread on each cpu; use
// taskset(1) to restrict operation to fewer cpus.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/LynnColeArt/memchase"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-d delay_mask] [-s sweep_max] [-t time] [-S sep]\n"+
			"The optional delay_mask specifies a mask of cpus on which to delay the startup.\n"+
			"The optional sweep_max tests across multiple different cache lines.\n"+
			"The optional time determines how often to poll results (float in seconds).\n",
			os.Args[0])
		os.Exit(1)
	}
	var (
		delayMask = fs.String("d", "0", "mask of cpus whose startup is delayed")
		sweepMax  = fs.Int("s", 1, "number of cache lines to sweep across")
		timeSlice = fs.Float64("t", 0.5, "polling interval in seconds")
		sep       = fs.String("S", " ", "output separator; ',' selects CSV")
	)
	if err := fs.Parse(os.Args[1:]); err != nil || fs.NArg() != 0 {
		fs.Usage()
	}

	mask, err := strconv.ParseUint(*delayMask, 0, 64)
	if err != nil {
		fmt.Fprintln(os.Stderr, "-d requires a numeric mask")
		os.Exit(1)
	}

	opts := &memchase.FairnessOptions{
		DelayMask: mask,
		SweepMax:  *sweepMax,
		TimeSlice: time.Duration(*timeSlice * float64(time.Second)),
		Sep:       ' ',
	}
	if len(*sep) > 0 {
		opts.Sep = (*sep)[0]
	}
	if err := memchase.Fairness(opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
