// Command memchase measures memory latency, memory bandwidth, or loaded
// latency, depending on the -c and -l selections:
//
//	latency only:    -c must not be chaseload, -l must not be used
//	bandwidth only:  -c must not be used, -l must be used
//	loaded latency:  -c must be chaseload, -l selects the load
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/LynnColeArt/memchase"
)

// countFlag implements -v as an occurrence counter.
type countFlag int

func (c *countFlag) String() string     { return strconv.Itoa(int(*c)) }
func (c *countFlag) IsBoolFlag() bool   { return true }
func (c *countFlag) Set(_ string) error { *c++; return nil }

func usage(fs *flag.FlagSet) {
	w := os.Stderr
	fmt.Fprintf(w, "usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(w, "-a             print average latency instead of best\n")
	fmt.Fprintf(w, "               (arithmetic mean for latency runs, geometric mean for loaded latency)\n")
	fmt.Fprintf(w, "-c chase       select one of several different chases:\n")
	for _, c := range memchase.Chases() {
		fmt.Fprintf(w, "   %-12s%s\n", c.Usage, c.Help)
	}
	fmt.Fprintf(w, "               default: %s\n", memchase.Chases()[0].Name)
	fmt.Fprintf(w, "-l memload     select one of several different memloads:\n")
	for _, l := range memchase.MemLoads() {
		fmt.Fprintf(w, "   %-12s%s\n", l.Usage, l.Help)
	}
	fmt.Fprintf(w, "               default: %s\n", memchase.MemLoads()[0].Name)
	fmt.Fprintf(w, "-F nnnn[kmg]   cache flush area summed before the benchmark (default %d)\n", memchase.DefCacheFlush)
	fmt.Fprintf(w, "-p nnnn[kmg]   backing page size to use (default %d)\n", memchase.NativePageSize())
	fmt.Fprintf(w, "-H             use transparent hugepages (leave page size at default)\n")
	fmt.Fprintf(w, "-m nnnn[kmg]   total memory size (default %d)\n", memchase.DefTotalMemory)
	fmt.Fprintf(w, "               NOTE: memory size will be rounded down to a multiple of -T option\n")
	fmt.Fprintf(w, "-n nr_samples  nr of samples to use (default %d, 0 = infinite)\n", memchase.DefNrSamples)
	fmt.Fprintf(w, "-o             perform an ordered traversal (rather than random)\n")
	fmt.Fprintf(w, "-O nnnn[kmg]   offset the entire chase by nnnn bytes\n")
	fmt.Fprintf(w, "-s nnnn[kmg]   stride size (default %d)\n", memchase.DefStride)
	fmt.Fprintf(w, "-T nnnn[kmg]   TLB locality in bytes (default %d)\n", memchase.DefTLBPages*memchase.NativePageSize())
	fmt.Fprintf(w, "               NOTE: TLB locality will be rounded down to a multiple of stride\n")
	fmt.Fprintf(w, "-t nr_threads  number of threads (default 1)\n")
	fmt.Fprintf(w, "-v             verbose output (repeat for more)\n")
	fmt.Fprintf(w, "-W mbind list  list of node:weight,... pairs for allocating memory\n")
	fmt.Fprintf(w, "               0:10,1:90 weights it as 10%% on 0 and 90%% on 1\n")
	fmt.Fprintf(w, "-X             do not set thread affinity\n")
	fmt.Fprintf(w, "-y             print timestamp in front of each line\n")
	os.Exit(1)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func parseMemFlag(fs *flag.FlagSet, s, what string, out *int) {
	v, err := memchase.ParseMemArg(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s must be a non-negative integer (suffixed with k, m, or g)\n", what)
		usage(fs)
	}
	*out = v
}

func parseWeights(fs *flag.FlagSet, s string) []uint16 {
	weights := make([]uint16, memchase.MaxMemNodes)
	for _, tok := range strings.Split(s, ",") {
		node, weight, ok := strings.Cut(tok, ":")
		if !ok {
			fmt.Fprintln(os.Stderr, "expecting node_id:weight")
			usage(fs)
		}
		n, err1 := strconv.ParseUint(node, 10, 16)
		wt, err2 := strconv.ParseUint(weight, 10, 16)
		if err1 != nil || err2 != nil {
			fmt.Fprintln(os.Stderr, "expecting node_id:weight")
			usage(fs)
		}
		if n >= memchase.MaxMemNodes {
			fmt.Fprintf(os.Stderr, "maximum node_id is %d\n", memchase.MaxMemNodes-1)
			usage(fs)
		}
		weights[n] = uint16(wt)
	}
	return weights
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	fs.Usage = func() { usage(fs) }

	var (
		average   = fs.Bool("a", false, "print average latency")
		chaseOpt  = fs.String("c", "", "chase selection")
		flushOpt  = fs.String("F", "", "cache flush size")
		thp       = fs.Bool("H", false, "transparent hugepages")
		loadOpt   = fs.String("l", "", "memload selection")
		memOpt    = fs.String("m", "", "total memory size")
		samples   = fs.Int("n", memchase.DefNrSamples, "number of samples")
		ordered   = fs.Bool("o", false, "ordered traversal")
		offsetOpt = fs.String("O", "", "chase offset")
		pageOpt   = fs.String("p", "", "backing page size")
		strideOpt = fs.String("s", "", "stride size")
		tlbOpt    = fs.String("T", "", "TLB locality")
		threads   = fs.Int("t", 1, "number of threads")
		weightOpt = fs.String("W", "", "mbind weights")
		noAffin   = fs.Bool("X", false, "do not set thread affinity")
		stamp     = fs.Bool("y", false, "timestamp output lines")
	)
	var verbosity countFlag
	fs.Var(&verbosity, "v", "verbose output")

	if err := fs.Parse(os.Args[1:]); err != nil || fs.NArg() != 0 {
		usage(fs)
	}

	cfg := memchase.DefaultConfig()
	cfg.Verbosity = int(verbosity)
	cfg.PrintTimestamp = *stamp
	cfg.UseTHP = *thp
	cfg.SetAffinity = !*noAffin
	if *pageOpt != "" {
		parseMemFlag(fs, *pageOpt, "page_size", &cfg.PageSize)
	}
	if *weightOpt != "" {
		cfg.MBindWeights = parseWeights(fs, *weightOpt)
	}

	p := &memchase.Params{
		Cfg:            cfg,
		TotalMemory:    memchase.DefTotalMemory,
		Stride:         memchase.DefStride,
		TLBLocality:    memchase.DefTLBPages * memchase.NativePageSize(),
		CacheFlushSize: memchase.DefCacheFlush,
		NrThreads:      *threads,
		NrSamples:      *samples,
		Ordered:        *ordered,
		PrintAverage:   *average,
	}
	if *memOpt != "" {
		parseMemFlag(fs, *memOpt, "total_memory", &p.TotalMemory)
		if p.TotalMemory == 0 {
			fmt.Fprintln(os.Stderr, "total_memory must be positive")
			usage(fs)
		}
	}
	if *strideOpt != "" {
		parseMemFlag(fs, *strideOpt, "stride", &p.Stride)
	}
	if *tlbOpt != "" {
		parseMemFlag(fs, *tlbOpt, "tlb_locality", &p.TLBLocality)
	}
	if *offsetOpt != "" {
		parseMemFlag(fs, *offsetOpt, "offset", &p.Offset)
	}
	if *flushOpt != "" {
		parseMemFlag(fs, *flushOpt, "cache_flush_size", &p.CacheFlushSize)
	}
	if *threads < 1 {
		fmt.Fprintln(os.Stderr, "nr_threads must be a positive integer")
		usage(fs)
	}

	// resolve the chase/memload combination into a run mode
	chaseName := memchase.Chases()[0].Name
	if *chaseOpt != "" {
		chaseName = *chaseOpt
	}
	chase, chaseArg, err := memchase.FindChase(chaseName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage(fs)
	}
	p.Chase = chase
	p.ChaseArg = chaseArg

	switch {
	case chase.Name == "chaseload":
		p.RunType = memchase.RunChaseLoaded
		loadName := memchase.MemLoads()[0].Name
		if *loadOpt != "" {
			loadName = *loadOpt
		}
		p.MemLoad, err = memchase.FindMemLoad(loadName)
	case *loadOpt != "":
		if *chaseOpt != "" {
			fmt.Fprintln(os.Stderr,
				"when using -l memload, the only valid -c selection is chaseload (loaded latency)")
			usage(fs)
		}
		p.RunType = memchase.RunBandwidth
		p.MemLoad, err = memchase.FindMemLoad(*loadOpt)
	default:
		p.RunType = memchase.RunChase
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage(fs)
	}

	if err := memchase.Run(p); err != nil {
		fatal(err)
	}
}
