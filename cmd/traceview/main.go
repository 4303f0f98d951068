package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tinyrange/bringup/internal/trace"
)

func parseCores(s string) ([]uint32, error) {
	if s == "" {
		return nil, nil
	}
	var out []uint32
	for _, f := range strings.Split(s, ",") {
		n, err := strconv.ParseUint(strings.TrimSpace(f), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid core %q: %w", f, err)
		}
		out = append(out, uint32(n))
	}
	return out, nil
}

func parseKinds(s string) ([]trace.Kind, error) {
	if s == "" {
		return nil, nil
	}
	var out []trace.Kind
	for _, f := range strings.Split(s, ",") {
		k, err := trace.ParseKind(strings.TrimSpace(f))
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

func run() error {
	cores := flag.String("cores", "", "comma-separated core indices to show")
	kinds := flag.String("kinds", "", "comma-separated event kinds to show (exception,irq,smc,svc,power,sgi,message)")
	limit := flag.Int("limit", 100, "limit the number of entries (0 for unlimited)")
	tail := flag.Bool("tail", false, "show last N entries instead of first N")
	count := flag.Bool("count", false, "print the number of matching entries only")
	timeRange := flag.Bool("range", false, "print the earliest and latest timestamps")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `traceview - inspect bring-up trace logs

USAGE:
  traceview [flags] <filename>

FLAGS:
  -cores LIST    Only show events recorded by these cores, e.g. 0,2
  -kinds LIST    Only show these kinds, e.g. smc,power
  -limit N       Max entries to return (default: 100, 0 for unlimited)
  -tail          Show last N entries instead of first N
  -count         Print the number of matching entries
  -range         Show earliest/latest timestamps

EXAMPLES:
  traceview trace.bin                     First 100 events
  traceview -kinds power trace.bin        Every power state transition
  traceview -cores 0 -kinds irq -tail trace.bin
`)
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	reader, closer, err := trace.NewReaderFromFile(flag.Arg(0))
	if err != nil {
		return err
	}
	defer closer.Close()

	if *timeRange {
		lo, hi := reader.TimeRange()
		fmt.Printf("earliest: %d\nlatest:   %d\nspan:     %d\n", lo, hi, hi-lo)
		return nil
	}

	opts := trace.SearchOptions{}
	if opts.Cores, err = parseCores(*cores); err != nil {
		return err
	}
	if opts.Kinds, err = parseKinds(*kinds); err != nil {
		return err
	}

	if *count {
		n, err := reader.Count(opts)
		if err != nil {
			return err
		}
		fmt.Println(n)
		return nil
	}

	if *limit > 0 {
		if *tail {
			opts.LimitEnd = *limit
		} else {
			opts.LimitStart = *limit
		}
	}
	return reader.Search(opts, func(e trace.Event) error {
		fmt.Println(e.String())
		return nil
	})
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "traceview: %v\n", err)
		os.Exit(1)
	}
}
