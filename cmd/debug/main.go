package main

import (
	"flag"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/tinyrange/go32stub/internal/debug"
)

func run() error {
	list := flag.Bool("list", false, "list all sources in the trace")
	sample := flag.Bool("sample", false, "print one record from each matched source")
	timeRange := flag.Bool("range", false, "print the earliest and latest timestamps")
	source := flag.String("source", "", "regex to filter sources")
	match := flag.String("match", "", "regex to filter messages")
	limit := flag.Int("limit", 100, "limit the number of entries (0 for unlimited)")
	tail := flag.Bool("tail", false, "show last N entries instead of first N")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `debug - inspect go32stub trace files

USAGE:
  debug [flags] <filename>

FLAGS:
  -list          List all unique source names in the trace, one per line
  -sample        Print one record from each matched source
  -range         Show earliest/latest timestamps and total duration
  -source REGEX  Only show entries where source matches regex (Go regexp syntax)
  -match REGEX   Only show entries where message matches regex (Go regexp syntax)
  -limit N       Max entries to return (default: 100). Errors if exceeded; use -tail or 0 for unlimited
  -tail          Show last N entries instead of first N (combine with -limit)

SOURCES:
  stub/<state>   One record per bootstrap state (chain-walk, negotiate, ...)
  dpmi           One record per host service call

EXAMPLES:
  debug boot.bin                         Show entries (errors if >100)
  debug -list boot.bin                   List all source names
  debug -source '^stub/' boot.bin        Only bootstrap states
  debug -source dpmi -match carry boot.bin   Failed host calls
`)
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	reader, err := debug.NewReaderFromFile(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to open trace: %w", err)
	}

	if *list {
		for _, src := range reader.Sources() {
			fmt.Println(src)
		}
		return nil
	}

	var sourceRe, matchRe *regexp.Regexp
	if *source != "" {
		if sourceRe, err = regexp.Compile(*source); err != nil {
			return fmt.Errorf("invalid source regex: %w", err)
		}
	}
	if *match != "" {
		if matchRe, err = regexp.Compile(*match); err != nil {
			return fmt.Errorf("invalid match regex: %w", err)
		}
	}

	var entries []debug.Entry
	seen := make(map[string]bool)
	if err := reader.Each(func(e debug.Entry) error {
		if sourceRe != nil && !sourceRe.MatchString(e.Source) {
			return nil
		}
		if matchRe != nil && !matchRe.Match(e.Data) {
			return nil
		}
		if *sample {
			if seen[e.Source] {
				return nil
			}
			seen[e.Source] = true
		}
		entries = append(entries, e)
		return nil
	}); err != nil {
		return fmt.Errorf("failed to read trace: %w", err)
	}

	if *timeRange {
		if len(entries) == 0 {
			return fmt.Errorf("no entries")
		}
		earliest, latest := entries[0].Time, entries[0].Time
		for _, e := range entries[1:] {
			if e.Time.Before(earliest) {
				earliest = e.Time
			}
			if e.Time.After(latest) {
				latest = e.Time
			}
		}
		fmt.Printf("earliest: %s\nlatest:   %s\nduration: %s\n",
			earliest.Format(time.RFC3339Nano), latest.Format(time.RFC3339Nano), latest.Sub(earliest))
		return nil
	}

	if *limit > 0 && len(entries) > *limit {
		switch {
		case *tail:
			entries = entries[len(entries)-*limit:]
		case *limit == 100:
			return fmt.Errorf("too many entries: %d (limit is %d). Use -tail for last %d, or explicitly set a limit using -limit", len(entries), *limit, *limit)
		default:
			entries = entries[:*limit]
		}
	}

	for _, e := range entries {
		fmt.Println(e.String())
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "debug: %v\n", err)
		os.Exit(1)
	}
}
