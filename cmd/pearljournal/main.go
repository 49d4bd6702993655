package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	plog "pearlbot.ai/internal/persistence/log"
)

func main() {
	var (
		dir      = flag.String("journal", "", "journal dir containing pearls-*.jsonl.zst")
		identity = flag.String("identity", "", "only this identity (optional)")
		pearl    = flag.Int64("pearl", 0, "print the history of one pearl id (optional)")
	)
	flag.Parse()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "missing -journal")
		os.Exit(2)
	}
	files, err := plog.Files(*dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list journal:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no journal files found in", *dir)
		os.Exit(1)
	}

	s := newSummary()
	for _, path := range files {
		err := plog.ReadFile(path, func(e plog.Entry) error {
			if *identity != "" && e.Identity != *identity {
				return nil
			}
			if *pearl != 0 {
				if e.Pearl == *pearl {
					printEntry(os.Stdout, e)
				}
				return nil
			}
			s.add(e)
			return nil
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "read %s: %v\n", path, err)
			os.Exit(1)
		}
	}
	if *pearl == 0 {
		s.print(os.Stdout)
	}
}

type counts struct {
	Spawned, Landed, Lost, Claimed int
	Retrieved, Abandoned, Timeouts int
	Disconnects                    int
}

type summary struct {
	runs  map[string]struct{}
	per   map[string]*counts
	total counts
	// owners counts retrieved pearls by thrower.
	owners map[string]int
}

func newSummary() *summary {
	return &summary{runs: map[string]struct{}{}, per: map[string]*counts{}, owners: map[string]int{}}
}

func (s *summary) add(e plog.Entry) {
	s.runs[e.RunID] = struct{}{}
	if e.Source == plog.SourceRetrieval && e.Reason == "picked_up" && e.Owner != "" {
		s.owners[e.Owner]++
	}
	c := s.per[e.Identity]
	if c == nil {
		c = &counts{}
		s.per[e.Identity] = c
	}
	for _, dst := range []*counts{c, &s.total} {
		switch e.Source {
		case plog.SourceTracker:
			switch e.Kind {
			case "spawned":
				dst.Spawned++
			case "landed":
				dst.Landed++
			case "lost":
				dst.Lost++
			case "claimed":
				dst.Claimed++
			}
		case plog.SourceRetrieval:
			switch e.Reason {
			case "picked_up":
				dst.Retrieved++
			case "unreachable", "aborted", "nav_error", "target_despawned":
				dst.Abandoned++
			case "nav_timeout", "collect_timeout":
				dst.Timeouts++
			}
		case plog.SourceAgent:
			if e.Kind == "disconnected" {
				dst.Disconnects++
			}
		}
	}
}

func (s *summary) print(out io.Writer) {
	ids := make([]string, 0, len(s.per))
	for id := range s.per {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Fprintf(out, "runs=%d identities=%d\n", len(s.runs), len(ids))
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "identity\tspawned\tlanded\tlost\tclaimed\tretrieved\tabandoned\ttimeouts\tdisconnects")
	row := func(name string, c counts) {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			name, c.Spawned, c.Landed, c.Lost, c.Claimed, c.Retrieved, c.Abandoned, c.Timeouts, c.Disconnects)
	}
	for _, id := range ids {
		row(id, *s.per[id])
	}
	row("TOTAL", s.total)
	_ = tw.Flush()

	owners := make([]string, 0, len(s.owners))
	for o := range s.owners {
		owners = append(owners, o)
	}
	sort.Strings(owners)
	for _, o := range owners {
		fmt.Fprintf(out, "retrieved for %s: %d\n", o, s.owners[o])
	}
}

func printEntry(out io.Writer, e plog.Entry) {
	line := fmt.Sprintf("%s %s %s/%s", e.Time.Format("15:04:05.000"), e.Identity, e.Source, e.Kind)
	if e.Owner != "" {
		line += " owner=" + e.Owner
	}
	if e.From != "" {
		line += " from=" + e.From
	}
	if e.Reason != "" {
		line += " reason=" + e.Reason
	}
	if e.Pos != nil {
		line += fmt.Sprintf(" pos=(%.2f,%.2f,%.2f)", e.Pos[0], e.Pos[1], e.Pos[2])
	}
	if e.Claimed {
		line += " claimed"
	}
	fmt.Fprintln(out, line)
}
