package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/mutrun"
)

// Output formats.
const (
	formatTable = "table"
	formatYAML  = "yaml"
)

// Summary describes an engine after a simulation or a snapshot load.
type Summary struct {
	Snapshot      string              `yaml:"snapshot,omitempty"`
	Generation    int64               `yaml:"generation"`
	Genomes       int                 `yaml:"genomes"`
	NullGenomes   int                 `yaml:"null_genomes"`
	Mutations     int                 `yaml:"mutations"`
	Substitutions int                 `yaml:"substitutions"`
	LiveRuns      int                 `yaml:"live_runs"`
	IdleRuns      int                 `yaml:"idle_runs"`
	Memory        string              `yaml:"memory"`
	Elapsed       string              `yaml:"elapsed,omitempty"`
	Chromosomes   []ChromosomeSummary `yaml:"chromosomes"`
}

// ChromosomeSummary describes one chromosome.
type ChromosomeSummary struct {
	ID       uint32 `yaml:"id"`
	Length   int64  `yaml:"length"`
	Slots    int    `yaml:"slots"`
	Window   int64  `yaml:"window"`
	Genomes  int    `yaml:"genomes"`
	LiveRuns int    `yaml:"live_runs"`
}

func summarize(eng *mutrun.Engine, snapshot string, elapsed time.Duration) Summary {
	st := eng.Stats()
	s := Summary{
		Snapshot:      snapshot,
		Generation:    st.Generation,
		Genomes:       st.Genomes,
		NullGenomes:   st.NullGenomes,
		Mutations:     st.Mutations,
		Substitutions: st.Substitutions,
		LiveRuns:      st.LiveRuns,
		IdleRuns:      st.IdleRuns,
		Memory:        humanize.IBytes(uint64(max(st.MemoryBytes, 0))),
	}
	if elapsed > 0 {
		s.Elapsed = elapsed.Round(time.Millisecond).String()
	}
	for _, ch := range eng.Chromosomes() {
		s.Chromosomes = append(s.Chromosomes, ChromosomeSummary{
			ID:       ch.ID,
			Length:   ch.Length,
			Slots:    ch.SlotCount(),
			Window:   ch.WindowLength(),
			Genomes:  ch.GenomeCount(),
			LiveRuns: ch.Pools().Live(),
		})
	}
	return s
}

func render(w io.Writer, format string, s Summary) error {
	switch format {
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return err
		}
		return enc.Close()
	case formatTable:
		renderTable(w, s)
		return nil
	default:
		return fmt.Errorf("unknown format %q (want %s or %s)", format, formatTable, formatYAML)
	}
}

func renderTable(w io.Writer, s Summary) {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.SetTitle("Engine")
	if s.Snapshot != "" {
		tbl.AppendRow(table.Row{"Snapshot", s.Snapshot})
	}
	tbl.AppendRows([]table.Row{
		{"Generation", s.Generation},
		{"Genomes", fmt.Sprintf("%d (%d null)", s.Genomes, s.NullGenomes)},
		{"Mutations", s.Mutations},
		{"Substitutions", s.Substitutions},
		{"Runs", fmt.Sprintf("%d live, %d idle", s.LiveRuns, s.IdleRuns)},
		{"Memory", s.Memory},
	})
	if s.Elapsed != "" {
		tbl.AppendRow(table.Row{"Elapsed", s.Elapsed})
	}
	tbl.Render()

	if len(s.Chromosomes) == 0 {
		return
	}
	chs := table.NewWriter()
	chs.SetOutputMirror(w)
	chs.SetStyle(table.StyleLight)
	chs.AppendHeader(table.Row{"Chromosome", "Length", "Slots", "Window", "Genomes", "Live runs"})
	for _, c := range s.Chromosomes {
		chs.AppendRow(table.Row{c.ID, humanize.Comma(c.Length), c.Slots, c.Window, c.Genomes, c.LiveRuns})
	}
	chs.Render()
}
