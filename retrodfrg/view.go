package retrodfrg

import (
	"fmt"
	"strings"
	"time"

	"mkfatimg/flash"
	"mkfatimg/populate"
)

// Map glyphs, one per flash sector.
const (
	GlyphProgrammed = '█'
	GlyphErased     = '▒'
	GlyphFree       = '░'
	GlyphSystem     = '■'
)

// Phases lists the build stages in the order they run.
var Phases = []string{"Flash", "Mount", "Format", "Populate", "Save"}

var stageOps = map[string]string{
	"flash":    "Write partition table",
	"mount":    "Mount wear levelling",
	"format":   "Format FAT volume",
	"populate": "Add files",
	"save":     "Save image",
}

type cellState uint8

const (
	cellFree cellState = iota
	cellErased
	cellProgrammed
)

// sectorMap tracks the last access to every flash sector.
type sectorMap struct {
	cells      []cellState
	sectorSize int64
	current    int64
	programmed int64
	erased     int64
}

func newSectorMap(chipSize, sectorSize int64) *sectorMap {
	return &sectorMap{
		cells:      make([]cellState, chipSize/sectorSize),
		sectorSize: sectorSize,
	}
}

func (m *sectorMap) set(i int64, st cellState) {
	switch m.cells[i] {
	case cellErased:
		m.erased--
	case cellProgrammed:
		m.programmed--
	}
	m.cells[i] = st
	switch st {
	case cellErased:
		m.erased++
	case cellProgrammed:
		m.programmed++
	}
}

func (m *sectorMap) mark(ev flash.Event) {
	if ev.Len <= 0 {
		return
	}
	st := cellProgrammed
	if ev.Op == flash.OpErase {
		st = cellErased
	}
	first := ev.Addr / m.sectorSize
	last := (ev.Addr + ev.Len - 1) / m.sectorSize
	if last >= int64(len(m.cells)) {
		last = int64(len(m.cells)) - 1
	}
	for i := first; i <= last; i++ {
		if i >= 0 {
			m.set(i, st)
		}
	}
	if last >= 0 {
		m.current = last
	}
}

// render draws rows of w glyphs, scrolled so the current sector stays in
// view when the chip has more sectors than cells.
func (m *sectorMap) render(system [][2]int64, w, rows int) []string {
	total := int64(len(m.cells))
	if total == 0 || w <= 0 || rows <= 0 {
		return nil
	}
	cells := int64(w * rows)
	start := int64(0)
	if total > cells {
		if m.current >= cells-1 {
			start = m.current - (cells - 1)
		}
		if start+cells > total {
			start = total - cells
		}
	}

	inSystem := func(sector int64) bool {
		for _, r := range system {
			if sector >= r[0] && sector <= r[1] {
				return true
			}
		}
		return false
	}

	var lines []string
	for row := 0; row < rows; row++ {
		var b strings.Builder
		for col := 0; col < w; col++ {
			abs := start + int64(row*w+col)
			if abs >= total {
				break
			}
			g := GlyphFree
			switch {
			case m.cells[abs] == cellProgrammed:
				g = GlyphProgrammed
			case m.cells[abs] == cellErased:
				g = GlyphErased
			case inSystem(abs):
				g = GlyphSystem
			}
			b.WriteRune(g)
		}
		if b.Len() == 0 {
			break
		}
		lines = append(lines, b.String())
	}
	return lines
}

// ViewConfig describes the chip drawn by a View.
type ViewConfig struct {
	ChipSize   int64
	SectorSize int64
	// System holds inclusive byte ranges drawn as system area.
	System  [][2]int64
	Title   string
	Summary []string
	// RedrawEvery throttles redraws caused by flash accesses and entries.
	RedrawEvery time.Duration
}

// View renders a running build onto a UI. It implements the progress hook
// of the build pipeline.
type View struct {
	ui     *UI
	m      *sectorMap
	system [][2]int64
	every  time.Duration

	now      func() time.Time
	start    time.Time
	lastDraw time.Time

	stage      string
	op         string
	entries    int
	flashBytes int64
}

// NewView sets up u for a build over a chip described by cfg.
func NewView(u *UI, cfg ViewConfig) *View {
	if cfg.SectorSize <= 0 {
		cfg.SectorSize = 4096
	}
	if cfg.RedrawEvery == 0 {
		cfg.RedrawEvery = 50 * time.Millisecond
	}
	v := &View{
		ui:    u,
		m:     newSectorMap(cfg.ChipSize, cfg.SectorSize),
		every: cfg.RedrawEvery,
		now:   time.Now,
	}
	for _, r := range cfg.System {
		v.system = append(v.system, [2]int64{r[0] / cfg.SectorSize, r[1] / cfg.SectorSize})
	}
	v.start = v.now()

	u.SetTitle(cfg.Title)
	u.SetSummaryLines(cfg.Summary)
	u.SetLegend([]string{
		fmt.Sprintf("Legend:  %c programmed   %c erased   %c untouched   %c system area | Q to quit",
			GlyphProgrammed, GlyphErased, GlyphFree, GlyphSystem),
	})
	u.SetPhases(Phases)
	return v
}

func (v *View) Stage(name string) {
	if v.stage != "" {
		v.ui.SetPhaseDone(v.stage)
	}
	v.stage = name
	v.op = name
	if op, ok := stageOps[name]; ok {
		v.op = op
	}
	v.draw(true)
}

func (v *View) Entry(kind populate.Kind, _, targetPath string) {
	v.entries++
	v.op = fmt.Sprintf("Add %s /%s", kind, targetPath)
	v.draw(false)
}

func (v *View) Flash(ev flash.Event) {
	v.m.mark(ev)
	if ev.Op == flash.OpProgram {
		v.flashBytes += ev.Len
	}
	v.draw(false)
}

func (v *View) Stopped() bool { return v.ui.IsStopped() }

// Finish shows the outcome of the build.
func (v *View) Finish(err error) {
	if err != nil {
		v.op = "Failed: " + err.Error()
	} else {
		if v.stage != "" {
			v.ui.SetPhaseDone(v.stage)
		}
		v.op = "Build complete"
	}
	v.draw(true)
}

func (v *View) statusLines() []string {
	elapsed := v.now().Sub(v.start).Truncate(time.Second)
	var rate float64
	if s := elapsed.Seconds(); s > 0 {
		rate = float64(v.flashBytes) / s
	}
	return []string{
		fmt.Sprintf("Address: 0x%06x   Sector: %05d", v.m.current*v.m.sectorSize, v.m.current),
		fmt.Sprintf("Programmed: %d / %d sectors   Erased: %d", v.m.programmed, len(v.m.cells), v.m.erased),
		fmt.Sprintf("Elapsed: %s   Rate: %s/s   Flash written: %s   Entries: %d", elapsed, Human(int64(rate)), Human(v.flashBytes), v.entries),
		"Current op: " + v.op,
	}
}

func (v *View) draw(force bool) {
	now := v.now()
	if !force && now.Sub(v.lastDraw) < v.every {
		return
	}
	v.lastDraw = now
	v.ui.SetStatusLines(v.statusLines())
	if w, h := v.ui.Size(); w > 0 && h > 0 {
		v.ui.SetProgressMap(v.m.render(v.system, w, v.ui.MapRows(h)))
	}
	v.ui.LayoutAndDraw()
}
