// Package retrodfrg draws a fullscreen, DOS-defragmenter style progress
// display: a title, summary lines, a glyph map, a phase checklist and a
// status block. The UI only renders what it is given; View feeds it from a
// running build.
package retrodfrg

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gdamore/tcell/v2"
)

// ErrInterrupted is returned when the user asks to stop.
var ErrInterrupted = errors.New("interrupted")

// UI is a fullscreen terminal display. Its setters and LayoutAndDraw must
// be called from one goroutine; key handling runs on its own.
type UI struct {
	s        tcell.Screen
	restore  bool
	closed   bool
	stopChan chan struct{}
	loopDone chan struct{}
	once     sync.Once

	title        string
	phases       []string
	phaseDoneMap map[string]bool
	summaryLines []string
	legendLines  []string
	statusLines  []string

	progressMapLines []string
}

// NewUI takes over the terminal.
func NewUI() (*UI, error) {
	s, err := tcell.NewScreen()
	if err != nil {
		return nil, err
	}
	u, err := NewUIWithScreen(s)
	if err != nil {
		return nil, err
	}
	u.restore = true
	return u, nil
}

// NewUIWithScreen initializes s and starts handling its key events.
func NewUIWithScreen(s tcell.Screen) (*UI, error) {
	if err := s.Init(); err != nil {
		return nil, err
	}
	s.DisableMouse()
	u := &UI{
		s:            s,
		stopChan:     make(chan struct{}),
		loopDone:     make(chan struct{}),
		phaseDoneMap: make(map[string]bool),
	}
	go u.eventLoop(s)
	return u, nil
}

// Close gives the terminal back and waits for key handling to finish. It is
// safe to call more than once, but only from the goroutine that draws.
func (u *UI) Close() {
	if u.closed {
		return
	}
	u.closed = true
	u.RequestStop()
	u.s.Fini()
	<-u.loopDone
	if u.restore {
		fmt.Print("\033[?1049l\033[?25h")
	}
}

// RequestStop flags the display as stopped. Later calls do nothing.
func (u *UI) RequestStop() {
	u.once.Do(func() {
		close(u.stopChan)
		_ = u.s.PostEvent(tcell.NewEventInterrupt(nil))
	})
}

// IsStopped reports whether a stop was requested.
func (u *UI) IsStopped() bool {
	select {
	case <-u.stopChan:
		return true
	default:
		return false
	}
}

// Done is closed once a stop was requested.
func (u *UI) Done() <-chan struct{} { return u.stopChan }

// Size returns the screen width and height, zero after Close.
func (u *UI) Size() (width, height int) {
	if u.closed {
		return 0, 0
	}
	return u.s.Size()
}

func putStr(s tcell.Screen, x, y int, str string) {
	w, _ := s.Size()
	for i, r := range []rune(str) {
		pos := x + i
		if pos >= w {
			break
		}
		if pos < 0 {
			continue
		}
		s.SetContent(pos, y, r, nil, tcell.StyleDefault)
	}
}

// MapRows returns how many rows LayoutAndDraw leaves for the glyph map on a
// screen of height h.
func (u *UI) MapRows(h int) int {
	used := len(u.summaryLines) + len(u.legendLines)
	if u.title != "" {
		used++
	}
	if len(u.phases) > 0 {
		used += 2
	}
	used += 1 + len(u.statusLines)
	if n := h - used; n > 1 {
		return n
	}
	return 1
}

// LayoutAndDraw redraws the screen from the current state.
func (u *UI) LayoutAndDraw() {
	if u.closed {
		return
	}
	u.s.Clear()
	w, h := u.s.Size()
	y := 0

	if u.title != "" {
		putStr(u.s, 0, y, strings.Repeat("═", w))
		putStr(u.s, (w-len([]rune(u.title)))/2, y, u.title)
		y++
	}
	for _, line := range u.summaryLines {
		if y >= h {
			break
		}
		putStr(u.s, 0, y, line)
		y++
	}
	for _, line := range u.legendLines {
		if y >= h {
			break
		}
		putStr(u.s, 0, y, line)
		y++
	}

	rows := u.MapRows(h)
	if rows > len(u.progressMapLines) {
		rows = len(u.progressMapLines)
	}
	for i := 0; i < rows && y < h; i++ {
		putStr(u.s, 0, y, u.progressMapLines[i])
		y++
	}

	if len(u.phases) > 0 && y < h {
		putStr(u.s, 0, y, strings.Repeat("─", w))
		putStr(u.s, 2, y, " Phase ")
		y++
		var b strings.Builder
		for i, p := range u.phases {
			if i > 0 {
				b.WriteByte(' ')
			}
			mark := ' '
			if u.phaseDoneMap[strings.ToLower(p)] {
				mark = '✓'
			}
			fmt.Fprintf(&b, "[%c]%s", mark, p)
		}
		putStr(u.s, 0, y, b.String())
		y++
	}

	if len(u.statusLines) > 0 && y < h {
		putStr(u.s, 0, y, strings.Repeat("─", w))
		putStr(u.s, 2, y, " Status ")
		y++
		for _, line := range u.statusLines {
			if y >= h {
				break
			}
			putStr(u.s, 0, y, line)
			y++
		}
	}

	u.s.Show()
}

// SetPhaseDone checks off a phase. Names are case-insensitive.
func (u *UI) SetPhaseDone(p string) {
	if u.phaseDoneMap == nil {
		u.phaseDoneMap = make(map[string]bool)
	}
	u.phaseDoneMap[strings.ToLower(p)] = true
}

// PhaseDone reports whether a phase was checked off.
func (u *UI) PhaseDone(p string) bool {
	return u.phaseDoneMap[strings.ToLower(p)]
}

func (u *UI) SetPhases(labels []string) {
	u.phases = append([]string(nil), labels...)
}

func (u *UI) SetTitle(t string) {
	u.title = t
}

func (u *UI) SetSummaryLines(lines []string) {
	u.summaryLines = append([]string(nil), lines...)
}

func (u *UI) SetLegend(lines []string) {
	u.legendLines = append([]string(nil), lines...)
}

func (u *UI) SetStatusLines(lines []string) {
	u.statusLines = append([]string(nil), lines...)
}

// StatusLines returns a copy of the status block.
func (u *UI) StatusLines() []string {
	return append([]string(nil), u.statusLines...)
}

// SetProgressMap sets the rows of the glyph map.
func (u *UI) SetProgressMap(lines []string) {
	u.progressMapLines = append([]string(nil), lines...)
}

func (u *UI) eventLoop(s tcell.Screen) {
	defer close(u.loopDone)
	for {
		switch ev := s.PollEvent().(type) {
		case *tcell.EventKey:
			switch {
			case ev.Key() == tcell.KeyCtrlC, ev.Key() == tcell.KeyEscape:
				u.RequestStop()
			case ev.Key() == tcell.KeyRune && (ev.Rune() == 'q' || ev.Rune() == 'Q'):
				u.RequestStop()
			}
		case *tcell.EventResize:
			s.Sync()
		case *tcell.EventInterrupt, nil:
			return
		}
		if u.IsStopped() {
			return
		}
	}
}
