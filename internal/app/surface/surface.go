// Package surface turns session snapshots into the call window view model.
package surface

import (
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/groovia/livecall/internal/app/session"
	"github.com/groovia/livecall/internal/domain"
)

type Point struct {
	X, Y int
}

type Size struct {
	W, H int
}

// Bounds is the area the floating window lives in and its two sizes.
type Bounds struct {
	Area      Size
	Window    Size
	Minimized Size
}

func DefaultBounds() Bounds {
	return Bounds{
		Area:      Size{W: 1280, H: 720},
		Window:    Size{W: 480, H: 360},
		Minimized: Size{W: 240, H: 64},
	}
}

// Tile is one video tile. The local tile has Local set and no link state.
type Tile struct {
	UserID    domain.UserID
	Name      string
	Role      string
	Local     bool
	StreamID  string
	LinkState string
	AudioOn   bool
	VideoOn   bool
	Speaking  bool
	Volume    int
}

type Controls struct {
	AudioEnabled bool
	VideoEnabled bool
	CanLeave     bool
	CanJoin      bool
}

type View struct {
	Status    domain.Status
	RoomID    domain.RoomID
	Tiles     []Tile
	Controls  Controls
	Minimized bool
	Position  Point
	// Retry is set when the last join failed and the user may try again.
	Retry bool
	Error string
}

func (v View) Equal(o View) bool {
	return v.Status == o.Status &&
		v.RoomID == o.RoomID &&
		v.Controls == o.Controls &&
		v.Minimized == o.Minimized &&
		v.Position == o.Position &&
		v.Retry == o.Retry &&
		v.Error == o.Error &&
		slices.Equal(v.Tiles, o.Tiles)
}

// Source is what the surface reads from. *session.Controller satisfies it.
type Source interface {
	Snapshot() session.Snapshot
	Subscribe(fn func(session.Snapshot)) func()
}

// Surface is owned by the application, not by a page: it keeps its window
// state across sessions and can be rebound to the same controller.
type Surface struct {
	renderMu sync.Mutex
	last     *View
	render   func(View)

	mu        sync.Mutex
	bounds    Bounds
	pos       Point
	minimized bool
	snap      session.Snapshot
	cancel    func()
}

// New places the window in the bottom right corner of the area.
func New(bounds Bounds, render func(View)) *Surface {
	s := &Surface{bounds: bounds, render: render}
	s.pos = s.clampLocked(Point{X: bounds.Area.W, Y: bounds.Area.H})
	return s
}

// Bind subscribes to src, replacing any previous binding, and renders its
// current state.
func (s *Surface) Bind(src Source) {
	cancel := src.Subscribe(s.Update)
	s.mu.Lock()
	prev := s.cancel
	s.cancel = cancel
	s.mu.Unlock()
	if prev != nil {
		prev()
	}
	log.Debug().Str("module", "surface").Msg("bound to session")
	s.Update(src.Snapshot())
}

func (s *Surface) Unbind() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Update records a snapshot and renders if the view changed.
func (s *Surface) Update(snap session.Snapshot) {
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
	s.rerender()
}

func (s *Surface) Minimize() { s.setMinimized(true) }

func (s *Surface) Restore() { s.setMinimized(false) }

func (s *Surface) ToggleMinimized() bool {
	s.mu.Lock()
	v := !s.minimized
	s.mu.Unlock()
	s.setMinimized(v)
	return v
}

func (s *Surface) setMinimized(v bool) {
	s.mu.Lock()
	s.minimized = v
	s.pos = s.clampLocked(s.pos)
	s.mu.Unlock()
	s.rerender()
}

// DragTo moves the window, keeping it fully inside the area. It returns the
// position actually taken.
func (s *Surface) DragTo(x, y int) Point {
	s.mu.Lock()
	s.pos = s.clampLocked(Point{X: x, Y: y})
	p := s.pos
	s.mu.Unlock()
	s.rerender()
	return p
}

func (s *Surface) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buildLocked()
}

func (s *Surface) rerender() {
	s.renderMu.Lock()
	defer s.renderMu.Unlock()
	v := s.View()
	if s.last != nil && s.last.Equal(v) {
		return
	}
	s.last = &v
	if s.render != nil {
		s.render(v)
	}
}

func (s *Surface) clampLocked(p Point) Point {
	size := s.bounds.Window
	if s.minimized {
		size = s.bounds.Minimized
	}
	p.X = min(max(p.X, 0), max(s.bounds.Area.W-size.W, 0))
	p.Y = min(max(p.Y, 0), max(s.bounds.Area.H-size.H, 0))
	return p
}

func (s *Surface) buildLocked() View {
	snap := s.snap
	v := View{
		Status:    snap.Status,
		RoomID:    snap.RoomID,
		Minimized: s.minimized,
		Position:  s.pos,
		Controls: Controls{
			AudioEnabled: snap.Media.AudioEnabled,
			VideoEnabled: snap.Media.VideoEnabled,
			CanLeave:     snap.Status == domain.StatusConnected,
			CanJoin:      snap.Status == domain.StatusIdle,
		},
	}
	if snap.Status == domain.StatusIdle && snap.LastErr != nil {
		v.Retry = true
		v.Error = snap.LastErr.Error()
	}
	if snap.Status != domain.StatusConnected {
		return v
	}

	v.Tiles = make([]Tile, 0, len(snap.Participants)+1)
	v.Tiles = append(v.Tiles, Tile{
		UserID:   snap.LocalUserID,
		Name:     snap.Local.Name,
		Role:     snap.Local.Role,
		Local:    true,
		StreamID: snap.Media.StreamID,
		AudioOn:  snap.Media.AudioEnabled,
		VideoOn:  snap.Media.VideoEnabled,
		Speaking: snap.Media.Speaking,
		Volume:   snap.Media.Volume,
	})
	for _, p := range snap.Participants {
		v.Tiles = append(v.Tiles, Tile{
			UserID:    p.UserID,
			Name:      p.Name,
			Role:      p.Role,
			StreamID:  p.StreamID,
			LinkState: p.LinkState,
			AudioOn:   p.AudioOn,
			VideoOn:   p.VideoOn,
			Speaking:  p.Speaking,
			Volume:    p.Volume,
		})
	}
	return v
}
