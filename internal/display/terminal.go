package display

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/andresmejia3/facewatch/internal/alert"
	"github.com/andresmejia3/facewatch/internal/types"
)

// Theme holds the terminal colors.
type Theme struct {
	Primary lipgloss.Color
	Alert   lipgloss.Color
	Dim     lipgloss.Color
}

// DefaultTheme is used by NewTerminal.
var DefaultTheme = Theme{
	Primary: lipgloss.Color("#00ff9f"),
	Alert:   lipgloss.Color("#ff5f5f"),
	Dim:     lipgloss.Color("#6e7681"),
}

// Terminal prints alerts as boxed popups and state changes as status lines.
// Frames are counted but not drawn.
type Terminal struct {
	mu     sync.Mutex
	out    io.Writer
	popup  lipgloss.Style
	status lipgloss.Style
	dim    lipgloss.Style

	frames    int
	lastState string
	openID    string
}

// NewTerminal writes to out.
func NewTerminal(out io.Writer, theme Theme) *Terminal {
	return &Terminal{
		out: out,
		popup: lipgloss.NewStyle().
			Bold(true).
			Foreground(theme.Alert).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(theme.Alert).
			Padding(0, 2),
		status: lipgloss.NewStyle().Bold(true).Foreground(theme.Primary),
		dim:    lipgloss.NewStyle().Foreground(theme.Dim),
	}
}

func (t *Terminal) ShowFrame([]byte) error {
	t.mu.Lock()
	t.frames++
	t.mu.Unlock()
	return nil
}

// Frames is the number of frames received so far.
func (t *Terminal) Frames() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames
}

func (t *Terminal) ShowAlert(a alert.Alert) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.openID = a.ID
	fmt.Fprintln(t.out, t.popup.Render("🔔 "+a.Message))
	fmt.Fprintln(t.out, t.dim.Render(fmt.Sprintf("   alert %s at %s", a.ID, a.ShownAt.Format("15:04:05.000"))))
}

func (t *Terminal) DismissAlert(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id == "" || id != t.openID {
		return
	}
	t.openID = ""
	fmt.Fprintln(t.out, t.dim.Render("   alert "+id+" dismissed"))
}

// Status prints a line only when the state changes.
func (t *Terminal) Status(s types.SessionStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.State == t.lastState {
		return
	}
	t.lastState = s.State
	line := "● " + s.State
	if s.LastError != "" {
		line += ": " + s.LastError
	}
	fmt.Fprintln(t.out, t.status.Render(line))
}
