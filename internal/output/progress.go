package output

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/Zakaria95Ahmed/idm-clone/internal/engine"
	"github.com/Zakaria95Ahmed/idm-clone/utils"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))   // green
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))   // red
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))  // blue
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))  // cyan
	barStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("37"))  // dark green
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240")) // grey
)

func PrintSuccess(text string) {
	fmt.Println(successStyle.Render("✓ " + text))
}

func PrintError(text string) {
	fmt.Println(errorStyle.Render("✗ " + text))
}

func PrintInfo(text string) {
	fmt.Println(infoStyle.Render(text))
}

// Console renders one-line live progress for downloads on a terminal. It is
// an engine observer; events arrive on worker goroutines, so rendering is
// kept cheap and guarded by a single mutex.
type Console struct {
	engine.NopObserver
	mu       sync.Mutex
	names    map[string]string
	rendered bool
}

func NewConsole() *Console {
	return &Console{names: make(map[string]string)}
}

// Track associates a display name with a download id.
func (c *Console) Track(id, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names[id] = name
}

func (c *Console) Progress(id string, downloaded, total int64, speed float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := c.names[id]
	if name == "" {
		name = id[:8]
	}
	line := fmt.Sprintf("%s %s %s %s",
		pendingStyle.Render("◉"),
		name,
		renderBar(downloaded, total),
		dimStyle.Render(renderRate(downloaded, total, speed)))
	fmt.Fprintf(os.Stderr, "\r\033[K%s", line)
	c.rendered = true
}

func (c *Console) Complete(id string) {
	c.endLine()
}

func (c *Console) Error(id string, message string) {
	c.endLine()
}

func (c *Console) Paused(id string) {
	c.endLine()
}

// endLine terminates the in-place progress line before a final message.
func (c *Console) endLine() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rendered {
		fmt.Fprintln(os.Stderr)
		c.rendered = false
	}
}

func renderBar(downloaded, total int64) string {
	width := 30
	if w, _, err := term.GetSize(int(os.Stderr.Fd())); err == nil && w < 80 {
		width = 15
	}
	if total <= 0 {
		return barStyle.Render(fmt.Sprintf("[%s]", strings.Repeat("·", width)))
	}
	filled := int(float64(width) * float64(downloaded) / float64(total))
	if filled > width {
		filled = width
	}
	return barStyle.Render(fmt.Sprintf("[%s%s]",
		strings.Repeat("━", filled), strings.Repeat(" ", width-filled)))
}

func renderRate(downloaded, total int64, speed float64) string {
	if total > 0 {
		return fmt.Sprintf("%s / %s @ %s/s",
			utils.FormatBytes(uint64(downloaded)),
			utils.FormatBytes(uint64(total)),
			utils.FormatBytes(uint64(speed)))
	}
	return fmt.Sprintf("%s @ %s/s",
		utils.FormatBytes(uint64(downloaded)),
		utils.FormatBytes(uint64(speed)))
}
