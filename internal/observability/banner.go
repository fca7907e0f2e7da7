package observability

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

var startTime = time.Now()

const (
	colorReset    = "\033[0m"
	colorPurple   = "\033[35m"
	colorNeonCyan = "\033[96m"
	colorNeonMag  = "\033[95m"
)

var spinnerFrames = []string{"◜", "◝", "◞", "◟"}
var spinnerIdx = 0

// termMu synchronizes all terminal output so the cursor save/restore in
// PrintLiveStatus is never interleaved with a log write.
var termMu sync.Mutex

func termWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return w
}

// IsTerminal reports whether stdout is attached to a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

type termWriter struct{}

func (tw termWriter) Write(p []byte) (n int, err error) {
	termMu.Lock()
	defer termMu.Unlock()
	return os.Stderr.Write(p)
}

// NewTermWriter returns an io.Writer suitable for log.SetOutput().
// It serialises writes with PrintLiveStatus via termMu.
func NewTermWriter() *termWriter {
	return &termWriter{}
}

func PrintBanner() {
	banner := `
   _____ _____ _    _  ____  _        _    ____
  / ____/ ____| |  | |/ __ \| |      / \  |  _ \
 | (___| |    | |__| | |  | | |     / _ \ | |_) |
  \___ \ |    |  __  | |  | | |    / ___ \|  _ <
  ____) | |____| |  | | |__| | |___/ /   \ \ |_) |
 |_____/ \_____|_|  |_|\____/|_____/_/     \_\___/

        >> PLAN . RESEARCH . WRITE . EDIT <<
`

	width := termWidth()
	for _, l := range strings.Split(banner, "\n") {
		padding := (width - len(l)) / 2
		if padding < 0 {
			padding = 0
		}
		fmt.Printf("%s%s%s\n", strings.Repeat(" ", padding), colorNeonCyan+l, colorReset)
	}
}

func InitializeTerminal() {
	// Lines 1-10 hold the banner, 11 the status line, logs scroll from 13.
	fmt.Print("\033[2J\033[H")
	PrintBanner()
	fmt.Print("\033[13;r")
	fmt.Print("\033[13;1H")
}

func CleanupTerminal() {
	fmt.Print("\033[r\033[2J\033[H")
}

func PrintLiveStatus() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	uptime := time.Since(startTime).Round(time.Second)
	memMB := float64(m.Alloc) / 1024 / 1024

	running, finished, lastHB := GetStatus()

	pulse := "HEALTHY"
	pulseColor := colorNeonCyan
	if time.Since(lastHB) > 90*time.Second {
		pulse = "LAGGING"
		pulseColor = colorNeonMag
	}

	spinner := " "
	if running > 0 {
		spinner = spinnerFrames[spinnerIdx]
		spinnerIdx = (spinnerIdx + 1) % len(spinnerFrames)
	}

	statusStr := fmt.Sprintf(
		"\033[s\033[11;1H\033[K[%s] %s%-7s%s | %s%s%s running=%d finished=%d | up %v | %.1fMB\033[u",
		lastHB.Format("15:04:05"),
		pulseColor, pulse, colorReset,
		colorPurple, spinner, colorReset,
		running, finished,
		uptime,
		memMB,
	)

	termMu.Lock()
	fmt.Print(statusStr)
	termMu.Unlock()
}
