package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Row is the display state of one upload.
type Row struct {
	Name    string
	State   string
	Size    int64
	Loaded  int64
	Percent float64
	Stats   Stats
}

// View is the display state of the whole session.
type View struct {
	Header string
	Rows   []Row
	Done   int
	Total  int
}

const (
	colorReset = "\033[0m"
	colorGreen = "\033[32m"
	colorCyan  = "\033[36m"
)

func colorize(s string, color string, enabled bool) string {
	if !enabled || color == "" {
		return s
	}
	return color + s + colorReset
}

// IsTTY reports whether w is an interactive terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// Render displays the session view until the returned stop function is
// called or ctx is cancelled. On a terminal it runs the full-screen
// display; otherwise it logs one summary line per second.
func Render(ctx context.Context, w io.Writer, view func() View) func() {
	if IsTTY(w) {
		return renderTea(ctx, w, view)
	}
	return renderPlain(ctx, w, view)
}

func renderPlain(ctx context.Context, w io.Writer, view func() View) func() {
	ticker := time.NewTicker(1 * time.Second)
	stop := make(chan struct{})

	printSummary := func() {
		v := view()
		fmt.Fprintf(w, "uploading %d/%d files %s\n", v.Done, v.Total, summarize(v))
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				printSummary()
			}
		}
	}()
	return func() {
		close(stop)
		ticker.Stop()
		printSummary()
	}
}

func summarize(v View) string {
	var loaded, total int64
	var rate float64
	for _, row := range v.Rows {
		loaded += row.Loaded
		total += row.Size
		rate += row.Stats.RateBps
	}
	return fmt.Sprintf("(%s/%s, %s)", humanize.IBytes(uint64(loaded)), humanize.IBytes(uint64(total)), formatRate(rate))
}

func renderTTY(v View, isTTY bool) string {
	var b strings.Builder
	if v.Header != "" {
		fmt.Fprintf(&b, "%s\n", colorize(v.Header, colorCyan, isTTY))
	}

	headers := []string{"file", "status", "size", "%", "rate", "ETA"}
	widths := []int{28, 11, 10, 6, 11, 8}
	rows := make([][]string, 0, len(v.Rows))
	for _, row := range v.Rows {
		rows = append(rows, []string{
			truncateName(row.Name, widths[0]),
			row.State,
			humanize.IBytes(uint64(row.Size)),
			fmt.Sprintf("%.1f", row.Percent),
			formatRate(row.Stats.RateBps),
			formatETA(row.Stats.ETA),
		})
	}
	renderTable(&b, headers, rows, widths)
	fmt.Fprintf(&b, "%s\n", colorize(fmt.Sprintf("%d/%d files done", v.Done, v.Total), colorGreen, isTTY))
	return strings.TrimSuffix(b.String(), "\n")
}

func renderTable(b *strings.Builder, headers []string, rows [][]string, widths []int) {
	for i, h := range headers {
		fmt.Fprintf(b, "%-*s ", widths[i], h)
	}
	fmt.Fprintln(b)
	for _, row := range rows {
		for i, cell := range row {
			fmt.Fprintf(b, "%-*s ", widths[i], cell)
		}
		fmt.Fprintln(b)
	}
}

func truncateName(name string, width int) string {
	if len(name) <= width {
		return name
	}
	if width <= 3 {
		return name[:width]
	}
	return name[:width-3] + "..."
}

func formatRate(bps float64) string {
	if bps <= 0 {
		return "-"
	}
	return humanize.IBytes(uint64(bps)) + "/s"
}

func formatETA(eta time.Duration) string {
	if eta <= 0 {
		return "-"
	}
	eta = eta.Round(time.Second)
	if eta >= time.Hour {
		return fmt.Sprintf("%dh%02dm", int(eta.Hours()), int(eta.Minutes())%60)
	}
	if eta >= time.Minute {
		return fmt.Sprintf("%dm%02ds", int(eta.Minutes()), int(eta.Seconds())%60)
	}
	return fmt.Sprintf("%ds", int(eta.Seconds()))
}
