package progress

import (
	"context"
	"io"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

type tickMsg struct{}
type stopMsg struct{}

type uploadTeaModel struct {
	viewFn func() View
	view   View
}

func (m uploadTeaModel) Init() tea.Cmd {
	return nil
}

func (m uploadTeaModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			os.Exit(130)
		}
	case tickMsg:
		m.view = m.viewFn()
		return m, nil
	case stopMsg:
		return m, tea.Quit
	}
	return m, nil
}

func (m uploadTeaModel) View() string {
	return renderTTY(m.view, true)
}

func renderTea(ctx context.Context, w io.Writer, view func() View) func() {
	model := uploadTeaModel{viewFn: view, view: view()}
	program := tea.NewProgram(model, tea.WithOutput(w))
	go func() {
		_, _ = program.Run()
	}()
	ticker := time.NewTicker(250 * time.Millisecond)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-ctx.Done():
				program.Send(stopMsg{})
				return
			case <-stop:
				program.Send(stopMsg{})
				return
			case <-ticker.C:
				program.Send(tickMsg{})
			}
		}
	}()
	return func() {
		close(stop)
		ticker.Stop()
		program.Send(tickMsg{})
		program.Send(stopMsg{})
	}
}
