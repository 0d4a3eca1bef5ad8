package irex

import (
	"fmt"
	"os"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"golang.org/x/term"
)

// RunPager shows lines in a scrollable TUI when stdout is a TTY and the
// content would overflow the terminal; otherwise it just prints them.
func RunPager(title string, lines []string) error {
	fd := int(os.Stdout.Fd())
	isTTY := term.IsTerminal(fd)

	if !isTTY {
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil
	}

	// Two lines of slack for the TUI border.
	_, height, err := term.GetSize(fd)
	if err == nil && len(lines) <= height-2 {
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil
	}

	app := tview.NewApplication()

	textView := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWrap(false)
	textView.SetBorder(true).SetTitle(" " + title + " ")

	// Route through the ANSI writer so colored output renders correctly.
	ansiWriter := tview.ANSIWriter(textView)
	fmt.Fprint(ansiWriter, strings.Join(lines, "\n"))

	footer := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText("[gray]Use ↑/↓, PgUp/PgDn, Home/End to scroll. Press 'q' or 'Esc' to quit.[white]")

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(textView, 0, 1, true).
		AddItem(footer, 1, 0, false)

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEsc, tcell.KeyCtrlQ:
			app.Stop()
			return nil
		case tcell.KeyRune:
			if event.Rune() == 'q' {
				app.Stop()
				return nil
			}
		}
		return event
	})

	if err := app.SetRoot(flex, true).SetFocus(textView).Run(); err != nil {
		return fmt.Errorf("pager execution failed: %w", err)
	}
	return nil
}
