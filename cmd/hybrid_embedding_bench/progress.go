// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// maxUpdateFrequency is the minimum time between redraws of the stats table.
const maxUpdateFrequency = time.Millisecond * 200

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// progressDisplay draws a progress bar with a table of stats above it, redrawn in place.
type progressDisplay struct {
	bar        *progressbar.ProgressBar
	termenv    *termenv.Output
	statsStyle lipgloss.Style
	statsTable *lgtable.Table

	lastStep, numLines int
	lastDraw           time.Time
}

func newProgressDisplay(numSteps int) *progressDisplay {
	p := &progressDisplay{
		termenv:    termenv.NewOutput(os.Stdout),
		statsStyle: lipgloss.NewStyle().PaddingLeft(8),
	}
	p.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionSetWriter(os.Stdout),
	)
	p.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	return p
}

// update moves the bar to step and redraws the stats, at most every maxUpdateFrequency (the last step
// is always drawn).
func (p *progressDisplay) update(step int, stats [][2]string) {
	if step < p.bar.GetMax() && time.Since(p.lastDraw) < maxUpdateFrequency {
		return
	}
	p.statsTable.Data(lgtable.NewStringData())
	for _, row := range stats {
		p.statsTable.Row(row[0], row[1])
	}
	p.termenv.HideCursor()
	if p.numLines > 0 {
		p.termenv.CursorPrevLine(p.numLines)
	}
	fmt.Println(p.statsStyle.Render(p.statsTable.String()))
	_ = p.bar.Add(step - p.lastStep)
	fmt.Println()
	p.termenv.ShowCursor()
	// Table rows plus its borders, plus the bar line.
	p.numLines = len(stats) + 2 + 1
	p.lastStep = step
	p.lastDraw = time.Now()
}

func (p *progressDisplay) done() {
	p.termenv.ShowCursor()
	fmt.Println()
}
