package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/openrev/workcopy/internal/merge"
	"github.com/openrev/workcopy/internal/store"
	"github.com/openrev/workcopy/internal/update"
)

var (
	green  = color.New(color.FgHiGreen).SprintFunc()
	red    = color.New(color.FgHiRed, color.Bold).SprintFunc()
	cyan   = color.New(color.FgHiCyan).SprintFunc()
	yellow = color.New(color.FgHiYellow).SprintFunc()
)

// printNotification renders one update outcome in the two-column code
// form: first column is the action or text state, second the property
// state.
func printNotification(n update.Notification) {
	text := " "
	switch n.Action {
	case update.NotifyAdd:
		text = green("A")
	case update.NotifyExists:
		text = cyan("E")
	case update.NotifyDelete:
		text = red("D")
	case update.NotifySkip:
		fmt.Fprintf(os.Stdout, "%s %s\n", yellow("Skipped"), displayPath(n.Path))
		return
	case update.NotifyTreeConflict:
		fmt.Fprintf(os.Stdout, "%s %s\n", red("C"), displayPath(n.Path))
		return
	case update.NotifyUpdate:
		switch n.ContentState {
		case update.ContentConflicted:
			text = red("C")
		case update.ContentMerged:
			text = green("G")
		case update.ContentChanged:
			text = "U"
		}
	}

	props := " "
	switch n.PropState {
	case merge.PropsConflicted:
		props = red("C")
	case merge.PropsMerged:
		props = green("G")
	case merge.PropsChanged:
		props = "U"
	}

	size := ""
	if n.Kind == store.KindFile && n.Size > 0 &&
		(n.Action == update.NotifyAdd || n.ContentState == update.ContentChanged) {
		size = "  (" + humanize.Bytes(uint64(n.Size)) + ")"
	}

	fmt.Fprintf(os.Stdout, "%s%s %s%s\n", text, props, displayPath(n.Path), size)
}

func displayPath(p string) string {
	if p == "" {
		return "."
	}
	return p
}
