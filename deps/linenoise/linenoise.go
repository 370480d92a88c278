package linenoise

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/peterh/liner"
)

// LineNoise is a line editor with history, backed by liner.
type LineNoise struct {
	*liner.State
}

// New puts the terminal in raw mode. Close restores it.
func New() *LineNoise {
	ln := &LineNoise{liner.NewLiner()}
	ln.SetCtrlCAborts(true)
	return ln
}

func (ln *LineNoise) HistoryLoad(filepath string) error {
	content, err := os.ReadFile(filepath)
	if err != nil {
		return err
	}
	_, err = ln.ReadHistory(bytes.NewReader(content))
	return err
}

func (ln *LineNoise) HistorySave(filepath string) error {
	var buf bytes.Buffer
	_, err := ln.WriteHistory(&buf)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath, buf.Bytes(), 0644)
}

// ClearScreen writes the ANSI home and erase sequence to w.
func ClearScreen(w io.Writer) error {
	_, err := fmt.Fprint(w, "\x1b[H\x1b[2J")
	return err
}
