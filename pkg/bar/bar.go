// Package bar builds the terminal progress bars used by the CLI.
package bar

import (
	"fmt"
	"io"

	"github.com/k0kubun/go-ansi"
	"github.com/schollz/progressbar/v3"
)

var theme = progressbar.Theme{
	Saucer:        "[green]=[reset]",
	SaucerHead:    "[green]>[reset]",
	SaucerPadding: " ",
	BarStart:      "[",
	BarEnd:        "]",
}

// New returns a bar counting units of work on stdout. step and steps render
// as a "[1/2]" prefix when steps is above one.
func New(total int, text string, step, steps int) *progressbar.ProgressBar {
	return NewWriter(ansi.NewAnsiStdout(), total, text, step, steps)
}

func NewWriter(w io.Writer, total int, text string, step, steps int) *progressbar.ProgressBar {
	if steps > 1 {
		text = fmt.Sprintf("[cyan][%d/%d][reset] %s", step, steps, text)
	}
	return progressbar.NewOptions(
		total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(20),
		progressbar.OptionSetDescription(text),
		progressbar.OptionSetTheme(theme),
	)
}
