package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
)

// UISpinner shows progress on a terminal and falls back to plain lines
// when plain is set.
type UISpinner struct {
	sp    *spinner.Spinner
	out   io.Writer
	plain bool
}

func NewUISpinner(out io.Writer, plain bool, message string) *UISpinner {
	s := &UISpinner{out: out, plain: plain}

	if !plain {
		// Use dots spinner style (CharSet 14)
		s.sp = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(out))
		s.sp.Prefix = "  "
		s.sp.Suffix = " " + message
		s.sp.Start()
	} else {
		fmt.Fprintf(out, "%s\n", message)
	}

	return s
}

// Success stops the spinner and prints a success message
func (s *UISpinner) Success(message string) {
	mark := color.New(color.FgGreen).Sprint("✓")
	if !s.plain && s.sp != nil {
		s.sp.Stop()
		fmt.Fprintf(s.out, "\r\033[K  %s %s\n", mark, message) // \033[K clears the line
	} else {
		fmt.Fprintf(s.out, "%s %s\n", mark, message)
	}
}

// Fail stops the spinner and prints an error message
func (s *UISpinner) Fail(message string) {
	mark := color.New(color.FgRed).Sprint("✗")
	if !s.plain && s.sp != nil {
		s.sp.Stop()
		fmt.Fprintf(s.out, "\r\033[K  %s %s\n", mark, message)
	} else {
		fmt.Fprintf(s.out, "%s %s\n", mark, message)
	}
}
