// Package cli provides terminal prompt helpers shared by the hub and
// client setup wizards.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter reads answers from In and writes questions to Out. Once In is
// exhausted every question resolves to its default, so a wizard never
// blocks on a closed pipe.
type Prompter struct {
	In  io.Reader
	Out io.Writer

	lines *bufio.Scanner
	eof   bool
}

// DefaultPrompter returns a Prompter on stdin and stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

// Line reads the next trimmed line. ok is false once input is exhausted.
func (p *Prompter) Line() (line string, ok bool) {
	if p.lines == nil {
		p.lines = bufio.NewScanner(p.In)
	}
	if p.eof || !p.lines.Scan() {
		p.eof = true
		return "", false
	}
	return strings.TrimSpace(p.lines.Text()), true
}

func (p *Prompter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.Out, format, args...)
}

// Ask prints question, showing def in brackets when set, and returns the
// answer or def when the answer is blank.
func (p *Prompter) Ask(question, def string) string {
	if def == "" {
		p.printf("%s: ", question)
	} else {
		p.printf("%s [%s]: ", question, def)
	}
	if answer, _ := p.Line(); answer != "" {
		return answer
	}
	return def
}

// AskList reads a comma separated list, dropping blank items. A blank
// answer yields def.
func (p *Prompter) AskList(question string, def []string) []string {
	var items []string
	for item := range strings.SplitSeq(p.Ask(question, strings.Join(def, ",")), ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// AskPassword reads without echo when In is a terminal.
func (p *Prompter) AskPassword(question string) string {
	p.printf("%s: ", question)
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		secret, err := term.ReadPassword(int(f.Fd()))
		p.printf("\n")
		if err == nil {
			return strings.TrimSpace(string(secret))
		}
	}
	answer, _ := p.Line()
	return answer
}

// Choose lists options numbered from 1 and returns the picked one. It
// re-asks on an out-of-range answer.
func (p *Prompter) Choose(question string, options []string, def int) string {
	p.printf("%s\n", question)
	for i, opt := range options {
		cursor := " "
		if i == def {
			cursor = ">"
		}
		p.printf("%s %d) %s\n", cursor, i+1, opt)
	}
	for {
		n, err := strconv.Atoi(p.Ask("Choice", strconv.Itoa(def+1)))
		if err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		if p.eof {
			return options[def]
		}
		p.printf("  Enter a number between 1 and %d.\n", len(options))
	}
}

// Confirm asks a yes/no question. Anything starting with y counts as yes.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}
	switch answer := strings.ToLower(p.Ask(question+" "+hint, "")); {
	case answer == "":
		return defaultYes
	default:
		return strings.HasPrefix(answer, "y")
	}
}
