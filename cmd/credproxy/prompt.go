// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true)
	urlStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Underline(true)
	codeStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11")).Padding(0, 1).Border(lipgloss.RoundedBorder())
	hintStyle    = lipgloss.NewStyle().Faint(true)
)

// terminalPrompter talks to the user on stderr and reads from stdin.
type terminalPrompter struct {
	in  io.Reader
	out io.Writer
}

// ReadCode shows authURL and reads the pasted code. A terminal stdin
// reads with echo off.
func (p *terminalPrompter) ReadCode(ctx context.Context, authURL string) (string, error) {
	fmt.Fprintln(p.out, headingStyle.Render("Open this URL to authorize:"))
	fmt.Fprintln(p.out, urlStyle.Render(authURL))
	fmt.Fprintln(p.out)
	fmt.Fprint(p.out, "Paste the authorization code: ")

	type result struct {
		code string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		code, err := p.readLine()
		done <- result{code, err}
	}()
	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return "", ctx.Err()
	case r := <-done:
		return r.code, r.err
	}
}

func (p *terminalPrompter) readLine() (string, error) {
	if file, ok := p.in.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
		code, err := term.ReadPassword(int(file.Fd()))
		fmt.Fprintln(p.out)
		return string(code), err
	}
	line, err := bufio.NewReader(p.in).ReadString('\n')
	if errors.Is(err, io.EOF) && line != "" {
		err = nil
	}
	return line, err
}

// ShowVerification prints where to authorize and, for device logins,
// the code to enter there.
func (p *terminalPrompter) ShowVerification(verificationURL, userCode string) {
	fmt.Fprintln(p.out, headingStyle.Render("Open this URL to authorize:"))
	fmt.Fprintln(p.out, urlStyle.Render(verificationURL))
	if userCode != "" {
		fmt.Fprintln(p.out)
		fmt.Fprintln(p.out, "Enter this code:")
		fmt.Fprintln(p.out, codeStyle.Render(userCode))
	}
	fmt.Fprintln(p.out, hintStyle.Render("Waiting for authorization..."))
}
