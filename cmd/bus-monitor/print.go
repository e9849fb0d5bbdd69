// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mmeeks/gdbus-standalone-sub002/transport"
)

// printer renders one message per line. Styling uses ANSI 256-color
// codes and is dropped entirely when stdout is not a terminal.
type printer struct {
	out    io.Writer
	styled bool

	timestamp lipgloss.Style
	kinds     map[transport.Kind]lipgloss.Style
	address   lipgloss.Style
	member    lipgloss.Style
	errorName lipgloss.Style
	faint     lipgloss.Style
}

func newPrinter(out io.Writer, styled bool) *printer {
	return &printer{
		out:    out,
		styled: styled,

		timestamp: lipgloss.NewStyle().Foreground(lipgloss.Color("243")),
		kinds: map[transport.Kind]lipgloss.Style{
			transport.KindCall:   lipgloss.NewStyle().Foreground(lipgloss.Color("75")),
			transport.KindReply:  lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
			transport.KindError:  lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
			transport.KindSignal: lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
		},
		address:   lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		member:    lipgloss.NewStyle().Foreground(lipgloss.Color("252")).Bold(true),
		errorName: lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
		faint:     lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

func (p *printer) render(style lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return style.Render(text)
}

// print writes one line for the message. It runs on the connection's
// default loop, never concurrently with itself.
func (p *printer) print(m *transport.Message) {
	var line strings.Builder
	line.WriteString(p.render(p.timestamp, time.Now().Format("15:04:05.000")))
	line.WriteByte(' ')
	line.WriteString(p.render(p.kinds[m.Kind], fmt.Sprintf("%-6s", m.Kind)))
	line.WriteByte(' ')
	line.WriteString(p.render(p.address, p.route(m)))
	line.WriteByte(' ')

	switch m.Kind {
	case transport.KindReply, transport.KindError:
		line.WriteString(p.render(p.faint, fmt.Sprintf("reply-to=%d", m.ReplySerial)))
		if m.Kind == transport.KindError {
			line.WriteByte(' ')
			line.WriteString(p.render(p.errorName, m.ErrorName))
		}
	default:
		line.WriteString(p.render(p.faint, m.Path.String()))
		line.WriteByte(' ')
		name := m.Member.String()
		if !m.Interface.IsZero() {
			name = m.Interface.String() + "." + name
		}
		line.WriteString(p.render(p.member, name))
	}

	if body := p.body(m); body != "" {
		line.WriteByte(' ')
		line.WriteString(body)
	}

	fmt.Fprintln(p.out, line.String())
}

// route formats the sender and destination. An anonymous sender (a
// peer-to-peer link) renders as "-", a missing destination as "*".
func (p *printer) route(m *transport.Message) string {
	sender := "-"
	if !m.Sender.IsZero() {
		sender = m.Sender.String()
	}
	destination := "*"
	if !m.Destination.IsZero() {
		destination = m.Destination.String()
	}
	return sender + "→" + destination
}

func (p *printer) body(m *transport.Message) string {
	args, err := m.Args()
	if err != nil {
		return p.render(p.errorName, fmt.Sprintf("(undecodable body: %v)", err))
	}
	if len(args) == 0 {
		return ""
	}
	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = fmt.Sprintf("%#v", arg)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
