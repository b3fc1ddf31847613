package client

import (
	"fmt"
	"io"
	"strings"

	"github.com/gookit/color"

	"github.com/cory-johannsen/chatserver/internal/protocol"
)

var (
	styleSystem = color.New(color.FgGray)
	styleSender = color.New(color.FgLightBlue)
	styleError  = color.New(color.FgLightRed)
	styleUsers  = color.New(color.FgLightCyan)
	styleNotice = color.New(color.FgLightYellow)
	stylePrompt = color.New(color.FgLightGreen)
)

// Renderer writes envelopes and local notices as terminal lines.
type Renderer struct {
	out    io.Writer
	colors bool
}

// NewRenderer creates a Renderer writing to out. With colors false every
// line is plain text.
func NewRenderer(out io.Writer, colors bool) *Renderer {
	return &Renderer{out: out, colors: colors}
}

func (r *Renderer) paint(style color.Style, text string) string {
	if !r.colors {
		return text
	}
	return style.Render(text)
}

func (r *Renderer) line(style color.Style, format string, args ...interface{}) {
	_, _ = fmt.Fprintln(r.out, r.paint(style, fmt.Sprintf(format, args...)))
}

// Response renders one server envelope.
func (r *Renderer) Response(resp protocol.Response) {
	switch resp.Type {
	case protocol.TypeMessage:
		_, _ = fmt.Fprintf(r.out, "%s %s\n",
			r.paint(styleSender, fmt.Sprintf("[%s] [%s] %s:", resp.Channel, resp.Time, resp.Username)),
			resp.Message)
	case protocol.TypeError:
		r.line(styleError, "[%s] error: %s", resp.Channel, resp.Message)
	case protocol.TypeUserList:
		r.line(styleSystem, "[%s] [%s] %s", resp.Channel, resp.Time, resp.Message)
		for _, name := range protocol.SplitUsers(resp.Users) {
			r.line(styleUsers, "  %s", name)
		}
	case protocol.TypeRequirePassword:
		r.line(styleNotice, "[%s] %s", resp.Channel, resp.Message)
	default:
		r.line(styleSystem, "[%s] [%s] %s", resp.Channel, resp.Time, resp.Message)
		if len(resp.AdminCommands) > 0 {
			r.line(styleNotice, "administrator commands:")
			for _, cmd := range resp.AdminCommands {
				r.line(styleNotice, "  %s", cmd)
			}
		}
	}
}

// Notice renders a local system line.
func (r *Renderer) Notice(text string) {
	r.line(styleSystem, "%s", text)
}

// Error renders a local error line.
func (r *Renderer) Error(text string) {
	r.line(styleError, "error: %s", text)
}

// Prompt writes the input prompt for s without a trailing newline.
func (r *Renderer) Prompt(s *State) {
	if s.AwaitingPassword {
		_, _ = fmt.Fprint(r.out, r.paint(styleNotice, "password:")+" ")
		return
	}
	_, _ = fmt.Fprint(r.out, r.paint(stylePrompt, fmt.Sprintf("[%s] >", s.Channel))+" ")
}

// Help writes the startup help text.
func (r *Renderer) Help() {
	lines := []string{
		"===== chat =====",
		"type a message to send it (a username and channel are assigned automatically)",
		"::login <username>  - set your username",
		"::choose <channel>  - join or switch channel",
		"::list <channel>    - list users in a channel",
		"exit or quit        - leave the chat",
		strings.Repeat("=", 16),
	}
	for _, l := range lines {
		r.line(styleSystem, "%s", l)
	}
}
