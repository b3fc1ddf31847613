package chat

import (
	"fmt"
	"strings"
	"unicode"
)

// Moderation command names.
const (
	CmdListAll           = "list-all"
	CmdDirectMessage     = "direct-message"
	CmdKickUser          = "kick-user"
	CmdKickAll           = "kick-all"
	CmdDisconnectUser    = "disconnect-user"
	CmdDisconnectChannel = "disconnect-channel"
)

// Command defines one moderation command.
type Command struct {
	// Name is the canonical command name.
	Name string
	// Aliases are the legacy "::" spellings.
	Aliases []string
	// Params names the positional arguments before the trailing text.
	Params []string
	// Text names the mandatory remainder-of-line argument, or "" for none.
	Text string
	// Help is the one-line description shown to administrators.
	Help string
}

// Usage renders the command grammar, e.g. "kick-user <channel> <user> <reason>".
func (c *Command) Usage() string {
	var b strings.Builder
	b.WriteString(c.Name)
	for _, p := range c.Params {
		b.WriteString(" <" + p + ">")
	}
	if c.Text != "" {
		b.WriteString(" <" + c.Text + ">")
	}
	return b.String()
}

// GrammarLine renders the line listed in admin_commands on administrator login.
func (c *Command) GrammarLine() string {
	line := c.Usage()
	if len(c.Aliases) > 0 {
		line += " (" + strings.Join(c.Aliases, ", ") + ")"
	}
	return line + " - " + c.Help
}

// ModerationCommands returns the six built-in moderation commands in grammar order.
func ModerationCommands() []Command {
	return []Command{
		{Name: CmdKickUser, Aliases: []string{"::kicks"}, Params: []string{"channel", "user"}, Text: "reason", Help: "kick a user out of a channel"},
		{Name: CmdKickAll, Aliases: []string{"::kick"}, Params: []string{"channel"}, Text: "reason", Help: "clear every user out of a channel"},
		{Name: CmdDisconnectUser, Aliases: []string{"::closes"}, Params: []string{"channel", "user"}, Text: "reason", Help: "close a user's connection"},
		{Name: CmdDisconnectChannel, Aliases: []string{"::close"}, Params: []string{"channel"}, Text: "reason", Help: "close a channel and disconnect all of its users"},
		{Name: CmdListAll, Aliases: []string{"::lists"}, Help: "list every online user"},
		{Name: CmdDirectMessage, Aliases: []string{"::say"}, Params: []string{"channel", "user"}, Text: `"message"`, Help: "send a private message to a user"},
	}
}

// CommandRegistry maps command names and aliases to Command definitions.
type CommandRegistry struct {
	commands map[string]*Command // canonical name → command
	aliases  map[string]string   // alias → canonical name
	order    []string
}

// NewCommandRegistry creates a CommandRegistry populated with the given commands.
//
// Precondition: No two commands may share a canonical name or alias.
// Postcondition: Returns a CommandRegistry or an error on name/alias collisions.
func NewCommandRegistry(cmds []Command) (*CommandRegistry, error) {
	r := &CommandRegistry{
		commands: make(map[string]*Command, len(cmds)),
		aliases:  make(map[string]string),
	}

	for i := range cmds {
		cmd := &cmds[i]
		if _, exists := r.commands[cmd.Name]; exists {
			return nil, fmt.Errorf("duplicate command name: %q", cmd.Name)
		}
		if _, exists := r.aliases[cmd.Name]; exists {
			return nil, fmt.Errorf("command name %q conflicts with an existing alias", cmd.Name)
		}
		r.commands[cmd.Name] = cmd
		r.order = append(r.order, cmd.Name)

		for _, alias := range cmd.Aliases {
			if _, exists := r.commands[alias]; exists {
				return nil, fmt.Errorf("alias %q conflicts with command name %q", alias, alias)
			}
			if existing, exists := r.aliases[alias]; exists {
				return nil, fmt.Errorf("duplicate alias %q: used by %q and %q", alias, existing, cmd.Name)
			}
			r.aliases[alias] = cmd.Name
		}
	}

	return r, nil
}

// DefaultCommandRegistry creates a CommandRegistry with the moderation commands.
func DefaultCommandRegistry() *CommandRegistry {
	r, err := NewCommandRegistry(ModerationCommands())
	if err != nil {
		panic(fmt.Sprintf("building default command registry: %v", err))
	}
	return r
}

// Resolve looks up a command by name or alias. A leading "::" on a canonical
// name is accepted, so "::kick-user" resolves to kick-user.
func (r *CommandRegistry) Resolve(input string) (*Command, bool) {
	if cmd, ok := r.commands[input]; ok {
		return cmd, true
	}
	if canonical, ok := r.aliases[input]; ok {
		return r.commands[canonical], true
	}
	if trimmed, ok := strings.CutPrefix(input, "::"); ok {
		if cmd, ok := r.commands[trimmed]; ok {
			return cmd, true
		}
	}
	return nil, false
}

// Commands returns all registered commands in registration order.
func (r *CommandRegistry) Commands() []*Command {
	result := make([]*Command, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.commands[name])
	}
	return result
}

// Grammar returns the grammar line of every registered command.
func (r *CommandRegistry) Grammar() []string {
	lines := make([]string, 0, len(r.order))
	for _, cmd := range r.Commands() {
		lines = append(lines, cmd.GrammarLine())
	}
	return lines
}

// ParseResult holds the parsed command word and arguments from a command line.
type ParseResult struct {
	// Command is the first word of the input, lowercased.
	Command string
	// Args are the remaining words after the command.
	Args []string
	// RawArgs is the raw text after the command (preserving spacing for reasons).
	RawArgs string
}

// Parse splits a command line into a command word and arguments.
//
// Postcondition: Returns a ParseResult. If line is empty, Command is empty.
func Parse(line string) ParseResult {
	line = strings.TrimSpace(line)
	if line == "" {
		return ParseResult{}
	}

	cmd, rest := cutSpace(line)
	cmd = strings.ToLower(cmd)
	if rest == "" {
		return ParseResult{Command: cmd}
	}

	var args []string
	if rest != "" {
		args = strings.Fields(rest)
	}

	return ParseResult{
		Command: cmd,
		Args:    args,
		RawArgs: rest,
	}
}

// Invocation is a resolved moderation command with its arguments bound.
type Invocation struct {
	Command *Command
	Channel string
	User    string
	Text    string
}

// ParseInvocation resolves line against r and binds its arguments.
//
// Postcondition: Returns an Invocation, or an error wrapping ErrBadCommand that
// names the expected grammar. No positional argument or required text is ever empty.
func (r *CommandRegistry) ParseInvocation(line string) (Invocation, error) {
	parsed := Parse(line)
	if parsed.Command == "" {
		return Invocation{}, userErrorf(ErrBadCommand, "invalid administrator command")
	}
	cmd, ok := r.Resolve(parsed.Command)
	if !ok {
		return Invocation{}, userErrorf(ErrBadCommand, "invalid administrator command %q", parsed.Command)
	}

	positional, text := splitN(parsed.RawArgs, len(cmd.Params))
	if len(positional) < len(cmd.Params) {
		return Invocation{}, userErrorf(ErrBadCommand, "usage: %s", cmd.Usage())
	}
	if cmd.Name == CmdDirectMessage {
		text = unquote(text)
	}
	if cmd.Text != "" && text == "" {
		if cmd.Name == CmdDirectMessage {
			return Invocation{}, userErrorf(ErrBadCommand, "usage: %s", cmd.Usage())
		}
		return Invocation{}, userErrorf(ErrBadCommand, "a reason is required: %s", cmd.Usage())
	}

	inv := Invocation{Command: cmd, Text: text}
	if len(positional) > 0 {
		inv.Channel = positional[0]
	}
	if len(positional) > 1 {
		inv.User = positional[1]
	}
	return inv, nil
}

// splitN returns up to n leading whitespace-delimited fields of s and the
// trimmed remainder after them.
func splitN(s string, n int) ([]string, string) {
	fields := make([]string, 0, n)
	rest := strings.TrimSpace(s)
	for len(fields) < n && rest != "" {
		var word string
		word, rest = cutSpace(rest)
		fields = append(fields, word)
	}
	return fields, rest
}

// cutSpace splits s at its first whitespace rune and returns the word before
// it and the trimmed text after it.
func cutSpace(s string) (string, string) {
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i:])
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}
