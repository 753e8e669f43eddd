package server

import (
	"fmt"
	"strings"
)

// --------------------------------------------------------------------------
// Command Registry
// --------------------------------------------------------------------------

// Command describes one executable command. Arity counts all tokens
// including the name: positive means exact, negative means at least |arity|.
type Command struct {
	Name    string
	Arity   int
	IsWrite bool

	// Parse validates the command-specific argument shape; nil means no
	// validation beyond arity
	Parse func(args []string) error

	// Execute runs the command and returns the serialized reply
	Execute func(srv *Server, conn *Connection, args []string) (string, error)
}

var commandTable = map[string]*Command{}

// registerCommand adds a command at package init time
func registerCommand(cmd *Command) {
	commandTable[cmd.Name] = cmd
}

// LookupCommand resolves a (case-insensitive) command name
func LookupCommand(name string) (*Command, error) {
	cmd, ok := commandTable[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown command")
	}
	return cmd, nil
}

// CheckArity validates the token count against the declared arity
func (c *Command) CheckArity(tokens int) bool {
	if c.Arity > 0 {
		return tokens == c.Arity
	}
	return tokens >= -c.Arity
}

// CommandNames lists the registered commands
func CommandNames() []string {
	names := make([]string, 0, len(commandTable))
	for name := range commandTable {
		names = append(names, name)
	}
	return names
}
