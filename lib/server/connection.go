package server

import (
	"net"
	"time"

	"github.com/quartzkv/quartz/lib/resp"
)

// --------------------------------------------------------------------------
// Connection
// --------------------------------------------------------------------------

// Flag marks per-connection states toggled by commands
type Flag int

const (
	// FlagCloseAfterReply ends the connection once the pending reply is
	// written
	FlagCloseAfterReply Flag = 1 << iota
	// FlagMonitor marks a connection subscribed to the command feed
	FlagMonitor
)

// Connection carries the per-connection state: the authenticated namespace,
// admin role, close flags and the current command. The executor owns no
// state of its own; everything per-client lives here.
type Connection struct {
	conn  net.Conn
	srv   *Server
	req   *resp.Request
	flags Flag

	namespace  string
	isAdmin    bool
	lastCmd    string
	currentCmd *Command
}

// NewConnection wraps an accepted socket
func NewConnection(conn net.Conn, srv *Server) *Connection {
	return &Connection{
		conn: conn,
		srv:  srv,
		req:  resp.NewRequest(srv.config.Engine.ClusterEnabled, srv.stats),
	}
}

// Reply writes a serialized RESP reply to the client
func (c *Connection) Reply(reply string) {
	if reply == "" {
		return
	}
	c.srv.stats.IncrOutbondBytes(uint64(len(reply)))
	if _, err := c.conn.Write([]byte(reply)); err != nil {
		c.srv.log.Errorf("Failed to write reply: %v", err)
		c.EnableFlag(FlagCloseAfterReply)
	}
}

// EnableFlag sets a connection flag
func (c *Connection) EnableFlag(flag Flag) {
	c.flags |= flag
}

// IsFlagEnabled tests a connection flag
func (c *Connection) IsFlagEnabled(flag Flag) bool {
	return c.flags&flag != 0
}

// GetNamespace returns the namespace the connection authenticated into;
// empty means unauthenticated
func (c *Connection) GetNamespace() string {
	return c.namespace
}

// SetNamespace attaches the connection to a namespace
func (c *Connection) SetNamespace(namespace string) {
	c.namespace = namespace
}

// BecomeAdmin promotes the connection
func (c *Connection) BecomeAdmin() {
	c.isAdmin = true
}

// IsAdmin reports whether the connection holds the admin role
func (c *Connection) IsAdmin() bool {
	return c.isAdmin
}

// SetLastCmd records the name of the last executed command
func (c *Connection) SetLastCmd(name string) {
	c.lastCmd = name
}

// Close shuts the socket down
func (c *Connection) Close() {
	_ = c.conn.Close()
}

// upgrade applies the TCP tuning options to an accepted connection
func (c *Connection) upgrade(config *Config) {
	tcpConn, ok := c.conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcpConn.SetNoDelay(config.TCPNoDelay)
	if config.TCPKeepAliveSec > 0 {
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(time.Duration(config.TCPKeepAliveSec) * time.Second)
	}
}
