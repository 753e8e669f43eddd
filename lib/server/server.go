package server

import (
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quartzkv/quartz/lib/engine"
	"github.com/quartzkv/quartz/lib/logger"
	"github.com/quartzkv/quartz/lib/resp"
)

// --------------------------------------------------------------------------
// Server
// --------------------------------------------------------------------------

// Server is the front door: it accepts connections, drives the tokenizer on
// each of them and executes the resulting commands against the storage
// engine.
type Server struct {
	config  *Config
	storage *engine.Storage
	log     logger.ILogger

	stats   *Stats
	slowlog *SlowLog
	perflog *PerfLog

	listener net.Listener
	quit     chan struct{}
	wg       sync.WaitGroup

	loading           atomic.Bool
	masterHost        atomic.Value // string; empty = master role
	executingCommands atomic.Int64

	monitorMu    sync.Mutex
	monitorConns []*Connection
}

// NewServer wires a server on top of an opened storage engine
func NewServer(config *Config, storage *engine.Storage) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	s := &Server{
		config:  config,
		storage: storage,
		log:     logger.GetLogger("server"),
		stats:   NewStats(),
		slowlog: NewSlowLog(config.SlowlogMaxLen),
		perflog: NewPerfLog(0),
		quit:    make(chan struct{}),
	}
	s.masterHost.Store("")
	return s
}

// Storage exposes the engine to command bodies
func (s *Server) Storage() *engine.Storage {
	return s.storage
}

// Stats exposes the stats registry
func (s *Server) Stats() *Stats {
	return s.stats
}

// SlowLog exposes the slowlog
func (s *Server) SlowLog() *SlowLog {
	return s.slowlog
}

// PerfLog exposes the perf log
func (s *Server) PerfLog() *PerfLog {
	return s.perflog
}

// IsLoading reports whether a backup restore is in flight
func (s *Server) IsLoading() bool {
	return s.loading.Load()
}

// IsSlave reports whether the server replicates from a master
func (s *Server) IsSlave() bool {
	return s.masterHost.Load().(string) != ""
}

// SetMaster switches the replication role; an empty host restores the
// master role
func (s *Server) SetMaster(host string) {
	s.masterHost.Store(host)
}

// ExecutingCommandCount returns the number of commands in flight
func (s *Server) ExecutingCommandCount() int64 {
	return s.executingCommands.Load()
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Start listens and serves until Stop is called
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return err
	}
	s.listener = listener
	s.log.Infof("Ready to accept connections on %s", s.config.Addr())

	s.wg.Add(1)
	go s.maintenanceLoop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
			}
			s.log.Errorf("Accept error: %v", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// Stop shuts the listener down and waits for in-flight work
func (s *Server) Stop() {
	close(s.quit)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

// maintenanceLoop runs the periodic checks: the size-limit toggle and the
// backup retention policy
func (s *Server) maintenanceLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.storage.CheckDBSizeLimit()
			s.storage.PurgeOldBackups(s.config.MaxBackupToKeep, s.config.MaxBackupKeepHours)
		}
	}
}

// --------------------------------------------------------------------------
// Connection Handling
// --------------------------------------------------------------------------

// handleConnection drives one client: bytes in, tokenizer, executor,
// replies out
func (s *Server) handleConnection(netConn net.Conn) {
	conn := NewConnection(netConn, s)
	conn.upgrade(s.config)
	defer func() {
		s.removeMonitorConn(conn)
		conn.Close()
	}()

	buffer := resp.NewBuffer()
	readBuf := make([]byte, 16*1024)
	for {
		n, err := netConn.Read(readBuf)
		if n > 0 {
			buffer.Write(readBuf[:n])
			if tokErr := conn.req.Tokenize(buffer); tokErr != nil {
				conn.Reply(resp.Error(tokErr.Error()))
				return
			}
			s.ExecuteCommands(conn, conn.req.TakeCommands())
			if conn.IsFlagEnabled(FlagCloseAfterReply) {
				return
			}
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			select {
			case <-s.quit:
			default:
				s.log.Debugf("Connection read error: %v", err)
			}
			return
		}
	}
}

// --------------------------------------------------------------------------
// Monitors
// --------------------------------------------------------------------------

// AddMonitorConn subscribes a connection to the command feed
func (s *Server) AddMonitorConn(conn *Connection) {
	s.monitorMu.Lock()
	defer s.monitorMu.Unlock()
	s.monitorConns = append(s.monitorConns, conn)
}

func (s *Server) removeMonitorConn(conn *Connection) {
	s.monitorMu.Lock()
	defer s.monitorMu.Unlock()
	for i, c := range s.monitorConns {
		if c == conn {
			s.monitorConns = append(s.monitorConns[:i], s.monitorConns[i+1:]...)
			return
		}
	}
}

// FeedMonitorConns forwards the raw tokens of every executed command to the
// subscribed monitors
func (s *Server) FeedMonitorConns(from *Connection, tokens []string) {
	s.monitorMu.Lock()
	defer s.monitorMu.Unlock()
	if len(s.monitorConns) == 0 {
		return
	}
	line := fmt.Sprintf("%.6f %s", float64(time.Now().UnixMicro())/1e6, strings.Join(tokens, " "))
	for _, conn := range s.monitorConns {
		if conn == from {
			continue
		}
		conn.Reply(resp.SimpleString(line))
	}
}

// RestoreFromBackup gates commands behind the loading flag while the engine
// rebuilds its state from the latest backup
func (s *Server) RestoreFromBackup() error {
	s.loading.Store(true)
	defer s.loading.Store(false)
	return s.storage.RestoreFromLatestBackup()
}
