package server

import (
	"math/rand"
	"strings"
	"time"

	"github.com/quartzkv/quartz/lib/codec"
	"github.com/quartzkv/quartz/lib/engine"
	"github.com/quartzkv/quartz/lib/resp"
)

// --------------------------------------------------------------------------
// Command Executor
// --------------------------------------------------------------------------

// commandWhitelist names the commands accepted while the server restores
// from a backup
var commandWhitelist = map[string]bool{"auth": true}

// ExecuteCommands runs a batch of fully parsed commands on a connection, in
// arrival order, until the queue is drained or the connection is marked to
// close
func (s *Server) ExecuteCommands(conn *Connection, commands [][]string) {
	config := s.config
	for _, tokens := range commands {
		if conn.IsFlagEnabled(FlagCloseAfterReply) {
			break
		}
		cmdName := strings.ToLower(tokens[0])

		// Auth gate: unauthenticated connections may only AUTH; without a
		// configured password the first command implicitly attaches the
		// default namespace with the admin role.
		if conn.GetNamespace() == "" {
			if config.RequirePass != "" && cmdName != "auth" {
				conn.Reply(resp.Error("NOAUTH Authentication required."))
				continue
			}
			if config.RequirePass == "" {
				conn.BecomeAdmin()
				conn.SetNamespace(codec.DefaultNamespace)
			}
		}

		cmd, err := LookupCommand(tokens[0])
		if err != nil {
			conn.Reply(resp.Error("ERR unknown command"))
			continue
		}
		conn.currentCmd = cmd

		if s.IsLoading() && !commandWhitelist[cmd.Name] {
			conn.Reply(resp.Error("ERR restoring the db from backup"))
			break
		}
		if !cmd.CheckArity(len(tokens)) {
			conn.Reply(resp.Error("ERR wrong number of arguments"))
			continue
		}
		if cmd.Parse != nil {
			if err := cmd.Parse(tokens); err != nil {
				conn.Reply(resp.Error("ERR " + err.Error()))
				continue
			}
		}
		if config.SlaveReadonly && s.IsSlave() && cmd.IsWrite {
			conn.Reply(resp.Error("READONLY You can't write against a read only slave."))
			continue
		}

		conn.SetLastCmd(cmd.Name)
		s.stats.IncrCalls(cmd.Name)
		start := time.Now()
		perf := s.turnOnProfilingIfNeed(cmd.Name)
		s.executingCommands.Add(1)
		reply, err := cmd.Execute(s, conn, tokens)
		s.executingCommands.Add(-1)
		durationUS := uint64(time.Since(start).Microseconds())
		if perf != nil {
			s.recordProfilingSampleIfNeed(perf, cmd.Name, durationUS)
		}
		if config.SlowlogSlowerThanUS >= 0 && durationUS >= uint64(config.SlowlogSlowerThanUS) {
			s.slowlog.PushEntry(tokens, durationUS)
		}
		s.stats.IncrLatency(durationUS, cmd.Name)
		s.FeedMonitorConns(conn, tokens)
		if err != nil {
			conn.Reply(resp.Error("ERR " + err.Error()))
			s.log.Errorf("Failed to execute command: %s, encounter err: %v", cmd.Name, err)
			continue
		}
		conn.Reply(reply)
	}
}

// --------------------------------------------------------------------------
// Profiling Sampling
// --------------------------------------------------------------------------

// turnOnProfilingIfNeed decides per the sampling policy whether this
// execution gets a perf context
func (s *Server) turnOnProfilingIfNeed(cmd string) *engine.PerfContext {
	config := s.config
	if config.ProfilingSampleRatio == 0 {
		return nil
	}
	if !config.ProfilingSampleAllCommands && !config.ProfilingSampleCommands[cmd] {
		return nil
	}
	if config.ProfilingSampleRatio == 100 || rand.Intn(100) <= config.ProfilingSampleRatio {
		return s.storage.StartPerfContext()
	}
	return nil
}

// recordProfilingSampleIfNeed finishes a perf sample. Samples below the
// record threshold are dropped, as are commands that issued no engine
// operation.
func (s *Server) recordProfilingSampleIfNeed(perf *engine.PerfContext, cmd string, durationUS uint64) {
	threshold := s.config.ProfilingSampleRecordThresholdMS
	if threshold > 0 && int(durationUS/1000) < threshold {
		return
	}
	perfContext, iostatsContext := perf.Capture()
	if perfContext == "" {
		return // request without db operation
	}
	s.perflog.PushEntry(&PerfEntry{
		CmdName:        cmd,
		DurationUS:     durationUS,
		PerfContext:    perfContext,
		IOStatsContext: iostatsContext,
	})
}
