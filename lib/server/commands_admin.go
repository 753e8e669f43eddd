package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/quartzkv/quartz/lib/resp"
)

func init() {
	registerCommand(&Command{
		Name:  "compact",
		Arity: 1,
		Execute: func(srv *Server, conn *Connection, args []string) (string, error) {
			if !conn.IsAdmin() {
				return "", errors.New("only administrator can compact the db")
			}
			if err := srv.storage.Compact(nil, nil); err != nil {
				return "", err
			}
			return resp.SimpleString("OK"), nil
		},
	})

	registerCommand(&Command{
		Name:  "bgsave",
		Arity: 1,
		Execute: func(srv *Server, conn *Connection, args []string) (string, error) {
			if !conn.IsAdmin() {
				return "", errors.New("only administrator can create a backup")
			}
			if err := srv.storage.CreateBackup(); err != nil {
				return "", err
			}
			return resp.SimpleString("OK"), nil
		},
	})

	registerCommand(&Command{
		Name:  "monitor",
		Arity: 1,
		Execute: func(srv *Server, conn *Connection, args []string) (string, error) {
			conn.EnableFlag(FlagMonitor)
			srv.AddMonitorConn(conn)
			return resp.SimpleString("OK"), nil
		},
	})

	registerCommand(&Command{
		Name:  "slowlog",
		Arity: -2,
		Execute: func(srv *Server, conn *Connection, args []string) (string, error) {
			switch strings.ToLower(args[1]) {
			case "reset":
				srv.slowlog.Reset()
				return resp.SimpleString("OK"), nil
			case "len":
				return resp.Integer(int64(srv.slowlog.Len())), nil
			case "get":
				count := 10
				if len(args) > 2 {
					n, err := strconv.Atoi(args[2])
					if err != nil {
						return "", errors.New("value is not an integer or out of range")
					}
					count = n
				}
				entries := srv.slowlog.GetEntries(count)
				var sb strings.Builder
				sb.WriteString(resp.MultiLen(len(entries)))
				for _, entry := range entries {
					sb.WriteString(resp.MultiLen(4))
					sb.WriteString(resp.Integer(int64(entry.ID)))
					sb.WriteString(resp.Integer(entry.Time.Unix()))
					sb.WriteString(resp.Integer(int64(entry.DurationUS)))
					sb.WriteString(resp.MultiBulkString(entry.Args))
				}
				return sb.String(), nil
			default:
				return "", fmt.Errorf("unknown SLOWLOG subcommand or wrong number of arguments for '%s'", args[1])
			}
		},
	})

	registerCommand(&Command{
		Name:  "perflog",
		Arity: -2,
		Execute: func(srv *Server, conn *Connection, args []string) (string, error) {
			switch strings.ToLower(args[1]) {
			case "reset":
				srv.perflog.Reset()
				return resp.SimpleString("OK"), nil
			case "get":
				count := 10
				if len(args) > 2 {
					n, err := strconv.Atoi(args[2])
					if err != nil {
						return "", errors.New("value is not an integer or out of range")
					}
					count = n
				}
				entries := srv.perflog.GetEntries(count)
				var sb strings.Builder
				sb.WriteString(resp.MultiLen(len(entries)))
				for _, entry := range entries {
					sb.WriteString(resp.MultiBulkString([]string{
						entry.CmdName,
						strconv.FormatUint(entry.DurationUS, 10),
						entry.PerfContext,
						entry.IOStatsContext,
					}))
				}
				return sb.String(), nil
			default:
				return "", fmt.Errorf("unknown PERFLOG subcommand or wrong number of arguments for '%s'", args[1])
			}
		},
	})

	registerCommand(&Command{
		Name:  "info",
		Arity: -1,
		Execute: func(srv *Server, conn *Connection, args []string) (string, error) {
			var sb strings.Builder
			sb.WriteString("# Server\r\n")
			fmt.Fprintf(&sb, "executing_commands:%d\r\n", srv.ExecutingCommandCount())
			sb.WriteString("# Stats\r\n")
			fmt.Fprintf(&sb, "total_commands_processed:%d\r\n", srv.stats.TotalCalls())
			fmt.Fprintf(&sb, "total_net_input_bytes:%d\r\n", srv.stats.InbondBytes())
			fmt.Fprintf(&sb, "total_net_output_bytes:%d\r\n", srv.stats.OutbondBytes())
			sb.WriteString("# Storage\r\n")
			fmt.Fprintf(&sb, "latest_seq:%d\r\n", srv.storage.LatestSeq())
			fmt.Fprintf(&sb, "total_size:%d\r\n", srv.storage.GetTotalSize())
			fmt.Fprintf(&sb, "flush_count:%d\r\n", srv.storage.FlushCount())
			fmt.Fprintf(&sb, "compaction_count:%d\r\n", srv.storage.CompactionCount())
			return resp.BulkString(sb.String()), nil
		},
	})
}
