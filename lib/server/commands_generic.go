package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/quartzkv/quartz/lib/codec"
	"github.com/quartzkv/quartz/lib/db"
	"github.com/quartzkv/quartz/lib/resp"
)

// parseIntArg validates that one token parses as a signed integer
func parseIntArg(token string) error {
	if _, err := strconv.ParseInt(token, 10, 64); err != nil {
		return errors.New("value is not an integer or out of range")
	}
	return nil
}

// database returns the generic facade bound to the connection's namespace
func database(srv *Server, conn *Connection) *db.Database {
	return db.NewDatabase(srv.storage, conn.GetNamespace())
}

func init() {
	registerCommand(&Command{
		Name:  "ping",
		Arity: -1,
		Execute: func(srv *Server, conn *Connection, args []string) (string, error) {
			if len(args) > 1 {
				return resp.BulkString(args[1]), nil
			}
			return resp.SimpleString("PONG"), nil
		},
	})

	registerCommand(&Command{
		Name:  "echo",
		Arity: 2,
		Execute: func(srv *Server, conn *Connection, args []string) (string, error) {
			return resp.BulkString(args[1]), nil
		},
	})

	registerCommand(&Command{
		Name:  "quit",
		Arity: 1,
		Execute: func(srv *Server, conn *Connection, args []string) (string, error) {
			conn.EnableFlag(FlagCloseAfterReply)
			return resp.SimpleString("OK"), nil
		},
	})

	registerCommand(&Command{
		Name:  "auth",
		Arity: 2,
		Execute: func(srv *Server, conn *Connection, args []string) (string, error) {
			if srv.config.RequirePass == "" {
				return "", errors.New("Client sent AUTH, but no password is set")
			}
			if args[1] != srv.config.RequirePass {
				return "", errors.New("invalid password")
			}
			conn.BecomeAdmin()
			conn.SetNamespace(codec.DefaultNamespace)
			return resp.SimpleString("OK"), nil
		},
	})

	registerCommand(&Command{
		Name:    "del",
		Arity:   -2,
		IsWrite: true,
		Execute: func(srv *Server, conn *Connection, args []string) (string, error) {
			d := database(srv, conn)
			cnt := int64(0)
			for _, key := range args[1:] {
				if err := d.Del([]byte(key)); err == nil {
					cnt++
				}
			}
			return resp.Integer(cnt), nil
		},
	})

	registerCommand(&Command{
		Name:  "exists",
		Arity: -2,
		Execute: func(srv *Server, conn *Connection, args []string) (string, error) {
			keys := make([][]byte, 0, len(args)-1)
			for _, key := range args[1:] {
				keys = append(keys, []byte(key))
			}
			cnt, err := database(srv, conn).Exists(keys)
			if err != nil {
				return "", err
			}
			return resp.Integer(int64(cnt)), nil
		},
	})

	registerCommand(&Command{
		Name:  "ttl",
		Arity: 2,
		Execute: func(srv *Server, conn *Connection, args []string) (string, error) {
			ttl, err := database(srv, conn).TTL([]byte(args[1]))
			if err != nil {
				return "", err
			}
			return resp.Integer(ttl), nil
		},
	})

	registerCommand(&Command{
		Name:    "expire",
		Arity:   3,
		IsWrite: true,
		Parse: func(args []string) error {
			return parseIntArg(args[2])
		},
		Execute: func(srv *Server, conn *Connection, args []string) (string, error) {
			seconds, _ := strconv.ParseInt(args[2], 10, 64)
			timestamp := uint32(0)
			if seconds > 0 {
				timestamp = uint32(time.Now().Unix() + seconds)
			}
			if err := database(srv, conn).Expire([]byte(args[1]), timestamp); err != nil {
				if errors.Is(err, db.ErrKeyNotFound) {
					return resp.Integer(0), nil
				}
				return "", err
			}
			return resp.Integer(1), nil
		},
	})

	registerCommand(&Command{
		Name:  "type",
		Arity: 2,
		Execute: func(srv *Server, conn *Connection, args []string) (string, error) {
			typ, err := database(srv, conn).Type([]byte(args[1]))
			if err != nil {
				return "", err
			}
			return resp.SimpleString(typ.String()), nil
		},
	})

	registerCommand(&Command{
		Name:  "keys",
		Arity: 2,
		Execute: func(srv *Server, conn *Connection, args []string) (string, error) {
			prefix := args[1]
			if prefix == "*" {
				prefix = ""
			} else {
				prefix = strings.TrimSuffix(prefix, "*")
			}
			keys, err := database(srv, conn).Keys([]byte(prefix), nil)
			if err != nil {
				return "", err
			}
			return resp.MultiBulkString(keys), nil
		},
	})

	registerCommand(&Command{
		Name:  "scan",
		Arity: -2,
		Parse: func(args []string) error {
			for i := 2; i < len(args); i += 2 {
				opt := strings.ToLower(args[i])
				if opt != "match" && opt != "count" {
					return fmt.Errorf("syntax error")
				}
				if i+1 >= len(args) {
					return fmt.Errorf("syntax error")
				}
				if opt == "count" {
					if err := parseIntArg(args[i+1]); err != nil {
						return err
					}
				}
			}
			return nil
		},
		Execute: func(srv *Server, conn *Connection, args []string) (string, error) {
			cursor := args[1]
			if cursor == "0" {
				cursor = ""
			}
			prefix := ""
			limit := uint64(20)
			for i := 2; i < len(args); i += 2 {
				switch strings.ToLower(args[i]) {
				case "match":
					prefix = strings.TrimSuffix(args[i+1], "*")
				case "count":
					n, _ := strconv.ParseUint(args[i+1], 10, 64)
					if n > 0 {
						limit = n
					}
				}
			}
			keys, err := database(srv, conn).Scan([]byte(cursor), limit, []byte(prefix))
			if err != nil {
				return "", err
			}
			nextCursor := "0"
			if uint64(len(keys)) == limit && len(keys) > 0 {
				nextCursor = keys[len(keys)-1]
			}
			var sb strings.Builder
			sb.WriteString(resp.MultiLen(2))
			sb.WriteString(resp.BulkString(nextCursor))
			sb.WriteString(resp.MultiBulkString(keys))
			return sb.String(), nil
		},
	})

	registerCommand(&Command{
		Name:  "randomkey",
		Arity: 1,
		Execute: func(srv *Server, conn *Connection, args []string) (string, error) {
			key, err := database(srv, conn).RandomKey(nil)
			if err != nil {
				return "", err
			}
			if key == "" {
				return resp.NilString(), nil
			}
			return resp.BulkString(key), nil
		},
	})

	registerCommand(&Command{
		Name:  "dump",
		Arity: 2,
		Execute: func(srv *Server, conn *Connection, args []string) (string, error) {
			infos, err := database(srv, conn).Dump([]byte(args[1]))
			if err != nil {
				return "", err
			}
			if infos == nil {
				return resp.NilString(), nil
			}
			return resp.MultiBulkString(infos), nil
		},
	})

	registerCommand(&Command{
		Name:  "dbsize",
		Arity: 1,
		Execute: func(srv *Server, conn *Connection, args []string) (string, error) {
			stats, err := database(srv, conn).GetKeyNumStats(nil)
			if err != nil {
				return "", err
			}
			return resp.Integer(int64(stats.NKey)), nil
		},
	})

	registerCommand(&Command{
		Name:    "flushdb",
		Arity:   1,
		IsWrite: true,
		Execute: func(srv *Server, conn *Connection, args []string) (string, error) {
			if err := database(srv, conn).FlushDB(); err != nil {
				return "", err
			}
			return resp.SimpleString("OK"), nil
		},
	})

	registerCommand(&Command{
		Name:    "flushall",
		Arity:   1,
		IsWrite: true,
		Execute: func(srv *Server, conn *Connection, args []string) (string, error) {
			if err := database(srv, conn).FlushAll(); err != nil {
				return "", err
			}
			return resp.SimpleString("OK"), nil
		},
	})
}
