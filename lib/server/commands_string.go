package server

import (
	"errors"
	"strconv"

	"github.com/quartzkv/quartz/lib/db"
	"github.com/quartzkv/quartz/lib/resp"
)

func init() {
	registerCommand(&Command{
		Name:  "get",
		Arity: 2,
		Execute: func(srv *Server, conn *Connection, args []string) (string, error) {
			value, err := db.NewString(srv.storage, conn.GetNamespace()).Get([]byte(args[1]))
			if err != nil {
				if errors.Is(err, db.ErrKeyNotFound) {
					return resp.NilString(), nil
				}
				return "", err
			}
			return resp.BulkString(string(value)), nil
		},
	})

	registerCommand(&Command{
		Name:    "set",
		Arity:   3,
		IsWrite: true,
		Execute: func(srv *Server, conn *Connection, args []string) (string, error) {
			err := db.NewString(srv.storage, conn.GetNamespace()).Set([]byte(args[1]), []byte(args[2]))
			if err != nil {
				return "", err
			}
			return resp.SimpleString("OK"), nil
		},
	})

	registerCommand(&Command{
		Name:    "setex",
		Arity:   4,
		IsWrite: true,
		Parse: func(args []string) error {
			seconds, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return errors.New("value is not an integer or out of range")
			}
			if seconds <= 0 {
				return errors.New("invalid expire time")
			}
			return nil
		},
		Execute: func(srv *Server, conn *Connection, args []string) (string, error) {
			seconds, _ := strconv.ParseInt(args[2], 10, 64)
			err := db.NewString(srv.storage, conn.GetNamespace()).SetEX([]byte(args[1]), []byte(args[3]), seconds)
			if err != nil {
				return "", err
			}
			return resp.SimpleString("OK"), nil
		},
	})
}
