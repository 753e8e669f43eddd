package server

import (
	"errors"
	"strconv"

	"github.com/quartzkv/quartz/lib/db"
	"github.com/quartzkv/quartz/lib/resp"
)

// parseBitOffset validates a bit offset token
func parseBitOffset(token string) error {
	if _, err := strconv.ParseUint(token, 10, 32); err != nil {
		return errors.New("bit offset is not an integer or out of range")
	}
	return nil
}

// parseBitValue validates a bit value token (0 or 1)
func parseBitValue(token string) error {
	if token != "0" && token != "1" {
		return errors.New("bit is not an integer or out of range")
	}
	return nil
}

func bitmap(srv *Server, conn *Connection) *db.Bitmap {
	return db.NewBitmap(srv.storage, conn.GetNamespace())
}

func init() {
	registerCommand(&Command{
		Name:  "getbit",
		Arity: 3,
		Parse: func(args []string) error {
			return parseBitOffset(args[2])
		},
		Execute: func(srv *Server, conn *Connection, args []string) (string, error) {
			offset, _ := strconv.ParseUint(args[2], 10, 32)
			bit, err := bitmap(srv, conn).GetBit([]byte(args[1]), uint32(offset))
			if err != nil {
				return "", err
			}
			if bit {
				return resp.Integer(1), nil
			}
			return resp.Integer(0), nil
		},
	})

	registerCommand(&Command{
		Name:    "setbit",
		Arity:   4,
		IsWrite: true,
		Parse: func(args []string) error {
			if err := parseBitOffset(args[2]); err != nil {
				return err
			}
			return parseBitValue(args[3])
		},
		Execute: func(srv *Server, conn *Connection, args []string) (string, error) {
			offset, _ := strconv.ParseUint(args[2], 10, 32)
			oldBit, err := bitmap(srv, conn).SetBit([]byte(args[1]), uint32(offset), args[3] == "1")
			if err != nil {
				return "", err
			}
			if oldBit {
				return resp.Integer(1), nil
			}
			return resp.Integer(0), nil
		},
	})

	registerCommand(&Command{
		Name:  "bitcount",
		Arity: -2,
		Parse: func(args []string) error {
			if len(args) != 2 && len(args) != 4 {
				return errors.New("syntax error")
			}
			for _, token := range args[2:] {
				if err := parseIntArg(token); err != nil {
					return err
				}
			}
			return nil
		},
		Execute: func(srv *Server, conn *Connection, args []string) (string, error) {
			start, stop := int64(0), int64(-1)
			if len(args) == 4 {
				start, _ = strconv.ParseInt(args[2], 10, 64)
				stop, _ = strconv.ParseInt(args[3], 10, 64)
			}
			cnt, err := bitmap(srv, conn).BitCount([]byte(args[1]), start, stop)
			if err != nil {
				return "", err
			}
			return resp.Integer(int64(cnt)), nil
		},
	})

	registerCommand(&Command{
		Name:  "bitpos",
		Arity: -3,
		Parse: func(args []string) error {
			if len(args) > 5 {
				return errors.New("syntax error")
			}
			if err := parseBitValue(args[2]); err != nil {
				return err
			}
			for _, token := range args[3:] {
				if err := parseIntArg(token); err != nil {
					return err
				}
			}
			return nil
		},
		Execute: func(srv *Server, conn *Connection, args []string) (string, error) {
			start, stop := int64(0), int64(-1)
			stopGiven := false
			if len(args) >= 4 {
				start, _ = strconv.ParseInt(args[3], 10, 64)
			}
			if len(args) == 5 {
				stop, _ = strconv.ParseInt(args[4], 10, 64)
				stopGiven = true
			}
			pos, err := bitmap(srv, conn).BitPos([]byte(args[1]), args[2] == "1", start, stop, stopGiven)
			if err != nil {
				return "", err
			}
			return resp.Integer(pos), nil
		},
	})
}
