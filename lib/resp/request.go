package resp

import (
	"strconv"
	"strings"
)

// --------------------------------------------------------------------------
// Protocol Limits
// --------------------------------------------------------------------------

const (
	// ProtoInlineMaxSize caps an inline command line (terminator excluded)
	ProtoInlineMaxSize = 16 * 1024
	// ProtoBulkMaxSize caps a single bulk string
	ProtoBulkMaxSize = 128 * 1024 * 1024
	// ProtoMaxMultiBulks caps the element count of a multi-bulk command.
	// The cap is disabled in cluster mode to match Redis Cluster behavior.
	ProtoMaxMultiBulks = 8 * 1024
)

// ProtocolError is fatal for the connection: the offending line has already
// been drained, so the caller can reply and close cleanly.
type ProtocolError struct {
	msg string
}

func (e *ProtocolError) Error() string {
	return "Protocol error: " + e.msg
}

func protocolErr(msg string) error {
	return &ProtocolError{msg: msg}
}

// --------------------------------------------------------------------------
// Tokenizer
// --------------------------------------------------------------------------

type parseState int

const (
	stateArrayLen parseState = iota
	stateBulkLen
	stateBulkData
)

// InboundSink receives the consumed byte counts; the server wires its stats
// here
type InboundSink interface {
	IncrInbondBytes(n uint64)
}

// Request is the incremental RESP tokenizer for one connection. Feeding it
// bytes in arbitrary chunk splits yields the same command sequence as
// feeding the whole stream at once. Tokens already parsed for an incomplete
// command live in the state fields below; the bytes of an unfinished line or
// bulk payload stay unconsumed in the input buffer until they are complete.
type Request struct {
	state        parseState
	multiBulkLen uint64
	bulkLen      uint64
	tokens       []string
	commands     [][]string

	clusterEnabled bool
	stats          InboundSink
}

// NewRequest creates a tokenizer. stats may be nil.
func NewRequest(clusterEnabled bool, stats InboundSink) *Request {
	return &Request{clusterEnabled: clusterEnabled, stats: stats}
}

func (r *Request) incrInbondBytes(n int) {
	if r.stats != nil {
		r.stats.IncrInbondBytes(uint64(n))
	}
}

// TakeCommands returns the fully parsed commands accumulated so far and
// resets the queue
func (r *Request) TakeCommands() [][]string {
	commands := r.commands
	r.commands = nil
	return commands
}

// Tokenize consumes as many complete protocol elements from input as are
// available. It returns nil when more bytes are needed; any returned error
// is a protocol violation and fatal for the connection.
func (r *Request) Tokenize(input *Buffer) error {
	for {
		switch r.state {
		case stateArrayLen:
			line, ok := input.ReadLine()
			if !ok {
				return nil
			}
			r.incrInbondBytes(len(line))
			if len(line) == 0 {
				continue
			}
			if line[0] == '*' {
				count, err := strconv.ParseUint(string(line[1:]), 10, 64)
				if err != nil {
					return protocolErr("expect integer")
				}
				if !r.clusterEnabled && count > ProtoMaxMultiBulks {
					return protocolErr("too many bulk strings")
				}
				if count == 0 {
					continue
				}
				r.multiBulkLen = count
				r.state = stateBulkLen
				continue
			}
			if len(line) > ProtoInlineMaxSize {
				return protocolErr("too big inline request")
			}
			tokens := strings.FieldsFunc(string(line), func(c rune) bool {
				return c == ' ' || c == '\t'
			})
			if len(tokens) > 0 {
				r.commands = append(r.commands, tokens)
			}

		case stateBulkLen:
			line, ok := input.ReadLine()
			if !ok {
				return nil
			}
			r.incrInbondBytes(len(line))
			if len(line) == 0 || line[0] != '$' {
				return protocolErr("expect '$'")
			}
			bulkLen, err := strconv.ParseUint(string(line[1:]), 10, 64)
			if err != nil {
				return protocolErr("expect integer")
			}
			if bulkLen > ProtoBulkMaxSize {
				return protocolErr("too big bulk string")
			}
			r.bulkLen = bulkLen
			r.state = stateBulkData

		case stateBulkData:
			data, ok := input.Peek(int(r.bulkLen) + 2)
			if !ok {
				return nil
			}
			r.tokens = append(r.tokens, string(data[:r.bulkLen]))
			input.Drain(int(r.bulkLen) + 2)
			r.incrInbondBytes(int(r.bulkLen) + 2)
			r.multiBulkLen--
			if r.multiBulkLen == 0 {
				r.commands = append(r.commands, r.tokens)
				r.tokens = nil
				r.state = stateArrayLen
			} else {
				r.state = stateBulkLen
			}
		}
	}
}
