package net

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/mosaicnetworks/cloudsync/src/tasks"
)

// Command names on the wire.
const (
	CmdSync  = "sync"
	CmdClear = "clear"
)

// MaxFrameSize is the largest command frame a CommandReader accepts.
const MaxFrameSize = 1 << 20

var (
	errMissingCmd  = errors.New("missing cmd")
	errMissingData = errors.New("missing data")
)

// Command is a message exchanged between peers.
type Command interface {
	Kind() string
}

// SyncCommand asks the receiver to fetch the file set from the Control API at
// IP:Port and to start its task group from Meta.
type SyncCommand struct {
	IP   string     `json:"ip"`
	Port int        `json:"port"`
	Meta tasks.Meta `json:"meta"`
}

// Kind implements the Command interface.
func (c *SyncCommand) Kind() string { return CmdSync }

// ClearCommand asks the receiver to delete its synchronized files.
type ClearCommand struct{}

// Kind implements the Command interface.
func (c *ClearCommand) Kind() string { return CmdClear }

// UnknownCommand is a well-formed message with an unrecognised cmd. It is
// kept so it can be logged.
type UnknownCommand struct {
	Cmd  string
	Data json.RawMessage
}

// Kind implements the Command interface.
func (c *UnknownCommand) Kind() string { return c.Cmd }

// DecodeError is returned when a frame cannot be decoded into a Command.
type DecodeError struct {
	Raw []byte
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding command %q: %v", e.Raw, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type envelope struct {
	Cmd  string          `json:"cmd"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode returns the wire form of c, terminated by a newline.
func Encode(c Command) ([]byte, error) {
	env := envelope{Cmd: c.Kind()}

	switch cmd := c.(type) {
	case *SyncCommand:
		data, err := json.Marshal(cmd)
		if err != nil {
			return nil, err
		}
		env.Data = data
	case *ClearCommand:
		env.Data = json.RawMessage("{}")
	case *UnknownCommand:
		env.Data = cmd.Data
	default:
		return nil, fmt.Errorf("unsupported command type %T", c)
	}

	if env.Cmd == "" {
		return nil, errMissingCmd
	}

	buf, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	return append(buf, '\n'), nil
}

// Decode parses one frame. It returns a *DecodeError when the frame is not a
// JSON object with a cmd, or when a sync payload has the wrong shape.
func Decode(frame []byte) (Command, error) {
	frame = bytes.TrimSpace(frame)

	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, &DecodeError{Raw: frame, Err: err}
	}

	if env.Cmd == "" {
		return nil, &DecodeError{Raw: frame, Err: errMissingCmd}
	}

	switch env.Cmd {
	case CmdSync:
		if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
			return nil, &DecodeError{Raw: frame, Err: errMissingData}
		}
		var cmd SyncCommand
		if err := json.Unmarshal(env.Data, &cmd); err != nil {
			return nil, &DecodeError{Raw: frame, Err: err}
		}
		return &cmd, nil
	case CmdClear:
		return &ClearCommand{}, nil
	default:
		return &UnknownCommand{Cmd: env.Cmd, Data: env.Data}, nil
	}
}

// CommandReader reads newline-delimited commands from a stream.
type CommandReader struct {
	scanner *bufio.Scanner
}

// NewCommandReader returns a CommandReader over r.
func NewCommandReader(r io.Reader) *CommandReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), MaxFrameSize)
	return &CommandReader{scanner: scanner}
}

// Next returns the next command. A *DecodeError leaves the reader usable; any
// other error, including io.EOF, ends the stream. Frames larger than
// MaxFrameSize end the stream with bufio.ErrTooLong.
func (r *CommandReader) Next() (Command, error) {
	for r.scanner.Scan() {
		frame := r.scanner.Bytes()
		if len(bytes.TrimSpace(frame)) == 0 {
			continue
		}
		// the scanner reuses its buffer
		raw := make([]byte, len(frame))
		copy(raw, frame)
		return Decode(raw)
	}

	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
