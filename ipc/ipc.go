// Package ipc implements the message channel between a forked child and its parent.
//
// Messages are JSON values, one per line. The parent side is created by the launcher;
// a child process connects to its parent with Connect.
package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

// EnvFDs is the environment variable that tells a child which file descriptors carry its channel,
// formatted as "<read fd>,<write fd>".
const EnvFDs = "CHILDPROC_IPC_FDS"

var (
	// ErrNotConnected is returned by Connect when the process was not started with a channel.
	ErrNotConnected = errors.New("ipc: process has no parent channel")
	// ErrInvalidMessage is returned by Receive when a line is not valid JSON.
	ErrInvalidMessage = errors.New("ipc: invalid message")
)

// Message is a single JSON message.
type Message struct {
	raw []byte
}

// NewMessage wraps raw JSON, returning ErrInvalidMessage if it is not valid.
func NewMessage(raw []byte) (Message, error) {
	if !gjson.ValidBytes(raw) {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidMessage, raw)
	}
	return Message{raw: raw}, nil
}

// Get returns the value at path, using gjson path syntax.
func (m Message) Get(path string) gjson.Result { return gjson.GetBytes(m.raw, path) }

// Type returns the message's "type" field, or "" if it has none.
func (m Message) Type() string { return m.Get("type").String() }

func (m Message) Decode(v any) error { return json.Unmarshal(m.raw, v) }

func (m Message) Bytes() []byte { return m.raw }

func (m Message) String() string { return string(m.raw) }

// Channel is a bidirectional message channel. Send and Receive are safe to call concurrently with each other.
type Channel struct {
	rwc io.ReadWriteCloser
	r   *bufio.Reader

	writeMut  sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func NewChannel(rwc io.ReadWriteCloser) *Channel {
	return &Channel{rwc: rwc, r: bufio.NewReader(rwc)}
}

// Send encodes v as JSON and writes it as one message.
func (c *Channel) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	b = append(b, '\n')

	c.writeMut.Lock()
	defer c.writeMut.Unlock()
	_, err = c.rwc.Write(b)
	if err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// Receive blocks until the next message arrives. It returns io.EOF once the other side has closed the channel.
func (c *Channel) Receive() (Message, error) {
	for {
		line, err := c.r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return NewMessage(line)
		}
		if err != nil {
			return Message{}, err
		}
	}
}

func (c *Channel) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.rwc.Close() })
	return c.closeErr
}

type fileConn struct {
	r *os.File
	w *os.File
}

func (f *fileConn) Read(b []byte) (int, error)  { return f.r.Read(b) }
func (f *fileConn) Write(b []byte) (int, error) { return f.w.Write(b) }

func (f *fileConn) Close() error {
	rErr := f.r.Close()
	wErr := f.w.Close()
	if rErr != nil {
		return rErr
	}
	return wErr
}

// FileConn joins a read and a write file into one stream. Closing it closes both files.
func FileConn(r, w *os.File) io.ReadWriteCloser {
	return &fileConn{r: r, w: w}
}

// Connect opens the channel to the parent process.
func Connect() (*Channel, error) {
	v := os.Getenv(EnvFDs)
	if v == "" {
		return nil, ErrNotConnected
	}
	rFD, wFD, err := parseFDs(v)
	if err != nil {
		return nil, err
	}
	r := os.NewFile(uintptr(rFD), "ipc-read")
	w := os.NewFile(uintptr(wFD), "ipc-write")
	if r == nil || w == nil {
		return nil, fmt.Errorf("ipc: invalid file descriptors %q", v)
	}
	return NewChannel(FileConn(r, w)), nil
}

func parseFDs(v string) (int, int, error) {
	rStr, wStr, ok := strings.Cut(v, ",")
	if !ok {
		return 0, 0, fmt.Errorf("ipc: malformed %s %q", EnvFDs, v)
	}
	r, err := strconv.Atoi(rStr)
	if err != nil {
		return 0, 0, fmt.Errorf("ipc: parsing read fd: %w", err)
	}
	w, err := strconv.Atoi(wStr)
	if err != nil {
		return 0, 0, fmt.Errorf("ipc: parsing write fd: %w", err)
	}
	return r, w, nil
}

// FormatFDs formats the value of EnvFDs.
func FormatFDs(r, w int) string {
	return strconv.Itoa(r) + "," + strconv.Itoa(w)
}
