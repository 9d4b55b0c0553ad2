package process

import "syscall"

// procRequestMessage is a request message, sent client->server.
// Only the first message contains Start. Subsequent messages carry stdin bytes or a signal.
type procRequestMessage struct {
	Start *startRequest `json:",omitempty"`

	Stdin     []byte `json:",omitempty"`
	StdinDone bool   `json:",omitempty"`

	Signal syscall.Signal `json:",omitempty"`
}

type startRequest struct {
	// ID correlates the server's logs with the client's.
	ID      string
	Command string
	Args    []string
	Env     []string
	Dir     string

	DiscardStdin  bool
	DiscardStdout bool
	DiscardStderr bool
}

// procResponseMessage is a response message, sent server->client.
// The first message contains Started, and the last has Exited set.
// Messages in between contain stdout or stderr bytes.
type procResponseMessage struct {
	Started *startResponse `json:",omitempty"`

	Stdout []byte `json:",omitempty"`
	Stderr []byte `json:",omitempty"`

	// Exited is true if the process exited. ExitCode and TimeMS must be provided in that case.
	Exited   bool   `json:",omitempty"`
	ExitCode int    `json:",omitempty"`
	TimeMS   int64  `json:",omitempty"`
	Error    string `json:",omitempty"`
}

type startResponse struct {
	PID int
	// Error is set if the process could not be started, in which case no other message follows.
	Error string `json:",omitempty"`
}
