package ports

import "context"

// Credentials is the decrypted auth material for one target host. Exactly one
// of Password or PrivateKey is expected to be set.
type Credentials struct {
	User       string `json:"user"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
}

// ExecResult is the outcome of one remote command that actually ran.
// A non-zero exit code is not a transport error; classifying it is the
// step runner's job.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// CommandChannel abstracts one secure remote shell session. A channel is used
// strictly sequentially by a single step runner and never shared across
// concurrent steps.
type CommandChannel interface {
	// Connect establishes the session within a bounded timeout.
	Connect(ctx context.Context) error
	// Exec runs one command and blocks until it returns.
	Exec(ctx context.Context, cmd string) (ExecResult, error)
	// ExecStream runs one command, invoking onLine for every output line as
	// it arrives.
	ExecStream(ctx context.Context, cmd string, onLine func(string)) (ExecResult, error)
	// Upload writes content to a file on the remote host.
	Upload(ctx context.Context, path string, content []byte) error
	// Disconnect is idempotent and safe on an unconnected channel.
	Disconnect() error
}

// ChannelFactory produces a brand-new channel for each attempt; the retry
// controller never reuses a failed channel.
type ChannelFactory func() CommandChannel
