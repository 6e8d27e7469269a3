package orchestrator

import "io"

// ExecSession is the duplex channel to a shell process attached inside a
// container. Output carries the runtime's multiplexed stream (decoded by the
// bridge); writes go to the shell's stdin.
type ExecSession struct {
	reader  io.Reader
	stdin   io.Writer
	resize  func(cols, rows uint16) error
	closeFn func() error
}

// Output returns the raw multiplexed output stream.
func (e *ExecSession) Output() io.Reader {
	return e.reader
}

func (e *ExecSession) Write(p []byte) (int, error) {
	return e.stdin.Write(p)
}

func (e *ExecSession) Resize(cols, rows uint16) error {
	return e.resize(cols, rows)
}

func (e *ExecSession) Close() error {
	return e.closeFn()
}
