package sandbox

import (
	"bufio"
	"encoding/json"
	"io"

	"go.uber.org/zap"
)

// NewPipeExecutor wires an Executor to an in-memory pipe pair instead of a
// real subprocess, and hands back the other end as a TestProcess a test can
// drive like a fake interpreter. Exported so engine tests in other packages
// can exercise Exec/Reset/SetContext without a python3 dependency.
func NewPipeExecutor(logger *zap.Logger) (*Executor, *TestProcess) {
	hostStdinR, hostStdinW := io.Pipe()
	hostStdoutR, hostStdoutW := io.Pipe()

	e := &Executor{
		cfg:    DefaultConfig(),
		logger: logger,
		stdin:  hostStdinW,
		reader: bufio.NewReaderSize(hostStdoutR, 64*1024),
		alive:  true,
	}
	tp := &TestProcess{
		in:  bufio.NewReaderSize(hostStdinR, 64*1024),
		out: hostStdoutW,
	}
	return e, tp
}

// TestProcess is the fake-interpreter side of a NewPipeExecutor pair: it
// reads frames the Executor wrote to its "stdin" and writes frames the
// Executor reads as its "stdout".
type TestProcess struct {
	in  *bufio.Reader
	out io.WriteCloser
}

// ReadFrame blocks for the next frame the Executor wrote.
func (p *TestProcess) ReadFrame() (outboundFrame, error) {
	line, err := p.in.ReadBytes('\n')
	if err != nil {
		return outboundFrame{}, err
	}
	var f outboundFrame
	if err := json.Unmarshal(line, &f); err != nil {
		return outboundFrame{}, err
	}
	return f, nil
}

// WriteFrame sends v to the Executor as its next "stdout" line.
func (p *TestProcess) WriteFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = p.out.Write(data)
	return err
}

// Close tears down the fake process's end of the pipe.
func (p *TestProcess) Close() error {
	return p.out.Close()
}
