package mcp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Stdio framing limits: a child process that emits an unterminated or
// oversized line is misbehaving and must be rejected with a framing error
// rather than allowed to exhaust memory.
const (
	DefaultMaxFrameSize  = 10 << 20 // 10 MiB
	scannerInitialBufLen = 256 << 10
)

// ErrFrameTooLarge is returned by ReadFrame when a line exceeds MaxFrameSize.
var ErrFrameTooLarge = fmt.Errorf("mcp: frame exceeds maximum size")

// DecodeProtocolMessage parses one JSON-RPC 2.0 wire frame into a
// ProtocolMessage. Framing is first validated against the MCP SDK's own
// codec — the same dependency the rest of this module's JSON-RPC surface
// is grounded on — before the payload is decoded into our transport-
// agnostic shape; a frame the SDK itself refuses is never admitted.
func DecodeProtocolMessage(data []byte) (*ProtocolMessage, error) {
	if _, err := jsonrpc.DecodeMessage(data); err != nil {
		return nil, fmt.Errorf("mcp: %w: %v", ErrInvalidFraming, err)
	}

	var msg ProtocolMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("mcp: %w: %v", ErrInvalidFraming, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// EncodeProtocolMessage serializes a ProtocolMessage to its JSON-RPC 2.0
// wire form, stamping the version field if the caller built the message by
// hand without one.
func EncodeProtocolMessage(msg *ProtocolMessage) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if msg.JSONRPC == "" {
		clone := *msg
		clone.JSONRPC = JSONRPCVersion
		msg = &clone
	}
	return json.Marshal(msg)
}

// FrameReader reads newline-delimited JSON-RPC frames, such as a child
// process's stdout or an HTTP request body containing one JSON document per
// line. Lines exceeding maxFrameSize are rejected with ErrFrameTooLarge
// rather than silently truncated.
type FrameReader struct {
	scanner      *bufio.Scanner
	maxFrameSize int
}

// NewFrameReader wraps r with line-delimited frame reading up to
// maxFrameSize bytes per line. A maxFrameSize of 0 uses DefaultMaxFrameSize.
func NewFrameReader(r io.Reader, maxFrameSize int) *FrameReader {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, scannerInitialBufLen), maxFrameSize)
	return &FrameReader{scanner: scanner, maxFrameSize: maxFrameSize}
}

// ReadFrame returns the next frame's raw bytes, or io.EOF when the
// underlying reader is exhausted.
func (f *FrameReader) ReadFrame() ([]byte, error) {
	if !f.scanner.Scan() {
		if err := f.scanner.Err(); err != nil {
			if err == bufio.ErrTooLong {
				return nil, ErrFrameTooLarge
			}
			return nil, err
		}
		return nil, io.EOF
	}
	line := f.scanner.Bytes()
	if len(line) > f.maxFrameSize {
		return nil, ErrFrameTooLarge
	}
	out := make([]byte, len(line))
	copy(out, line)
	return out, nil
}

// FrameWriter writes newline-delimited JSON-RPC frames.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter wraps w with line-delimited frame writing.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame writes data followed by a single newline.
func (f *FrameWriter) WriteFrame(data []byte) error {
	if _, err := f.w.Write(data); err != nil {
		return err
	}
	_, err := f.w.Write([]byte{'\n'})
	return err
}
