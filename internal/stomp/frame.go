// Package stomp implements the STOMP 1.2 frame encoding used over the
// WebSocket transport. One WebSocket text message carries exactly one frame.
package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	CmdConnect     = "CONNECT"
	CmdConnected   = "CONNECTED"
	CmdSend        = "SEND"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdMessage     = "MESSAGE"
	CmdError       = "ERROR"
	CmdDisconnect  = "DISCONNECT"
)

// Standard header names.
const (
	HdrDestination  = "destination"
	HdrID           = "id"
	HdrSubscription = "subscription"
	HdrMessageID    = "message-id"
	HdrContentType  = "content-type"
	HdrAcceptVer    = "accept-version"
	HdrVersion      = "version"
	HdrHost         = "host"
	HdrMessage      = "message"
)

var ErrMalformedFrame = errors.New("malformed STOMP frame")

// Frame is a single STOMP frame: command, headers, body.
type Frame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

func NewFrame(command string, body []byte) *Frame {
	return &Frame{Command: command, Headers: make(map[string]string), Body: body}
}

func (f *Frame) With(key, value string) *Frame {
	f.Headers[key] = value
	return f
}

// Marshal serializes the frame: command line, escaped header lines, blank
// line, body, NUL terminator. Headers are written in sorted order so that
// encoding is deterministic.
func (f *Frame) Marshal() []byte {
	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')
	keys := make([]string, 0, len(f.Headers))
	for k := range f.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf.WriteString(escapeHeader(k))
		buf.WriteByte(':')
		buf.WriteString(escapeHeader(f.Headers[k]))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// Unmarshal parses a single frame. The trailing NUL is required; anything
// after it is rejected.
func Unmarshal(data []byte) (*Frame, error) {
	if len(data) == 0 || data[len(data)-1] != 0 {
		return nil, fmt.Errorf("%w: missing NUL terminator", ErrMalformedFrame)
	}
	data = data[:len(data)-1]

	headerEnd := bytes.Index(data, []byte("\n\n"))
	if headerEnd < 0 {
		return nil, fmt.Errorf("%w: no header/body separator", ErrMalformedFrame)
	}
	head := data[:headerEnd]
	body := data[headerEnd+2:]

	lines := strings.Split(string(head), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, fmt.Errorf("%w: empty command", ErrMalformedFrame)
	}
	f := NewFrame(strings.TrimSuffix(lines[0], "\r"), body)
	for _, line := range lines[1:] {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			return nil, fmt.Errorf("%w: header line %q", ErrMalformedFrame, line)
		}
		key, err := unescapeHeader(line[:idx])
		if err != nil {
			return nil, err
		}
		val, err := unescapeHeader(line[idx+1:])
		if err != nil {
			return nil, err
		}
		// STOMP 1.2: the first occurrence of a repeated header wins.
		if _, ok := f.Headers[key]; !ok {
			f.Headers[key] = val
		}
	}
	return f, nil
}

var headerEscaper = strings.NewReplacer(
	`\`, `\\`,
	"\r", `\r`,
	"\n", `\n`,
	":", `\c`,
)

func escapeHeader(s string) string {
	return headerEscaper.Replace(s)
}

func unescapeHeader(s string) (string, error) {
	if !strings.ContainsRune(s, '\\') {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		i++
		if i >= len(s) {
			return "", fmt.Errorf("%w: dangling escape in %q", ErrMalformedFrame, s)
		}
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case 'c':
			b.WriteByte(':')
		default:
			return "", fmt.Errorf("%w: bad escape \\%c in %q", ErrMalformedFrame, s[i], s)
		}
	}
	return b.String(), nil
}
