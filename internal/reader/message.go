package reader

import (
	"bytes"
	"io"
)

// MessageReader is a line stream with two transformations applied: a
// leading "." on a line is unstuffed, and a lone "." line terminates the
// stream. Cumulative byte count is checked against a configured limit.
type MessageReader struct {
	lr       *LineReader
	maxBytes int

	total int
	done  bool
}

func NewMessageReader(lr *LineReader, maxBytes int) *MessageReader {
	return &MessageReader{lr: lr, maxBytes: maxBytes}
}

// ReadAll drains the message stream into one buffer, CRLF-joined, without
// the terminating dot line.
func (m *MessageReader) ReadAll() ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := m.Next()
		if err != nil {
			if err == io.EOF {
				return buf.Bytes(), nil
			}
			return nil, err
		}
		buf.Write(line)
		buf.WriteString("\r\n")
	}
}

// Next returns the next unstuffed line, or io.EOF once the terminating
// "." has been consumed.
func (m *MessageReader) Next() ([]byte, error) {
	if m.done {
		return nil, io.EOF
	}
	line, err := m.lr.ReadLine()
	if err != nil {
		return nil, err
	}
	if string(line) == "." {
		m.done = true
		return nil, io.EOF
	}
	if len(line) > 0 && line[0] == '.' {
		line = line[1:]
	}

	m.total += len(line) + 2
	if m.total > m.maxBytes {
		return nil, &BufferTooLongError{Expected: m.maxBytes, Got: m.total}
	}
	return line, nil
}

// Stuff applies dot-stuffing to body (inverse of the unstuffing done while
// reading), for serializing an outbound DATA stream.
func Stuff(body []byte) []byte {
	lines := bytes.Split(body, []byte("\r\n"))
	for i, l := range lines {
		if len(l) > 0 && l[0] == '.' {
			lines[i] = append([]byte{'.'}, l...)
		}
	}
	return bytes.Join(lines, []byte("\r\n"))
}

// Unstuff removes dot-stuffing from body, the inverse of Stuff.
func Unstuff(body []byte) []byte {
	lines := bytes.Split(body, []byte("\r\n"))
	for i, l := range lines {
		if len(l) > 0 && l[0] == '.' {
			lines[i] = l[1:]
		}
	}
	return bytes.Join(lines, []byte("\r\n"))
}
