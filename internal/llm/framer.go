package llm

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

const dataPrefix = "data:"

// Framer splits a server-push byte stream into "data: " payloads. Lines may
// be split across reads; a final line without a newline is still parsed.
type Framer struct {
	r    *bufio.Reader
	done bool
}

func NewFramer(r io.Reader) *Framer {
	return &Framer{r: bufio.NewReaderSize(r, 32*1024)}
}

// Next returns the next non-empty payload, or io.EOF at end of stream.
func (f *Framer) Next() ([]byte, error) {
	for !f.done {
		line, err := f.r.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, err
			}
			f.done = true
		}

		if payload, ok := framePayload(line); ok {
			return payload, nil
		}
	}
	return nil, io.EOF
}

func framePayload(line []byte) ([]byte, bool) {
	line = bytes.TrimRight(line, "\r\n")
	trimmed := bytes.TrimLeft(line, " \t")
	if !bytes.HasPrefix(trimmed, []byte(dataPrefix)) {
		return nil, false
	}
	payload := bytes.TrimSpace(trimmed[len(dataPrefix):])
	if len(payload) == 0 || string(payload) == "[DONE]" {
		return nil, false
	}
	return payload, true
}

// WriteEvent frames payload as one "data: " line.
func WriteEvent(w io.Writer, payload []byte) error {
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	_, err := w.Write([]byte("\n\n"))
	return err
}
