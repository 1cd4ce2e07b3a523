package sip

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

// maxNetstring bounds a single frame; ctrl_tcp messages are small JSON objects.
const maxNetstring = 1 << 20

// writeNetstring writes data as <len>:<data>, in a single Write call.
func writeNetstring(w io.Writer, data []byte) error {
	frame := make([]byte, 0, len(data)+12)
	frame = strconv.AppendInt(frame, int64(len(data)), 10)
	frame = append(frame, ':')
	frame = append(frame, data...)
	frame = append(frame, ',')
	_, err := w.Write(frame)
	return err
}

// netstringReader reads consecutive netstrings from a stream.
type netstringReader struct {
	r *bufio.Reader
}

func newNetstringReader(r io.Reader) *netstringReader {
	return &netstringReader{r: bufio.NewReader(r)}
}

// Next returns the payload of the next frame.
func (n *netstringReader) Next() ([]byte, error) {
	header, err := n.r.ReadSlice(':')
	if err != nil {
		return nil, err
	}
	length, err := strconv.Atoi(string(header[:len(header)-1]))
	if err != nil || length < 0 {
		return nil, fmt.Errorf("invalid netstring length %q", header)
	}
	if length > maxNetstring {
		return nil, fmt.Errorf("netstring of %d bytes exceeds limit", length)
	}

	buf := make([]byte, length+1)
	if _, err := io.ReadFull(n.r, buf); err != nil {
		return nil, err
	}
	if buf[length] != ',' {
		return nil, fmt.Errorf("netstring missing trailing comma")
	}
	return buf[:length], nil
}
