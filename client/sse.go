package client

import (
	"bufio"
	"io"
	"strings"
)

// frame is one server-sent event.
type frame struct {
	name string
	data string
}

// frameReader splits a text/event-stream body into frames. Comment lines and
// fields other than event and data are skipped.
type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReader(r)}
}

func (fr *frameReader) next() (frame, error) {
	var (
		f       frame
		data    []string
		pending bool
	)
	for {
		line, err := fr.r.ReadString('\n')
		if err != nil {
			return frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !pending {
				continue
			}
			f.data = strings.Join(data, "\n")
			return f, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			f.name = value
			pending = true
		case "data":
			data = append(data, value)
			pending = true
		}
	}
}
