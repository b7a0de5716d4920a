package copilot

import (
	"bufio"
	"io"
	"strings"
)

const eventStreamContentType = "text/event-stream"

type event struct {
	Event string
	Data  string
	ID    string
}

// eventReader splits a text/event-stream body into events. Multiple data
// lines are joined with "\n". An event is dispatched on a blank line when
// it carries data or a name; a trailing unterminated event is dropped.
type eventReader struct {
	r *bufio.Reader
}

func newEventReader(r io.Reader) *eventReader {
	return &eventReader{r: bufio.NewReader(r)}
}

func (er *eventReader) Next() (event, error) {
	var (
		ev      event
		data    []string
		hasData bool
	)

	for {
		line, err := er.r.ReadString('\n')
		if err != nil && err != io.EOF {
			return event{}, err
		}
		atEOF := err == io.EOF
		if atEOF && line == "" {
			return event{}, io.EOF
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if hasData || ev.Event != "" {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			if atEOF {
				return event{}, io.EOF
			}
			continue
		}

		if !strings.HasPrefix(line, ":") {
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				ev.Event = value
			case "data":
				data = append(data, value)
				hasData = true
			case "id":
				ev.ID = value
			}
		}

		if atEOF {
			return event{}, io.EOF
		}
	}
}
