// Package stream serves broker subscriptions as server-sent event streams.
package stream

import (
	"bufio"
	"io"
	"iter"
	"strconv"
	"strings"

	"github.com/kalambet/drinkwatch/internal/broker"
)

// ContentType is the media type of an event stream.
const ContentType = "text/event-stream"

// Message is one server-sent event. Empty optional fields are omitted.
type Message struct {
	Data  string
	Event string
	ID    string
	Retry int // milliseconds
}

// FromEvent converts a broker event to a stream message.
func FromEvent(ev broker.Event) Message {
	return Message{Data: ev.Data, Event: ev.Name, ID: ev.ID}
}

// Encode renders m in wire form: data lines, then event, id and retry, then
// a blank line. Multi-line data is split over several data lines.
func (m Message) Encode() []byte {
	var b strings.Builder
	for _, line := range strings.Split(strings.ReplaceAll(m.Data, "\r\n", "\n"), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if m.Event != "" {
		b.WriteString("event: ")
		b.WriteString(singleLine(m.Event))
		b.WriteByte('\n')
	}
	if m.ID != "" {
		b.WriteString("id: ")
		b.WriteString(singleLine(m.ID))
		b.WriteByte('\n')
	}
	if m.Retry > 0 {
		b.WriteString("retry: ")
		b.WriteString(strconv.Itoa(m.Retry))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

func singleLine(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

// Read parses an event stream from r, yielding each dispatched message. It
// stops at EOF, on a read error (yielded once) or when the consumer breaks.
// Comment lines and unknown fields are skipped.
func Read(r io.Reader) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

		var (
			msg  Message
			data []string
			seen bool
		)
		for sc.Scan() {
			line := strings.TrimSuffix(sc.Text(), "\r")
			if line == "" {
				if seen {
					msg.Data = strings.Join(data, "\n")
					if !yield(msg, nil) {
						return
					}
				}
				msg, data, seen = Message{}, nil, false
				continue
			}
			if strings.HasPrefix(line, ":") {
				continue
			}
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "data":
				data = append(data, value)
			case "event":
				msg.Event = value
			case "id":
				msg.ID = value
			case "retry":
				if n, err := strconv.Atoi(value); err == nil {
					msg.Retry = n
				}
			default:
				continue
			}
			seen = true
		}
		if err := sc.Err(); err != nil {
			yield(Message{}, err)
		}
	}
}
