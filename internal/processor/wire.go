package processor

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// maxFrameSize bounds a single message from the model worker.
const maxFrameSize = 64 << 20

// Messages to and from the model worker are msgpack documents prefixed with
// their length as 4 bytes big-endian.

type request struct {
	Op         string      `msgpack:"op"`
	Model      string      `msgpack:"model,omitempty"`
	Query      []QueryItem `msgpack:"query,omitempty"`
	OtherColor string      `msgpack:"other_color,omitempty"`
	Images     [][]byte    `msgpack:"images,omitempty"`
	Ext        string      `msgpack:"ext,omitempty"`
}

type response struct {
	Error string `msgpack:"error,omitempty"`

	// detect
	Labels    []string     `msgpack:"labels,omitempty"`
	Scores    []float64    `msgpack:"scores,omitempty"`
	Boxes     [][4]float64 `msgpack:"boxes,omitempty"`
	Annotated []byte       `msgpack:"annotated,omitempty"`

	// compare
	Similarity float64 `msgpack:"similarity,omitempty"`

	// ping / load
	Models   []string      `msgpack:"models,omitempty"`
	Progress *LoadProgress `msgpack:"progress,omitempty"`
}

func writeFrame(w io.Writer, v any) error {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(body))
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

func readFrame(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return fmt.Errorf("reading frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("reading frame body: %w", err)
	}
	if err := msgpack.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding frame: %w", err)
	}
	return nil
}
