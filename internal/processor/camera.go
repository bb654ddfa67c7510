package processor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandCamera grabs a frame by running an external command that writes one
// encoded image to stdout. "{device}" in the command is replaced by the device
// index, for example:
//
//	ffmpeg -loglevel error -f v4l2 -i /dev/video{device} -frames:v 1 -f image2pipe -vcodec png -
type CommandCamera struct {
	argv []string
	ext  string
}

// NewCommandCamera parses command and checks the executable exists.
func NewCommandCamera(command string, device int, ext string) (*CommandCamera, error) {
	fields := strings.Fields(strings.ReplaceAll(command, "{device}", fmt.Sprint(device)))
	if len(fields) == 0 {
		return nil, Wrap("open camera", fmt.Errorf("empty capture command"))
	}
	if _, err := exec.LookPath(fields[0]); err != nil {
		return nil, Wrap("open camera", err)
	}
	if ext == "" {
		ext = ".png"
	}
	return &CommandCamera{argv: fields, ext: ext}, nil
}

func (c *CommandCamera) Capture(ctx context.Context) (Image, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Image{}, Wrap("capture", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String())))
	}
	if stdout.Len() == 0 {
		return Image{}, Wrap("capture", fmt.Errorf("couldn't read from camera"))
	}
	return Image{Data: stdout.Bytes(), Ext: c.ext}, nil
}

func (c *CommandCamera) Close() error { return nil }
