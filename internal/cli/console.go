package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image/png"
	"io"
	"os"
	"strings"

	"adalog/internal/models"
	"adalog/internal/services"
)

type streamLookup interface {
	Lookup(ctx context.Context, id string) (models.StreamDescriptor, error)
}

// console turns lines typed during a recording into controller calls.
// Plain words become text events; lines starting with ':' are commands.
type console struct {
	ctrl    *services.Controller
	streams streamLookup
	out     io.Writer
}

// run reads in until EOF, ":stop", ctx cancellation or the end of the session
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	done := c.ctrl.Done()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return nil
		case err := <-scanErr:
			return err
		case line := <-lines:
			stop, err := c.handle(ctx, line)
			if err != nil || stop {
				return err
			}
		}
	}
}

func (c *console) handle(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}

	if strings.HasPrefix(line, ":") {
		name, arg, _ := strings.Cut(line[1:], " ")
		arg = strings.TrimSpace(arg)

		var err error
		switch name {
		case "stop":
			return true, nil
		case "tags":
			err = c.ctrl.UpdateTags(ctx, strings.Split(arg, ","))
		case "stream":
			err = c.reselect(ctx, arg)
		case "draw":
			err = c.draw(ctx, arg)
		case "status":
			c.printStatus()
		default:
			err = fmt.Errorf("unknown command :%s", name)
		}
		return false, c.report(err)
	}

	for _, word := range strings.Fields(line) {
		if err := c.ctrl.PushText(ctx, models.TextEvent{Text: word}); err != nil {
			return false, c.report(err)
		}
	}
	return false, nil
}

// reselect switches streams; an empty id or "none" detaches the current one
func (c *console) reselect(ctx context.Context, id string) error {
	if id == "" || id == "none" {
		return c.ctrl.ReselectStream(ctx, nil)
	}
	desc, err := c.streams.Lookup(ctx, id)
	if err != nil {
		return err
	}
	if err := c.ctrl.ReselectStream(ctx, &desc); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "streaming from %s\n", desc.ID)
	return nil
}

func (c *console) draw(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	ev, err := c.ctrl.SaveDrawing(ctx, img)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "saved drawing %s\n", ev.Filename)
	return nil
}

func (c *console) printStatus() {
	st := c.ctrl.Status()
	stream := st.StreamID
	if stream == "" {
		stream = "none"
	}
	fmt.Fprintf(c.out, "%s: stream=%s (%s) tags=%s buffered=%d dropped=%d\n",
		st.State, stream, st.StreamState, strings.Join(st.Tags, ", "), st.Buffer.Depth, st.Buffer.Dropped)
	if st.StreamErr != nil {
		fmt.Fprintf(c.out, "last stream error: %v\n", st.StreamErr)
	}
}

// report prints recoverable errors and returns only those that end the console
func (c *console) report(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, models.ErrNotRecording) {
		return err
	}
	fmt.Fprintf(c.out, "error: %v\n", err)
	return nil
}
