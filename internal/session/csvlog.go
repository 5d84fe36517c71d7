package session

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
)

// csvLog is an append-only delimited log with a header row, flushed after every row
type csvLog struct {
	path string
	f    *os.File
	w    *csv.Writer
	rows int
}

func openLog(path string, header []string) (*csvLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	l := &csvLog{path: path, f: f, w: csv.NewWriter(f)}
	if err := l.write(header); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

func (l *csvLog) append(row []string) error {
	if err := l.write(row); err != nil {
		return err
	}
	l.rows++
	return nil
}

func (l *csvLog) write(row []string) error {
	if err := l.w.Write(row); err != nil {
		return fmt.Errorf("%s: %w", l.path, err)
	}
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		return fmt.Errorf("%s: %w", l.path, err)
	}
	return nil
}

// close flushes, syncs and closes the file
func (l *csvLog) close() error {
	l.w.Flush()
	return errors.Join(l.w.Error(), l.f.Sync(), l.f.Close())
}
