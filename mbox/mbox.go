package mbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	mboxlib "github.com/emersion/go-mbox"
)

// ErrStop can be returned by an Each callback to end iteration early
// without reporting an error.
var ErrStop = errors.New("stop iteration")

// Func receives the zero-based position of a message in the archive and its
// raw RFC 5322 bytes. raw is owned by the callback.
type Func func(index int, raw []byte) error

// Each reads every message of the mbox stream r in order.
func Each(ctx context.Context, r io.Reader, fn Func) error {
	reader := mboxlib.NewReader(r)

	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("message %d read: %w", idx, err)
		}

		if err := fn(idx, raw); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
}

// EachFile opens path and calls Each on it.
func EachFile(ctx context.Context, path string, fn Func) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("mbox path is empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	return Each(ctx, file, fn)
}

// Count returns the number of messages in r without parsing them.
func Count(r io.Reader) (int, error) {
	reader := mboxlib.NewReader(r)

	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, err
		}

		// A short read still counts as a message.
		_, _ = io.Copy(io.Discard, msgReader)
		count++
	}
}

// CountMessages counts the messages of the mbox file at path.
func CountMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	return Count(file)
}
