package mbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const archive = `From alice@example.com Mon Jan  1 10:00:00 2024
From: Alice <alice@example.com>
Subject: first
Message-ID: <1@example.com>

Hello one.

From bob@example.com Mon Jan  1 11:00:00 2024
From: Bob <bob@example.com>
Subject: second
Message-ID: <2@example.com>

Hello two.

From carol@example.com Mon Jan  1 12:00:00 2024
From: Carol <carol@example.com>
Subject: third
Message-ID: <3@example.com>

Hello three.
`

func TestEach(t *testing.T) {
	var subjects []string
	var indexes []int

	err := Each(context.Background(), strings.NewReader(archive), func(index int, raw []byte) error {
		indexes = append(indexes, index)
		for _, line := range strings.Split(string(raw), "\n") {
			if strings.HasPrefix(line, "Subject: ") {
				subjects = append(subjects, strings.TrimPrefix(line, "Subject: "))
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Each returned error: %v", err)
	}

	if got := strings.Join(subjects, ","); got != "first,second,third" {
		t.Fatalf("unexpected subjects %q", got)
	}
	if len(indexes) != 3 || indexes[0] != 0 || indexes[2] != 2 {
		t.Fatalf("unexpected indexes %v", indexes)
	}
}

func TestEachStop(t *testing.T) {
	seen := 0
	err := Each(context.Background(), strings.NewReader(archive), func(int, []byte) error {
		seen++
		if seen == 2 {
			return ErrStop
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ErrStop should end iteration cleanly, got %v", err)
	}
	if seen != 2 {
		t.Fatalf("expected 2 callbacks, got %d", seen)
	}
}

func TestEachCallbackError(t *testing.T) {
	boom := errors.New("boom")
	err := Each(context.Background(), strings.NewReader(archive), func(int, []byte) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
}

func TestEachCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := Each(ctx, strings.NewReader(archive), func(int, []byte) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if called {
		t.Fatal("callback must not run after cancellation")
	}
}

func TestCount(t *testing.T) {
	n, err := Count(strings.NewReader(archive))
	if err != nil {
		t.Fatalf("Count returned error: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 messages, got %d", n)
	}

	n, err = Count(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Count on empty input returned error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 messages, got %d", n)
	}
}

func TestFileHelpers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.mbox")
	if err := os.WriteFile(path, []byte(archive), 0o600); err != nil {
		t.Fatalf("write archive: %v", err)
	}

	n, err := CountMessages(path)
	if err != nil {
		t.Fatalf("CountMessages returned error: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 messages, got %d", n)
	}

	seen := 0
	if err := EachFile(context.Background(), path, func(int, []byte) error {
		seen++
		return nil
	}); err != nil {
		t.Fatalf("EachFile returned error: %v", err)
	}
	if seen != 3 {
		t.Fatalf("expected 3 messages, got %d", seen)
	}

	if err := EachFile(context.Background(), " ", func(int, []byte) error { return nil }); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, err := CountMessages(filepath.Join(t.TempDir(), "missing.mbox")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
