package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dhcgn/imap-intake/audit"
	"github.com/dhcgn/imap-intake/dispatch"
	"github.com/dhcgn/imap-intake/extract"
	"github.com/dhcgn/imap-intake/state"
	"github.com/dhcgn/imap-intake/trigger"
	"github.com/dhcgn/imap-intake/trust"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMailbox struct {
	generation string
	selectErr  error
	listErr    error
	messages   map[uint32][]byte
	fetchErr   map[uint32]error
	// extraUIDs are returned by the search on top of the stored messages.
	extraUIDs []uint32

	listedAfter []uint32
	loggedOut   bool
}

func (f *fakeMailbox) Select(context.Context, string) (string, error) {
	return f.generation, f.selectErr
}

func (f *fakeMailbox) UIDsAfter(_ context.Context, uid uint32) ([]uint32, error) {
	f.listedAfter = append(f.listedAfter, uid)
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []uint32
	for u := range f.messages {
		if u > uid {
			out = append(out, u)
		}
	}
	return append(out, f.extraUIDs...), nil
}

func (f *fakeMailbox) Fetch(_ context.Context, uid uint32) ([]byte, error) {
	if err := f.fetchErr[uid]; err != nil {
		return nil, err
	}
	raw, ok := f.messages[uid]
	if !ok {
		return nil, fmt.Errorf("uid %d not found", uid)
	}
	return raw, nil
}

func (f *fakeMailbox) Logout() error {
	f.loggedOut = true
	return nil
}

type fakeTrigger struct {
	mu       sync.Mutex
	payloads []string
	err      error
}

func (f *fakeTrigger) Fire(_ context.Context, payload string) (trigger.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	return trigger.Result{}, f.err
}

type fakeSink struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeSink) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

type recordingAudit struct {
	events []audit.Event
}

func (r *recordingAudit) Record(_ context.Context, e audit.Event) error {
	r.events = append(r.events, e)
	return nil
}

func (r *recordingAudit) Close() error { return nil }

func (r *recordingAudit) names() []string {
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Name)
	}
	return out
}

const trustedRelay = "mx.example.com"

func rawMail(from, subject, authResults, body string) []byte {
	var b strings.Builder
	if authResults != "" {
		fmt.Fprintf(&b, "Authentication-Results: %s\r\n", authResults)
	}
	fmt.Fprintf(&b, "From: %s\r\nSubject: %s\r\nDate: Mon, 2 Jan 2006 15:04:05 +0000\r\n\r\n%s\r\n", from, subject, body)
	return []byte(b.String())
}

type harness struct {
	mailbox *fakeMailbox
	store   *state.MemoryStore
	trigger *fakeTrigger
	sink    *fakeSink
	audit   *recordingAudit
	dials   int
	dialErr error
	runner  *Runner
}

func newHarness(t *testing.T, mb *fakeMailbox) *harness {
	t.Helper()
	h := &harness{
		mailbox: mb,
		store:   state.NewMemoryStore(),
		trigger: &fakeTrigger{},
		sink:    &fakeSink{},
		audit:   &recordingAudit{},
	}

	ex, err := extract.New(extract.Options{StagingDir: filepath.Join(t.TempDir(), "staging")})
	require.NoError(t, err)
	router := dispatch.New(h.trigger, h.sink, dispatch.Options{AllowList: []string{"owner@example.com"}})

	h.runner, err = New(Deps{
		Dial: func(context.Context) (Mailbox, error) {
			h.dials++
			if h.dialErr != nil {
				return nil, h.dialErr
			}
			return h.mailbox, nil
		},
		Store:     h.store,
		Extractor: ex,
		Resolver:  trust.NewResolver(trust.Options{TrustedRelay: trustedRelay, DMARCNoneOverrides: true}),
		Router:    router,
		Sink:      h.sink,
		Audit:     h.audit,
		Sleep:     func(context.Context, time.Duration) error { return nil },
	}, Options{RunID: "test-run"})
	require.NoError(t, err)
	return h
}

func TestRunRoutesBatchAndAdvancesCursor(t *testing.T) {
	mb := &fakeMailbox{
		generation: "1",
		messages: map[uint32][]byte{
			11: rawMail("Owner <owner@example.com>", "do it", "mx.example.com; dkim=pass; spf=pass; dmarc=pass", "please act"),
			12: rawMail("Owner <owner@example.com>", "forged", "mx.example.com; dkim=fail; spf=fail; dmarc=fail (policy=reject)", "evil"),
			13: rawMail("Stranger <s@example.net>", "hi", "", "just saying hi"),
		},
	}
	h := newHarness(t, mb)
	require.NoError(t, h.store.SaveGeneration("1"))
	require.NoError(t, h.store.SaveLastSeenUID(10))

	summary, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	cursor, _ := h.store.Load()
	assert.Equal(t, uint32(13), cursor.LastSeenUID)
	assert.Equal(t, "1", cursor.Generation)
	assert.True(t, mb.loggedOut)

	assert.Equal(t, 3, summary.Fetched)
	assert.Equal(t, 1, summary.Triggered)
	assert.Equal(t, 1, summary.Blocked)
	assert.Equal(t, 2, summary.Notified)
	assert.Equal(t, uint32(13), summary.MaxUID)

	require.Len(t, h.trigger.payloads, 1)
	assert.Contains(t, h.trigger.payloads[0], "please act")
	require.Len(t, h.sink.texts, 2)
	assert.Contains(t, h.sink.texts[0], "blocked")
	assert.Contains(t, h.sink.texts[1], "just saying hi")

	assert.Equal(t, []string{
		audit.EventMailReceived, audit.EventMailProcessed,
		audit.EventMailReceived, audit.EventMailBlocked,
		audit.EventMailReceived,
	}, h.audit.names())
	for _, e := range h.audit.events {
		assert.Equal(t, "test-run", e.Run)
	}
	assert.Equal(t, true, h.audit.events[1].Fields["success"])
}

func TestRunAdvancesPastFailedMessages(t *testing.T) {
	mb := &fakeMailbox{
		generation: "7",
		messages: map[uint32][]byte{
			21: rawMail("Stranger <s@example.net>", "ok", "", "fine"),
		},
		fetchErr:  map[uint32]error{22: errors.New("connection reset")},
		extraUIDs: []uint32{22, 23},
	}
	h := newHarness(t, mb)
	require.NoError(t, h.store.SaveGeneration("7"))
	require.NoError(t, h.store.SaveLastSeenUID(20))

	summary, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	cursor, _ := h.store.Load()
	assert.Equal(t, uint32(23), cursor.LastSeenUID, "cursor must pass failed UIDs")
	assert.Equal(t, 2, summary.Errors)
	assert.Equal(t, 1, summary.Fetched)
	assert.Contains(t, h.audit.names(), audit.EventMailError)
}

func TestRunStopsBatchWhenSessionIsLost(t *testing.T) {
	mb := &fakeMailbox{
		generation: "7",
		messages: map[uint32][]byte{
			21: rawMail("Stranger <s@example.net>", "ok", "", "fine"),
			24: rawMail("Stranger <s@example.net>", "later", "", "fine"),
		},
		fetchErr: map[uint32]error{
			22: fmt.Errorf("fetch uid 22: %w", context.DeadlineExceeded),
			23: fmt.Errorf("fetch uid 23: %w", ErrMailboxLost),
		},
		extraUIDs: []uint32{22, 23},
	}
	h := newHarness(t, mb)
	require.NoError(t, h.store.SaveGeneration("7"))
	require.NoError(t, h.store.SaveLastSeenUID(20))

	summary, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	cursor, _ := h.store.Load()
	assert.Equal(t, uint32(22), cursor.LastSeenUID, "the timed out UID fails, the rest waits")
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, 1, summary.Fetched)
}

func TestRunIgnoresStaleHighestUID(t *testing.T) {
	// "UID 31:*" on a mailbox whose highest UID is 30 still returns 30.
	mb := &fakeMailbox{generation: "1", extraUIDs: []uint32{30}}
	h := newHarness(t, mb)
	require.NoError(t, h.store.SaveGeneration("1"))
	require.NoError(t, h.store.SaveLastSeenUID(30))
	writes := h.store.Writes()

	summary, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Fetched)
	assert.Equal(t, writes, h.store.Writes(), "idle run must not write the cursor")
}

func TestRunGenerationChangeResetsBeforeListing(t *testing.T) {
	mb := &fakeMailbox{
		generation: "200",
		messages: map[uint32][]byte{
			1: rawMail("Stranger <s@example.net>", "renumbered", "", "x"),
		},
	}
	h := newHarness(t, mb)
	require.NoError(t, h.store.SaveGeneration("100"))
	require.NoError(t, h.store.SaveLastSeenUID(500))

	summary, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []uint32{0}, mb.listedAfter)
	assert.True(t, summary.GenerationReset)
	cursor, _ := h.store.Load()
	assert.Equal(t, uint32(1), cursor.LastSeenUID)
	assert.Equal(t, "200", cursor.Generation)

	require.NotEmpty(t, h.audit.events)
	reset := h.audit.events[0]
	assert.Equal(t, audit.EventUIDValidityReset, reset.Name)
	assert.Equal(t, "100", reset.Fields["old"])
	assert.Equal(t, "200", reset.Fields["new"])
	assert.Contains(t, h.sink.texts[0], "UIDVALIDITY")
}

func TestRunFirstGenerationIsRecordedWithoutReset(t *testing.T) {
	mb := &fakeMailbox{generation: "42"}
	h := newHarness(t, mb)

	summary, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, summary.GenerationReset)
	cursor, _ := h.store.Load()
	assert.Equal(t, "42", cursor.Generation)
	assert.Empty(t, h.sink.texts)
}

func TestRunConnectRetriesThenFails(t *testing.T) {
	h := newHarness(t, &fakeMailbox{})
	h.dialErr = errors.New("connection refused")
	require.NoError(t, h.store.SaveLastSeenUID(5))

	_, err := h.runner.Run(context.Background())
	require.ErrorIs(t, err, ErrConnect)
	assert.Equal(t, DefaultConnectAttempts, h.dials)

	cursor, _ := h.store.Load()
	assert.Equal(t, uint32(5), cursor.LastSeenUID)
	assert.Equal(t, []string{audit.EventIMAPError}, h.audit.names())
	require.Len(t, h.sink.texts, 1)
	assert.Contains(t, h.sink.texts[0], "connection refused")
}

func TestRunSelectFailureIsFatal(t *testing.T) {
	mb := &fakeMailbox{selectErr: errors.New("NO no such mailbox")}
	h := newHarness(t, mb)

	_, err := h.runner.Run(context.Background())
	require.ErrorIs(t, err, ErrSelect)
	assert.True(t, mb.loggedOut)
	assert.Empty(t, mb.listedAfter)
	assert.Len(t, h.sink.texts, 1)
}

func TestRunListFailureLeavesCursor(t *testing.T) {
	mb := &fakeMailbox{generation: "1", listErr: errors.New("BAD search")}
	h := newHarness(t, mb)
	require.NoError(t, h.store.SaveGeneration("1"))
	require.NoError(t, h.store.SaveLastSeenUID(9))

	_, err := h.runner.Run(context.Background())
	require.ErrorIs(t, err, ErrList)
	cursor, _ := h.store.Load()
	assert.Equal(t, uint32(9), cursor.LastSeenUID)
}

func TestRunTriggerFailureEscalates(t *testing.T) {
	mb := &fakeMailbox{
		generation: "1",
		messages: map[uint32][]byte{
			5: rawMail("owner@example.com", "task", "mx.example.com; dkim=pass; spf=pass; dmarc=pass", "body"),
		},
	}
	h := newHarness(t, mb)
	h.trigger.err = errors.New("exit status 2")

	summary, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TriggerFailed)
	assert.Equal(t, 1, summary.Notified)
	require.Len(t, h.sink.texts, 1)
	assert.Contains(t, h.sink.texts[0], "automatic processing failed")

	processed := h.audit.events[len(h.audit.events)-1]
	assert.Equal(t, audit.EventMailProcessed, processed.Name)
	assert.Equal(t, false, processed.Fields["success"])
}

func TestRunCanceledBeforeBatchKeepsCursor(t *testing.T) {
	mb := &fakeMailbox{
		generation: "1",
		messages: map[uint32][]byte{
			3: rawMail("s@example.net", "x", "", "y"),
		},
	}
	h := newHarness(t, mb)
	require.NoError(t, h.store.SaveGeneration("1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.runner.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	cursor, _ := h.store.Load()
	assert.Equal(t, uint32(0), cursor.LastSeenUID)
}

func TestNewUIDs(t *testing.T) {
	assert.Equal(t, []uint32{4, 5, 9}, newUIDs([]uint32{9, 3, 5, 4, 5}, 3))
	assert.Empty(t, newUIDs([]uint32{3}, 3))
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Deps{}, Options{})
	assert.Error(t, err)
}
