package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/imap-intake/runner"
)

var ErrMessageGone = errors.New("message not returned by server")

const (
	DefaultDialTimeout    = 30 * time.Second
	DefaultCommandTimeout = 2 * time.Minute
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	DialTimeout        time.Duration
	// CommandTimeout bounds LOGIN and every later command. A command that
	// runs out of time closes the connection.
	CommandTimeout time.Duration
}

// Dialer opens authenticated read-only sessions.
type Dialer struct {
	opts   Options
	logger *slog.Logger
}

func NewDialer(opts Options, logger *slog.Logger) (*Dialer, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if opts.Username == "" {
		return nil, fmt.Errorf("imap username is empty")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	return &Dialer{opts: opts, logger: logger}, nil
}

// Dial connects and logs in. The session is closed when ctx is cancelled.
func (d *Dialer) Dial(ctx context.Context) (runner.Mailbox, error) {
	address := net.JoinHostPort(d.opts.Host, strconv.Itoa(d.opts.Port))
	netDialer := &net.Dialer{Timeout: d.opts.DialTimeout}

	var (
		conn net.Conn
		err  error
	)
	if d.opts.UseTLS {
		tlsDialer := &tls.Dialer{
			NetDialer: netDialer,
			Config: &tls.Config{
				ServerName:         d.opts.Host,
				InsecureSkipVerify: d.opts.InsecureSkipVerify,
			},
		}
		conn, err = tlsDialer.DialContext(ctx, "tcp", address)
	} else {
		conn, err = netDialer.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	client := imapclient.New(conn, &imapclient.Options{})
	s := &Session{client: client, timeout: d.opts.CommandTimeout, logger: d.logger}
	s.stopClose = context.AfterFunc(ctx, s.close)

	err = s.do(ctx, func() error {
		return client.Login(d.opts.Username, d.opts.Password).Wait()
	})
	if err != nil {
		s.stopClose()
		s.close()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}

	if d.logger != nil {
		d.logger.Debug("imap connection established", "address", address, "user", d.opts.Username, "tls", d.opts.UseTLS)
	}

	return s, nil
}

// Session is one logged-in connection.
type Session struct {
	client    *imapclient.Client
	timeout   time.Duration
	stopClose func() bool
	closed    atomic.Bool
	logger    *slog.Logger
}

func (s *Session) close() {
	if s.closed.Swap(true) {
		return
	}
	_ = s.client.Close()
}

// do runs one command under the command timeout. When ctx ends or the
// timeout fires first the connection is closed, which unblocks the command.
// Commands on a closed session fail with runner.ErrMailboxLost.
func (s *Session) do(ctx context.Context, command func() error) error {
	if s.closed.Load() {
		return runner.ErrMailboxLost
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, s.close)

	err := command()
	if !stop() && err != nil {
		// The deadline or cancellation closed the connection mid-command.
		return fmt.Errorf("%w: %w", context.Cause(ctx), err)
	}
	return err
}

// Select examines the mailbox read-only and returns its UIDVALIDITY.
func (s *Session) Select(ctx context.Context, name string) (string, error) {
	var data *imapv2.SelectData
	err := s.do(ctx, func() (err error) {
		data, err = s.client.Select(name, &imapv2.SelectOptions{ReadOnly: true}).Wait()
		return err
	})
	if err != nil {
		return "", fmt.Errorf("select %s: %w", name, err)
	}
	if s.logger != nil {
		s.logger.Debug("mailbox selected", "mailbox", name, "messages", data.NumMessages, "uidValidity", data.UIDValidity, "uidNext", data.UIDNext)
	}
	if data.UIDValidity == 0 {
		return "", nil
	}
	return strconv.FormatUint(uint64(data.UIDValidity), 10), nil
}

// UIDsAfter searches "UID last+1:*". The result may include the highest UID
// of the mailbox even when it is not above last; callers filter.
func (s *Session) UIDsAfter(ctx context.Context, last uint32) ([]uint32, error) {
	var set imapv2.UIDSet
	set.AddRange(imapv2.UID(last+1), 0)

	var data *imapv2.SearchData
	err := s.do(ctx, func() (err error) {
		data, err = s.client.UIDSearch(&imapv2.SearchCriteria{UID: []imapv2.UIDSet{set}}, nil).Wait()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("uid search: %w", err)
	}
	all := data.AllUIDs()
	out := make([]uint32, 0, len(all))
	for _, uid := range all {
		out = append(out, uint32(uid))
	}
	return out, nil
}

// Fetch returns BODY.PEEK[] of uid so the \Seen flag is left alone.
func (s *Session) Fetch(ctx context.Context, uid uint32) ([]byte, error) {
	section := &imapv2.FetchItemBodySection{Peek: true}
	opts := &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{section},
	}
	var msgs []*imapclient.FetchMessageBuffer
	err := s.do(ctx, func() (err error) {
		msgs, err = s.client.Fetch(imapv2.UIDSetNum(imapv2.UID(uid)), opts).Collect()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch uid %d: %w", uid, err)
	}
	for _, m := range msgs {
		if uint32(m.UID) != uid {
			continue
		}
		if raw := m.FindBodySection(section); raw != nil {
			return raw, nil
		}
	}
	return nil, fmt.Errorf("uid %d: %w", uid, ErrMessageGone)
}

// Logout ends the session and closes the connection.
func (s *Session) Logout() error {
	s.stopClose()
	err := s.do(context.Background(), func() error {
		return s.client.Logout().Wait()
	})
	if errors.Is(err, runner.ErrMailboxLost) {
		return nil
	}
	s.close()
	return err
}
