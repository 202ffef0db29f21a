package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// IMAPConfig holds the inbox connection settings.
type IMAPConfig struct {
	Addr     string // host:port
	Username string
	Password string
	Mailbox  string
	// Insecure disables TLS. Only for local test servers.
	Insecure    bool
	DialTimeout time.Duration
	// CommandTimeout bounds each IMAP command.
	CommandTimeout time.Duration
}

// IMAPDialer opens IMAP sessions over TLS.
type IMAPDialer struct {
	cfg IMAPConfig
}

// NewIMAPDialer creates an IMAPDialer. Mailbox defaults to INBOX.
func NewIMAPDialer(cfg IMAPConfig) *IMAPDialer {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	return &IMAPDialer{cfg: cfg}
}

// Dial connects, logs in and selects the mailbox read-only.
func (d *IMAPDialer) Dial(ctx context.Context) (Session, error) {
	dialer := &net.Dialer{Timeout: d.cfg.DialTimeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	var (
		c   *client.Client
		err error
	)
	if d.cfg.Insecure {
		c, err = client.DialWithDialer(dialer, d.cfg.Addr)
	} else {
		host, _, _ := net.SplitHostPort(d.cfg.Addr)
		c, err = client.DialWithDialerTLS(dialer, d.cfg.Addr, &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12})
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.cfg.Addr, err)
	}
	c.Timeout = d.cfg.CommandTimeout

	s := &imapSession{c: c, done: make(chan struct{})}
	go s.watch(ctx)

	if err := c.Login(d.cfg.Username, d.cfg.Password); err != nil {
		s.Close()
		return nil, fmt.Errorf("login: %w", err)
	}
	if _, err := c.Select(d.cfg.Mailbox, true); err != nil {
		s.Close()
		return nil, fmt.Errorf("select %s: %w", d.cfg.Mailbox, err)
	}
	return s, nil
}

type imapSession struct {
	c         *client.Client
	done      chan struct{}
	closeOnce sync.Once
}

// watch drops the connection when ctx ends so blocked commands return.
func (s *imapSession) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		_ = s.c.Terminate()
	case <-s.done:
	}
}

func (s *imapSession) Fetch(_ context.Context, sender string, since time.Time, out chan<- RawMessage) error {
	defer close(out)

	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("From", sender)
	criteria.Since = since

	uids, err := s.c.UidSearch(criteria)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	if len(uids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	msgs := make(chan *imap.Message, fetchBuffer)
	fetchErr := make(chan error, 1)
	go func() {
		fetchErr <- s.c.UidFetch(seqset, items, msgs)
	}()

	for msg := range msgs {
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		b, err := io.ReadAll(body)
		if err != nil {
			continue
		}
		out <- RawMessage{UID: msg.Uid, InternalDate: msg.InternalDate, Body: b}
	}

	if err := <-fetchErr; err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	return nil
}

func (s *imapSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.c.Logout()
	})
	return err
}
