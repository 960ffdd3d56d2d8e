package imap

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// BackupMailbox receives a copy of every processed message before it is
// flagged for deletion in the inbox.
const BackupMailbox = "backup"

var (
	ErrConnection = errors.New("imap connection failed")
	ErrAuth       = errors.New("imap authentication failed")
	ErrEmptyFetch = errors.New("fetch returned no message body")
)

type Options struct {
	Host     string
	Port     int
	Username string
	Password string
}

// client is the slice of imapclient.Client the session depends on,
// narrowed so tests can substitute a fake server conversation.
type client interface {
	Login(username, password string) cmdWaiter
	Logout() cmdWaiter
	Close() error
	Select(mailbox string, options *imapv2.SelectOptions) selectWaiter
	Create(mailbox string, options *imapv2.CreateOptions) cmdWaiter
	UIDSearch(criteria *imapv2.SearchCriteria, options *imapv2.SearchOptions) searchWaiter
	Fetch(numSet imapv2.NumSet, options *imapv2.FetchOptions) fetchWaiter
	Copy(numSet imapv2.NumSet, mailbox string) copyWaiter
	Store(numSet imapv2.NumSet, store *imapv2.StoreFlags, options *imapv2.StoreOptions) storeCloser
	Expunge() expungeCloser
}

type cmdWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imapv2.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imapv2.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
}
type copyWaiter interface {
	Wait() (*imapv2.CopyData, error)
}
type storeCloser interface{ Close() error }
type expungeCloser interface{ Close() error }

// Session owns one authenticated connection to one account's inbox. It
// must be closed on every exit path; Close releases the connection even
// after a partial run.
type Session struct {
	c      client
	opts   Options
	logger *slog.Logger
}

// Open dials the server over TLS, authenticates, makes sure the backup
// mailbox exists and selects the inbox. Dial failures wrap
// ErrConnection, rejected credentials wrap ErrAuth; both are terminal
// for the current run.
func Open(opts Options, logger *slog.Logger) (*Session, error) {
	address := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	options := &imapclient.Options{
		TLSConfig: &tls.Config{ServerName: opts.Host},
	}

	raw, err := imapclient.DialTLS(address, options)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, address, err)
	}

	s := &Session{c: &clientWrapper{raw}, opts: opts, logger: logger}

	if err := s.c.Login(opts.Username, opts.Password).Wait(); err != nil {
		_ = s.c.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrAuth, opts.Username, err)
	}

	if err := s.ensureBackupMailbox(); err != nil {
		_ = s.c.Close()
		return nil, err
	}

	if _, err := s.c.Select("INBOX", nil).Wait(); err != nil {
		_ = s.c.Close()
		return nil, fmt.Errorf("%w: select INBOX: %v", ErrConnection, err)
	}

	if logger != nil {
		logger.Debug("imap session opened", "address", address, "user", opts.Username)
	}

	return s, nil
}

// Search returns the UIDs of messages from one sender, bounded by the
// since date when it is non-zero.
func (s *Session) Search(sender string, since time.Time) ([]imapv2.UID, error) {
	criteria := &imapv2.SearchCriteria{
		Header: []imapv2.SearchCriteriaHeaderField{{Key: "From", Value: sender}},
	}
	if !since.IsZero() {
		criteria.Since = since
	}

	data, err := s.c.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search from %q: %w", sender, err)
	}

	return data.AllUIDs(), nil
}

// Fetch retrieves the full raw message for one UID. A failure here is
// non-fatal to the run; the caller skips the message and moves on.
func (s *Session) Fetch(uid imapv2.UID) ([]byte, error) {
	bodySection := &imapv2.FetchItemBodySection{}
	opts := &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{bodySection},
	}

	buffers, err := s.c.Fetch(imapv2.UIDSetNum(uid), opts).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch uid %d: %w", uid, err)
	}
	if len(buffers) == 0 {
		return nil, fmt.Errorf("fetch uid %d: %w", uid, ErrEmptyFetch)
	}

	body := buffers[0].FindBodySection(bodySection)
	if len(body) == 0 {
		return nil, fmt.Errorf("fetch uid %d: %w", uid, ErrEmptyFetch)
	}

	return body, nil
}

// Archive copies the message to the backup mailbox and then flags it
// deleted. The flag is strictly conditional on a successful copy so a
// copy failure leaves the message visible for the next run.
func (s *Session) Archive(uid imapv2.UID) error {
	uidSet := imapv2.UIDSetNum(uid)

	if _, err := s.c.Copy(uidSet, BackupMailbox).Wait(); err != nil {
		return fmt.Errorf("copy uid %d to %s: %w", uid, BackupMailbox, err)
	}

	store := &imapv2.StoreFlags{
		Op:     imapv2.StoreFlagsAdd,
		Silent: true,
		Flags:  []imapv2.Flag{imapv2.FlagDeleted},
	}
	if err := s.c.Store(uidSet, store, nil).Close(); err != nil {
		return fmt.Errorf("flag uid %d deleted: %w", uid, err)
	}

	return nil
}

// Close expunges flagged messages, logs out and releases the
// connection. Each step is best-effort; failures are logged and the
// remaining steps still run.
func (s *Session) Close() {
	if err := s.c.Expunge().Close(); err != nil && s.logger != nil {
		s.logger.Warn("imap expunge failed", "user", s.opts.Username, "err", err)
	}
	if err := s.c.Logout().Wait(); err != nil && s.logger != nil {
		s.logger.Warn("imap logout failed", "user", s.opts.Username, "err", err)
	}
	if err := s.c.Close(); err != nil && s.logger != nil {
		s.logger.Debug("imap connection closed", "err", err)
	}
}

func (s *Session) ensureBackupMailbox() error {
	if err := s.c.Create(BackupMailbox, nil).Wait(); err != nil {
		var respErr *imapv2.Error
		if errors.As(err, &respErr) && respErr.Code == imapv2.ResponseCodeAlreadyExists {
			return nil
		}
		return fmt.Errorf("%w: ensure mailbox %s: %v", ErrConnection, BackupMailbox, err)
	}

	if s.logger != nil {
		s.logger.Info("imap backup mailbox created", "mailbox", BackupMailbox)
	}
	return nil
}

type clientWrapper struct{ *imapclient.Client }

func (w *clientWrapper) Login(username, password string) cmdWaiter {
	return w.Client.Login(username, password)
}
func (w *clientWrapper) Logout() cmdWaiter { return w.Client.Logout() }
func (w *clientWrapper) Select(mailbox string, options *imapv2.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *clientWrapper) Create(mailbox string, options *imapv2.CreateOptions) cmdWaiter {
	return w.Client.Create(mailbox, options)
}
func (w *clientWrapper) UIDSearch(criteria *imapv2.SearchCriteria, options *imapv2.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *clientWrapper) Fetch(numSet imapv2.NumSet, options *imapv2.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *clientWrapper) Copy(numSet imapv2.NumSet, mailbox string) copyWaiter {
	return w.Client.Copy(numSet, mailbox)
}
func (w *clientWrapper) Store(numSet imapv2.NumSet, store *imapv2.StoreFlags, options *imapv2.StoreOptions) storeCloser {
	return w.Client.Store(numSet, store, options)
}
func (w *clientWrapper) Expunge() expungeCloser {
	return w.Client.Expunge()
}
