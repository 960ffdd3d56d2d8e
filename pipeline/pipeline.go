package pipeline

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"

	"github.com/mailsweep/mailsweep/config"
	"github.com/mailsweep/mailsweep/imap"
	"github.com/mailsweep/mailsweep/message"
	"github.com/mailsweep/mailsweep/notify"
	"github.com/mailsweep/mailsweep/sanitize"
	"github.com/mailsweep/mailsweep/stats"
)

// Session is the slice of the mailbox session the pipeline drives.
type Session interface {
	Search(sender string, since time.Time) ([]imapv2.UID, error)
	Fetch(uid imapv2.UID) ([]byte, error)
	Archive(uid imapv2.UID) error
	Close()
}

// SessionFactory opens a session for one account.
type SessionFactory func(account config.Account) (Session, error)

// Unlocker recovers password-protected PDFs.
type Unlocker interface {
	Unlock(inputPath, outputPath string) bool
}

// Notifier delivers observability events; it never fails the caller.
type Notifier interface {
	Notify(event string, details any)
}

// Pipeline ingests one account's mailbox: search per configured sender,
// then fetch, persist, extract attachments, unlock PDFs, notify and
// archive each matching message.
type Pipeline struct {
	notifier    Notifier
	unlocker    Unlocker
	logger      *slog.Logger
	openSession SessionFactory
	now         func() time.Time
}

// Option customizes pipeline behavior.
type Option func(*Pipeline)

// WithClock overrides the wall clock, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

func withSessionFactory(factory SessionFactory) Option {
	return func(p *Pipeline) {
		p.openSession = factory
	}
}

func New(notifier Notifier, unlocker Unlocker, logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		notifier: notifier,
		unlocker: unlocker,
		logger:   logger,
		now:      time.Now,
	}
	p.openSession = func(account config.Account) (Session, error) {
		return imap.Open(imap.Options{
			Host:     account.IMAP.Host,
			Port:     account.IMAP.Port,
			Username: account.IMAP.User,
			Password: account.IMAP.Password,
		}, logger)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes one account end to end. Failures never escape: they are
// contained per message where possible, and anything that reaches the
// top level is logged and reported through an error notification.
func (p *Pipeline) Run(account config.Account) {
	logger := p.logger.With("account", account.IMAP.User)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("account run panicked", "panic", r)
			p.notifier.Notify(notify.EventError, fmt.Sprint(r))
		}
	}()

	// Admission is sender-scoped: without a sender allow-list there is
	// nothing bounded to search for.
	if len(account.FilterFrom) == 0 {
		logger.Warn("no filter_from addresses configured, skipping account")
		return
	}

	sess, err := p.openSession(account)
	if err != nil {
		logger.Error("open session failed", "err", err)
		p.notifier.Notify(notify.EventError, err.Error())
		return
	}
	defer sess.Close()

	var since time.Time
	if account.SearchLastDays > 0 {
		since = p.now().AddDate(0, 0, -account.SearchLastDays)
		logger.Info("limiting search window", "since", since.Format("2006-01-02"))
	}

	collector := stats.NewCollector()

	for _, sender := range account.FilterFrom {
		uids, err := sess.Search(sender, since)
		if err != nil {
			logger.Error("search failed", "sender", sender, "err", err)
			collector.Apply(stats.Event{Type: stats.EventTypeError, Sender: sender, Err: err})
			continue
		}

		logger.Info("search complete", "sender", sender, "messages", len(uids))

		for _, uid := range uids {
			collector.Apply(stats.Event{Type: stats.EventTypeFound, Sender: sender})
			p.processMessage(sess, account, uid, sender, collector, logger)
		}
	}

	logger.Info("account run complete", collector.Snapshot().LogAttrs()...)
}

func (p *Pipeline) processMessage(sess Session, account config.Account, uid imapv2.UID, sender string, collector *stats.Collector, logger *slog.Logger) {
	raw, err := sess.Fetch(uid)
	if err != nil {
		logger.Error("fetch failed, skipping message", "uid", uid, "err", err)
		collector.Apply(stats.Event{Type: stats.EventTypeSkipped, Sender: sender, Err: err})
		return
	}

	msg, err := message.Parse(raw)
	if err != nil {
		logger.Error("parse failed, skipping message", "uid", uid, "err", err)
		collector.Apply(stats.Event{Type: stats.EventTypeSkipped, Sender: sender, Err: err})
		return
	}

	emlPath, err := p.persistMessage(account, msg.From, msg.Subject, msg.Date, raw)
	if err != nil {
		logger.Error("persist failed, skipping message", "uid", uid, "err", err)
		collector.Apply(stats.Event{Type: stats.EventTypeSkipped, Sender: sender, Err: err})
		return
	}

	logger.Info("message saved", "uid", uid, "path", emlPath)
	collector.Apply(stats.Event{Type: stats.EventTypeSaved, Sender: sender})
	p.notifier.Notify(notify.EventEmailSaved, map[string]any{
		"subject": msg.Subject,
		"from":    msg.From,
		"path":    emlPath,
	})

	for _, att := range msg.Attachments {
		if err := p.persistAttachment(account, att.Filename, att.Data, collector, logger); err != nil {
			logger.Error("attachment write failed, skipping attachment", "uid", uid, "filename", att.Filename, "err", err)
			collector.Apply(stats.Event{Type: stats.EventTypeError, Sender: sender, Err: err})
		}
	}

	if err := sess.Archive(uid); err != nil {
		// The message stays visible in the inbox and is picked up again
		// on the next run.
		logger.Error("archive failed", "uid", uid, "err", err)
		collector.Apply(stats.Event{Type: stats.EventTypeError, Sender: sender, Err: err})
		return
	}

	collector.Apply(stats.Event{Type: stats.EventTypeArchived, Sender: sender})
	p.notifier.Notify(notify.EventEmailSaved, map[string]any{"subject": msg.Subject})
}

func (p *Pipeline) persistMessage(account config.Account, from, subject, date string, raw []byte) (string, error) {
	if err := os.MkdirAll(account.SaveEMLTo, 0o755); err != nil {
		return "", fmt.Errorf("create eml directory: %w", err)
	}

	name := sanitize.EmailFilename(from, subject, date)
	path := filepath.Join(account.SaveEMLTo, name+".eml")

	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("write eml: %w", err)
	}

	return path, nil
}

func (p *Pipeline) persistAttachment(account config.Account, filename string, data []byte, collector *stats.Collector, logger *slog.Logger) error {
	if err := os.MkdirAll(account.SaveAttachmentsTo, 0o755); err != nil {
		return fmt.Errorf("create attachments directory: %w", err)
	}

	name := sanitize.AttachmentName(filename)
	path := filepath.Join(account.SaveAttachmentsTo, name)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write attachment %s: %w", name, err)
	}

	logger.Info("attachment saved", "path", path)
	collector.Apply(stats.Event{Type: stats.EventTypeAttachment})

	if strings.HasSuffix(name, ".pdf") {
		unlockedPath := filepath.Join(account.SaveAttachmentsTo, "unlocked_"+name)
		if p.unlocker.Unlock(path, unlockedPath) {
			// Cleanup only on confirmed success; an exhausted password
			// list leaves the encrypted original in place.
			if err := os.Remove(path); err != nil {
				logger.Warn("remove encrypted original failed", "path", path, "err", err)
			}
			collector.Apply(stats.Event{Type: stats.EventTypeUnlocked})
		}
	}

	return nil
}
