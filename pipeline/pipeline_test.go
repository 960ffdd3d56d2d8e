package pipeline

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"

	"github.com/mailsweep/mailsweep/config"
	"github.com/mailsweep/mailsweep/notify"
)

type searchCall struct {
	sender string
	since  time.Time
}

type fakeSession struct {
	uids     map[string][]imapv2.UID
	raw      map[imapv2.UID][]byte
	fetchErr map[imapv2.UID]error

	archiveErr  error
	searchPanic bool

	searchCalls []searchCall
	archived    []imapv2.UID
	closed      bool
}

func (s *fakeSession) Search(sender string, since time.Time) ([]imapv2.UID, error) {
	if s.searchPanic {
		panic("search exploded")
	}
	s.searchCalls = append(s.searchCalls, searchCall{sender: sender, since: since})
	return s.uids[sender], nil
}

func (s *fakeSession) Fetch(uid imapv2.UID) ([]byte, error) {
	if err := s.fetchErr[uid]; err != nil {
		return nil, err
	}
	return s.raw[uid], nil
}

func (s *fakeSession) Archive(uid imapv2.UID) error {
	if s.archiveErr != nil {
		return s.archiveErr
	}
	s.archived = append(s.archived, uid)
	return nil
}

func (s *fakeSession) Close() { s.closed = true }

type notification struct {
	event   string
	details any
}

type recordingNotifier struct {
	sent []notification
}

func (n *recordingNotifier) Notify(event string, details any) {
	n.sent = append(n.sent, notification{event: event, details: details})
}

func (n *recordingNotifier) byEvent(event string) []notification {
	var out []notification
	for _, s := range n.sent {
		if s.event == event {
			out = append(out, s)
		}
	}
	return out
}

// fakeUnlocker simulates the candidate walk: it succeeds when any
// configured password matches the expected one, writing the output file
// like the real engine does.
type fakeUnlocker struct {
	passwords []string
	correct   string
	calls     int
}

func (u *fakeUnlocker) Unlock(inputPath, outputPath string) bool {
	u.calls++
	for _, pwd := range u.passwords {
		if pwd == u.correct {
			data, err := os.ReadFile(inputPath)
			if err != nil {
				return false
			}
			if err := os.WriteFile(outputPath, data, 0o644); err != nil {
				return false
			}
			return true
		}
	}
	return false
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rawMessage(subject string) []byte {
	msg := `From: a@b.com
Subject: ` + subject + `
Date: Mon, 02 Jan 2006 15:04:05 +0000
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="frontier"

--frontier
Content-Type: text/plain

Statement attached.
--frontier
Content-Type: application/pdf
Content-Disposition: attachment; filename="report enc.pdf"
Content-Transfer-Encoding: base64

JVBERi0xLjQ=
--frontier--
`
	return []byte(strings.ReplaceAll(msg, "\n", "\r\n"))
}

func testAccount(t *testing.T, senders ...string) config.Account {
	t.Helper()
	base := t.TempDir()
	return config.Account{
		IMAP:              config.IMAP{Host: "mail.example.com", Port: 993, User: "user@example.com", Password: "pw"},
		FilterFrom:        senders,
		SaveEMLTo:         filepath.Join(base, "eml"),
		SaveAttachmentsTo: filepath.Join(base, "att"),
	}
}

func newTestPipeline(notifier Notifier, unlocker Unlocker, sess Session, opts ...Option) *Pipeline {
	factory := func(config.Account) (Session, error) { return sess, nil }
	opts = append(opts, withSessionFactory(factory))
	return New(notifier, unlocker, discardLogger(), opts...)
}

func TestRun_EmptySenderListDoesNothing(t *testing.T) {
	sess := &fakeSession{}
	notifier := &recordingNotifier{}
	p := newTestPipeline(notifier, &fakeUnlocker{}, sess)

	p.Run(testAccount(t))

	if len(sess.searchCalls) != 0 {
		t.Errorf("search calls = %d, want 0", len(sess.searchCalls))
	}
	if len(notifier.sent) != 0 {
		t.Errorf("notifications = %d, want 0", len(notifier.sent))
	}
}

func TestRun_OpenFailureNotifiesError(t *testing.T) {
	notifier := &recordingNotifier{}
	factory := func(config.Account) (Session, error) {
		return nil, errors.New("dial tcp: connection refused")
	}
	p := New(notifier, &fakeUnlocker{}, discardLogger(), withSessionFactory(factory))

	p.Run(testAccount(t, "a@b.com"))

	errs := notifier.byEvent(notify.EventError)
	if len(errs) != 1 {
		t.Fatalf("error notifications = %d, want 1", len(errs))
	}
	detail, ok := errs[0].details.(string)
	if !ok || !strings.Contains(detail, "connection refused") {
		t.Errorf("error detail = %v", errs[0].details)
	}
}

func TestRun_EndToEnd(t *testing.T) {
	account := testAccount(t, "a@b.com")
	sess := &fakeSession{
		uids: map[string][]imapv2.UID{"a@b.com": {42}},
		raw:  map[imapv2.UID][]byte{42: rawMessage("Hi =?utf-8?q?there?=")},
	}
	notifier := &recordingNotifier{}
	// Second candidate is the correct one.
	unlocker := &fakeUnlocker{passwords: []string{"wrong", "secret"}, correct: "secret"}

	p := newTestPipeline(notifier, unlocker, sess)
	p.Run(account)

	emlPath := filepath.Join(account.SaveEMLTo, "a@b.com_Hi_there_02.eml")
	if _, err := os.Stat(emlPath); err != nil {
		t.Errorf("eml file missing: %v", err)
	}

	unlockedPath := filepath.Join(account.SaveAttachmentsTo, "unlocked_report_enc.pdf")
	if _, err := os.Stat(unlockedPath); err != nil {
		t.Errorf("unlocked attachment missing: %v", err)
	}

	originalPath := filepath.Join(account.SaveAttachmentsTo, "report_enc.pdf")
	if _, err := os.Stat(originalPath); err == nil {
		t.Error("encrypted original still present, want removed after unlock")
	}

	saved := notifier.byEvent(notify.EventEmailSaved)
	if len(saved) != 2 {
		t.Fatalf("email_saved notifications = %d, want 2", len(saved))
	}

	first, ok := saved[0].details.(map[string]any)
	if !ok || first["path"] != emlPath || first["from"] != "a@b.com" {
		t.Errorf("first notification details = %v", saved[0].details)
	}
	second, ok := saved[1].details.(map[string]any)
	if !ok {
		t.Fatalf("second notification details = %v", saved[1].details)
	}
	if _, hasPath := second["path"]; hasPath {
		t.Error("second notification should carry the subject only")
	}

	if len(sess.archived) != 1 || sess.archived[0] != 42 {
		t.Errorf("archived = %v, want [42]", sess.archived)
	}
	if !sess.closed {
		t.Error("session not closed")
	}
}

func TestRun_FetchFailureSkipsMessage(t *testing.T) {
	account := testAccount(t, "a@b.com")
	sess := &fakeSession{
		uids:     map[string][]imapv2.UID{"a@b.com": {1, 2}},
		raw:      map[imapv2.UID][]byte{2: rawMessage("Second")},
		fetchErr: map[imapv2.UID]error{1: errors.New("fetch timeout")},
	}
	notifier := &recordingNotifier{}
	p := newTestPipeline(notifier, &fakeUnlocker{}, sess)

	p.Run(account)

	if len(sess.archived) != 1 || sess.archived[0] != 2 {
		t.Errorf("archived = %v, want only the second message", sess.archived)
	}
	if !sess.closed {
		t.Error("session not closed")
	}
}

func TestRun_ArchiveFailureSuppressesCompletionNotify(t *testing.T) {
	account := testAccount(t, "a@b.com")
	sess := &fakeSession{
		uids:       map[string][]imapv2.UID{"a@b.com": {7}},
		raw:        map[imapv2.UID][]byte{7: rawMessage("Invoice")},
		archiveErr: errors.New("copy failed"),
	}
	notifier := &recordingNotifier{}
	p := newTestPipeline(notifier, &fakeUnlocker{}, sess)

	p.Run(account)

	saved := notifier.byEvent(notify.EventEmailSaved)
	if len(saved) != 1 {
		t.Errorf("email_saved notifications = %d, want 1 when archiving fails", len(saved))
	}
	if len(sess.archived) != 0 {
		t.Errorf("archived = %v, want none", sess.archived)
	}
}

func TestRun_SinceComputedOnceForAllSenders(t *testing.T) {
	account := testAccount(t, "a@b.com", "c@d.com")
	account.SearchLastDays = 5

	sess := &fakeSession{}
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	p := newTestPipeline(&recordingNotifier{}, &fakeUnlocker{}, sess, WithClock(func() time.Time { return now }))

	p.Run(account)

	if len(sess.searchCalls) != 2 {
		t.Fatalf("search calls = %d, want 2", len(sess.searchCalls))
	}
	want := now.AddDate(0, 0, -5)
	for _, call := range sess.searchCalls {
		if !call.since.Equal(want) {
			t.Errorf("search since = %v, want %v", call.since, want)
		}
	}
}

func TestRun_UnlockFailureKeepsOriginal(t *testing.T) {
	account := testAccount(t, "a@b.com")
	sess := &fakeSession{
		uids: map[string][]imapv2.UID{"a@b.com": {3}},
		raw:  map[imapv2.UID][]byte{3: rawMessage("Encrypted")},
	}
	// No candidate matches.
	unlocker := &fakeUnlocker{passwords: []string{"wrong"}, correct: "secret"}
	p := newTestPipeline(&recordingNotifier{}, unlocker, sess)

	p.Run(account)

	originalPath := filepath.Join(account.SaveAttachmentsTo, "report_enc.pdf")
	if _, err := os.Stat(originalPath); err != nil {
		t.Errorf("encrypted original missing after failed unlock: %v", err)
	}
	unlockedPath := filepath.Join(account.SaveAttachmentsTo, "unlocked_report_enc.pdf")
	if _, err := os.Stat(unlockedPath); err == nil {
		t.Error("unlocked file present after failed unlock")
	}
	if unlocker.calls != 1 {
		t.Errorf("unlock calls = %d, want 1", unlocker.calls)
	}
}

func TestRun_PanicContained(t *testing.T) {
	account := testAccount(t, "a@b.com")
	sess := &fakeSession{searchPanic: true}
	notifier := &recordingNotifier{}
	p := newTestPipeline(notifier, &fakeUnlocker{}, sess)

	p.Run(account)

	errs := notifier.byEvent(notify.EventError)
	if len(errs) != 1 {
		t.Errorf("error notifications = %d, want 1 for contained panic", len(errs))
	}
}
