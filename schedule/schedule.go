package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/mailsweep/mailsweep/config"
	"github.com/mailsweep/mailsweep/notify"
	"github.com/mailsweep/mailsweep/pdf"
	"github.com/mailsweep/mailsweep/pipeline"
	"github.com/mailsweep/mailsweep/runner"
)

// Scheduler fires an ingestion pass at the configured interval. The
// configuration document is re-read every pass and additionally when
// the file changes on disk, so edits take effect without a restart.
type Scheduler struct {
	configPath string
	coord      *runner.Coordinator
	logger     *slog.Logger
	cron       *cron.Cron

	mu      sync.Mutex
	entryID cron.EntryID
	minutes int
}

func New(configPath string, coord *runner.Coordinator, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		configPath: configPath,
		coord:      coord,
		logger:     logger,
		cron:       cron.New(),
	}
}

// Start runs an immediate first pass, schedules the recurring ones and
// blocks until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	cfg, err := config.Load(s.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := s.reschedule(cfg.ScheduleMinutes); err != nil {
		return err
	}

	watcher, err := s.watchConfig()
	if err != nil {
		s.logger.Warn("config watch unavailable", "err", err)
	} else {
		defer watcher.Close()
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "intervalMinutes", cfg.ScheduleMinutes, "accounts", len(cfg.Accounts))

	s.runAll(cfg)

	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	return ctx.Err()
}

// RunOnce performs a single pass over all configured accounts.
func (s *Scheduler) RunOnce() error {
	cfg, err := config.Load(s.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s.runAll(cfg)
	return nil
}

// tick is the recurring cron job: reload config, adjust the interval if
// it changed, run every account.
func (s *Scheduler) tick() {
	cfg, err := config.Load(s.configPath)
	if err != nil {
		s.logger.Error("config reload failed, keeping previous schedule", "err", err)
		return
	}
	if err := s.reschedule(cfg.ScheduleMinutes); err != nil {
		s.logger.Error("reschedule failed", "err", err)
	}
	s.runAll(cfg)
}

// runAll runs each account's pipeline concurrently; the coordinator
// keeps overlapping passes for the same account from racing.
func (s *Scheduler) runAll(cfg config.Config) {
	notifier := notify.New(cfg.NotifyEnabled(), cfg.NotifyURL, s.logger)
	unlocker := pdf.NewUnlocker(cfg.PDFPasswords, s.logger)
	pipe := pipeline.New(notifier, unlocker, s.logger)

	var wg sync.WaitGroup
	for _, acct := range cfg.Accounts {
		wg.Add(1)
		go func(account config.Account) {
			defer wg.Done()
			s.coord.TryRun(account.IMAP.User, func() {
				pipe.Run(account)
			})
		}(acct)
	}
	wg.Wait()
}

func (s *Scheduler) reschedule(minutes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if minutes == s.minutes {
		return nil
	}

	if s.minutes != 0 {
		s.cron.Remove(s.entryID)
	}

	id, err := s.cron.AddFunc(fmt.Sprintf("@every %dm", minutes), s.tick)
	if err != nil {
		return fmt.Errorf("schedule every %dm: %w", minutes, err)
	}

	s.entryID = id
	s.minutes = minutes
	return nil
}

// watchConfig reloads the schedule when the config file is rewritten.
// Editors often replace the file, so the watch is on the directory.
func (s *Scheduler) watchConfig() (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(s.configPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.configPath) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := config.Load(s.configPath)
				if err != nil {
					s.logger.Error("config change ignored", "err", err)
					continue
				}
				s.logger.Info("config changed", "intervalMinutes", cfg.ScheduleMinutes, "accounts", len(cfg.Accounts))
				if err := s.reschedule(cfg.ScheduleMinutes); err != nil {
					s.logger.Error("reschedule failed", "err", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("config watch error", "err", err)
			}
		}
	}()

	return watcher, nil
}
