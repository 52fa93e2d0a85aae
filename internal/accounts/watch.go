package accounts

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	DefaultDebounce = 250 * time.Millisecond

	watchRestartBase = 250 * time.Millisecond
	watchRestartMax  = 5 * time.Second
)

// Watch reloads the pool whenever path changes. The parent directory is
// watched so editors that replace the file by rename are still seen. If the
// watcher breaks it is recreated after a jittered backoff. Watch returns
// when ctx is done.
func (p *Pool) Watch(ctx context.Context, path string, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	dir := filepath.Dir(path)
	file := filepath.Base(path)
	log := p.log.With(zap.String("path", path))

	restart := backoff.NewExponentialBackOff()
	restart.InitialInterval = watchRestartBase
	restart.MaxInterval = watchRestartMax
	restart.MaxElapsedTime = 0
	restart.Reset()

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			if ctx.Err() != nil {
				return
			}
			if err := p.Reload(ctx); err != nil {
				log.Warn("account file reload failed; keeping current accounts", zap.Error(err))
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	wait := func(reason string, err error) bool {
		d := restart.NextBackOff()
		log.Warn(reason, zap.Error(err), zap.Duration("backoff", d))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			if !wait("account watcher init failed", err) {
				return nil
			}
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			if !wait("account watcher add failed", err) {
				return nil
			}
			continue
		}

		restart.Reset()
		log.Debug("account watcher started")

		err = p.watchLoop(ctx, w, file, schedule, log)
		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		if !wait("account watcher stopped; restarting", err) {
			return nil
		}
	}
	return nil
}

// watchLoop runs until the watcher breaks or ctx is done.
func (p *Pool) watchLoop(ctx context.Context, w *fsnotify.Watcher, file string, schedule func(), log *zap.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if err == nil {
				continue
			}
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "overflow") {
				log.Warn("account watcher overflow; forcing reload", zap.Error(err))
				schedule()
				continue
			}
			if strings.Contains(msg, "closed") {
				return err
			}
			log.Warn("account watcher error", zap.Error(err))
		}
	}
}
