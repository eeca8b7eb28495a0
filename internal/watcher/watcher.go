// Package watcher — мост между файловыми checkout'ами прошивок и очередью
// сборок. Держит по одному watch-хендлу на (owner, udid); события ФС
// конвертирует в RepositoryChanged и отдаёт подписчику best-effort:
// callback-поток fsnotify никогда не блокируется на очереди сборок.
package watcher

import (
	"os"
	"path/filepath"
	"sync"

	"otaforge/internal/fault"
	"otaforge/internal/logs"

	"github.com/fsnotify/fsnotify"
)

// RepositoryChanged — в checkout устройства что-то поменялось.
type RepositoryChanged struct {
	OwnerID string
	UDID    string
	Path    string
}

type watched struct {
	ownerID string
	udid    string
	path    string
}

type Bridge struct {
	fw *fsnotify.Watcher

	mu     sync.Mutex
	byKey  map[string]watched // "owner|udid" -> entry
	byPath map[string]string  // canonical path -> key

	events  chan RepositoryChanged
	dropped int // события, потерянные из-за медленного подписчика

	done chan struct{}
	once sync.Once
}

func NewBridge() (*Bridge, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	b := &Bridge{
		fw:     fw,
		byKey:  make(map[string]watched),
		byPath: make(map[string]string),
		events: make(chan RepositoryChanged, 16),
		done:   make(chan struct{}),
	}
	go b.loop()
	return b, nil
}

// Events — канал подписчика (единственного). Закрывается на Close,
// так что range по нему завершается вместе с бриджем.
func (b *Bridge) Events() <-chan RepositoryChanged { return b.events }

func key(ownerID, udid string) string { return ownerID + "|" + udid }

// Attach начинает следить за path. path обязан существовать и быть
// каталогом. Повторный Attach той же пары — no-op; смена пути
// перевешивает watch.
func (b *Bridge) Attach(ownerID, udid, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fault.Wrap(fault.InvalidInput, "invalid_path", err)
	}
	st, err := os.Stat(abs)
	if err != nil || !st.IsDir() {
		return fault.New(fault.InvalidInput, "invalid_path")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	k := key(ownerID, udid)
	if cur, ok := b.byKey[k]; ok {
		if cur.path == abs {
			return nil // идемпотентно
		}
		b.removeLocked(k, cur)
	}

	if err := b.fw.Add(abs); err != nil {
		return fault.Wrap(fault.ProcessFailure, "watch_failed", err)
	}
	b.byKey[k] = watched{ownerID: ownerID, udid: udid, path: abs}
	b.byPath[abs] = k
	logs.Logger.Debugf("watch attached: %s -> %s", k, abs)
	return nil
}

// Detach снимает watch; отсутствие записи — no-op.
func (b *Bridge) Detach(ownerID, udid string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := key(ownerID, udid)
	if cur, ok := b.byKey[k]; ok {
		b.removeLocked(k, cur)
	}
}

func (b *Bridge) removeLocked(k string, w watched) {
	// Remove может вернуть ошибку, если каталог уже удалён — это не страшно
	if err := b.fw.Remove(w.path); err != nil {
		logs.Logger.Debugf("watch remove %s: %v", w.path, err)
	}
	delete(b.byKey, k)
	delete(b.byPath, w.path)
}

// Watched — снапшот для диагностики.
func (b *Bridge) Watched() []RepositoryChanged {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]RepositoryChanged, 0, len(b.byKey))
	for _, w := range b.byKey {
		out = append(out, RepositoryChanged{OwnerID: w.ownerID, UDID: w.udid, Path: w.path})
	}
	return out
}

func (b *Bridge) Close() {
	b.once.Do(func() {
		close(b.done)
		_ = b.fw.Close()
	})
}

func (b *Bridge) loop() {
	// пишет в events только эта горутина, поэтому закрывать канал здесь безопасно
	defer close(b.events)
	for {
		select {
		case <-b.done:
			return
		case ev, ok := <-b.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue // chmod не повод пересобирать
			}
			b.dispatch(ev.Name)
		case err, ok := <-b.fw.Errors:
			if !ok {
				return
			}
			logs.Logger.Warnf("fs watcher: %v", err)
		}
	}
}

func (b *Bridge) dispatch(name string) {
	dir := filepath.Dir(name)

	b.mu.Lock()
	k, ok := b.byPath[dir]
	if !ok {
		// событие могло прийти по самому каталогу
		k, ok = b.byPath[filepath.Clean(name)]
	}
	var w watched
	if ok {
		w = b.byKey[k]
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	select {
	case b.events <- RepositoryChanged{OwnerID: w.ownerID, UDID: w.udid, Path: w.path}:
	default:
		// подписчик не успевает — событие теряем, watcher не блокируем
		b.mu.Lock()
		b.dropped++
		n := b.dropped
		b.mu.Unlock()
		logs.Logger.Debugf("watch event dropped (total %d)", n)
	}
}
