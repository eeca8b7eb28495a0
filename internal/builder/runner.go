package builder

import (
	"context"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Command — аргументы внешнего билдера. Контракт CLI:
//
//	builder --owner=<id> --udid=<udid> --git=<url> --id=<build-id> [--mac=<mac>] [--dry-run]
//
// exit code 0 — успех, всё прочее — провал; прогресс пишется в stdout/stderr.
type Command struct {
	Owner   string
	UDID    string
	Git     string
	BuildID string
	MAC     string
	DryRun  bool
}

func (c Command) args() []string {
	a := []string{
		"--owner=" + c.Owner,
		"--udid=" + c.UDID,
		"--git=" + c.Git,
		"--id=" + c.BuildID,
	}
	if c.MAC != "" {
		a = append(a, "--mac="+c.MAC)
	}
	if c.DryRun {
		a = append(a, "--dry-run")
	}
	return a
}

type Result struct {
	ExitCode int
	Tail     string // хвост stdout+stderr для лога сборки
	SpawnErr error  // бинарь не нашёлся / нет прав — процесс не стартовал
	Signaled bool   // процесс снят по отмене контекста
}

// Runner — контракт запуска билдера; в тестах подменяется фейком.
type Runner interface {
	Run(ctx context.Context, c Command) Result
}

// ExecRunner супервизирует реальный сабпроцесс: по отмене контекста шлёт
// SIGTERM, после Grace добивает SIGKILL. Никогда не паникует — любой сбой
// возвращается в Result.
type ExecRunner struct {
	Path  string        // путь к бинарю билдера
	Grace time.Duration // пауза между SIGTERM и SIGKILL
}

const tailLimit = 4096

// tailBuffer держит последние tailLimit байт вывода. Потокобезопасен:
// stdout и stderr пишут конкурентно.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - tailLimit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func (r *ExecRunner) Run(ctx context.Context, c Command) Result {
	tail := &tailBuffer{}

	// без CommandContext: нам нужен SIGTERM с grace-периодом, а не мгновенный Kill
	cmd := exec.Command(r.Path, c.args()...)
	cmd.Stdout = tail
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		return Result{SpawnErr: err, Tail: tail.String()}
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	signaled := false
	select {
	case <-ctx.Done():
		signaled = true
		_ = cmd.Process.Signal(syscall.SIGTERM)
		grace := r.Grace
		if grace <= 0 {
			grace = 10 * time.Second
		}
		select {
		case <-waitCh:
		case <-time.After(grace):
			_ = cmd.Process.Kill()
			<-waitCh
		}
	case <-waitCh:
	}

	code := cmd.ProcessState.ExitCode()
	return Result{ExitCode: code, Tail: tail.String(), Signaled: signaled}
}
