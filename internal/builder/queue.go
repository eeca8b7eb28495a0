// Package builder — очередь сборок и пул воркеров.
//
// Инварианты:
//   - на устройство (udid) не больше одной живой сборки (QUEUED|RUNNING);
//   - жизненный цикл QUEUED -> RUNNING -> {SUCCEEDED|FAILED}, без ретраев;
//   - сбой сабпроцесса — это состояние задачи, а не падение воркера.
package builder

import (
	"context"
	"errors"
	"sync"
	"time"

	"otaforge/internal/fault"
	"otaforge/internal/logs"
	"otaforge/internal/models"

	"github.com/google/uuid"
)

const (
	ReasonTimeout     = "timeout"
	ReasonCancelled   = "cancelled"
	ReasonShutdown    = "shutdown"
	ReasonSpawnFailed = "spawn_failed"
	ReasonQueueFull   = "queue_full"
)

// DeviceResolver — регистри устройств, только чтение.
type DeviceResolver interface {
	ResolveOwnerDevice(ownerID, ref string) (*models.Device, error)
}

// SourceResolver — источники владельца, только чтение.
type SourceResolver interface {
	FindSourceByAlias(ownerID, alias string) (*models.Source, error)
}

type Options struct {
	Workers    int
	QueueDepth int
	Timeout    time.Duration // потолок на один прогон билдера
	Grace      time.Duration // SIGTERM -> SIGKILL
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 64
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Minute
	}
	if o.Grace <= 0 {
		o.Grace = 10 * time.Second
	}
	return o
}

// track — рантайм-состояние живой задачи. Живёт в Queue.jobs от Submit до
// финализации; завершённые задачи существуют только в Store.
type track struct {
	udid      string
	cancelled bool
	cancel    context.CancelFunc // установлен, пока задача RUNNING
}

type Queue struct {
	opts    Options
	store   Store
	runner  Runner
	devices DeviceResolver
	sources SourceResolver

	mu     sync.Mutex
	active map[string]string // udid -> buildID (эксклюзивность на устройство)
	jobs   map[string]*track // buildID -> рантайм

	fifo   chan string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewQueue(opts Options, store Store, runner Runner, devices DeviceResolver, sources SourceResolver) *Queue {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		opts:    opts,
		store:   store,
		runner:  runner,
		devices: devices,
		sources: sources,
		active:  make(map[string]string),
		jobs:    make(map[string]*track),
		fifo:    make(chan string, opts.QueueDepth),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start поднимает воркеров. Вызывается один раз.
func (q *Queue) Start() {
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	logs.Logger.Infof("build queue: %d workers, depth %d, timeout %s",
		q.opts.Workers, q.opts.QueueDepth, q.opts.Timeout)
}

// Submit валидирует запрос, ставит задачу в FIFO и сразу возвращается.
// Сборка идёт в фоне; прогресс — через Status/Logs.
func (q *Queue) Submit(ownerID, deviceRef, sourceAlias string, dryRun bool) (*models.BuildJob, error) {
	dev, err := q.devices.ResolveOwnerDevice(ownerID, deviceRef)
	if err != nil {
		return nil, err
	}
	src, err := q.sources.FindSourceByAlias(ownerID, sourceAlias)
	if err != nil {
		return nil, err
	}

	job := &models.BuildJob{
		BuildID:     uuid.NewString(),
		OwnerID:     ownerID,
		UDID:        dev.UDID,
		MAC:         dev.MAC,
		SourceAlias: src.Alias,
		SourceURL:   src.URL,
		DryRun:      dryRun,
		Status:      models.BuildQueued,
		SubmittedAt: time.Now(),
	}

	q.mu.Lock()
	if running, busy := q.active[dev.UDID]; busy {
		q.mu.Unlock()
		return nil, fault.Wrap(fault.Conflict, "build_in_progress",
			errors.New("active build "+running))
	}
	q.active[dev.UDID] = job.BuildID
	q.jobs[job.BuildID] = &track{udid: dev.UDID}
	q.mu.Unlock()

	if err := q.store.CreateJob(job); err != nil {
		q.release(job.BuildID, dev.UDID)
		return nil, err
	}
	q.log(job, "Build queued.")

	select {
	case q.fifo <- job.BuildID:
	default:
		// очередь забита — отказ сразу, submit не блокируется;
		// слот устройства обязательно освобождаем, иначе udid заклинит
		q.finalize(job, models.BuildFailed, ReasonQueueFull, "Queue full, build rejected.")
		q.release(job.BuildID, dev.UDID)
		return nil, fault.New(fault.ProcessFailure, ReasonQueueFull)
	}
	return job, nil
}

// Cancel — QUEUED снимается до запуска сабпроцесса, RUNNING получает
// SIGTERM (и SIGKILL после grace). Завершённые задачи не отменяются.
func (q *Queue) Cancel(ownerID, buildID string) error {
	job, err := q.store.GetJob(buildID)
	if err != nil {
		return err
	}
	if job.OwnerID != ownerID {
		return fault.New(fault.Forbidden, "forbidden")
	}

	q.mu.Lock()
	t, live := q.jobs[buildID]
	if !live {
		q.mu.Unlock()
		return fault.New(fault.Conflict, "build_finished")
	}
	if t.cancelled {
		q.mu.Unlock()
		return nil // отмена уже запрошена
	}
	t.cancelled = true
	if t.cancel != nil {
		t.cancel() // воркер сам финализирует с reason=cancelled
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	// QUEUED: воркер пропустит ID по флагу cancelled. Терминальный статус
	// пишем ДО освобождения слота: store не должен показывать два живых
	// билда на одно устройство даже в переходный момент.
	q.finalize(job, models.BuildFailed, ReasonCancelled, "Build cancelled before start.")
	q.release(buildID, t.udid)
	return nil
}

func (q *Queue) Status(buildID string) (*models.BuildJob, error) {
	return q.store.GetJob(buildID)
}

func (q *Queue) List(ownerID string) ([]models.BuildJob, error) {
	return q.store.ListJobs(ownerID)
}

func (q *Queue) Logs(buildID string) ([]models.BuildLogEntry, error) {
	return q.store.Logs(buildID)
}

// HasActive — есть ли живая сборка для устройства (используется watch-бриджем,
// чтобы не заваливать очередь на каждое изменение файла).
func (q *Queue) HasActive(udid string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, busy := q.active[udid]
	return busy
}

// Shutdown: новые задачи не принимаются, QUEUED помечаются FAILED(shutdown),
// RUNNING получают SIGTERM/SIGKILL; ждём воркеров не дольше ctx.
func (q *Queue) Shutdown(ctx context.Context) {
	q.cancel()

	// дренируем FIFO — всё, что не успели взять воркеры
drain:
	for {
		select {
		case id := <-q.fifo:
			q.failQueued(id, ReasonShutdown, "Server shutting down.")
		default:
			break drain
		}
	}

	done := make(chan struct{})
	go func() { q.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		logs.Logger.Warn("build queue: shutdown window elapsed, workers abandoned")
	}
}

// ── воркеры ─────────────────────────────────────────────────────────

func (q *Queue) worker(i int) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case id := <-q.fifo:
			if q.ctx.Err() != nil {
				// гонка select при останове: задача не стартует
				q.failQueued(id, ReasonShutdown, "Server shutting down.")
				continue
			}
			q.runOne(i, id)
		}
	}
}

func (q *Queue) runOne(worker int, buildID string) {
	q.mu.Lock()
	t, live := q.jobs[buildID]
	if !live || t.cancelled {
		// отменили, пока лежала в очереди; финализирует отменивший
		q.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithTimeout(q.ctx, q.opts.Timeout)
	t.cancel = cancel
	q.mu.Unlock()
	defer cancel()

	job, err := q.store.GetJob(buildID)
	if err != nil {
		logs.Logger.Errorf("worker %d: job %s vanished from store: %v", worker, buildID, err)
		q.release(buildID, t.udid)
		return
	}

	now := time.Now()
	job.Status = models.BuildRunning
	job.StartedAt = &now
	if err := q.store.SaveJob(job); err != nil {
		logs.Logger.Errorf("worker %d: job %s: %v", worker, buildID, err)
	}
	q.log(job, "Build started.")

	res := q.runner.Run(runCtx, Command{
		Owner:   job.OwnerID,
		UDID:    job.UDID,
		Git:     job.SourceURL,
		BuildID: job.BuildID,
		MAC:     job.MAC,
		DryRun:  job.DryRun,
	})

	status, reason := q.verdict(t, runCtx, res)
	msg := "Build finished: " + status
	if reason != "" {
		msg += " (" + reason + ")"
	}
	if res.Tail != "" {
		q.log(job, res.Tail)
	}
	if res.SpawnErr != nil {
		q.log(job, "Builder failed to start: "+res.SpawnErr.Error())
	}

	// сначала терминальный статус, потом слот устройства: конкурентный
	// Submit не должен увидеть "свободно" при ещё-RUNNING строке в store
	q.finalize(job, status, reason, msg)
	q.release(buildID, t.udid)
}

// verdict переводит результат прогона в терминальный статус.
func (q *Queue) verdict(t *track, runCtx context.Context, res Result) (status, reason string) {
	switch {
	case res.SpawnErr != nil:
		return models.BuildFailed, ReasonSpawnFailed
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return models.BuildFailed, ReasonTimeout
	case q.isCancelled(t):
		return models.BuildFailed, ReasonCancelled
	case q.ctx.Err() != nil && res.Signaled:
		return models.BuildFailed, ReasonShutdown
	case res.ExitCode == 0:
		return models.BuildSucceeded, ""
	default:
		return models.BuildFailed, exitReason(res.ExitCode)
	}
}

func (q *Queue) isCancelled(t *track) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return t.cancelled
}

func (q *Queue) release(buildID, udid string) {
	q.mu.Lock()
	delete(q.jobs, buildID)
	delete(q.active, udid)
	q.mu.Unlock()
}

// finalize пишет терминальное состояние; вызывающий освобождает слот
// устройства (release) строго ПОСЛЕ возврата отсюда.
func (q *Queue) finalize(job *models.BuildJob, status, reason, message string) {
	now := time.Now()
	job.Status = status
	job.Reason = reason
	job.FinishedAt = &now
	if err := q.store.SaveJob(job); err != nil {
		logs.Logger.Errorf("finalize %s: %v", job.BuildID, err)
	}
	q.log(job, message)
}

// failQueued — для задач, которые так и не стартовали (shutdown-дрейн).
func (q *Queue) failQueued(buildID, reason, message string) {
	q.mu.Lock()
	t, live := q.jobs[buildID]
	if !live || t.cancelled {
		q.mu.Unlock()
		return
	}
	t.cancelled = true
	q.mu.Unlock()

	job, err := q.store.GetJob(buildID)
	if err != nil {
		q.release(buildID, t.udid)
		return
	}
	q.finalize(job, models.BuildFailed, reason, message)
	q.release(buildID, t.udid)
}

func (q *Queue) log(job *models.BuildJob, message string) {
	if err := q.store.AppendLog(job.BuildID, job.OwnerID, job.UDID, message); err != nil {
		logs.Logger.Warnf("build log %s: %v", job.BuildID, err)
	}
}
