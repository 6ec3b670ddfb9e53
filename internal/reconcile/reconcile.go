// Package reconcile drives the receive path: fetch new mailbox messages,
// normalize them, tag them with the pass's batch number, persist each one and
// serve a page of the received stream.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mailgateway/internal/batch"
	"mailgateway/internal/domain"
	"mailgateway/internal/mailbox"
	"mailgateway/internal/normalize"
)

// State is the position of one request in the reconciliation flow.
type State int

const (
	Idle State = iota
	Fetching
	Normalizing
	Persisting
	Querying
	Served
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Normalizing:
		return "normalizing"
	case Persisting:
		return "persisting"
	case Querying:
		return "querying"
	case Served:
		return "served"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// StageError reports the stage a pass failed in.
type StageError struct {
	Stage State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("reconcile %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// FailedStage returns the stage recorded in err, or Idle when err did not
// come from a pass.
func FailedStage(err error) State {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return Idle
}

type Fetcher interface {
	Fetch(ctx context.Context) ([]mailbox.Raw, error)
}

type Store interface {
	Save(ctx context.Context, m *domain.EmailMessage) (string, error)
	GetPage(ctx context.Context, req domain.PageRequest) (*domain.Page[*domain.EmailMessage], error)
}

// Ledger remembers which mailbox messages have already been persisted so a
// message handed out twice by racing sessions is stored once. Messages are
// identified by folder, UIDVALIDITY and UID.
type Ledger interface {
	IsUIDProcessed(ctx context.Context, folder string, validity, uid uint32) (bool, error)
	MarkUIDProcessed(ctx context.Context, folder string, validity, uid uint32) error
}

type PassRecorder interface {
	RecordPass(ctx context.Context, r domain.PassResult) error
}

type Service struct {
	fetcher  Fetcher
	store    Store
	ledger   Ledger
	recorder PassRecorder
	now      func() time.Time
}

type Option func(*Service)

func WithLedger(l Ledger) Option {
	return func(s *Service) { s.ledger = l }
}

func WithRecorder(r PassRecorder) Option {
	return func(s *Service) { s.recorder = r }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(fetcher Fetcher, store Store, opts ...Option) *Service {
	s := &Service{fetcher: fetcher, store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// run tracks one request through the states.
type run struct {
	state State
	log   *slog.Logger
}

func (r *run) enter(s State) {
	r.log.Debug("reconcile state", "from", r.state, "to", s)
	r.state = s
}

func (r *run) fail(err error) error {
	stage := r.state
	r.enter(Failed)
	return &StageError{Stage: stage, Err: err}
}

// List runs a pass and then returns the requested page of received
// messages. Messages persisted before a failure stay persisted.
func (s *Service) List(ctx context.Context, req domain.PageRequest) (*domain.Page[*domain.EmailMessage], error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	r := &run{state: Idle, log: slog.Default()}
	if _, err := s.pass(ctx, r); err != nil {
		return nil, err
	}

	r.enter(Querying)
	page, err := s.store.GetPage(ctx, req)
	if err != nil {
		return nil, r.fail(err)
	}
	r.enter(Served)
	return page, nil
}

// Pass runs fetch, normalize, tag and persist without serving a page.
func (s *Service) Pass(ctx context.Context) (domain.PassResult, error) {
	r := &run{state: Idle, log: slog.Default()}
	return s.pass(ctx, r)
}

func (s *Service) pass(ctx context.Context, r *run) (res domain.PassResult, err error) {
	start := s.now()
	res.StartedAt = start.UTC()
	// One batch number for every message of the pass, fixed before any save.
	res.Batch = batch.Number(start)
	r.log = r.log.With("batch", res.Batch)

	defer func() {
		res.Duration = time.Since(start).String()
		if err != nil {
			res.Error = err.Error()
			r.log.Error("reconcile pass failed", "stage", FailedStage(err), "fetched", res.Fetched, "persisted", res.Persisted, "error", err)
		} else {
			r.log.Info("reconcile pass complete", "fetched", res.Fetched, "persisted", res.Persisted, "skipped", res.Skipped)
		}
		s.record(ctx, res)
	}()

	r.enter(Fetching)
	raws, err := s.fetcher.Fetch(ctx)
	if err != nil {
		return res, r.fail(err)
	}
	res.Fetched = len(raws)

	// Each message is normalized and saved before the next is touched, so a
	// failure keeps every record saved before it.
	for _, raw := range raws {
		if err := ctx.Err(); err != nil {
			return res, r.fail(err)
		}

		r.enter(Normalizing)
		if s.alreadyPersisted(ctx, raw) {
			res.Skipped++
			continue
		}
		msg, err := normalize.Message(raw.Body, raw.InternalDate, s.now)
		if err != nil {
			return res, r.fail(fmt.Errorf("message %d: %w", raw.UID, err))
		}
		batch.Tag([]*domain.EmailMessage{msg}, res.Batch)

		r.enter(Persisting)
		id, err := s.store.Save(ctx, msg)
		if err != nil {
			return res, r.fail(fmt.Errorf("message %d: %w", raw.UID, err))
		}
		res.Persisted++
		r.log.Debug("message persisted", "id", id, "uid", raw.UID)
		s.markPersisted(ctx, raw)
	}

	return res, nil
}

// alreadyPersisted treats ledger errors as "not seen": a duplicate record is
// preferable to a lost one.
func (s *Service) alreadyPersisted(ctx context.Context, raw mailbox.Raw) bool {
	if s.ledger == nil {
		return false
	}
	ok, err := s.ledger.IsUIDProcessed(ctx, raw.Folder, raw.UIDValidity, raw.UID)
	if err != nil {
		slog.Warn("uid ledger lookup failed", "folder", raw.Folder, "uid_validity", raw.UIDValidity, "uid", raw.UID, "error", err)
		return false
	}
	return ok
}

func (s *Service) markPersisted(ctx context.Context, raw mailbox.Raw) {
	if s.ledger == nil {
		return
	}
	if err := s.ledger.MarkUIDProcessed(ctx, raw.Folder, raw.UIDValidity, raw.UID); err != nil {
		slog.Warn("failed to record uid in ledger", "folder", raw.Folder, "uid_validity", raw.UIDValidity, "uid", raw.UID, "error", err)
	}
}

func (s *Service) record(ctx context.Context, res domain.PassResult) {
	if s.recorder == nil {
		return
	}
	// The pass may have been cancelled; its summary is still worth keeping.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.recorder.RecordPass(ctx, res); err != nil {
		slog.Warn("failed to record pass", "batch", res.Batch, "error", err)
	}
}

// Poll runs a pass immediately and then on every tick until ctx is done.
func (s *Service) Poll(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("ingestor started", "interval", interval)

	// Failures are logged by the pass; polling continues.
	_, _ = s.Pass(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("ingestor stopping")
			return
		case <-ticker.C:
			_, _ = s.Pass(ctx)
		}
	}
}
