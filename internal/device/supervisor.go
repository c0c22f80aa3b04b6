package device

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/apductl/internal/canary"
	"github.com/danmuck/apductl/internal/dispatch"
	"github.com/danmuck/apductl/internal/fault"
	"github.com/danmuck/apductl/internal/handlers"
	"github.com/danmuck/apductl/internal/observability"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// IdleMessage is shown whenever a session starts.
const IdleMessage = "Waiting for commands..."

// Session start causes.
const (
	CauseStart = "start"
	CauseReset = "reset"
)

var (
	ErrNilTable    = errors.New("device: nil handler table")
	ErrAlreadyRuns = errors.New("device: supervisor already running")
)

type Options struct {
	DeviceID      string
	Transport     dispatch.Exchanger
	Table         *dispatch.Table
	Prompter      handlers.Prompter
	Policy        canary.Policy
	CanaryOptions []canary.Option
	// Observer defaults to a prometheus recorder labelled with DeviceID.
	Observer dispatch.Observer
	Logger   *zerolog.Logger
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	DeviceID  string    `json:"device_id"`
	Running   bool      `json:"running"`
	Sessions  uint64    `json:"sessions"`
	Resets    uint64    `json:"resets"`
	StartedAt time.Time `json:"started_at,omitempty"`
	LastExit  string    `json:"last_exit,omitempty"`
}

type Supervisor struct {
	opts Options
	obs  dispatch.Observer
	log  zerolog.Logger

	running  atomic.Bool
	sessions atomic.Uint64
	resets   atomic.Uint64

	mu        sync.Mutex
	startedAt time.Time
	lastExit  string
}

func New(opts Options) (*Supervisor, error) {
	if opts.Transport == nil {
		return nil, dispatch.ErrNilTransport
	}
	if opts.Table == nil {
		return nil, ErrNilTable
	}
	if opts.DeviceID == "" {
		opts.DeviceID = "device"
	}
	if opts.Prompter == nil {
		opts.Prompter = handlers.AutoPrompter{}
	}
	obs := opts.Observer
	if obs == nil {
		obs = observability.NewRecorder(opts.DeviceID)
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("component", "device").Str("device", opts.DeviceID).Logger()
	return &Supervisor{opts: opts, obs: obs, log: logger}, nil
}

// Run serves sessions until ctx ends, which returns nil, or a session fails
// with anything other than a transport reset, which returns that error.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRuns
	}
	defer s.running.Store(false)
	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	cause := CauseStart
	for {
		if ctx.Err() != nil {
			s.exit("stopped")
			return nil
		}
		err := s.session(ctx, cause)
		switch {
		case fault.IsReset(err):
			s.resets.Add(1)
			s.log.Info().Msg("transport reset, restarting session")
			cause = CauseReset
		case ctx.Err() != nil:
			s.exit("stopped")
			return nil
		default:
			s.exit(err.Error())
			s.log.Error().Err(err).Msg("dispatch loop failed, device exiting")
			return err
		}
	}
}

func (s *Supervisor) session(ctx context.Context, cause string) error {
	logger := s.log
	d, err := dispatch.New(s.opts.Transport, s.opts.Table, dispatch.Options{
		Policy:        s.opts.Policy,
		CanaryOptions: s.opts.CanaryOptions,
		Observer:      s.obs,
		Logger:        &logger,
	})
	if err != nil {
		return err
	}
	n := s.sessions.Add(1)
	observability.RecordSession(s.opts.DeviceID, cause)
	s.log.Debug().Uint64("session", n).Str("cause", cause).Msg("session started")

	if err := s.opts.Prompter.Show(ctx, handlers.Prompt{Title: s.opts.DeviceID, Lines: []string{IdleMessage}}); err != nil {
		s.log.Warn().Err(err).Msg("idle announcement failed")
	}
	return d.Run(ctx)
}

func (s *Supervisor) exit(reason string) {
	s.mu.Lock()
	s.lastExit = reason
	s.mu.Unlock()
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		DeviceID:  s.opts.DeviceID,
		Running:   s.running.Load(),
		Sessions:  s.sessions.Load(),
		Resets:    s.resets.Load(),
		StartedAt: s.startedAt,
		LastExit:  s.lastExit,
	}
}
