package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/epum/pkg/epum"
	"github.com/cuemby/epum/pkg/pd"
	"github.com/cuemby/epum/pkg/provisioner"
	"github.com/rs/zerolog"
)

// Leader reports whether the calling replica currently holds leadership
// for one doer role, satisfied by *election.Candidacy.
type Leader interface {
	IsLeader() bool
}

// Options wires the doer components this Reconciler drives. A nil
// component (paired with a nil Leader) skips that role entirely, so a
// replica that only runs a subset of roles can still use one Reconciler.
type Options struct {
	EPUM       *epum.EPUM
	EPUMLeader Leader

	PD       *pd.PD
	PDLeader Leader

	Provisioner       *provisioner.Provisioner
	ProvisionerLeader Leader

	Interval time.Duration
	Logger   zerolog.Logger
}

// Reconciler runs one ticker goroutine per configured doer role, each
// driving that role's tick only while its Leader reports leadership.
// Like the teacher's reconciliation loop it is stateless between cycles,
// apart from remembering whether the provisioner's recovery pass has run
// in the current leadership term: every tick re-derives what to do from
// current store state.
type Reconciler struct {
	opts   Options
	logger zerolog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Reconciler. Call Start to begin ticking.
func New(opts Options) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	return &Reconciler{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "reconciler").Logger(),
		stopCh: make(chan struct{}),
	}
}

// Start launches one goroutine per configured role.
func (r *Reconciler) Start() {
	if r.opts.EPUM != nil {
		r.wg.Add(1)
		go r.loop("epum", r.opts.EPUMLeader, func(ctx context.Context) error {
			r.opts.EPUM.Tick(ctx)
			return nil
		})
	}
	if r.opts.PD != nil {
		r.wg.Add(1)
		go r.loop("pd", r.opts.PDLeader, func(ctx context.Context) error {
			r.opts.PD.Tick(ctx)
			return nil
		})
	}
	if r.opts.Provisioner != nil {
		r.wg.Add(1)
		recovered := false
		go r.loop("provisioner", nil, func(ctx context.Context) error {
			if r.opts.ProvisionerLeader != nil && !r.opts.ProvisionerLeader.IsLeader() {
				recovered = false
				return nil
			}
			if !recovered {
				if err := r.opts.Provisioner.Recover(ctx); err != nil {
					return err
				}
				recovered = true
			}
			return r.opts.Provisioner.Query(ctx)
		})
	}
}

// Stop halts every running loop and waits for it to exit.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Reconciler) loop(role string, leader Leader, tick func(ctx context.Context) error) {
	defer r.wg.Done()
	logger := r.logger.With().Str("role", role).Logger()
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if leader != nil && !leader.IsLeader() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), r.opts.Interval)
			if err := tick(ctx); err != nil {
				logger.Error().Err(err).Msg("tick failed")
			}
			cancel()
		}
	}
}
