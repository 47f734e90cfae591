// Package scheduler repeats backup passes over the resolved projects on a
// fixed interval.
package scheduler

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/chmdznr/olbackup/pkg/models"
)

var logger = loggo.GetLogger("olbackup.scheduler")

// ErrNoProjects is returned when the first resolution selects nothing.
const ErrNoProjects = errors.ConstError("no projects to back up")

// DefaultInterval is the idle time between two passes.
const DefaultInterval = 5 * time.Minute

// Resolver returns the projects to back up, keyed by id.
type Resolver interface {
	Resolve(ctx context.Context) (map[string]string, error)
}

// Runner backs up one project.
type Runner interface {
	RunOne(ctx context.Context, projectID, projectName string) models.Outcome
}

// State is the phase the scheduler is in.
type State int32

const (
	Resolving State = iota
	CyclingProjects
)

func (s State) String() string {
	if s == CyclingProjects {
		return "cycling-projects"
	}
	return "resolving"
}

// Result is the outcome of one project within a pass.
type Result struct {
	ProjectID   string
	ProjectName string
	Outcome     models.Outcome
}

// PassReport summarizes one pass.
type PassReport struct {
	Pass    int
	Results []Result
}

// Counts returns the number of kept, discarded and failed projects.
func (r PassReport) Counts() (kept, discarded, failed int) {
	for _, res := range r.Results {
		switch res.Outcome.Kind {
		case models.OutcomeKept:
			kept++
		case models.OutcomeDiscarded:
			discarded++
		default:
			failed++
		}
	}
	return kept, discarded, failed
}

// Config holds configuration for the scheduler
type Config struct {
	// Interval between the end of a pass and the next resolution.
	Interval time.Duration
	Clock    clock.Clock
	// Stop ends the loop once closed; the current project finishes first.
	Stop <-chan struct{}
	// MaxPasses stops after that many passes when positive.
	MaxPasses int
	// OnResult is called after every project.
	OnResult func(Result)
	// AfterPass is called after every pass, before waiting.
	AfterPass func(ctx context.Context, report PassReport)
}

// Scheduler runs passes until stopped.
type Scheduler struct {
	resolver Resolver
	runner   Runner
	cfg      Config
	state    atomic.Int32
}

// New creates a scheduler.
func New(resolver Resolver, runner Runner, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &Scheduler{resolver: resolver, runner: runner, cfg: cfg}
}

// State returns the current phase.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) setState(st State) {
	s.state.Store(int32(st))
}

// Run resolves the projects and then loops forever: one pass over every
// project, a wait of Interval, a fresh resolution. Only the first resolution
// can fail the run. Run returns nil when ctx is cancelled, Stop is closed or
// MaxPasses is reached.
func (s *Scheduler) Run(ctx context.Context) error {
	s.setState(Resolving)
	projects, err := s.resolver.Resolve(ctx)
	if err != nil {
		return errors.Annotate(err, "resolving projects")
	}
	if len(projects) == 0 {
		return errors.Trace(ErrNoProjects)
	}

	for pass := 1; ; pass++ {
		s.setState(CyclingProjects)
		report := s.RunPass(ctx, pass, projects)
		kept, discarded, failed := report.Counts()
		logger.Infof("pass %d done: %d kept, %d discarded, %d failed", pass, kept, discarded, failed)
		if s.cfg.AfterPass != nil {
			s.cfg.AfterPass(ctx, report)
		}

		if s.cfg.MaxPasses > 0 && pass >= s.cfg.MaxPasses {
			return nil
		}
		if s.stopped(ctx) || !s.wait(ctx) {
			return nil
		}

		s.setState(Resolving)
		projects, err = s.resolver.Resolve(ctx)
		if err != nil {
			logger.Errorf("resolving projects: %v; retrying in %s", err, s.cfg.Interval)
			projects = nil
		} else if len(projects) == 0 {
			logger.Warningf("no projects selected; retrying in %s", s.cfg.Interval)
		}
	}
}

// RunPass backs up every project once, strictly one after the other.
// A failing or panicking project never prevents the others from running.
func (s *Scheduler) RunPass(ctx context.Context, pass int, projects map[string]string) PassReport {
	report := PassReport{Pass: pass}
	// Downloads are not interrupted once started; a stop request takes
	// effect between projects.
	runCtx := context.WithoutCancel(ctx)
	for _, id := range ordered(projects) {
		if s.stopped(ctx) {
			break
		}
		res := Result{ProjectID: id, ProjectName: projects[id]}
		res.Outcome = s.runProject(runCtx, id, projects[id])
		if res.Outcome.Err != nil {
			logger.Errorf("backup of %q (%s) failed: %v", res.ProjectName, id, res.Outcome.Err)
		}
		if s.cfg.OnResult != nil {
			s.cfg.OnResult(res)
		}
		report.Results = append(report.Results, res)
	}
	return report
}

func (s *Scheduler) runProject(ctx context.Context, id, name string) (out models.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = models.Outcome{
				Kind: models.OutcomeFailed,
				Err:  errors.Errorf("backup of %q (%s) panicked: %v", name, id, r),
			}
		}
	}()
	return s.runner.RunOne(ctx, id, name)
}

func (s *Scheduler) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.cfg.Stop:
		return true
	default:
		return false
	}
}

// wait sleeps for the interval and reports whether the loop should go on.
func (s *Scheduler) wait(ctx context.Context) bool {
	logger.Debugf("next pass in %s", s.cfg.Interval)
	select {
	case <-ctx.Done():
		return false
	case <-s.cfg.Stop:
		return false
	case <-s.cfg.Clock.After(s.cfg.Interval):
		return true
	}
}

// ordered sorts project ids by name, then id.
func ordered(projects map[string]string) []string {
	ids := make([]string, 0, len(projects))
	for id := range projects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := ids[i], ids[j]
		if projects[a] != projects[b] {
			return projects[a] < projects[b]
		}
		return a < b
	})
	return ids
}
