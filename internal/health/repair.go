package health

import (
	"time"

	"go.uber.org/zap"

	"dockhand/internal/runtime"
)

// Policy bounds the repair loop.
type Policy struct {
	// Attempts is the restart ceiling per service per pass.
	Attempts int
	// Delay is the base backoff; attempt n waits n*Delay.
	Delay time.Duration
}

// DefaultPolicy matches the observed production ceiling.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Delay: 10 * time.Second}
}

// Outcome is the terminal repair state for one service.
type Outcome string

const (
	OutcomeRepaired     Outcome = "repaired"
	OutcomeRepairFailed Outcome = "repair-failed"
	OutcomeMissing      Outcome = "missing"
	OutcomeHealthy      Outcome = "healthy"
)

// Result summarizes one repair pass.
type Result struct {
	// Outcomes maps each classified service to its terminal state.
	Outcomes map[string]Outcome
	// Unclassified holds failures no pattern matched.
	Unclassified []string
}

// Repairer restarts unhealthy services with bounded retries. Exhaustion
// downgrades to a warning; the monitor itself never crashes on a repair.
type Repairer struct {
	docker     *runtime.Docker
	classifier Classifier
	policy     Policy
	logger     *zap.Logger
	sleep      func(time.Duration)
}

// NewRepairer creates a Repairer.
func NewRepairer(docker *runtime.Docker, classifier Classifier, policy Policy, logger *zap.Logger) *Repairer {
	if policy.Attempts <= 0 {
		policy = DefaultPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repairer{
		docker:     docker,
		classifier: classifier,
		policy:     policy,
		logger:     logger,
		sleep:      time.Sleep,
	}
}

// Repair processes one diagnostics report. Each classified service gets at
// most one restart-attempt sequence per pass regardless of how many report
// lines named it. Missing containers are reported, never created.
func (r *Repairer) Repair(report Report) Result {
	result := Result{Outcomes: make(map[string]Outcome)}

	for _, failure := range report.Failures {
		service, ok := r.classifier.Classify(failure)
		if !ok {
			result.Unclassified = append(result.Unclassified, failure)
			r.logger.Warn("diagnostic failure matched no service", zap.String("failure", failure))
			continue
		}
		if _, handled := result.Outcomes[service]; handled {
			continue
		}
		result.Outcomes[service] = r.repairService(service)
	}
	return result
}

func (r *Repairer) repairService(service string) Outcome {
	state, err := r.docker.ContainerState(service)
	if err != nil {
		r.logger.Warn("state check failed before repair", zap.String("service", service), zap.Error(err))
		return OutcomeRepairFailed
	}
	switch state {
	case runtime.StateMissing:
		r.logger.Warn("container missing; repair only restarts existing containers",
			zap.String("service", service))
		return OutcomeMissing
	case runtime.StateRunning:
		return OutcomeHealthy
	}

	for attempt := 1; attempt <= r.policy.Attempts; attempt++ {
		r.logger.Info("restarting unhealthy service",
			zap.String("service", service),
			zap.Int("attempt", attempt),
			zap.Int("ceiling", r.policy.Attempts))
		if err := r.docker.Restart(service); err != nil {
			r.logger.Warn("restart failed", zap.String("service", service), zap.Error(err))
			r.sleep(time.Duration(attempt) * r.policy.Delay)
			continue
		}
		r.sleep(time.Duration(attempt) * r.policy.Delay)
		state, err := r.docker.ContainerState(service)
		if err == nil && state == runtime.StateRunning {
			r.logger.Info("service repaired", zap.String("service", service), zap.Int("attempts", attempt))
			return OutcomeRepaired
		}
	}

	r.logger.Warn("repair attempts exhausted",
		zap.String("service", service), zap.Int("attempts", r.policy.Attempts))
	return OutcomeRepairFailed
}
