package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/Mathew-Estafanous/distcheck/log"
)

// Result is the outcome of one probe on one rank.
type Result struct {
	Name     string        `json:"name"`
	Passed   bool          `json:"passed"`
	Duration time.Duration `json:"duration"`
	Value    string        `json:"value,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Report is what a rank observed during one run.
type Report struct {
	RunID     string        `json:"run_id"`
	Rank      int           `json:"rank"`
	WorldSize int           `json:"world_size"`
	Hostname  string        `json:"hostname,omitempty"`
	Backend   string        `json:"backend,omitempty"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Passed    bool          `json:"passed"`
	Results   []Result      `json:"results"`
}

// Failed returns the first failed probe, if any.
func (r *Report) Failed() (Result, bool) {
	for _, res := range r.Results {
		if !res.Passed {
			return res, true
		}
	}
	return Result{}, false
}

// ReportSaver persists reports after a run.
type ReportSaver interface {
	SaveReport(r *Report) error
}

type HarnessConfig struct {
	// Out receives one human readable line per step. Defaults to os.Stdout.
	Out io.Writer

	// Saver is optional.
	Saver ReportSaver

	// Probes defaults to Default.
	Probes []Probe

	Hostname string
	Backend  string
}

// Harness runs probes against a joined group and always tears it down afterwards.
type Harness struct {
	group    Collectives
	out      io.Writer
	saver    ReportSaver
	probes   []Probe
	hostname string
	backend  string
	logger   *zap.SugaredLogger
}

func NewHarness(g Collectives, config *HarnessConfig) *Harness {
	if config == nil {
		config = &HarnessConfig{}
	}
	if config.Out == nil {
		config.Out = os.Stdout
	}
	if config.Probes == nil {
		config.Probes = Default
	}

	return &Harness{
		group:    g,
		out:      config.Out,
		saver:    config.Saver,
		probes:   config.Probes,
		hostname: config.Hostname,
		backend:  config.Backend,
		logger:   log.Logger.With("rank", g.Rank()),
	}
}

func (h *Harness) printf(format string, args ...any) {
	fmt.Fprintf(h.out, "[rank %d] "+format+"\n", append([]any{h.group.Rank()}, args...)...)
}

// Run executes the probes in order and stops at the first failure. The group is
// destroyed whether or not the probes passed. The returned error is the probe
// failure, or the teardown failure when every probe passed.
func (h *Harness) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		RunID:     h.group.RunID(),
		Rank:      h.group.Rank(),
		WorldSize: h.group.WorldSize(),
		Hostname:  h.hostname,
		Backend:   h.backend,
		Started:   time.Now(),
	}
	h.printf("joined group of %d (run %s)", report.WorldSize, report.RunID)

	probeErr := h.runProbes(ctx, report)

	destroyErr := h.group.Destroy()
	if destroyErr != nil {
		h.logger.Warnw("teardown failed", "error", destroyErr)
		h.printf("teardown FAILED: %v", destroyErr)
	} else {
		h.printf("teardown ok")
	}

	report.Duration = time.Since(report.Started)
	report.Passed = probeErr == nil
	if h.saver != nil {
		if err := h.saver.SaveReport(report); err != nil {
			h.logger.Warnw("failed to save report", "runID", report.RunID, "error", err)
		}
	}

	if probeErr != nil {
		return report, probeErr
	}
	if destroyErr != nil {
		return report, destroyErr
	}
	h.printf("all %d probes passed", len(report.Results))
	return report, nil
}

func (h *Harness) runProbes(ctx context.Context, report *Report) error {
	for _, p := range h.probes {
		if err := ctx.Err(); err != nil {
			return errors.Join(fmt.Errorf("%s not started", p.Name), err)
		}

		start := time.Now()
		value, err := p.Run(ctx, h.group)
		res := Result{
			Name:     p.Name,
			Passed:   err == nil,
			Duration: time.Since(start),
			Value:    value,
		}
		if err != nil {
			res.Error = err.Error()
			report.Results = append(report.Results, res)
			h.printf("%s FAILED: %v", p.Name, err)
			return err
		}

		report.Results = append(report.Results, res)
		if value == "" {
			h.printf("%s ok", p.Name)
		} else {
			h.printf("%s ok %s", p.Name, value)
		}
		h.logger.Debugw("probe passed", "probe", p.Name, "took", res.Duration)
	}
	return nil
}
