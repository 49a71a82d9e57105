package saga

import "time"

// HandlerConfig describes how a scheduled job runs.
type HandlerConfig struct {
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
	Deadline   time.Time     `json:"deadline" yaml:"deadline"`
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	MaxRuns    int           `json:"max_runs" yaml:"max_runs"`
	RunOnce    bool          `json:"run_once" yaml:"run_once"`
	Expression string        `json:"expression" yaml:"expression"`
	NoTimeout  bool          `json:"no_timeout" yaml:"no_timeout"`
}

// CronCommand is implemented by components that can run on a cron schedule,
// such as the TimeoutSweeper.
type CronCommand interface {
	CronHandler() func() error
	CronOptions() HandlerConfig
}
