package dispatch

import (
	"math/rand"
	"time"
)

type Rand interface {
	Intn(n int) int
}

type BackoffConfig struct {
	Step1 time.Duration // default: 1 second
	Step2 time.Duration // default: 5 seconds
	Step3 time.Duration // default: 15 seconds
	Step4 time.Duration // default: 30 seconds

	// Jitter adds up to this fraction of the step, in percent.
	JitterPercent int
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Step1:         1 * time.Second,
		Step2:         5 * time.Second,
		Step3:         15 * time.Second,
		Step4:         30 * time.Second,
		JitterPercent: 20,
	}
}

type Backoff struct {
	cfg BackoffConfig
	r   Rand
}

func NewBackoff(cfg BackoffConfig, r Rand) *Backoff {
	def := DefaultBackoffConfig()
	if cfg.Step1 <= 0 {
		cfg.Step1 = def.Step1
	}
	if cfg.Step2 <= 0 {
		cfg.Step2 = def.Step2
	}
	if cfg.Step3 <= 0 {
		cfg.Step3 = def.Step3
	}
	if cfg.Step4 <= 0 {
		cfg.Step4 = def.Step4
	}
	if cfg.JitterPercent < 0 {
		cfg.JitterPercent = 0
	}
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Backoff{cfg: cfg, r: r}
}

// Delay is the wait before delivery number attempt+1 of a failed job.
func (b *Backoff) Delay(attempt int) time.Duration {
	var d time.Duration
	switch {
	case attempt <= 1:
		d = b.cfg.Step1
	case attempt == 2:
		d = b.cfg.Step2
	case attempt == 3:
		d = b.cfg.Step3
	default:
		d = b.cfg.Step4
	}
	if b.cfg.JitterPercent == 0 {
		return d
	}
	maxJitter := int(d.Milliseconds()) * b.cfg.JitterPercent / 100
	if maxJitter <= 0 {
		return d
	}
	return d + time.Duration(b.r.Intn(maxJitter+1))*time.Millisecond
}
