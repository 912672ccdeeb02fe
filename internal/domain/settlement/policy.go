package settlement

import (
	"strings"
	"time"
)

type Policy struct {
	Network              string
	Currency             string
	Confirmations        int
	NetworkConfirmations map[string]int
	MaxAttempts          int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	CallTimeout          time.Duration
	StuckTimeout         time.Duration
	// ResumeAfter is how old a reserved, unsubmitted transaction must be
	// before ResumePending submits it.
	ResumeAfter time.Duration
	Concurrency int
}

func DefaultPolicy() Policy {
	return Policy{
		Network:       "flare",
		Currency:      "USDC",
		Confirmations: 12,
		MaxAttempts:   3,
		BackoffBase:   500 * time.Millisecond,
		BackoffMax:    10 * time.Second,
		CallTimeout:   15 * time.Second,
		StuckTimeout:  30 * time.Minute,
		ResumeAfter:   2 * time.Minute,
		Concurrency:   4,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.Network == "" {
		p.Network = def.Network
	}
	if p.Currency == "" {
		p.Currency = def.Currency
	}
	p.Network = strings.ToLower(p.Network)
	p.Currency = strings.ToUpper(p.Currency)
	if p.Confirmations <= 0 {
		p.Confirmations = def.Confirmations
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = def.BackoffBase
	}
	if p.BackoffMax < p.BackoffBase {
		p.BackoffMax = p.BackoffBase
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = def.CallTimeout
	}
	if p.StuckTimeout <= 0 {
		p.StuckTimeout = def.StuckTimeout
	}
	if p.ResumeAfter <= 0 {
		p.ResumeAfter = def.ResumeAfter
	}
	if p.Concurrency <= 0 {
		p.Concurrency = def.Concurrency
	}
	return p
}

// Threshold is the confirmation depth required on network.
func (p Policy) Threshold(network string) int {
	if n, ok := p.NetworkConfirmations[strings.ToLower(network)]; ok && n > 0 {
		return n
	}
	return p.Confirmations
}

// Backoff is the wait after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	wait := p.BackoffBase
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	return wait
}
