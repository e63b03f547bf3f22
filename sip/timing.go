package sip

import (
	"log/slog"
	"time"
)

// Default values for SIP timers as described in RFC 3261.
const (
	// T1 is the message RTT estimate.
	T1 = 500 * time.Millisecond
	// T2 is the maximum retransmit interval for non-INVITE requests and INVITE responses.
	T2 = 4 * time.Second
	// T4 is the maximum duration a message will remain in the network.
	T4 = 5 * time.Second
	// TimeD is the wait duration for response retransmits via unreliable transport.
	TimeD = 32 * time.Second
	// Time100 is the timeout for automatic 100 Trying response on INVITE.
	Time100 = 200 * time.Millisecond
)

// TimingConfig represents SIP timing config.
// Zero fields use default base values [T1], [T2], [T4], [TimeD], [Time100].
// All other timings are calculated from these base values.
type TimingConfig struct {
	T1, T2, T4 time.Duration
	// TimerD overrides the INVITE client Completed state duration on unreliable transport.
	TimerD time.Duration
	// Timer100 overrides the automatic 100 Trying delay.
	Timer100 time.Duration
}

func (c *TimingConfig) t1() time.Duration {
	if c == nil || c.T1 <= 0 {
		return T1
	}
	return c.T1
}

func (c *TimingConfig) t2() time.Duration {
	if c == nil || c.T2 <= 0 {
		return T2
	}
	return c.T2
}

func (c *TimingConfig) t4() time.Duration {
	if c == nil || c.T4 <= 0 {
		return T4
	}
	return c.T4
}

func (c *TimingConfig) timeD() time.Duration {
	if c == nil || c.TimerD <= 0 {
		return TimeD
	}
	return c.TimerD
}

func (c *TimingConfig) time100() time.Duration {
	if c == nil || c.Timer100 <= 0 {
		return Time100
	}
	return c.Timer100
}

// TimeA is the INVITE request retransmit interval, for unreliable transport only.
func (c *TimingConfig) TimeA() time.Duration { return c.t1() }

// TimeB is the INVITE transaction timeout timer.
func (c *TimingConfig) TimeB() time.Duration { return 64 * c.t1() }

// TimeD is the wait time for response retransmits of INVITE client transaction.
func (c *TimingConfig) TimeD(reliable bool) time.Duration {
	if reliable {
		return 0
	}
	return c.timeD()
}

// TimeE is the non-INVITE request retransmit interval, for unreliable transport only.
func (c *TimingConfig) TimeE() time.Duration { return c.t1() }

// TimeF is the non-INVITE transaction timeout timer.
func (c *TimingConfig) TimeF() time.Duration { return 64 * c.t1() }

// TimeG is the INVITE response retransmit interval.
func (c *TimingConfig) TimeG() time.Duration { return c.t1() }

// TimeH is the wait time for ACK receipt.
func (c *TimingConfig) TimeH() time.Duration { return 64 * c.t1() }

// TimeI is the wait time for ACK retransmits.
func (c *TimingConfig) TimeI(reliable bool) time.Duration {
	if reliable {
		return 0
	}
	return c.t4()
}

// TimeJ is the wait time for non-INVITE request retransmits.
func (c *TimingConfig) TimeJ(reliable bool) time.Duration {
	if reliable {
		return 0
	}
	return 64 * c.t1()
}

// TimeK is the wait time for non-INVITE response retransmits.
func (c *TimingConfig) TimeK(reliable bool) time.Duration {
	if reliable {
		return 0
	}
	return c.t4()
}

// TimeL is the wait time for accepted INVITE request retransmits.
func (c *TimingConfig) TimeL() time.Duration { return 64 * c.t1() }

// TimeM is the wait time for retransmission of 2xx to INVITE or additional 2xx from other branches.
func (c *TimingConfig) TimeM() time.Duration { return 64 * c.t1() }

// Time100 is the delay of the automatic 100 Trying response.
func (c *TimingConfig) Time100() time.Duration { return c.time100() }

// NextInterval doubles the retransmission interval capping it with T2 when capped is true.
func (c *TimingConfig) NextInterval(cur time.Duration, capped bool) time.Duration {
	next := 2 * cur
	if capped {
		next = min(next, c.t2())
	}
	return next
}

// LogValue implements [slog.LogValuer].
func (c *TimingConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Duration("t1", c.t1()),
		slog.Duration("t2", c.t2()),
		slog.Duration("t4", c.t4()),
		slog.Duration("time_d", c.timeD()),
		slog.Duration("time_100", c.time100()),
	)
}
