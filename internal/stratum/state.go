package stratum

import (
	"fmt"

	"github.com/sasha-s/go-deadlock"
)

// DefaultExtraNonce2Size is used until the server announces a size
const DefaultExtraNonce2Size = 4

// Job is the latest work unit announced by the server
type Job struct {
	ID    string
	NTime string
}

// Ready reports whether a share can reference this job
func (j Job) Ready() bool {
	return j.ID != "" && j.NTime != ""
}

// Snapshot is a consistent copy of the session state
type Snapshot struct {
	ExtraNonce1        string
	ExtraNonce2Size    int
	ExtraNonce2Known   bool
	Job                Job
	ServerDifficulty   float64
	ExtraNonce2Counter uint32
	NonceCounter       uint32
}

// Submission holds the values consumed for one synthetic share
type Submission struct {
	Job         Job
	ExtraNonce1 string
	ExtraNonce2 string
	Nonce       string
}

// State is the session state shared by the receiver and the scheduler.
// The receiver is its only writer for server-driven fields; every update
// replaces its fields in a single critical section and every read returns
// a copy.
type State struct {
	mu deadlock.RWMutex

	extraNonce1      string
	extraNonce2Size  int
	extraNonce2Known bool
	job              Job
	serverDifficulty float64

	extraNonce2Counter uint32
	nonceCounter       uint32
}

// NewState creates an empty state whose nonce counter starts at nonceStart
func NewState(nonceStart uint32) *State {
	return &State{nonceCounter: nonceStart}
}

// SetExtraNonce1 replaces extranonce1 alone, as a subscribe reply without a size does
func (s *State) SetExtraNonce1(extraNonce1 string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extraNonce1 = extraNonce1
}

// SetExtraNonce replaces extranonce1 and the extranonce2 size together
func (s *State) SetExtraNonce(extraNonce1 string, extraNonce2Size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extraNonce1 = extraNonce1
	s.extraNonce2Size = extraNonce2Size
	s.extraNonce2Known = true
}

// SetJob replaces the current job wholesale
func (s *State) SetJob(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.job = job
}

// SetServerDifficulty records the difficulty last announced by the server
func (s *State) SetServerDifficulty(difficulty float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverDifficulty = difficulty
}

// Job returns the current job
func (s *State) Job() Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.job
}

// ExtraNonce2Size returns the effective extranonce2 size in bytes
func (s *State) ExtraNonce2Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.effectiveSize()
}

// Snapshot returns a copy of every field
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ExtraNonce1:        s.extraNonce1,
		ExtraNonce2Size:    s.effectiveSize(),
		ExtraNonce2Known:   s.extraNonce2Known,
		Job:                s.job,
		ServerDifficulty:   s.serverDifficulty,
		ExtraNonce2Counter: s.extraNonce2Counter,
		NonceCounter:       s.nonceCounter,
	}
}

// NextSubmission takes the job and consumes one extranonce2 and one nonce
// in a single critical section. It returns false, consuming nothing, while
// no complete job is known.
func (s *State) NextSubmission() (Submission, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.job.Ready() {
		return Submission{}, false
	}

	return Submission{
		Job:         s.job,
		ExtraNonce1: s.extraNonce1,
		ExtraNonce2: s.nextExtraNonce2(),
		Nonce:       s.nextNonce(),
	}, true
}

// nextExtraNonce2 consumes the next extranonce2 value. Callers hold mu.
func (s *State) nextExtraNonce2() string {
	v := s.extraNonce2Counter
	s.extraNonce2Counter++
	return FormatExtraNonce2(v, s.effectiveSize())
}

// nextNonce consumes the next nonce value. Callers hold mu.
func (s *State) nextNonce() string {
	v := s.nonceCounter
	s.nonceCounter++
	return FormatNonce(v)
}

func (s *State) effectiveSize() int {
	if !s.extraNonce2Known {
		return DefaultExtraNonce2Size
	}
	return s.extraNonce2Size
}

// FormatExtraNonce2 renders counter as exactly 2*size hex digits. Sizes
// under four bytes keep the low-order bytes of the counter, so values
// wrap modulo 2^(8*size).
func FormatExtraNonce2(counter uint32, size int) string {
	if size <= 0 {
		return ""
	}
	v := uint64(counter)
	if size < 4 {
		v &= (uint64(1) << (8 * uint(size))) - 1
	}
	return fmt.Sprintf("%0*x", size*2, v)
}

// FormatNonce renders a 4-byte nonce as 8 hex digits
func FormatNonce(nonce uint32) string {
	return fmt.Sprintf("%08x", nonce)
}
