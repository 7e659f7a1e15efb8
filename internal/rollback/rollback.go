// Package rollback owns the saved-state ring buffer and drives
// resimulation when a remote input disproves a prediction.
package rollback

import (
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/frameloop/netplay/internal/debug"
	"github.com/frameloop/netplay/internal/inputqueue"
	"github.com/phuslu/log"
)

var (
	// ErrPredictionThreshold means the local simulation ran too far ahead
	// of confirmed remote input; the caller should idle and retry.
	ErrPredictionThreshold = errors.New("prediction threshold reached")

	// ErrRollbackHorizon means a rollback needed a saved state that was
	// already evicted. Correctness cannot be recovered; the session is
	// done.
	ErrRollbackHorizon = errors.New("rollback horizon exceeded")
)

// confirmedChecksumWindow bounds the side table of checksums kept for
// desync detection against peers.
const confirmedChecksumWindow = 128

// Callbacks is the capability interface the embedding simulation provides.
// SaveState serializes the full simulation state at frame, LoadState must
// restore it exactly, and AdvanceFrame runs exactly one deterministic tick
// using the given per-player inputs (disconnected is a bitmask of player
// slots whose input is synthesized zeroes).
type Callbacks interface {
	SaveState(frame int32) ([]byte, error)
	LoadState(frame int32, state []byte) error
	AdvanceFrame(inputs [][]byte, disconnected uint32) error
}

// ConnectStatus mirrors a player slot's liveness. The slice is shared with
// the session, which mutates it as peer reports arrive.
type ConnectStatus struct {
	Disconnected bool
	LastFrame    int32
}

type Config struct {
	NumPlayers int
	InputSize  int
	// MaxPrediction is how many frames the simulation may run past the
	// last fully confirmed frame.
	MaxPrediction int
	// SavedStateCapacity is the rollback horizon: how many saved states
	// are retained. Must exceed MaxPrediction.
	SavedStateCapacity int
	// SparseSaving skips re-saving intermediate frames during
	// resimulation, trading cheaper rollbacks for longer ones later.
	SparseSaving bool
}

type savedFrame struct {
	frame    int32
	state    []byte
	checksum uint64
}

type Sync struct {
	cfg       Config
	callbacks Callbacks
	logger    *log.Logger

	frameCount         int32
	lastConfirmedFrame int32
	rollingBack        bool

	queues        []*inputqueue.Queue
	connectStatus []ConnectStatus

	saved     []savedFrame
	savedHead int

	confirmedChecksums map[int32]uint64
}

func New(cfg Config, callbacks Callbacks, connectStatus []ConnectStatus, logger *log.Logger) (*Sync, error) {
	debug.Assert(cfg.NumPlayers > 0)
	debug.Assert(len(connectStatus) == cfg.NumPlayers)
	if cfg.SavedStateCapacity <= cfg.MaxPrediction {
		return nil, fmt.Errorf("saved state capacity %d must exceed max prediction %d",
			cfg.SavedStateCapacity, cfg.MaxPrediction)
	}

	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	s := &Sync{
		cfg:       cfg,
		callbacks: callbacks,
		logger:    logger,

		lastConfirmedFrame: inputqueue.NullFrame,

		queues:        make([]*inputqueue.Queue, cfg.NumPlayers),
		connectStatus: connectStatus,

		saved: make([]savedFrame, cfg.SavedStateCapacity),

		confirmedChecksums: make(map[int32]uint64),
	}
	for i := range s.saved {
		s.saved[i].frame = inputqueue.NullFrame
	}
	for i := range s.queues {
		s.queues[i] = inputqueue.NewQueue(cfg.InputSize, cfg.SavedStateCapacity*2)
	}

	if err := s.saveCurrentFrame(); err != nil {
		return nil, fmt.Errorf("could not save initial state: %w", err)
	}
	return s, nil
}

func (s *Sync) FrameCount() int32  { return s.frameCount }
func (s *Sync) InRollback() bool   { return s.rollingBack }
func (s *Sync) MaxPrediction() int { return s.cfg.MaxPrediction }

func (s *Sync) SetFrameDelay(queue, delay int) {
	s.queues[queue].SetFrameDelay(delay)
}

// SetLastConfirmedFrame advances the fully-confirmed watermark, releasing
// input history behind it and recording checksums of newly confirmed
// frames for desync detection. Call only after CheckSimulation, so the
// states behind the watermark are final.
func (s *Sync) SetLastConfirmedFrame(frame int32) {
	prev := s.lastConfirmedFrame
	s.lastConfirmedFrame = frame

	if frame > 0 {
		for _, q := range s.queues {
			q.DiscardConfirmedFrames(frame - 1)
		}
	}

	for f := prev + 1; f <= frame; f++ {
		if sf, ok := s.findSaved(f); ok {
			s.confirmedChecksums[f] = sf.checksum
		}
	}
	for f := range s.confirmedChecksums {
		if f < frame-confirmedChecksumWindow {
			delete(s.confirmedChecksums, f)
		}
	}
}

// ConfirmedChecksum returns the recorded checksum for a confirmed frame.
func (s *Sync) ConfirmedChecksum(frame int32) (uint64, bool) {
	sum, ok := s.confirmedChecksums[frame]
	return sum, ok
}

// LatestConfirmedChecksum returns the newest recorded (frame, checksum)
// pair, or NullFrame when none exists yet.
func (s *Sync) LatestConfirmedChecksum() (int32, uint64) {
	best := inputqueue.NullFrame
	var sum uint64
	for f, c := range s.confirmedChecksums {
		if f > best {
			best, sum = f, c
		}
	}
	return best, sum
}

// AddLocalInput stores the local player's input for the current frame.
// The returned frame is where the input landed after frame delay
// (NullFrame when dropped by a shrinking delay); peers must be told the
// landed frame, not the nominal one.
func (s *Sync) AddLocalInput(queue int, bits []byte) (int32, error) {
	framesBehind := s.frameCount - s.lastConfirmedFrame
	if s.frameCount >= int32(s.cfg.MaxPrediction) && framesBehind >= int32(s.cfg.MaxPrediction) {
		return inputqueue.NullFrame, ErrPredictionThreshold
	}

	landed, err := s.queues[queue].AddInput(inputqueue.Input{Frame: s.frameCount, Bits: bits})
	if err != nil {
		return inputqueue.NullFrame, fmt.Errorf("could not add local input: %w", err)
	}
	return landed, nil
}

// AddRemoteInput stores a confirmed input received from a peer.
func (s *Sync) AddRemoteInput(queue int, input inputqueue.Input) error {
	if _, err := s.queues[queue].AddInput(input); err != nil {
		return fmt.Errorf("could not add remote input: %w", err)
	}
	return nil
}

// GetConfirmedInputs collects the real inputs of every player for a
// confirmed frame, substituting zeroes for disconnected slots. Used for
// the spectator broadcast.
func (s *Sync) GetConfirmedInputs(frame int32) ([][]byte, uint32) {
	inputs := make([][]byte, len(s.queues))
	var disconnected uint32
	for i, q := range s.queues {
		status := s.connectStatus[i]
		if status.Disconnected && frame > status.LastFrame {
			disconnected |= 1 << uint(i)
			inputs[i] = make([]byte, s.cfg.InputSize)
		} else {
			inputs[i] = q.GetConfirmedInput(frame).Bits
		}
	}
	return inputs, disconnected
}

// SynchronizeInputs gathers the best-known input of every player for the
// current frame: confirmed where available, predicted otherwise.
func (s *Sync) SynchronizeInputs() ([][]byte, uint32) {
	inputs := make([][]byte, len(s.queues))
	var disconnected uint32
	for i, q := range s.queues {
		status := s.connectStatus[i]
		if status.Disconnected && s.frameCount > status.LastFrame {
			disconnected |= 1 << uint(i)
			inputs[i] = make([]byte, s.cfg.InputSize)
		} else {
			input, _ := q.GetInput(s.frameCount)
			inputs[i] = input.Bits
		}
	}
	return inputs, disconnected
}

// IncrementFrame completes the current frame: the caller has already run
// its simulation tick, so save the resulting state and move on.
func (s *Sync) IncrementFrame() error {
	s.frameCount++
	return s.saveCurrentFrame()
}

// CheckSimulation looks for a confirmed input that contradicts an earlier
// prediction and, when found, rolls the simulation back and replays it.
func (s *Sync) CheckSimulation() error {
	seekTo := s.checkSimulationConsistency()
	if seekTo == inputqueue.NullFrame {
		return nil
	}
	return s.AdjustSimulation(seekTo)
}

func (s *Sync) checkSimulationConsistency() int32 {
	firstIncorrect := inputqueue.NullFrame
	for _, q := range s.queues {
		incorrect := q.FirstIncorrectFrame()
		if incorrect != inputqueue.NullFrame && (firstIncorrect == inputqueue.NullFrame || incorrect < firstIncorrect) {
			firstIncorrect = incorrect
		}
	}
	return firstIncorrect
}

// AdjustSimulation rolls back to seekTo (or the nearest earlier saved
// state under sparse saving) and resimulates forward to where we were.
func (s *Sync) AdjustSimulation(seekTo int32) error {
	frameCountOrig := s.frameCount

	s.rollingBack = true
	defer func() { s.rollingBack = false }()

	if err := s.LoadFrame(seekTo); err != nil {
		return err
	}
	debug.Assert(s.frameCount <= seekTo)

	for _, q := range s.queues {
		q.ResetPrediction(seekTo)
	}

	count := frameCountOrig - s.frameCount
	s.logger.Debug().
		Int64("seek_to", int64(seekTo)).
		Int64("frames", int64(count)).
		Msg("rollback")

	for i := int32(0); i < count; i++ {
		inputs, disconnected := s.SynchronizeInputs()
		if err := s.callbacks.AdvanceFrame(inputs, disconnected); err != nil {
			return fmt.Errorf("could not advance frame during rollback: %w", err)
		}

		if s.cfg.SparseSaving && i < count-1 {
			// skip the intermediate save but poison the stale
			// entry: the state stored for this frame was computed
			// with the wrong inputs
			s.frameCount++
			s.invalidateSaved(s.frameCount)
		} else {
			if err := s.IncrementFrame(); err != nil {
				return err
			}
		}
	}

	debug.Assert(s.frameCount == frameCountOrig)
	return nil
}

// LoadFrame restores the saved state at frame; under sparse saving the
// entry may be gone, in which case the nearest earlier saved state is
// used. A miss beyond that is a horizon violation and fatal.
func (s *Sync) LoadFrame(frame int32) error {
	if frame == s.frameCount {
		return nil
	}

	idx := -1
	for i := range s.saved {
		if s.saved[i].frame != inputqueue.NullFrame && s.saved[i].frame <= frame {
			if idx == -1 || s.saved[i].frame > s.saved[idx].frame {
				idx = i
			}
		}
	}
	if idx == -1 {
		return fmt.Errorf("%w: no saved state at or before frame %d", ErrRollbackHorizon, frame)
	}
	if !s.cfg.SparseSaving && s.saved[idx].frame != frame {
		return fmt.Errorf("%w: saved state for frame %d evicted (nearest is %d)",
			ErrRollbackHorizon, frame, s.saved[idx].frame)
	}

	sf := s.saved[idx]
	s.logger.Debug().
		Int64("frame", int64(sf.frame)).
		Uint64("checksum", sf.checksum).
		Msg("load state")

	if err := s.callbacks.LoadState(sf.frame, sf.state); err != nil {
		return fmt.Errorf("could not load state for frame %d: %w", sf.frame, err)
	}
	s.frameCount = sf.frame

	// the next save overwrites the slot after the one we restored,
	// keeping eviction order consistent
	s.savedHead = (idx + 1) % len(s.saved)
	return nil
}

func (s *Sync) saveCurrentFrame() error {
	state, err := s.callbacks.SaveState(s.frameCount)
	if err != nil {
		return fmt.Errorf("could not save state for frame %d: %w", s.frameCount, err)
	}

	sf := savedFrame{
		frame:    s.frameCount,
		state:    state,
		checksum: xxhash.Sum64(state),
	}
	s.saved[s.savedHead] = sf
	s.savedHead = (s.savedHead + 1) % len(s.saved)

	s.logger.Trace().
		Int64("frame", int64(sf.frame)).
		Uint64("checksum", sf.checksum).
		Msg("save state")
	return nil
}

func (s *Sync) findSaved(frame int32) (savedFrame, bool) {
	for i := range s.saved {
		if s.saved[i].frame == frame {
			return s.saved[i], true
		}
	}
	return savedFrame{}, false
}

func (s *Sync) invalidateSaved(frame int32) {
	for i := range s.saved {
		if s.saved[i].frame == frame {
			s.saved[i] = savedFrame{frame: inputqueue.NullFrame}
		}
	}
}
