package inputqueue

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/frameloop/netplay/internal/debug"
)

// NullFrame marks "no frame": an empty queue, no outstanding prediction,
// no misprediction.
const NullFrame int32 = -1

// ErrNonMonotonicFrame is a usage error: inputs must be added one frame at
// a time, in order.
var ErrNonMonotonicFrame = errors.New("non-monotonic input frame")

// Input is one player's payload for one frame.
type Input struct {
	Frame int32
	Bits  []byte
}

// EqualBits compares payloads, ignoring frame numbers.
func (i Input) EqualBits(other Input) bool {
	return bytes.Equal(i.Bits, other.Bits)
}

func (i Input) clone() Input {
	return Input{Frame: i.Frame, Bits: append([]byte(nil), i.Bits...)}
}

// Queue holds one player's bounded input history. Frames are contiguous;
// reads past the newest confirmed frame return a repeat-last-input
// prediction, and a confirmed input that contradicts an earlier prediction
// is remembered as the first incorrect frame until the rollback consumes it.
//
// Ring indexing relies on contiguity: the input for frame F, when present,
// always lives at F % capacity.
type Queue struct {
	inputs    []Input
	inputSize int

	head, tail, length int
	firstFrame         bool

	lastUserAddedFrame  int32
	lastAddedFrame      int32
	firstIncorrectFrame int32
	lastFrameRequested  int32

	frameDelay int
	prediction Input
}

func NewQueue(inputSize, capacity int) *Queue {
	debug.Assert(inputSize > 0)
	debug.Assert(capacity > 1)

	inputs := make([]Input, capacity)
	for i := range inputs {
		// pre-zeroed entries back the gap fill a growing frame delay does
		inputs[i] = Input{Frame: NullFrame, Bits: make([]byte, inputSize)}
	}

	return &Queue{
		inputs:    inputs,
		inputSize: inputSize,

		firstFrame: true,

		lastUserAddedFrame:  NullFrame,
		lastAddedFrame:      NullFrame,
		firstIncorrectFrame: NullFrame,
		lastFrameRequested:  NullFrame,

		prediction: Input{Frame: NullFrame},
	}
}

func (q *Queue) SetFrameDelay(delay int) {
	debug.Assert(delay >= 0)
	q.frameDelay = delay
}

func (q *Queue) LastConfirmedFrame() int32 {
	return q.lastAddedFrame
}

// FirstIncorrectFrame reports the earliest frame whose confirmed input
// differed from what was predicted, or NullFrame.
func (q *Queue) FirstIncorrectFrame() int32 {
	return q.firstIncorrectFrame
}

// DiscardConfirmedFrames releases history up to and including frame. Frames
// still needed to satisfy an outstanding prediction read are retained.
func (q *Queue) DiscardConfirmedFrames(frame int32) {
	debug.Assert(frame >= 0)

	if q.lastFrameRequested != NullFrame {
		frame = min32(frame, q.lastFrameRequested)
	}
	if q.length <= 0 {
		return
	}
	tailFrame := q.inputs[q.tail].Frame
	if frame >= q.lastAddedFrame {
		q.tail = q.head
		q.length = 0
	} else if frame >= tailFrame {
		offset := int(frame-tailFrame) + 1
		q.tail = (q.tail + offset) % len(q.inputs)
		q.length -= offset
	}
}

// ResetPrediction clears misprediction state once a rollback has
// resimulated past it.
func (q *Queue) ResetPrediction(frame int32) {
	debug.Assert(q.firstIncorrectFrame == NullFrame || frame <= q.firstIncorrectFrame)

	q.prediction.Frame = NullFrame
	q.firstIncorrectFrame = NullFrame
	q.lastFrameRequested = NullFrame
}

// GetConfirmedInput returns the real (never predicted) input for frame.
// The frame must still be inside the retained, confirmed history.
func (q *Queue) GetConfirmedInput(frame int32) Input {
	debug.Assert(q.firstIncorrectFrame == NullFrame || frame < q.firstIncorrectFrame)

	idx := int(frame) % len(q.inputs)
	debug.Assertf(q.inputs[idx].Frame == frame,
		"confirmed input for frame %d evicted (slot holds %d)", frame, q.inputs[idx].Frame)
	return q.inputs[idx]
}

// GetInput returns the input to simulate frame with. The second return is
// true when the input is confirmed, false when it is a prediction (the most
// recent real input, repeated).
func (q *Queue) GetInput(frame int32) (Input, bool) {
	// callers must roll back before reading past a known misprediction
	debug.Assert(q.firstIncorrectFrame == NullFrame)

	q.lastFrameRequested = frame

	if q.prediction.Frame == NullFrame {
		if q.length > 0 {
			tailFrame := q.inputs[q.tail].Frame
			debug.Assert(frame >= tailFrame)
			offset := int(frame - tailFrame)
			if offset < q.length {
				idx := (q.tail + offset) % len(q.inputs)
				debug.Assert(q.inputs[idx].Frame == frame)
				return q.inputs[idx], true
			}
		}

		// past the newest real input: start predicting by repeating
		// the newest real input (zeroes when there is none yet)
		if frame == 0 || q.lastAddedFrame == NullFrame {
			q.prediction = Input{Frame: q.lastAddedFrame, Bits: make([]byte, q.inputSize)}
		} else {
			q.prediction = q.inputs[q.previous(q.head)].clone()
		}
		q.prediction.Frame++
	}

	debug.Assert(q.prediction.Frame >= 0)
	out := q.prediction
	out.Frame = frame
	return out, false
}

// AddInput appends a confirmed input. The returned frame is where the input
// actually landed after frame delay, or NullFrame when a shrinking delay
// made it redundant.
func (q *Queue) AddInput(input Input) (int32, error) {
	debug.Assertf(len(input.Bits) == q.inputSize,
		"input size %d, queue expects %d", len(input.Bits), q.inputSize)

	if q.lastUserAddedFrame != NullFrame && input.Frame <= q.lastUserAddedFrame {
		return NullFrame, fmt.Errorf("%w: frame %d after %d", ErrNonMonotonicFrame, input.Frame, q.lastUserAddedFrame)
	}
	if q.lastUserAddedFrame != NullFrame && input.Frame != q.lastUserAddedFrame+1 {
		return NullFrame, fmt.Errorf("%w: frame %d skips past %d", ErrNonMonotonicFrame, input.Frame, q.lastUserAddedFrame)
	}
	q.lastUserAddedFrame = input.Frame

	newFrame := q.advanceQueueHead(input.Frame)
	if newFrame != NullFrame {
		q.addDelayedInput(input, newFrame)
	}
	return newFrame, nil
}

// advanceQueueHead applies frame delay: a growing delay repeats the last
// input into the gap, a shrinking one drops the superseded input.
func (q *Queue) advanceQueueHead(frame int32) int32 {
	expected := int32(0)
	if !q.firstFrame {
		expected = q.inputs[q.previous(q.head)].Frame + 1
	}

	frame += int32(q.frameDelay)
	if expected > frame {
		return NullFrame
	}
	for expected < frame {
		q.addDelayedInput(q.inputs[q.previous(q.head)], expected)
		expected++
	}

	debug.Assert(frame == 0 || frame == q.inputs[q.previous(q.head)].Frame+1)
	return frame
}

func (q *Queue) addDelayedInput(input Input, frame int32) {
	debug.Assert(q.lastAddedFrame == NullFrame || frame == q.lastAddedFrame+1)

	if q.length == len(q.inputs) {
		// horizon-old history is discardable; evict the oldest entry
		q.tail = (q.tail + 1) % len(q.inputs)
		q.length--
	}

	stored := input.clone()
	stored.Frame = frame
	q.inputs[q.head] = stored
	q.head = (q.head + 1) % len(q.inputs)
	q.length++
	q.firstFrame = false
	q.lastAddedFrame = frame

	if q.prediction.Frame != NullFrame {
		debug.Assert(frame == q.prediction.Frame)

		// the confirmed value arrived for a frame we predicted; check
		// whether the prediction held up
		if q.firstIncorrectFrame == NullFrame && !q.prediction.EqualBits(stored) {
			q.firstIncorrectFrame = frame
		}

		if q.prediction.Frame == q.lastFrameRequested && q.firstIncorrectFrame == NullFrame {
			// every prediction so far was right; back to normal
			q.prediction.Frame = NullFrame
		} else {
			q.prediction.Frame++
		}
	}

	debug.Assert(q.length <= len(q.inputs))
}

func (q *Queue) previous(idx int) int {
	return (idx + len(q.inputs) - 1) % len(q.inputs)
}

func min32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}
