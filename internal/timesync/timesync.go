// Package timesync estimates how far this peer's simulation clock has
// drifted ahead of (or behind) a remote peer, and recommends how many
// frames to idle so the peers converge instead of one of them predicting
// ever deeper.
package timesync

import (
	"github.com/frameloop/netplay/internal/inputqueue"
)

const (
	frameWindowSize   = 40
	minFrameAdvantage = 3
	maxFrameAdvantage = 9
)

type TimeSync struct {
	local      [frameWindowSize]int
	remote     [frameWindowSize]int
	lastInputs [frameWindowSize]inputqueue.Input
}

func New() *TimeSync {
	return &TimeSync{}
}

// AdvanceFrame records both sides' frame advantage for one simulated frame.
// advantage is how far we are ahead of the remote, remoteAdvantage the
// mirror value the remote reported about us.
func (ts *TimeSync) AdvanceFrame(input inputqueue.Input, advantage, remoteAdvantage int) {
	idx := int(input.Frame) % frameWindowSize
	if idx < 0 {
		idx += frameWindowSize
	}
	ts.lastInputs[idx] = input
	ts.local[idx] = advantage
	ts.remote[idx] = remoteAdvantage
}

// RecommendFrameWaitDuration returns how many frames the local simulation
// should sit idle. With requireIdleInput set, large corrections are only
// recommended while the local player is not actively doing anything, so
// the stall is invisible.
func (ts *TimeSync) RecommendFrameWaitDuration(requireIdleInput bool) int {
	sum := 0
	for _, v := range ts.local {
		sum += v
	}
	advantage := float64(sum) / frameWindowSize

	sum = 0
	for _, v := range ts.remote {
		sum += v
	}
	remoteAdvantage := float64(sum) / frameWindowSize

	// the remote is behind us, or we're even: never slow down, the other
	// side is responsible for catching up
	if advantage >= remoteAdvantage {
		return 0
	}

	// split the difference; both sides run this, each covering half
	sleepFrames := int((remoteAdvantage-advantage)/2 + 0.5)
	if sleepFrames < minFrameAdvantage {
		return 0
	}

	if requireIdleInput {
		for i := 1; i < frameWindowSize; i++ {
			if !ts.lastInputs[i].EqualBits(ts.lastInputs[0]) {
				return 0
			}
		}
	}

	if sleepFrames > maxFrameAdvantage {
		sleepFrames = maxFrameAdvantage
	}
	return sleepFrames
}
