package timesync_test

import (
	"testing"

	"github.com/frameloop/netplay/internal/inputqueue"
	"github.com/frameloop/netplay/internal/timesync"
	"github.com/matryer/is"
)

func feed(ts *timesync.TimeSync, frames int, advantage, remoteAdvantage int) {
	for frame := 0; frame < frames; frame++ {
		ts.AdvanceFrame(inputqueue.Input{Frame: int32(frame), Bits: []byte{0}}, advantage, remoteAdvantage)
	}
}

func TestNoRecommendationWhenAhead(t *testing.T) {
	is := is.New(t)

	ts := timesync.New()
	feed(ts, 60, 5, -5)
	is.Equal(ts.RecommendFrameWaitDuration(false), 0)
}

func TestRecommendationSplitsTheDifference(t *testing.T) {
	is := is.New(t)

	ts := timesync.New()
	feed(ts, 60, -8, 8)
	// (8 - (-8)) / 2 = 8 frames
	is.Equal(ts.RecommendFrameWaitDuration(false), 8)
}

func TestSmallDriftIsIgnored(t *testing.T) {
	is := is.New(t)

	ts := timesync.New()
	feed(ts, 60, -2, 2)
	is.Equal(ts.RecommendFrameWaitDuration(false), 0)
}

func TestRecommendationIsClamped(t *testing.T) {
	is := is.New(t)

	ts := timesync.New()
	feed(ts, 60, -50, 50)
	is.Equal(ts.RecommendFrameWaitDuration(false), 9)
}

func TestIdleInputGate(t *testing.T) {
	is := is.New(t)

	ts := timesync.New()
	for frame := 0; frame < 60; frame++ {
		bits := []byte{0}
		if frame%2 == 0 {
			bits = []byte{1}
		}
		ts.AdvanceFrame(inputqueue.Input{Frame: int32(frame), Bits: bits}, -20, 20)
	}

	// the player is mashing buttons: defer the big correction
	is.Equal(ts.RecommendFrameWaitDuration(true), 0)
	is.Equal(ts.RecommendFrameWaitDuration(false), 9)
}
