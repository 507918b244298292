//go:build linux

package beep

import (
	"sync"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
)

var (
	sounds    cues
	soundOnce sync.Once
)

// Init renders the cues ahead of the first recording.
func Init() {
	loadCues()
}

func loadCues() *cues {
	// 200ms tail for PA buffer fill
	soundOnce.Do(func() { sounds = newCues(0.17) })
	return &sounds
}

// playSamples opens a short-lived playback stream. PulseAudio mixes it with
// whatever else is playing, so concurrent cues need no coordination.
func playSamples(samples []int16) {
	if len(samples) == 0 {
		return
	}
	go func() {
		c, err := pulse.NewClient()
		if err != nil {
			return
		}
		defer c.Close()

		pos := 0
		reader := pulse.Int16Reader(func(buf []int16) (int, error) {
			if pos >= len(samples) {
				return 0, pulse.EndOfData
			}
			n := copy(buf, samples[pos:])
			pos += n
			return n, nil
		})
		stream, err := c.NewPlayback(reader,
			pulse.PlaybackMono,
			pulse.PlaybackSampleRate(sampleRate),
			pulse.PlaybackLatency(0.1),
			pulse.PlaybackRawOption(func(p *proto.CreatePlaybackStream) {
				p.ChannelVolumes = proto.ChannelVolumes{uint32(proto.VolumeNorm)}
			}),
		)
		if err != nil {
			return
		}
		stream.Start()
		stream.Drain()
		stream.Stop()
		stream.Close()
	}()
}
