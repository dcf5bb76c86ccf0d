package worker

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/voxnexus/voxnexus/pkg/audio"
	"github.com/voxnexus/voxnexus/pkg/rtc"
)

// The media plane runs at the WebRTC-native rate.
const (
	mediaSampleRate = 48000
	frameMs         = 20
	frameBytes      = mediaSampleRate / 1000 * frameMs * 2
)

// roomMedia adapts a room session to the turn engine's media surface:
// capture frames come from the mixed remote stream, playback goes out on
// the published local track at a realtime cadence.
type roomMedia struct {
	sess  rtc.Session
	track rtc.AudioTrack

	// pending buffers remote bytes between ReadFrame calls. Only the engine
	// goroutine touches it.
	pending []byte

	playMu     sync.Mutex
	playCancel context.CancelFunc
}

func newRoomMedia(sess rtc.Session, track rtc.AudioTrack) *roomMedia {
	return &roomMedia{sess: sess, track: track}
}

// SampleRate implements turn.Media.
func (m *roomMedia) SampleRate() int { return mediaSampleRate }

// ReadFrame implements turn.Media. It reassembles the gateway's
// arbitrary-size remote chunks into exact 20 ms frames and reports io.EOF
// once the session disconnects.
func (m *roomMedia) ReadFrame(ctx context.Context) ([]byte, error) {
	for len(m.pending) < frameBytes {
		select {
		case pcm, ok := <-m.sess.RemoteAudio():
			if !ok {
				return nil, io.EOF
			}
			m.pending = append(m.pending, pcm...)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	frame := make([]byte, frameBytes)
	copy(frame, m.pending)
	m.pending = m.pending[frameBytes:]
	return frame, nil
}

// Play implements turn.Media. The clip is resampled to the room rate and
// written one frame per tick so remote jitter buffers see realtime pacing.
func (m *roomMedia) Play(ctx context.Context, pcm []byte, sampleRate int) error {
	if sampleRate != mediaSampleRate {
		pcm = audio.ResampleMono16(pcm, sampleRate, mediaSampleRate)
	}

	playCtx, cancel := context.WithCancel(ctx)
	m.playMu.Lock()
	m.playCancel = cancel
	m.playMu.Unlock()
	defer cancel()

	ticker := time.NewTicker(frameMs * time.Millisecond)
	defer ticker.Stop()

	for off := 0; off < len(pcm); off += frameBytes {
		end := min(off+frameBytes, len(pcm))
		if err := m.track.WriteFrame(playCtx, pcm[off:end]); err != nil {
			if playCtx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ticker.C:
		case <-playCtx.Done():
			return nil
		}
	}
	return nil
}

// StopPlayback implements turn.Media.
func (m *roomMedia) StopPlayback() {
	m.playMu.Lock()
	if m.playCancel != nil {
		m.playCancel()
	}
	m.playMu.Unlock()
}
