package sipbridge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/voxnexus/voxnexus/pkg/audio"
	"github.com/voxnexus/voxnexus/pkg/rtc"
)

const (
	// bridgeTick is the bridge loop cadence.
	bridgeTick = 10 * time.Millisecond

	// bridgeGrace bounds how long Down waits for the loop to drain.
	bridgeGrace = 2 * time.Second

	// rtcSampleRate is the room-side rate; call media is typically 8 kHz.
	rtcSampleRate = 48000

	// Operator audio is buffered to smooth jitter: play once 200 ms has
	// accumulated, or after 150 ms of latency with anything pending.
	operatorBufferMs  = 200
	operatorLatencyMs = 150

	bridgeRoomPrefix = "sip-bridge-"
	bridgeTrackName  = "sip-caller"
)

// BridgeRoomName derives the operator room for an extension.
func BridgeRoomName(extensionID string) string {
	return bridgeRoomPrefix + extensionID
}

// Bridge moves audio bidirectionally between an answered SIP call and a
// LiveKit room while a human operator handles the caller. Caller audio is
// tailed from the call recorder file and upsampled onto a published track;
// operator audio is decimated to the call rate and played in buffered
// chunks on the call media.
type Bridge struct {
	media       CallMedia
	connector   rtc.Connector
	extensionID string
	logger      *slog.Logger

	sess     rtc.Session
	track    rtc.AudioTrack
	callRate int

	cancel context.CancelFunc
	done   chan struct{}
}

func newBridge(connector rtc.Connector, media CallMedia, extensionID string, logger *slog.Logger) *Bridge {
	return &Bridge{
		media:       media,
		connector:   connector,
		extensionID: extensionID,
		logger:      logger.With("component", "bridge", "extension", extensionID),
		callRate:    media.SampleRate(),
		done:        make(chan struct{}),
	}
}

// Up joins the operator room, publishes the caller track, and starts the
// bridge loop.
func (b *Bridge) Up(ctx context.Context) error {
	room := BridgeRoomName(b.extensionID)
	sess, err := b.connector.Dial(ctx, room, "sip-bridge-"+b.extensionID)
	if err != nil {
		return fmt.Errorf("sipbridge: join bridge room %q: %w", room, err)
	}
	track, err := sess.PublishAudioTrack(ctx, bridgeTrackName, rtcSampleRate)
	if err != nil {
		discCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sess.Disconnect(discCtx)
		return fmt.Errorf("sipbridge: publish caller track: %w", err)
	}
	b.sess = sess
	b.track = track

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	go b.run(loopCtx)
	b.logger.Info("bridge up", "room", room)
	return nil
}

// Down stops the loop with a grace period, then unpublishes the track and
// disconnects the room, in exactly that order.
func (b *Bridge) Down(ctx context.Context) {
	b.cancel()
	select {
	case <-b.done:
	case <-time.After(bridgeGrace):
		b.logger.Warn("bridge loop did not drain within grace period")
	}
	if err := b.track.Unpublish(ctx); err != nil {
		b.logger.Warn("caller track unpublish failed", "error", err)
	}
	if err := b.sess.Disconnect(ctx); err != nil {
		b.logger.Warn("bridge room disconnect failed", "error", err)
	}
	b.logger.Info("bridge down")
}

// run is the 10 ms bridge loop.
func (b *Bridge) run(ctx context.Context) {
	defer close(b.done)

	tail := &wavTail{path: b.media.RecorderPath()}
	defer tail.Close()

	remote := b.sess.RemoteAudio()
	minBytes := b.callRate / 1000 * operatorBufferMs * 2
	var operatorBuf []byte
	lastPlay := time.Now()

	ticker := time.NewTicker(bridgeTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Caller → operator: newly recorded bytes, upsampled to room rate.
		if chunk := tail.next(); len(chunk) > 0 {
			up := audio.ResampleMono16(chunk, b.callRate, rtcSampleRate)
			if err := b.track.WriteFrame(ctx, up); err != nil && ctx.Err() == nil {
				b.logger.Warn("caller audio publish failed", "error", err)
			}
		}

		// Operator → caller: decimate with the box filter and batch.
	drain:
		for remote != nil {
			select {
			case pcm, ok := <-remote:
				if !ok {
					remote = nil
					break drain
				}
				operatorBuf = append(operatorBuf, audio.DecimateMono16(pcm, rtcSampleRate, b.callRate)...)
			default:
				break drain
			}
		}
		if len(operatorBuf) > 0 &&
			(len(operatorBuf) >= minBytes || time.Since(lastPlay) >= operatorLatencyMs*time.Millisecond) {
			clip := operatorBuf
			operatorBuf = nil
			lastPlay = time.Now()
			go func() {
				if err := b.media.Play(ctx, clip, b.callRate); err != nil && ctx.Err() == nil {
					b.logger.Warn("operator audio playback failed", "error", err)
				}
			}()
		}
	}
}

// wavTail reads newly appended sample bytes from a growing WAV recorder
// file, tracking its position past the header. The file may not exist yet
// when the bridge comes up; next keeps retrying.
type wavTail struct {
	path string
	f    *os.File
	pos  int64
}

// maxTailRead caps one tick's read so a backlog cannot stall the loop.
const maxTailRead = 32 * 1024

func (t *wavTail) next() []byte {
	if t.f == nil {
		f, err := os.Open(t.path)
		if err != nil {
			return nil
		}
		t.f = f
		t.pos = audio.WAVHeaderSize
	}

	info, err := t.f.Stat()
	if err != nil || info.Size() <= t.pos {
		return nil
	}
	n := info.Size() - t.pos
	if n > maxTailRead {
		n = maxTailRead
	}
	n -= n % 2 // whole 16-bit samples only

	buf := make([]byte, n)
	read, err := t.f.ReadAt(buf, t.pos)
	read -= read % 2
	if read <= 0 {
		return nil
	}
	t.pos += int64(read)
	return buf[:read]
}

func (t *wavTail) Close() {
	if t.f != nil {
		t.f.Close()
		t.f = nil
	}
}
