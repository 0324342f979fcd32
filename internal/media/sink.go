package media

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/pastecall/pastecall/internal/transport"
	"github.com/pastecall/pastecall/internal/util"
)

// pliInterval is how often a keyframe is requested for inbound video.
const pliInterval = 3 * time.Second

// ErrNoAudio is reported when audio is enabled on a bound stream that
// carries no audio tracks.
var ErrNoAudio = errors.New("no audio available")

// Sink receives remote tracks and writes them to disk. Audio arrives muted:
// packets are drained but discarded until EnableAudio is called. The unmute
// is a separate, explicitly user-driven action because the originating
// design defers audio playback to a user gesture.
type Sink struct {
	dir string

	mu          sync.Mutex
	audioOn     bool
	audioTracks int
	videoTracks int
}

// NewSink creates a sink writing into dir.
func NewSink(dir string) *Sink {
	return &Sink{dir: dir}
}

// Bind registers the sink on the peer's inbound-track events. The sink stays
// muted regardless of what arrives; only EnableAudio changes that.
func (k *Sink) Bind(ctx context.Context, p transport.Peer) {
	p.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		k.register(track.Kind())
		util.LogInfo("remote track: kind=%s id=%s codec=%s",
			track.Kind(), track.ID(), track.Codec().MimeType)

		switch track.Kind() {
		case webrtc.RTPCodecTypeVideo:
			go k.requestKeyframes(ctx, p, track)
			k.writeVideo(track)
		case webrtc.RTPCodecTypeAudio:
			k.writeAudio(track)
		}
	})
}

// register records a track arrival for the audio gate.
func (k *Sink) register(kind webrtc.RTPCodecType) {
	k.mu.Lock()
	defer k.mu.Unlock()
	switch kind {
	case webrtc.RTPCodecTypeVideo:
		k.videoTracks++
	case webrtc.RTPCodecTypeAudio:
		k.audioTracks++
	}
}

// EnableAudio unmutes the sink. It fails with ErrNoAudio, leaving the sink
// muted, when the bound stream has no audio tracks.
func (k *Sink) EnableAudio() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.audioTracks == 0 {
		return ErrNoAudio
	}
	k.audioOn = true
	return nil
}

// Muted reports whether audio is still discarded.
func (k *Sink) Muted() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return !k.audioOn
}

// writeVideo copies RTP packets into an IVF file until the track ends.
func (k *Sink) writeVideo(track *webrtc.TrackRemote) {
	path := filepath.Join(k.dir, fmt.Sprintf("video-%s.ivf", track.ID()))
	w, err := ivfwriter.New(path, ivfwriter.WithCodec(track.Codec().MimeType))
	if err != nil {
		util.LogError("open video sink %s: %v", path, err)
		return
	}
	defer w.Close()

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		util.Stats.AddRecv(pkt.MarshalSize())
		if err := w.WriteRTP(pkt); err != nil {
			util.LogError("write video sink: %v", err)
			return
		}
	}
}

// writeAudio drains RTP packets, writing them only while unmuted.
func (k *Sink) writeAudio(track *webrtc.TrackRemote) {
	channels := track.Codec().Channels
	if channels == 0 {
		channels = 2
	}
	path := filepath.Join(k.dir, fmt.Sprintf("audio-%s.ogg", track.ID()))
	w, err := oggwriter.New(path, audioSampleRate, channels)
	if err != nil {
		util.LogError("open audio sink %s: %v", path, err)
		return
	}
	defer w.Close()

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if k.Muted() {
			continue
		}
		util.Stats.AddRecv(pkt.MarshalSize())
		if err := w.WriteRTP(pkt); err != nil {
			util.LogError("write audio sink: %v", err)
			return
		}
	}
}

// requestKeyframes nudges the sender with a PLI so the IVF file starts from
// a decodable frame.
func (k *Sink) requestKeyframes(ctx context.Context, p transport.Peer, track *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := p.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		})
		if err != nil {
			return
		}
	}
}
