package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/pastecall/pastecall/internal/util"
)

const (
	audioSampleRate  = 48000 // Opus-in-Ogg granule clock
	audioFrameLength = 20 * time.Millisecond
)

// Source is a file-backed local media source: a pre-encoded IVF video file
// and an optional Ogg/Opus audio file, each exposed as a sample track.
// When any pump exhausts its file or hits a read error the source reports
// Done, which the controlling flow treats as a teardown trigger.
type Source struct {
	videoPath string
	audioPath string

	video    *webrtc.TrackLocalStaticSample
	audio    *webrtc.TrackLocalStaticSample
	frameDur time.Duration

	done     chan struct{}
	doneOnce sync.Once
}

// Open validates the given media files and builds their outbound tracks.
// Either path may be empty, but not both.
func Open(videoPath, audioPath string) (*Source, error) {
	if videoPath == "" && audioPath == "" {
		return nil, errors.New("no media source files given")
	}

	s := &Source{
		videoPath: videoPath,
		audioPath: audioPath,
		done:      make(chan struct{}),
	}

	if videoPath != "" {
		mime, frameDur, err := probeIVF(videoPath)
		if err != nil {
			return nil, fmt.Errorf("video source %s: %w", videoPath, err)
		}
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: mime}, "video", "pastecall")
		if err != nil {
			return nil, fmt.Errorf("video track: %w", err)
		}
		s.video = track
		s.frameDur = frameDur
	}

	if audioPath != "" {
		if err := probeOgg(audioPath); err != nil {
			return nil, fmt.Errorf("audio source %s: %w", audioPath, err)
		}
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "pastecall")
		if err != nil {
			return nil, fmt.Errorf("audio track: %w", err)
		}
		s.audio = track
	}

	return s, nil
}

// Tracks returns the source's tracks, video first.
func (s *Source) Tracks() []webrtc.TrackLocal {
	var tracks []webrtc.TrackLocal
	if s.video != nil {
		tracks = append(tracks, s.video)
	}
	if s.audio != nil {
		tracks = append(tracks, s.audio)
	}
	return tracks
}

// Done is closed when the source has ended (file exhausted, read error, or
// Close called).
func (s *Source) Done() <-chan struct{} {
	return s.done
}

// Close ends the source. Running pumps observe it and stop.
func (s *Source) Close() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Stream starts the sample pumps. Call it only after the connection is
// established; samples written earlier would be dropped on the floor.
func (s *Source) Stream() {
	if s.video != nil {
		go s.pumpVideo()
	}
	if s.audio != nil {
		go s.pumpAudio()
	}
}

// pumpVideo replays IVF frames at the file's own timebase.
func (s *Source) pumpVideo() {
	defer s.Close()

	f, err := os.Open(s.videoPath)
	if err != nil {
		util.LogError("reopen video source: %v", err)
		return
	}
	defer f.Close()

	ivf, _, err := ivfreader.NewWith(f)
	if err != nil {
		util.LogError("read video source: %v", err)
		return
	}

	ticker := time.NewTicker(s.frameDur)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		frame, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			util.LogInfo("video source exhausted")
			return
		}
		if err != nil {
			util.LogError("read video frame: %v", err)
			return
		}

		util.Stats.AddSent(len(frame))
		if err := s.video.WriteSample(pmedia.Sample{Data: frame, Duration: s.frameDur}); err != nil {
			util.LogError("write video sample: %v", err)
			return
		}
	}
}

// pumpAudio replays Ogg pages, deriving each page's duration from the
// granule position delta.
func (s *Source) pumpAudio() {
	defer s.Close()

	f, err := os.Open(s.audioPath)
	if err != nil {
		util.LogError("reopen audio source: %v", err)
		return
	}
	defer f.Close()

	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		util.LogError("read audio source: %v", err)
		return
	}

	ticker := time.NewTicker(audioFrameLength)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		page, header, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			util.LogInfo("audio source exhausted")
			return
		}
		if err != nil {
			util.LogError("read audio page: %v", err)
			return
		}

		sampleCount := float64(header.GranulePosition - lastGranule)
		lastGranule = header.GranulePosition
		sampleDur := time.Duration((sampleCount/audioSampleRate)*1000) * time.Millisecond

		util.Stats.AddSent(len(page))
		if err := s.audio.WriteSample(pmedia.Sample{Data: page, Duration: sampleDur}); err != nil {
			util.LogError("write audio sample: %v", err)
			return
		}
	}
}

// probeIVF reads the IVF header to determine the codec and frame duration.
func probeIVF(path string) (mime string, frameDur time.Duration, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	_, header, err := ivfreader.NewWith(f)
	if err != nil {
		return "", 0, err
	}

	switch header.FourCC {
	case "VP80":
		mime = webrtc.MimeTypeVP8
	case "VP90":
		mime = webrtc.MimeTypeVP9
	case "AV01":
		mime = webrtc.MimeTypeAV1
	default:
		return "", 0, fmt.Errorf("unsupported IVF codec %q", header.FourCC)
	}

	frameDur = time.Millisecond * time.Duration(
		(float32(header.TimebaseNumerator)/float32(header.TimebaseDenominator))*1000)
	if frameDur <= 0 {
		frameDur = 33 * time.Millisecond
	}
	return mime, frameDur, nil
}

// probeOgg verifies the file parses as Ogg.
func probeOgg(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, _, err = oggreader.NewWith(f)
	return err
}
