package rtc

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"go.uber.org/zap"

	"talklink-backend/pkg/logger"
)

const opusFrameDuration = 20 * time.Millisecond

// FileSource plays an Ogg Opus file as the local audio track. It stands in
// for microphone capture on headless clients; a missing or unreadable file
// maps to ErrMediaAccessDenied, the same failure a declined mic produces.
type FileSource struct {
	path string

	mu      sync.Mutex
	file    *os.File
	track   *webrtc.TrackLocalStaticSample
	stop    chan struct{}
	stopped sync.Once
}

// NewFileSource creates a source that reads from path on AudioTrack
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path, stop: make(chan struct{})}
}

// AudioTrack opens the file and starts pacing samples onto the returned
// track at the opus frame duration
func (f *FileSource) AudioTrack() (webrtc.TrackLocal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %s", ErrMediaAccessDenied, f.path)
		}
		return nil, fmt.Errorf("failed to open audio source: %w", err)
	}

	ogg, _, err := oggreader.NewWith(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: not an ogg opus file", ErrMediaAccessDenied)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "talklink")
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create local track: %w", err)
	}

	f.file = file
	f.track = track
	go f.pump(ogg)
	return track, nil
}

// pump writes one opus page per frame interval until the file ends or the
// source is closed
func (f *FileSource) pump(ogg *oggreader.OggReader) {
	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
		}

		pageData, pageHeader, err := ogg.ParseNextPage()
		if err != nil {
			logger.Debug("Audio source drained", zap.Error(err))
			return
		}

		sampleCount := pageHeader.GranulePosition - lastGranule
		lastGranule = pageHeader.GranulePosition
		sampleDuration := time.Duration(sampleCount) * time.Second / 48000

		if err := f.track.WriteSample(media.Sample{Data: pageData, Duration: sampleDuration}); err != nil {
			logger.Debug("Local track write failed, stopping source", zap.Error(err))
			return
		}
	}
}

// Close stops the pump and releases the file. Idempotent.
func (f *FileSource) Close() error {
	f.stopped.Do(func() { close(f.stop) })

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file != nil {
		err := f.file.Close()
		f.file = nil
		return err
	}
	return nil
}

// SilenceSource provides an audio track that never produces samples. Used
// when a client only wants to listen.
type SilenceSource struct{}

func (SilenceSource) AudioTrack() (webrtc.TrackLocal, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "talklink")
	if err != nil {
		return nil, fmt.Errorf("failed to create local track: %w", err)
	}
	return track, nil
}

func (SilenceSource) Close() error { return nil }
