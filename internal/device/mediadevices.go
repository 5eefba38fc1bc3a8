package device

import (
	"fmt"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone adapter
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// MediaDevicesBackend captures microphone audio through pion/mediadevices.
type MediaDevicesBackend struct {
	codecSelector *mediadevices.CodecSelector
}

func NewMediaDevicesBackend() (*MediaDevicesBackend, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus codec params: %w", err)
	}
	return &MediaDevicesBackend{
		codecSelector: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (b *MediaDevicesBackend) Enumerate() ([]Info, error) {
	out := []Info{}
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind != mediadevices.AudioInput {
			continue
		}
		out = append(out, Info{ID: d.DeviceID, Label: d.Label})
	}
	return out, nil
}

func (b *MediaDevicesBackend) OpenTrack(deviceID string) (webrtc.TrackLocal, func() error, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			if deviceID != "" {
				c.DeviceID = prop.String(deviceID)
			}
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			c.SampleSize = prop.Int(16)
			c.IsFloat = prop.BoolExact(false)
			c.Latency = prop.Duration(20 * time.Millisecond)
		},
		Codec: b.codecSelector,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("get user media: %w", err)
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, nil, fmt.Errorf("no audio track in media stream")
	}
	track := tracks[0]

	stop := func() error {
		var firstErr error
		for _, tr := range stream.GetTracks() {
			if err := tr.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	return track, stop, nil
}
