// Package main streams the test pattern to a file and/or a WebRTC peer.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/edaniels/golog"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/edaniels/testpattern"
	"github.com/edaniels/testpattern/codec"
	"github.com/edaniels/testpattern/codec/vpx"
	"github.com/edaniels/testpattern/codec/x264"
	"github.com/edaniels/testpattern/record"
	ourwebrtc "github.com/edaniels/testpattern/webrtc"
)

func main() {
	goutils.ContextualMain(mainWithArgs, logger)
}

var logger = golog.Global().Named("stream_testpattern")

// Arguments for the command.
type Arguments struct {
	Config   string `flag:"config,usage=YAML file with defaults for any of these flags"`
	Image    string `flag:"image,usage=reference image to stream instead of the built in pattern"`
	Width    int    `flag:"width,usage=frame width"`
	Height   int    `flag:"height,usage=frame height"`
	FPS      int    `flag:"fps,usage=target frame rate (1-60)"`
	MaxRate  bool   `flag:"max_rate,usage=produce frames as fast as possible"`
	Overlay  string `flag:"overlay,usage=overlay to stamp (none|box|timestamp)"`
	Codec    string `flag:"codec,usage=encode as h264|vp8|vp9|none"`
	Out      string `flag:"out,usage=file to write encoded frames to; h264 into a .mp4 file is muxed"`
	Duration string `flag:"duration,usage=how long to stream for (e.g. 10s); forever if empty"`
	WebRTC   bool   `flag:"webrtc,usage=answer a base64 SDP offer read from stdin"`
	Compress bool   `flag:"compress,usage=gzip the SDP answer"`
}

var codecs = map[string]codec.VideoEncoderFactory{
	"h264": x264.NewEncoderFactory(),
	"vp8":  vpx.NewEncoderFactory(vpx.Version8),
	"vp9":  vpx.NewEncoderFactory(vpx.Version9),
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	var argsParsed Arguments
	if err := goutils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	if argsParsed.Config != "" {
		cfg, err := loadConfig(argsParsed.Config)
		if err != nil {
			return err
		}
		argsParsed.applyFileConfig(cfg)
	}
	if argsParsed.Overlay == "" {
		argsParsed.Overlay = testpattern.OverlayTimestamp.String()
	}
	overlay, err := testpattern.ParseOverlayMode(argsParsed.Overlay)
	if err != nil {
		return err
	}
	if argsParsed.Codec == "" {
		argsParsed.Codec = "none"
	}
	argsParsed.Codec = strings.ToLower(argsParsed.Codec)
	factory, ok := codecs[argsParsed.Codec]
	if !ok && argsParsed.Codec != "none" {
		return errors.Errorf("unknown codec %q", argsParsed.Codec)
	}
	if factory == nil && (argsParsed.Out != "" || argsParsed.WebRTC) {
		return errors.New("-out and -webrtc need a codec")
	}
	if argsParsed.Duration != "" {
		duration, err := time.ParseDuration(argsParsed.Duration)
		if err != nil {
			return errors.Wrap(err, "invalid duration")
		}
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	config := testpattern.SourceConfig{
		Name:         "testpattern",
		Width:        argsParsed.Width,
		Height:       argsParsed.Height,
		FrameRate:    argsParsed.FPS,
		MaxFrameRate: argsParsed.MaxRate,
		Overlay:      overlay,
		Logger:       logger,
	}
	if argsParsed.Image != "" {
		if config.ReferenceImage, err = loadReferenceImage(argsParsed.Image, logger); err != nil {
			return err
		}
	}
	if factory != nil {
		config.Encoder = testpattern.NewEncoder(codec.DefaultKeyFrameInterval, logger, factory)
	}
	return runSource(ctx, config, factory, argsParsed, logger)
}

func runSource(
	ctx context.Context,
	config testpattern.SourceConfig,
	factory codec.VideoEncoderFactory,
	argsParsed Arguments,
	logger golog.Logger,
) (err error) {
	source, err := testpattern.NewSource(config)
	if err != nil {
		return err
	}
	defer source.Dispose()

	var frames atomic.Int64
	source.OnSourceError(func(msg string) {
		logger.Errorw("source error", "error", msg)
	})

	if factory == nil {
		source.OnRawSample(func(sample testpattern.RawSample) {
			frames.Add(1)
		})
	} else {
		var format testpattern.Format
		if format, err = selectFormat(source, factory.MIMEType()); err != nil {
			return err
		}
		sinks := []testpattern.EncodedSampleHandler{
			func(durationUnits uint32, payload []byte) { frames.Add(1) },
		}
		if argsParsed.Out != "" {
			var f *os.File
			//nolint:gosec
			if f, err = os.Create(argsParsed.Out); err != nil {
				return err
			}
			defer func() {
				err = multierr.Combine(err, f.Close())
			}()
			if strings.EqualFold(filepath.Ext(argsParsed.Out), ".mp4") && format.MimeType == webrtc.MimeTypeH264 {
				props := source.Properties()
				sinks = append(sinks, mp4Sink(record.NewMP4Writer(f, props.Width, props.Height, format.ClockRate, logger), logger))
			} else {
				sinks = append(sinks, fileSink(f, logger))
			}
		}
		if argsParsed.WebRTC {
			var pc *webrtc.PeerConnection
			var track *ourwebrtc.TrackLocalStaticSample
			pc, track, err = answerOffer(ctx, os.Stdin, os.Stdout, format, argsParsed.Compress, logger)
			if err != nil {
				return err
			}
			defer func() {
				err = multierr.Combine(err, pc.Close())
			}()
			sinks = append(sinks, func(durationUnits uint32, payload []byte) {
				if err := track.WriteSample(durationUnits, payload); err != nil {
					logger.Debugw("error writing sample", "error", err)
				}
			})
		}
		for _, sink := range sinks {
			source.OnEncodedSample(sink)
		}
	}

	source.Start()
	props := source.Properties()
	logger.Infow("streaming test pattern",
		"width", props.Width,
		"height", props.Height,
		"frame_rate", source.FrameRate(),
		"max_frame_rate", source.IsMaxFrameRate(),
		"codec", argsParsed.Codec,
	)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var last int64
	for {
		select {
		case <-ctx.Done():
			logger.Infow("done", "frames", frames.Load())
			return source.Close(context.Background())
		case <-ticker.C:
		}
		total := frames.Load()
		logger.Infow("stats",
			"fps", total-last,
			"frames", total,
			"frame_count", source.FrameCount(),
			"spacing", source.FrameSpacing(),
		)
		last = total
	}
}

func selectFormat(source *testpattern.Source, mimeType string) (testpattern.Format, error) {
	for _, format := range source.Formats() {
		if strings.EqualFold(format.MimeType, mimeType) {
			return format, source.SelectFormat(format)
		}
	}
	return testpattern.Format{}, errors.Wrapf(testpattern.ErrFormatNotSupported, "%q", mimeType)
}

func fileSink(w io.Writer, logger golog.Logger) testpattern.EncodedSampleHandler {
	var failed bool
	return func(durationUnits uint32, payload []byte) {
		if failed {
			return
		}
		if _, err := w.Write(payload); err != nil {
			failed = true
			logger.Errorw("error writing encoded frame; no longer writing", "error", err)
		}
	}
}

func mp4Sink(mw *record.MP4Writer, logger golog.Logger) testpattern.EncodedSampleHandler {
	var failed bool
	return func(durationUnits uint32, payload []byte) {
		if failed {
			return
		}
		if err := mw.WriteSample(durationUnits, payload); err != nil {
			failed = true
			logger.Errorw("error muxing encoded frame; no longer writing", "error", err)
		}
	}
}

// answerOffer reads a base64 offer from in, writes the base64 answer to out
// and returns the connection along with the track frames should be written to.
func answerOffer(
	ctx context.Context,
	in io.Reader,
	out io.Writer,
	format testpattern.Format,
	compress bool,
	logger golog.Logger,
) (*webrtc.PeerConnection, *ourwebrtc.TrackLocalStaticSample, error) {
	fmt.Fprintln(out, "paste the base64 offer and press enter:")
	reader := bufio.NewReader(in)
	var encodedOffer string
	for {
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, nil, err
		}
		encodedOffer = strings.TrimSpace(line)
		if encodedOffer != "" {
			break
		}
		if errors.Is(err, io.EOF) {
			return nil, nil, errors.New("no offer given")
		}
	}
	offer := webrtc.SessionDescription{}
	if err := ourwebrtc.DecodeSDP(encodedOffer, &offer); err != nil {
		return nil, nil, err
	}

	m := webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: format.RTPCodecCapability,
		PayloadType:        webrtc.PayloadType(format.PayloadType),
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, nil, err
	}
	i := interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(&m, &i); err != nil {
		return nil, nil, err
	}
	webAPI := webrtc.NewAPI(
		webrtc.WithMediaEngine(&m),
		webrtc.WithInterceptorRegistry(&i),
		webrtc.WithSettingEngine(webrtc.SettingEngine{
			LoggerFactory: ourwebrtc.LoggerFactory{Logger: logger.Named("webrtc")},
		}),
	)
	pc, err := webAPI.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
	if err != nil {
		return nil, nil, err
	}
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		logger.Debugw("connection state changed", "conn_state", state.String())
	})

	track := ourwebrtc.NewTrackLocalStaticSample(format.RTPCodecCapability, "video", "testpattern")
	if _, err := pc.AddTrack(track); err != nil {
		return nil, nil, multierr.Combine(err, pc.Close())
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return nil, nil, multierr.Combine(err, pc.Close())
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, nil, multierr.Combine(err, pc.Close())
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, nil, multierr.Combine(err, pc.Close())
	}
	select {
	case <-ctx.Done():
		return nil, nil, multierr.Combine(ctx.Err(), pc.Close())
	case <-gatherComplete:
	}

	encodedAnswer, err := ourwebrtc.EncodeSDP(pc.LocalDescription(), compress)
	if err != nil {
		return nil, nil, multierr.Combine(err, pc.Close())
	}
	fmt.Fprintln(out, encodedAnswer)
	return pc, track, nil
}
