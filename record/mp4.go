// Package record writes encoded H.264 samples to a fragmented MP4 stream.
package record

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

const trackID = 1

// ErrNoParameterSets happens when the first key frame does not carry the SPS
// and PPS needed to describe the track.
var ErrNoParameterSets = errors.New("key frame is missing SPS/PPS")

// An MP4Writer muxes Annex B H.264 samples into fragmented MP4, one fragment
// per sample. Samples before the first key frame are dropped.
type MP4Writer struct {
	mu          sync.Mutex
	w           io.Writer
	width       int
	height      int
	timescale   uint32
	initialized bool
	seqNum      uint32
	decodeTime  uint64
	dropped     int
	logger      golog.Logger
}

// NewMP4Writer returns a writer for frames of the given size whose sample
// durations are expressed in units of timescale.
func NewMP4Writer(w io.Writer, width, height int, timescale uint32, logger golog.Logger) *MP4Writer {
	return &MP4Writer{
		w:         w,
		width:     width,
		height:    height,
		timescale: timescale,
		logger:    logger,
	}
}

// WriteSample writes one Annex B access unit lasting durationUnits.
func (mw *MP4Writer) WriteSample(durationUnits uint32, payload []byte) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	nalus := avc.ExtractNalusFromByteStream(payload)
	keyFrame := hasNaluType(nalus, avc.NALU_IDR)
	if !mw.initialized {
		if !keyFrame {
			mw.dropped++
			return nil
		}
		if err := mw.writeInit(nalus); err != nil {
			return err
		}
		mw.initialized = true
		if mw.dropped > 0 {
			mw.logger.Debugw("dropped samples before first key frame", "count", mw.dropped)
		}
	}

	sample := lengthPrefixed(nalus)
	if len(sample) == 0 {
		return nil
	}
	mw.seqNum++
	frag, err := mp4.CreateFragment(mw.seqNum, trackID)
	if err != nil {
		return errors.Wrap(err, "create fragment")
	}
	flags := mp4.NonSyncSampleFlags
	if keyFrame {
		flags = mp4.SyncSampleFlags
	}
	frag.AddFullSample(mp4.FullSample{
		Sample: mp4.Sample{
			Flags: flags,
			Dur:   durationUnits,
			Size:  uint32(len(sample)),
		},
		DecodeTime: mw.decodeTime,
		Data:       sample,
	})
	mw.decodeTime += uint64(durationUnits)
	return errors.Wrap(frag.Encode(mw.w), "encode fragment")
}

func (mw *MP4Writer) writeInit(nalus [][]byte) error {
	var spss, ppss [][]byte
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		switch avc.GetNaluType(nalu[0]) {
		case avc.NALU_SPS:
			spss = append(spss, nalu)
		case avc.NALU_PPS:
			ppss = append(ppss, nalu)
		}
	}
	if len(spss) == 0 || len(ppss) == 0 {
		return ErrNoParameterSets
	}

	avcC, err := mp4.CreateAvcC(spss, ppss, true)
	if err != nil {
		return errors.Wrap(err, "create avcC")
	}
	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(mw.timescale, "video", "und")
	trak := init.Moov.Trak
	trak.Mdia.Minf.Stbl.Stsd.AddChild(mp4.CreateVisualSampleEntryBox("avc1", uint16(mw.width), uint16(mw.height), avcC))
	trak.Tkhd.Width = mp4.Fixed32(mw.width << 16)
	trak.Tkhd.Height = mp4.Fixed32(mw.height << 16)

	ftyp := mp4.NewFtyp("isom", 0x200, []string{"isom", "iso6", "avc1", "mp41"})
	if err := ftyp.Encode(mw.w); err != nil {
		return errors.Wrap(err, "encode ftyp")
	}
	return errors.Wrap(init.Moov.Encode(mw.w), "encode moov")
}

func hasNaluType(nalus [][]byte, naluType avc.NaluType) bool {
	for _, nalu := range nalus {
		if len(nalu) > 0 && avc.GetNaluType(nalu[0]) == naluType {
			return true
		}
	}
	return false
}

// lengthPrefixed converts NAL units to an AVCC sample without parameter sets
// or access unit delimiters.
func lengthPrefixed(nalus [][]byte) []byte {
	var size int
	for _, nalu := range nalus {
		size += 4 + len(nalu)
	}
	sample := make([]byte, 0, size)
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		switch avc.GetNaluType(nalu[0]) {
		case avc.NALU_SPS, avc.NALU_PPS, avc.NALU_AUD:
			continue
		}
		sample = binary.BigEndian.AppendUint32(sample, uint32(len(nalu)))
		sample = append(sample, nalu...)
	}
	return sample
}
