package webrtc

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
)

// Adapted from https://github.com/pion/webrtc/blob/master/examples/internal/signal/signal.go

// gzipPrefix marks compressed descriptions so DecodeSDP can tell them apart.
const gzipPrefix = "gz:"

// EncodeSDP encodes the given SDP in base64. Compression helps get an
// offer or answer past terminal input limits.
func EncodeSDP(sdp *webrtc.SessionDescription, compress bool) (string, error) {
	b, err := json.Marshal(sdp)
	if err != nil {
		return "", err
	}
	if !compress {
		return base64.StdEncoding.EncodeToString(b), nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(b); err != nil {
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	return gzipPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeSDP decodes the input from base64 into the given SDP, decompressing it if needed.
func DecodeSDP(in string, sdp *webrtc.SessionDescription) error {
	in = strings.TrimSpace(in)
	compressed := strings.HasPrefix(in, gzipPrefix)
	b, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(in, gzipPrefix))
	if err != nil {
		return errors.Wrap(err, "failed to decode session description")
	}
	if compressed {
		r, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return errors.Wrap(err, "failed to decompress session description")
		}
		if b, err = io.ReadAll(r); err != nil {
			return errors.Wrap(err, "failed to decompress session description")
		}
	}
	return json.Unmarshal(b, sdp)
}
