// Package framing implements the wire framing used to carry binary payloads
// over a line-oriented text transport.
//
// Payloads are base64-encoded inside a literal marker pair so they survive
// transports that only pass printable text. Encoded payloads larger than the
// transport line budget are split into ordered chunks that the receiving side
// reassembles by correlation id.
//
// Example:
//
//	frames := framing.Encode(ciphertext)
//	for _, f := range frames {
//	    transport.SendUnicast(peer, []byte(f))
//	}
package framing

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	// MaxFrameBytes is the hard ceiling for a single transport line. It is a
	// conservative budget below the usual 512-byte IRC line limit, leaving
	// room for the server-added prefix and the PRIVMSG command overhead.
	MaxFrameBytes = 400

	// EncodedPrefix and EncodedSuffix delimit a complete base64 payload.
	EncodedPrefix = "<PGP-ENCODED>"
	EncodedSuffix = "</PGP-ENCODED>"

	// chunkPrefix starts a chunk header of the form
	// <PGP-CHUNK:{id}:{index}:{total}> followed immediately by the chunk
	// data with no trailing delimiter.
	chunkPrefix = "<PGP-CHUNK:"
)

var (
	// ErrNotEncoded indicates the frame does not carry the encoded markers.
	ErrNotEncoded = errors.New("frame is not marker-delimited")
	// ErrUnterminated indicates an encoded frame missing its closing marker.
	ErrUnterminated = errors.New("unterminated encoded frame")
	// ErrMalformedChunk indicates a chunk header that could not be parsed.
	ErrMalformedChunk = errors.New("malformed chunk header")
)

// Chunk is one slice of an oversized encoded payload.
type Chunk struct {
	ID    string
	Index int // 1-based
	Total int
	Data  string
}

// Encode wraps payload for transport. The result is a single frame when the
// wrapped payload fits in MaxFrameBytes, otherwise an ordered list of chunk
// frames sharing a fresh correlation id.
func Encode(payload []byte) []string {
	wrapped := EncodedPrefix + base64.StdEncoding.EncodeToString(payload) + EncodedSuffix
	if len(wrapped) <= MaxFrameBytes {
		return []string{wrapped}
	}
	return chunkEncoded(wrapped)
}

// chunkEncoded splits an oversized encoded payload into chunk frames.
func chunkEncoded(wrapped string) []string {
	id := uuid.New().String()

	// Reserve header space assuming the widest header this payload can
	// produce, so every frame stays within the line budget.
	maxHeader := len(headerFor(id, 999999, 999999))
	chunkSize := MaxFrameBytes - maxHeader

	total := (len(wrapped) + chunkSize - 1) / chunkSize
	frames := make([]string, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(wrapped) {
			end = len(wrapped)
		}
		frames = append(frames, headerFor(id, i+1, total)+wrapped[start:end])
	}
	return frames
}

func headerFor(id string, index, total int) string {
	return fmt.Sprintf("%s%s:%d:%d>", chunkPrefix, id, index, total)
}

// IsEncoded reports whether a frame starts a complete encoded payload.
func IsEncoded(frame string) bool {
	return strings.HasPrefix(frame, EncodedPrefix)
}

// IsChunk reports whether a frame carries a chunk header.
func IsChunk(frame string) bool {
	return strings.HasPrefix(frame, chunkPrefix)
}

// Decode extracts the payload bytes from a complete encoded frame.
func Decode(frame string) ([]byte, error) {
	if !strings.HasPrefix(frame, EncodedPrefix) {
		return nil, ErrNotEncoded
	}
	if !strings.HasSuffix(frame, EncodedSuffix) {
		return nil, ErrUnterminated
	}
	inner := frame[len(EncodedPrefix) : len(frame)-len(EncodedSuffix)]
	payload, err := base64.StdEncoding.DecodeString(inner)
	if err != nil {
		return nil, fmt.Errorf("decode frame body: %w", err)
	}
	return payload, nil
}

// ParseChunk parses a chunk frame into its header fields and data slice.
func ParseChunk(frame string) (*Chunk, error) {
	if !strings.HasPrefix(frame, chunkPrefix) {
		return nil, ErrMalformedChunk
	}
	rest := frame[len(chunkPrefix):]
	close := strings.IndexByte(rest, '>')
	if close < 0 {
		return nil, ErrMalformedChunk
	}

	fields := strings.Split(rest[:close], ":")
	if len(fields) != 3 {
		return nil, ErrMalformedChunk
	}
	index, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, ErrMalformedChunk
	}
	total, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, ErrMalformedChunk
	}
	if fields[0] == "" || total < 1 || index < 1 || index > total {
		return nil, ErrMalformedChunk
	}

	return &Chunk{
		ID:    fields[0],
		Index: index,
		Total: total,
		Data:  rest[close+1:],
	}, nil
}
