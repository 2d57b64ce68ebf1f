package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleHeader() RequestHeader {
	return RequestHeader{
		Operation: OpPersist,
		Format:    FormatSingleDataFile,
		Location:  "/tmp/x",
		AuthToken: "Bearer abc.def.ghi",
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	frame, err := EncodeHeader(sampleHeader())
	require.NoError(t, err, "Encoding header failed")

	size := binary.BigEndian.Uint32(frame[:LengthPrefixSize])
	assert.Equal(t, len(frame)-LengthPrefixSize, int(size), "Length prefix mismatch")

	got, err := DecodeHeader(frame)
	require.NoError(t, err, "Decoding header failed")
	assert.Equal(t, sampleHeader(), got)
}

func TestHeaderDecoderByteAtATime(t *testing.T) {
	frame, err := EncodeHeader(sampleHeader())
	require.NoError(t, err)

	var dec HeaderDecoder
	var got RequestHeader
	for i := range frame {
		h, n, err := dec.Decode(frame[i : i+1])
		assert.Equal(t, 1, n, "Every byte should be consumed")
		if i < len(frame)-1 {
			require.ErrorIs(t, err, ErrNeedMoreBytes, "byte %d", i)
			continue
		}
		require.NoError(t, err)
		got = h
	}
	assert.Equal(t, sampleHeader(), got)
}

func TestHeaderDecoderLeavesTrailingData(t *testing.T) {
	frame, err := EncodeHeader(sampleHeader())
	require.NoError(t, err)
	stream := append(frame, []byte("hello")...)

	var dec HeaderDecoder
	h, n, err := dec.Decode(stream)
	require.NoError(t, err)
	assert.Equal(t, len(frame), n)
	assert.Equal(t, "hello", string(stream[n:]))
	assert.Equal(t, OpPersist, h.Operation)
}

func TestHeaderDecoderChunked(t *testing.T) {
	frame, err := EncodeHeader(sampleHeader())
	require.NoError(t, err)

	for _, chunk := range []int{2, 3, 7, 64} {
		var dec HeaderDecoder
		var got RequestHeader
		rest := frame
		for len(rest) > 0 {
			end := chunk
			if end > len(rest) {
				end = len(rest)
			}
			h, n, err := dec.Decode(rest[:end])
			rest = rest[n:]
			if errors.Is(err, ErrNeedMoreBytes) {
				continue
			}
			require.NoError(t, err, "chunk size %d", chunk)
			got = h
		}
		assert.Equal(t, sampleHeader(), got, "chunk size %d", chunk)
	}
}

func TestUnknownOperationSurvivesDecoding(t *testing.T) {
	frame, err := EncodeHeader(RequestHeader{Operation: "DELETE_DATA", Format: FormatSingleDataFile})
	require.NoError(t, err)

	h, err := DecodeHeader(frame)
	require.NoError(t, err)
	assert.Equal(t, Operation("DELETE_DATA"), h.Operation)
	assert.False(t, h.Operation.Valid())
}

func TestDecodeErrors(t *testing.T) {
	oversized := make([]byte, LengthPrefixSize)
	binary.BigEndian.PutUint32(oversized, MaxFrameSize+1)

	garbage := []byte{0, 0, 0, 3, 0xc1, 0xc1, 0xc1}

	badFormat, err := EncodeHeader(RequestHeader{Operation: OpPing, Format: "ZIP"})
	require.NoError(t, err)

	tests := []struct {
		name  string
		frame []byte
		want  error
	}{
		{"oversized frame", oversized, ErrFrameTooLarge},
		{"garbage payload", garbage, ErrMalformed},
		{"unknown format", badFormat, ErrUnknownFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeHeader(tt.frame)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			var fe *FrameError
			assert.ErrorAs(t, err, &fe)
		})
	}
}

func TestEncodeRejectsLargeField(t *testing.T) {
	_, err := EncodeHeader(RequestHeader{Operation: OpRetrieve, Location: strings.Repeat("a", MaxFieldSize+1)})
	assert.ErrorIs(t, err, ErrFieldTooLarge)
}

func TestResponseRoundTrip(t *testing.T) {
	want := OK("stored", 5, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824")
	frame, err := EncodeResponse(want)
	require.NoError(t, err)

	var dec ResponseDecoder
	var got ResponseHeader
	for i := range frame {
		r, _, err := dec.Decode(frame[i : i+1])
		if errors.Is(err, ErrNeedMoreBytes) {
			continue
		}
		require.NoError(t, err)
		got = r
	}
	assert.Equal(t, want, got)
}

func TestReadResponseDoesNotOverRead(t *testing.T) {
	frame, err := EncodeResponse(OK("", -1, ""))
	require.NoError(t, err)
	r := bytes.NewReader(append(frame, []byte("payload")...))

	resp, err := ReadResponse(r)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, resp.Status)
	assert.EqualValues(t, -1, resp.Size)
	assert.Equal(t, len("payload"), r.Len(), "Data after the response must remain unread")
}

func TestFailureNeverEmpty(t *testing.T) {
	r := Failure("")
	assert.Equal(t, StatusError, r.Status)
	assert.NotEmpty(t, r.Message)
}
