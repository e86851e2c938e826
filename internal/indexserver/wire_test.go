package indexserver

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanterndata/lanternd/internal/logger"
)

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func TestReadFrameRejectsNonInitFirstFrame(t *testing.T) {
	// spec.md §8 S5: a handshake that doesn't lead with INIT_MSG gets
	// "Invalid message header", byte for byte.
	garbage := append(le32(0xdeadbeef), make([]byte, indexHeaderLength-4)...)
	buf := make([]byte, indexHeaderLength)

	_, err := readFrame(bytes.NewReader(garbage), buf, indexHeaderLength, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errInvalidHeader))
	assert.Equal(t, "Invalid message header", err.Error())
}

func TestReadFrameRecognizesEndMessageRegardlessOfRequireInit(t *testing.T) {
	frame := append(le32(endMsg), make([]byte, 20)...)
	buf := make([]byte, 24)

	kind, err := readFrame(bytes.NewReader(frame), buf, 24, true)
	require.NoError(t, err)
	assert.Equal(t, frameExit, kind)
}

func TestParseInitParamsRoundTrips(t *testing.T) {
	body := make([]byte, 9*integerSize+integerSize)
	vals := []uint32{1, 2, 0, 128, 16, 64, 32, 100, 8}
	for i, v := range vals {
		binary.LittleEndian.PutUint32(body[i*4:i*4+4], v)
	}
	binary.LittleEndian.PutUint32(body[9*4:9*4+4], 500)

	params, err := parseInitParams(body)
	require.NoError(t, err)
	assert.True(t, params.PQ)
	assert.Equal(t, uint32(2), params.MetricKind)
	assert.Equal(t, uint32(128), params.Dim)
	assert.Equal(t, uint32(16), params.M)
	assert.Equal(t, uint32(64), params.Efc)
	assert.Equal(t, uint32(32), params.Ef)
	assert.Equal(t, uint32(100), params.NumCentroids)
	assert.Equal(t, uint32(8), params.NumSubvectors)
	assert.Equal(t, uint32(500), params.Capacity)
}

func TestParseTupleRoundTrips(t *testing.T) {
	buf := make([]byte, labelSize+2*integerSize)
	binary.LittleEndian.PutUint64(buf[:labelSize], 0xC0FFEE)
	binary.LittleEndian.PutUint32(buf[labelSize:labelSize+4], math.Float32bits(1.5))
	binary.LittleEndian.PutUint32(buf[labelSize+4:labelSize+8], math.Float32bits(-2.25))

	label, vec := parseTuple(buf)
	assert.Equal(t, uint64(0xC0FFEE), label)
	require.Len(t, vec, 2)
	assert.Equal(t, float32(1.5), vec[0])
	assert.Equal(t, float32(-2.25), vec[1])
}

// writeInitFrameFor builds the exact 44-byte init frame the server expects
// for a dense (non-PQ) index with the given dimensionality and capacity.
func writeInitFrameFor(dim, capacity uint32) []byte {
	buf := make([]byte, indexHeaderLength)
	binary.LittleEndian.PutUint32(buf[0:4], initMsg)
	params := []uint32{0, 0, 0, dim, 16, 64, 32, 0, 0}
	off := 4
	for _, p := range params {
		binary.LittleEndian.PutUint32(buf[off:off+4], p)
		off += integerSize
	}
	binary.LittleEndian.PutUint32(buf[off:off+4], capacity)
	return buf
}

func writeTupleFrameFor(label uint64, vec []float32) []byte {
	buf := make([]byte, labelSize+len(vec)*integerSize)
	binary.LittleEndian.PutUint64(buf[:labelSize], label)
	off := labelSize
	for _, v := range vec {
		binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(v))
		off += integerSize
	}
	return buf
}

func writeEndFrameFor(dim uint32) []byte {
	buf := make([]byte, labelSize+int(dim)*integerSize)
	binary.LittleEndian.PutUint32(buf[0:4], endMsg)
	return buf
}

func readU64Test(t *testing.T, r io.Reader) uint64 {
	t.Helper()
	buf := make([]byte, 8)
	_, err := io.ReadFull(r, buf)
	require.NoError(t, err)
	return binary.LittleEndian.Uint64(buf)
}

// TestHandleConnFullHappyPath exercises spec.md §8 S6: a valid init frame
// followed by 14 tuples and an end frame must yield count=14, a positive
// file size, and index bytes whose length matches that size.
func TestHandleConnFullHappyPath(t *testing.T) {
	const dim = 4
	const rows = 14

	client, serverConn := net.Pipe()
	defer client.Close()

	log, err := logger.New("dev")
	require.NoError(t, err)
	srv := New("unused:0", 5*time.Second, NewFlatIndexFactory(), log)

	done := make(chan error, 1)
	go func() {
		done <- srv.handleConn(serverConn)
	}()

	_, err = client.Write(writeInitFrameFor(dim, 8))
	require.NoError(t, err)

	ack := make([]byte, 1)
	_, err = io.ReadFull(client, ack)
	require.NoError(t, err)
	assert.Equal(t, byte(0), ack[0])

	for i := 0; i < rows; i++ {
		vec := []float32{float32(i), float32(i) + 0.5, float32(i) * 2, 1}
		_, err := client.Write(writeTupleFrameFor(uint64(i), vec))
		require.NoError(t, err)
	}
	_, err = client.Write(writeEndFrameFor(dim))
	require.NoError(t, err)

	count := readU64Test(t, client)
	assert.Equal(t, uint64(rows), count)

	size := readU64Test(t, client)
	assert.Greater(t, size, uint64(0))

	data, err := io.ReadAll(io.LimitReader(client, int64(size)))
	require.NoError(t, err)
	assert.Len(t, data, int(size))

	require.NoError(t, <-done)
}

func TestHandleConnRejectsMalformedHandshake(t *testing.T) {
	client, serverConn := net.Pipe()
	defer client.Close()

	log, err := logger.New("dev")
	require.NoError(t, err)
	srv := New("unused:0", 5*time.Second, NewFlatIndexFactory(), log)

	done := make(chan error, 1)
	go func() {
		done <- srv.handleConn(serverConn)
	}()

	garbage := append(le32(0x0), make([]byte, indexHeaderLength-4)...)
	_, err = client.Write(garbage)
	require.NoError(t, err)

	err = <-done
	require.Error(t, err)
	assert.Equal(t, "Invalid message header", err.Error())
}
