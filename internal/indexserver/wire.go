// Package indexserver implements C9: the standalone streaming index-build
// TCP server. Grounded byte-for-byte on original_source's
// lantern_cli/src/external_index/server.rs -- same magic numbers, same
// frame sizes, same worker fan-out shape, reworked from raw pointers and a
// Mutex<TcpStream> into an io.ReadWriter plus a bounded Go channel.
package indexserver

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

const (
	labelSize           = 8
	integerSize          = 4
	protocolHeaderSize  = 4
	indexHeaderLength   = integerSize * 11 // pq,metric,quant,dim,m,efc,ef,num_centroids,num_subvectors + capacity, plus header

	initMsg uint32 = 0x13333337
	endMsg  uint32 = 0x31333337
	errMsg  uint32 = 0x37333337
)

// InitParams is the parsed contents of an INIT_MSG frame.
type InitParams struct {
	PQ             bool
	MetricKind     uint32
	Quantization   uint32
	Dim            uint32
	M              uint32
	Efc            uint32
	Ef             uint32
	NumCentroids   uint32
	NumSubvectors  uint32
	Capacity       uint32
}

// frameKind distinguishes the three header-tagged message types a read can
// produce.
type frameKind int

const (
	frameInit frameKind = iota
	frameData
	frameExit
)

// errInvalidHeader is returned verbatim as the wire error message (spec.md
// §8 S5: a malformed init handshake gets an ERR_MSG frame whose body is
// exactly "Invalid message header").
var errInvalidHeader = fmt.Errorf("Invalid message header")

// readFrame reads one frame's header, and if it isn't an end frame, reads
// exactly expectedSize bytes total (padding a short initial read with a
// follow-up read, mirroring original_source's read_frame). buf must be
// len == expectedSize. requireInit, when true, rejects any header other
// than INIT_MSG/END_MSG with errInvalidHeader -- used only for the very
// first frame a connection sends.
func readFrame(r io.Reader, buf []byte, expectedSize int, requireInit bool) (frameKind, error) {
	n, err := io.ReadAtLeast(r, buf, protocolHeaderSize)
	if err != nil {
		return frameExit, fmt.Errorf("indexserver: read frame header: %w", err)
	}

	header := binary.LittleEndian.Uint32(buf[0:protocolHeaderSize])
	if header == endMsg {
		return frameExit, nil
	}

	if requireInit && header != initMsg {
		return frameExit, errInvalidHeader
	}

	if n < expectedSize {
		if _, err := io.ReadFull(r, buf[n:]); err != nil {
			return frameExit, fmt.Errorf("indexserver: read frame body: %w", err)
		}
	}

	if header == initMsg {
		return frameInit, nil
	}
	return frameData, nil
}

// parseInitParams parses the 9 u32 parameters plus capacity that follow the
// 4-byte header in an init frame.
func parseInitParams(body []byte) (InitParams, error) {
	const numParams = 9
	if len(body) < numParams*integerSize+integerSize {
		return InitParams{}, fmt.Errorf("indexserver: init frame too short")
	}

	var p [numParams]uint32
	for i := 0; i < numParams; i++ {
		p[i] = binary.LittleEndian.Uint32(body[i*integerSize : (i+1)*integerSize])
	}
	capacity := binary.LittleEndian.Uint32(body[numParams*integerSize : (numParams+1)*integerSize])

	return InitParams{
		PQ:            p[0] == 1,
		MetricKind:    p[1],
		Quantization:  p[2],
		Dim:           p[3],
		M:             p[4],
		Efc:           p[5],
		Ef:            p[6],
		NumCentroids:  p[7],
		NumSubvectors: p[8],
		Capacity:      capacity,
	}, nil
}

func bytesToF32LE(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		bits := binary.LittleEndian.Uint32(b[i*4 : i*4+4])
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func parseTuple(buf []byte) (label uint64, vec []float32) {
	label = binary.LittleEndian.Uint64(buf[:labelSize])
	vec = bytesToF32LE(buf[labelSize:])
	return
}

func writeErrFrame(w io.Writer, msg string) error {
	header := make([]byte, protocolHeaderSize)
	binary.LittleEndian.PutUint32(header, errMsg)
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := io.WriteString(w, msg)
	return err
}

func writeU64(w io.Writer, v uint64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	_, err := w.Write(buf)
	return err
}
