package indexserver

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/lanterndata/lanternd/internal/logger"
)

// Index is the external collaborator building the actual HNSW/PQ graph
// (spec.md §1: "the in-memory HNSW/product-quantization algorithms" are out
// of scope for the core). Implementations must be safe for concurrent Add
// calls from the worker pool below.
type Index interface {
	Add(label uint64, vec []float32) error
	Reserve(capacity int) error
	Capacity() int
	Size() int
	Dimensions() int
	Save(path string) error
}

// IndexFactory builds a fresh Index from parsed init parameters and an
// optional PQ codebook.
type IndexFactory func(params InitParams, codebook []float32) (Index, error)

// Server is the single-tenant TCP server described in spec.md §4.8: it
// accepts one connection at a time because the builder saturates the CPU.
type Server struct {
	addr        string
	readTimeout time.Duration
	newIndex    IndexFactory
	log         *logger.Logger
}

// New builds a Server bound to addr.
func New(addr string, readTimeout time.Duration, newIndex IndexFactory, log *logger.Logger) *Server {
	return &Server{addr: addr, readTimeout: readTimeout, newIndex: newIndex, log: log.With("component", "indexserver")}
}

// Run binds addr and serves connections, one at a time, until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("indexserver: bind %s: %w", s.addr, err)
	}
	s.log.Info("external indexing server started", "addr", s.addr)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Error("accept failed", "error", err)
			continue
		}
		s.log.Debug("new connection", "remote", conn.RemoteAddr().String())
		if err := s.handleConn(conn); err != nil {
			s.log.Error("indexing error", "error", err)
			_ = writeErrFrame(conn, err.Error())
		}
		conn.Close()
	}
}

func (s *Server) handleConn(conn net.Conn) error {
	start := time.Now()
	if err := conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
		return fmt.Errorf("indexserver: set read deadline: %w", err)
	}

	idx, params, err := s.initializeIndex(conn)
	if err != nil {
		return err
	}

	numCores := runtime.NumCPU()
	rowCh := make(chan []tupleRow, numCores)
	errCh := make(chan error, numCores)

	var wg sync.WaitGroup
	wg.Add(numCores)
	for i := 0; i < numCores; i++ {
		go func() {
			defer wg.Done()
			for rows := range rowCh {
				for _, r := range rows {
					if err := idx.Add(r.label, r.vec); err != nil {
						select {
						case errCh <- err:
						default:
						}
					}
				}
			}
		}()
	}

	if err := s.receiveRows(conn, idx, params.Dim, rowCh); err != nil {
		close(rowCh)
		wg.Wait()
		return err
	}
	close(rowCh)
	wg.Wait()

	select {
	case err := <-errCh:
		return fmt.Errorf("indexserver: index insert failed: %w", err)
	default:
	}

	if err := writeU64(conn, uint64(idx.Size())); err != nil {
		return fmt.Errorf("indexserver: write row count: %w", err)
	}

	path := fmt.Sprintf("ldb-index-%d.usearch", time.Now().UnixNano()%1000)
	if err := idx.Save(path); err != nil {
		return fmt.Errorf("indexserver: save index: %w", err)
	}
	defer os.Remove(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("indexserver: read index file: %w", err)
	}

	if err := writeU64(conn, uint64(len(data))); err != nil {
		return fmt.Errorf("indexserver: write file size: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("indexserver: write index bytes: %w", err)
	}

	s.log.Debug("indexing finished", "elapsed", time.Since(start))
	return nil
}

func (s *Server) initializeIndex(conn net.Conn) (Index, InitParams, error) {
	buf := make([]byte, indexHeaderLength)
	kind, err := readFrame(conn, buf, indexHeaderLength, true)
	if err != nil {
		return nil, InitParams{}, err
	}
	if kind != frameInit {
		return nil, InitParams{}, fmt.Errorf("indexserver: expected init message first")
	}

	params, err := parseInitParams(buf[protocolHeaderSize:indexHeaderLength])
	if err != nil {
		return nil, InitParams{}, err
	}

	var codebook []float32
	if params.PQ {
		codebook, err = s.readCodebook(conn, params)
		if err != nil {
			return nil, InitParams{}, err
		}
	}

	idx, err := s.newIndex(params, codebook)
	if err != nil {
		return nil, InitParams{}, fmt.Errorf("indexserver: construct index: %w", err)
	}
	if err := idx.Reserve(int(params.Capacity)); err != nil {
		return nil, InitParams{}, fmt.Errorf("indexserver: reserve capacity: %w", err)
	}

	if _, err := conn.Write([]byte{0}); err != nil {
		return nil, InitParams{}, fmt.Errorf("indexserver: write init ack: %w", err)
	}
	return idx, params, nil
}

func (s *Server) readCodebook(conn net.Conn, params InitParams) ([]float32, error) {
	frameSize := int(params.Dim) * integerSize
	buf := make([]byte, frameSize)
	codebook := make([]float32, 0, int(params.NumCentroids)*int(params.Dim))

	for {
		kind, err := readFrame(conn, buf, frameSize, false)
		if err != nil {
			return nil, err
		}
		if kind == frameExit {
			break
		}
		if kind != frameData {
			return nil, fmt.Errorf("indexserver: invalid message received while reading codebook")
		}
		codebook = append(codebook, bytesToF32LE(buf)...)
	}
	s.log.Info("received codebook", "len", len(codebook))
	return codebook, nil
}

type tupleRow struct {
	label uint64
	vec   []float32
}

func (s *Server) receiveRows(conn net.Conn, idx Index, dim uint32, rowCh chan<- []tupleRow) error {
	const batchSize = 2000
	currentCapacity := idx.Capacity()
	received := 0
	batch := make([]tupleRow, 0, batchSize)

	frameSize := labelSize + int(dim)*integerSize
	buf := make([]byte, frameSize)

	for {
		kind, err := readFrame(conn, buf, frameSize, false)
		if err != nil {
			return err
		}
		if kind == frameExit {
			break
		}
		if kind != frameData {
			return fmt.Errorf("indexserver: invalid message received")
		}

		label, vec := parseTuple(buf)
		received++
		if received == currentCapacity {
			currentCapacity *= 2
			if err := idx.Reserve(currentCapacity); err != nil {
				return fmt.Errorf("indexserver: reserve capacity: %w", err)
			}
		}

		batch = append(batch, tupleRow{label: label, vec: vec})
		if len(batch) == batchSize {
			rowCh <- batch
			batch = make([]tupleRow, 0, batchSize)
		}
	}

	if len(batch) > 0 {
		rowCh <- batch
	}
	return nil
}
