package migration

import (
	"fmt"
	"net"
	"time"

	"github.com/tidwall/redcon"
)

// pipeline buffers restore commands destined for one migration's peer
// connection, flushing them in batches under a throughput ceiling and
// validating the destination's responses.
type pipeline struct {
	conn net.Conn

	maxPipeline int
	maxSpeed    int64 // bytes/sec, 0 = unlimited

	buf          []byte
	queued       int
	lastSendTime time.Time

	stop func() bool
}

func newPipeline(conn net.Conn, maxPipeline int, maxSpeed int64, stop func() bool) *pipeline {
	return &pipeline{conn: conn, maxPipeline: maxPipeline, maxSpeed: maxSpeed, stop: stop}
}

// enqueue appends one multi-bulk command's wire bytes to the buffer.
func (p *pipeline) enqueue(args [][]byte) {
	p.buf = redcon.AppendArray(p.buf, len(args))
	for _, a := range args {
		p.buf = redcon.AppendBulk(p.buf, a)
	}
	p.queued++
}

// flushIfNeeded flushes the buffered commands when forced, or once the
// pipeline depth reaches maxPipeline.
func (p *pipeline) flushIfNeeded(force bool) error {
	if p.stop != nil && p.stop() {
		return fmt.Errorf("%w: stop requested", errCanceled)
	}
	if !force && p.queued < p.maxPipeline {
		return nil
	}
	if p.queued == 0 {
		return nil
	}
	return p.flush()
}

func (p *pipeline) flush() error {
	p.applySpeedLimit()

	if _, err := p.conn.Write(p.buf); err != nil {
		return fmt.Errorf("%w: %v", errTransport, err)
	}
	p.lastSendTime = time.Now()

	if err := p.awaitResponses(p.queued); err != nil {
		return err
	}

	p.buf = p.buf[:0]
	p.queued = 0
	return nil
}

// applySpeedLimit sleeps, if necessary, so consecutive flushes are spaced
// by at least T = max(1us, 1e6 * P / B).
func (p *pipeline) applySpeedLimit() {
	if p.maxSpeed <= 0 {
		return
	}
	interval := time.Duration(1_000_000*int64(p.maxPipeline)/p.maxSpeed) * time.Microsecond
	if interval < time.Microsecond {
		interval = time.Microsecond
	}
	if p.lastSendTime.IsZero() {
		return
	}
	earliest := p.lastSendTime.Add(interval)
	if wait := time.Until(earliest); wait > 0 {
		time.Sleep(wait)
	}
}

func (p *pipeline) awaitResponses(total int) error {
	p.conn.SetReadDeadline(time.Now().Add(RecvTimeout))
	defer p.conn.SetReadDeadline(time.Time{})

	parser := newRespParser(total)
	chunk := make([]byte, 4096)
	for !parser.Done() {
		n, err := p.conn.Read(chunk)
		if err != nil {
			return fmt.Errorf("%w: %v", errTransport, err)
		}
		parser.Feed(chunk[:n])
		if err := parser.Step(); err != nil {
			return fmt.Errorf("%w: %v", errProtocol, err)
		}
	}
	return nil
}
