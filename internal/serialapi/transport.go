package serialapi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// Error taxonomy for transport transactions. Callers distinguish these with
// errors.Is; context cancellation propagates as ctx.Err() and is never wrapped
// into one of them.
var (
	// ErrTransport covers link-level failures: ACK never arrived within the
	// retry budget, the controller rejected the request, or the port died.
	ErrTransport = errors.New("serialapi: transport failure")

	// ErrTimeout means the controller acknowledged the request but the
	// response or delivery callback never arrived in time.
	ErrTimeout = errors.New("serialapi: timeout")

	// ErrClosed is returned for operations on a closed transport.
	ErrClosed = errors.New("serialapi: transport closed")
)

const (
	defaultAckTimeout      = 1600 * time.Millisecond
	maxRetransmits         = 3
	defaultRetryBase       = 100 * time.Millisecond
	defaultResponseTimeout = 5 * time.Second
	defaultCallbackTimeout = 65 * time.Second // sleeping nodes answer on their own schedule
)

// SendData transmit options: ACK + auto route + explore.
const txOptions byte = 0x25

// Transmit status values delivered in the SendData callback.
const (
	TxStatusOK      byte = 0x00
	TxStatusNoAck   byte = 0x01
	TxStatusFail    byte = 0x02
	TxStatusNoRoute byte = 0x04
)

// Transport owns the serial channel to the controller: link framing,
// ACK/NAK/CAN handshake with retransmission, and correlation of host requests
// with controller responses. The wire carries no request identifier, so at
// most one request/response transaction runs at a time; later callers queue
// on the transaction mutex.
type Transport struct {
	port   io.ReadWriteCloser
	reader *bufio.Reader
	logger *slog.Logger

	writeMu sync.Mutex
	reqMu   sync.Mutex // the single pending-request slot

	ackCh chan byte       // ACK/NAK/CAN bytes from the pump
	resCh chan *DataFrame // response frames, FIFO to the pending request

	// SendData delivery callbacks keyed by callback ID.
	cbMu      sync.Mutex
	cbPending map[byte]chan *DataFrame
	cbID      atomic.Uint32

	// Unsolicited request frames are handed to the driver layer.
	handlerMu sync.RWMutex
	onRequest func(*DataFrame)

	// Timing knobs, set to the protocol defaults by New.
	ackTimeout      time.Duration
	retryBase       time.Duration
	responseTimeout time.Duration
	callbackTimeout time.Duration

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open opens the serial port to the controller and starts the receive pump.
func Open(portName string, baud int, logger *slog.Logger) (*Transport, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("serialapi: open %s: %w", portName, err)
	}
	// USB bridges on Z-Wave sticks want DTR/RTS asserted.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)
	return New(port, logger), nil
}

// New wraps an already-open duplex byte channel and starts the receive pump.
func New(port io.ReadWriteCloser, logger *slog.Logger) *Transport {
	t := &Transport{
		port:            port,
		reader:          bufio.NewReader(port),
		logger:          logger,
		ackCh:           make(chan byte, 4),
		resCh:           make(chan *DataFrame, 1),
		cbPending:       make(map[byte]chan *DataFrame),
		ackTimeout:      defaultAckTimeout,
		retryBase:       defaultRetryBase,
		responseTimeout: defaultResponseTimeout,
		callbackTimeout: defaultCallbackTimeout,
		done:            make(chan struct{}),
	}
	t.wg.Add(1)
	go t.readLoop()
	return t
}

// OnRequest registers the sink for unsolicited request frames (application
// commands, application updates). Frames resolving an in-flight SendData
// callback are consumed internally and never reach the sink.
func (t *Transport) OnRequest(handler func(*DataFrame)) {
	t.handlerMu.Lock()
	t.onRequest = handler
	t.handlerMu.Unlock()
}

// nextCallbackID cycles 1..255; zero means "no callback" on the wire.
func (t *Transport) nextCallbackID() byte {
	for {
		if id := byte(t.cbID.Add(1)); id != 0 {
			return id
		}
	}
}

// SendRequest issues one request/response transaction. It holds the pending
// request slot for the whole exchange: later callers block until this
// transaction resolves.
func (t *Transport) SendRequest(ctx context.Context, funcID byte, params []byte) (*DataFrame, error) {
	t.reqMu.Lock()
	defer t.reqMu.Unlock()

	// A stale response from an abandoned transaction must not answer us.
	select {
	case stale := <-t.resCh:
		t.logger.Warn("stale response discarded", "func", FuncName(stale.FuncID))
	default:
	}

	raw := encodeDataFrame(frameTypeRequest, funcID, params)
	if err := t.writeWithAck(ctx, raw); err != nil {
		return nil, fmt.Errorf("send %s: %w", FuncName(funcID), err)
	}
	t.logger.Debug("serial TX", "func", FuncName(funcID), "params", fmt.Sprintf("%X", params))

	deadline := time.NewTimer(t.responseTimeout)
	defer deadline.Stop()
	select {
	case res := <-t.resCh:
		t.logger.Debug("serial RX", "func", FuncName(res.FuncID), "params", fmt.Sprintf("%X", res.Params))
		return res, nil
	case <-deadline.C:
		return nil, fmt.Errorf("response to %s: %w", FuncName(funcID), ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrClosed
	}
}

// SendData transmits an application payload to a node via ZW_SendData and
// waits for the delivery callback. Params on the wire: nodeID, length,
// payload, txOptions, callbackID.
func (t *Transport) SendData(ctx context.Context, nodeID byte, payload []byte) error {
	cbID := t.nextCallbackID()

	// Register before sending: the callback can beat our return from SendRequest.
	ch := make(chan *DataFrame, 1)
	t.cbMu.Lock()
	t.cbPending[cbID] = ch
	t.cbMu.Unlock()
	defer func() {
		t.cbMu.Lock()
		delete(t.cbPending, cbID)
		t.cbMu.Unlock()
	}()

	params := make([]byte, 0, len(payload)+4)
	params = append(params, nodeID, byte(len(payload)))
	params = append(params, payload...)
	params = append(params, txOptions, cbID)

	res, err := t.SendRequest(ctx, FuncSendData, params)
	if err != nil {
		return err
	}
	if len(res.Params) < 1 || res.Params[0] == 0 {
		// Controller queue full or request refused outright.
		return fmt.Errorf("send data to node %d rejected: %w", nodeID, ErrTransport)
	}

	deadline := time.NewTimer(t.callbackTimeout)
	defer deadline.Stop()
	select {
	case cb := <-ch:
		if cb == nil {
			return ErrClosed
		}
		if len(cb.Params) < 2 {
			return fmt.Errorf("send data callback truncated: %w", ErrTransport)
		}
		if status := cb.Params[1]; status != TxStatusOK {
			return fmt.Errorf("send data to node %d: tx status 0x%02X: %w", nodeID, status, ErrTransport)
		}
		return nil
	case <-deadline.C:
		return fmt.Errorf("send data callback for node %d: %w", nodeID, ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return ErrClosed
	}
}

// writeWithAck writes a frame and waits for the link-level ACK, retransmitting
// the identical bytes on NAK, CAN or silence. The retry delay grows with each
// attempt so a busy controller gets room to drain.
func (t *Transport) writeWithAck(ctx context.Context, frame []byte) error {
	for attempt := 0; attempt <= maxRetransmits; attempt++ {
		if attempt > 0 {
			delay := t.retryBase + time.Duration(attempt)*10*t.retryBase
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			case <-t.done:
				return ErrClosed
			}
		}

		t.writeMu.Lock()
		_, err := t.port.Write(frame)
		t.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("serial write: %w (%w)", err, ErrTransport)
		}

		deadline := time.NewTimer(t.ackTimeout)
	waitAck:
		for {
			select {
			case b := <-t.ackCh:
				switch b {
				case frameACK:
					deadline.Stop()
					return nil
				case frameCAN:
					// Controller is mid-transmission of its own frame; back
					// off and retransmit.
					t.logger.Debug("CAN received, will retransmit", "attempt", attempt+1)
					deadline.Stop()
					break waitAck
				case frameNAK:
					t.logger.Warn("NAK received, will retransmit", "attempt", attempt+1)
					deadline.Stop()
					break waitAck
				}
			case <-deadline.C:
				t.logger.Warn("ACK timeout", "attempt", attempt+1)
				break waitAck
			case <-ctx.Done():
				deadline.Stop()
				return ctx.Err()
			case <-t.done:
				deadline.Stop()
				return ErrClosed
			}
		}
	}
	return fmt.Errorf("no ACK after %d attempts: %w", maxRetransmits+1, ErrTransport)
}

func (t *Transport) sendByte(b byte) {
	t.writeMu.Lock()
	_, err := t.port.Write([]byte{b})
	t.writeMu.Unlock()
	if err != nil {
		t.logger.Error("serial write handshake byte failed", "err", err)
	}
}

// readLoop is the receive pump: it delinks frames, verifies checksums,
// acknowledges good data frames and routes them. It is the only reader of the
// port.
func (t *Transport) readLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.done:
			return
		default:
		}

		raw, err := readRawFrame(t.reader)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				if err != io.EOF && !strings.Contains(err.Error(), "closed") {
					t.logger.Error("serial read error", "err", err)
				}
				select {
				case <-time.After(50 * time.Millisecond):
					continue
				case <-t.done:
					return
				}
			}
		}

		if len(raw) == 1 {
			select {
			case t.ackCh <- raw[0]:
			default:
			}
			continue
		}

		frame, err := decodeDataFrame(raw)
		if err != nil {
			// Corrupted frame: NAK so the controller retransmits, and never
			// deliver it upward.
			t.logger.Warn("bad data frame, sending NAK", "err", err)
			t.sendByte(frameNAK)
			continue
		}
		t.sendByte(frameACK)

		if frame.IsResponse() {
			select {
			case t.resCh <- frame:
			default:
				t.logger.Warn("orphaned response (no pending request)",
					"func", FuncName(frame.FuncID),
					"params", fmt.Sprintf("%X", frame.Params))
			}
			continue
		}

		t.handleRequestFrame(frame)
	}
}

// handleRequestFrame routes an inbound request frame: SendData delivery
// callbacks resolve their waiter, everything else is unsolicited and goes to
// the driver sink.
func (t *Transport) handleRequestFrame(frame *DataFrame) {
	if frame.FuncID == FuncSendData && len(frame.Params) >= 1 {
		cbID := frame.Params[0]
		t.cbMu.Lock()
		ch, ok := t.cbPending[cbID]
		t.cbMu.Unlock()
		if ok {
			select {
			case ch <- frame:
			default:
			}
			return
		}
		t.logger.Warn("orphaned send data callback", "callback", cbID)
		return
	}

	t.handlerMu.RLock()
	h := t.onRequest
	t.handlerMu.RUnlock()
	if h != nil {
		h(frame)
	} else {
		t.logger.Debug("unsolicited frame dropped (no handler)",
			"func", FuncName(frame.FuncID))
	}
}

// Close stops the pump, closes the port, and releases every waiter.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.port.Close()
		t.wg.Wait()

		t.cbMu.Lock()
		for id, ch := range t.cbPending {
			close(ch)
			delete(t.cbPending, id)
		}
		t.cbMu.Unlock()
	})
	return err
}
