package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/kpreisner/scadapoll/internal/types"
)

// Client owns one TCP connection to one device. It reconnects lazily:
// after any failure the connection is dropped and the next
// ReadRegisters dials again. One Client per device; no state is shared
// between instances.
type Client struct {
	address       string
	unitID        uint8
	timeout       time.Duration
	mu            sync.Mutex
	conn          net.Conn
	transactionID uint16
	connected     bool
}

func NewClient(address string, unitID uint8, timeout time.Duration) *Client {
	return &Client{
		address: address,
		unitID:  unitID,
		timeout: timeout,
	}
}

// Connect dials the device. Calling it on an already-connected client
// is a no-op.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *Client) connectLocked() error {
	if c.connected {
		return nil
	}

	conn, err := net.DialTimeout("tcp", c.address, c.timeout)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", types.ErrConnection, c.address, err)
	}

	c.conn = conn
	c.connected = true

	return nil
}

// Close shuts the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}

	err := c.conn.Close()
	c.connected = false
	c.conn = nil

	return err
}

// Connected reports whether the client currently holds a connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// ReadRegisters issues a read-holding-registers request and blocks for
// at most the configured timeout (or the context deadline, whichever
// comes first) waiting for the matching response. On any failure the
// client marks itself disconnected so the next call reconnects.
func (c *Client) ReadRegisters(ctx context.Context, startAddr uint16, count uint16) (types.RawRegisters, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(); err != nil {
		return types.RawRegisters{}, err
	}

	c.transactionID++
	request := ReadHoldingRegistersRequest(c.transactionID, c.unitID, startAddr, count)

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.conn.SetDeadline(deadline)

	if _, err := c.conn.Write(request.Encode()); err != nil {
		c.dropLocked()
		return types.RawRegisters{}, classify("write", err)
	}

	response, err := c.readFrameLocked()
	if err != nil {
		c.dropLocked()
		return types.RawRegisters{}, err
	}

	if response.TransactionID != request.TransactionID {
		c.dropLocked()
		return types.RawRegisters{}, fmt.Errorf("%w: transaction ID mismatch: expected %d, got %d",
			types.ErrProtocol, request.TransactionID, response.TransactionID)
	}

	if response.IsException() {
		// The connection itself is fine, only this request failed.
		return types.RawRegisters{}, fmt.Errorf("%w: device exception code 0x%02X",
			types.ErrProtocol, response.ExceptionCode())
	}

	words, err := response.ParseRegisterResponse()
	if err != nil {
		c.dropLocked()
		return types.RawRegisters{}, fmt.Errorf("%w: %v", types.ErrProtocol, err)
	}

	return types.RawRegisters{Start: startAddr, Words: words}, nil
}

// readFrameLocked reads exactly one length-framed MBAP response.
func (c *Client) readFrameLocked() (*Frame, error) {
	header := make([]byte, mbapHeaderSize-1)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return nil, classify("read header", err)
	}

	length := int(header[4])<<8 | int(header[5])
	if length < 2 || length > MaxFrameSize-6 {
		return nil, fmt.Errorf("%w: implausible frame length %d", types.ErrProtocol, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return nil, classify("read body", err)
	}

	frame, err := DecodeFrame(append(header, body...))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrProtocol, err)
	}

	return frame, nil
}

func (c *Client) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}

// classify sorts socket errors into the timeout/connection taxonomy.
func classify(op string, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %s: %v", types.ErrTimeout, op, err)
	}
	return fmt.Errorf("%w: %s: %v", types.ErrConnection, op, err)
}
