// Package transport provides an in-process GATT transport pairing one
// rrsp.Context and one rreq.Context over a single simulated connection.
// It is the one concrete gatt.Link/gatt.ClientLink implementation shipped
// with this module, used by the CLI demo and the integration tests; a real
// deployment replaces it with an actual BLE stack's attribute dispatcher.
//
// Backpressure is simulated with golang.org/x/sys/unix's Eventfd in
// EFD_SEMAPHORE mode: every outbound send consumes one credit, and a
// drained counter surfaces as a send failure exactly the way a full
// controller TX queue would, without needing a real radio to exercise the
// rewind-and-retry path in internal/rrsp.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/sem1-nordic/go-ras/internal/gatt"
)

// ErrBackpressure is returned by Notify/Indicate when the simulated
// transmit credit pool is exhausted.
var ErrBackpressure = errors.New("transport: send credits exhausted")

// responder is the subset of rrsp.Context the loopback needs, kept narrow
// so this package doesn't import internal/rrsp's concrete type directly
// for every caller (cmd/ and tests still construct the real type).
type responder interface {
	HandleControlPointWrite(data []byte) error
}

// requestor is the subset of rreq.Context the loopback needs.
type requestor interface {
	HandleNotify(handle gatt.CharHandle, data []byte)
	HandleIndicate(handle gatt.CharHandle, data []byte, confirm func(error))
}

const initialCredits = 1 << 20

// Loopback implements gatt.Link for the responder side and gatt.ClientLink
// for the requestor side of one connection.
type Loopback struct {
	conn gatt.ConnHandle
	mtu  uint16

	mu   sync.Mutex
	subs map[gatt.CharHandle]map[gatt.SubscriptionKind]bool

	eventfd int

	responder responder
	requestor requestor
}

// NewLoopback creates an unattached loopback transport for conn. Call
// Attach before starting either context.
func NewLoopback(conn gatt.ConnHandle, mtu uint16) (*Loopback, error) {
	fd, err := unix.Eventfd(initialCredits, unix.EFD_NONBLOCK|unix.EFD_SEMAPHORE)
	if err != nil {
		return nil, fmt.Errorf("transport: eventfd: %w", err)
	}
	return &Loopback{
		conn:    conn,
		mtu:     mtu,
		subs:    make(map[gatt.CharHandle]map[gatt.SubscriptionKind]bool),
		eventfd: fd,
	}, nil
}

// Attach wires the responder and requestor cores the loopback will deliver
// to. Must be called once, before Start on either context.
func (l *Loopback) Attach(resp responder, req requestor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.responder = resp
	l.requestor = req
}

// Close releases the eventfd.
func (l *Loopback) Close() error {
	return unix.Close(l.eventfd)
}

func (l *Loopback) takeCredit() error {
	buf := make([]byte, 8)
	_, err := unix.Read(l.eventfd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return ErrBackpressure
		}
		return err
	}
	return nil
}

// Exhaust drains all remaining send credits, forcing the next Notify or
// Indicate to fail with ErrBackpressure. Used by tests to exercise the
// streamer's retry path deterministically.
func (l *Loopback) Exhaust() {
	for l.takeCredit() == nil {
	}
}

// Replenish adds n credits back to the pool.
func (l *Loopback) Replenish(n uint64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, n)
	_, err := unix.Write(l.eventfd, buf)
	return err
}

// --- gatt.Link (responder side: sends to the requestor) ---

// AttrWrite delivers a characteristic write to the responder. Only the
// control point is writable in this service.
func (l *Loopback) AttrWrite(conn gatt.ConnHandle, handle gatt.CharHandle, data []byte) error {
	if handle != gatt.CharControlPoint {
		return fmt.Errorf("transport: characteristic %v is not writable", handle)
	}
	return l.responder.HandleControlPointWrite(data)
}

// AttrRead returns a minimal Features value; this module does not model
// per-characteristic read state beyond that.
func (l *Loopback) AttrRead(conn gatt.ConnHandle, handle gatt.CharHandle, offset int) ([]byte, error) {
	if handle != gatt.CharFeatures {
		return nil, fmt.Errorf("transport: characteristic %v is not readable", handle)
	}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 0x00000003) // real-time + on-demand ranging data supported
	if offset >= len(buf) {
		return nil, nil
	}
	return buf[offset:], nil
}

// Notify delivers a notification synchronously: ordering between
// back-to-back notifications on the same characteristic must be
// preserved, which a goroutine hop would not guarantee.
func (l *Loopback) Notify(conn gatt.ConnHandle, handle gatt.CharHandle, data []byte) error {
	if err := l.takeCredit(); err != nil {
		return err
	}
	l.requestor.HandleNotify(handle, data)
	return nil
}

// Indicate delivers an indication and its confirmation. Both sides' work
// queues are buffered, so it is safe to call straight through even though
// this may run on the responder's own work goroutine.
func (l *Loopback) Indicate(conn gatt.ConnHandle, handle gatt.CharHandle, data []byte, confirm func(error)) error {
	if err := l.takeCredit(); err != nil {
		return err
	}
	l.requestor.HandleIndicate(handle, data, confirm)
	return nil
}

// Subscribed reports the requestor's CCCD state, set via Subscribe.
func (l *Loopback) Subscribed(conn gatt.ConnHandle, handle gatt.CharHandle, kind gatt.SubscriptionKind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subs[handle][kind]
}

// MTU returns the negotiated ATT MTU.
func (l *Loopback) MTU(conn gatt.ConnHandle) uint16 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mtu
}

// SetMTU updates the simulated negotiated MTU.
func (l *Loopback) SetMTU(mtu uint16) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mtu = mtu
}

// --- gatt.ClientLink (requestor side: sends to the responder) ---

// WriteControlPoint forwards a RAS-CP command to the responder.
func (l *Loopback) WriteControlPoint(conn gatt.ConnHandle, data []byte) error {
	return l.responder.HandleControlPointWrite(data)
}

// Subscribe records the requestor's CCCD choice for handle/kind.
func (l *Loopback) Subscribe(conn gatt.ConnHandle, handle gatt.CharHandle, kind gatt.SubscriptionKind) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subs[handle] == nil {
		l.subs[handle] = make(map[gatt.SubscriptionKind]bool)
	}
	l.subs[handle][kind] = true
	return nil
}
