package ras

import (
	"sync"

	"github.com/sem1-nordic/go-ras/internal/gatt"
)

// MockLink provides a mock implementation of gatt.Link for unit testing
// responder-side code without a real or loopback transport. It records
// every outbound send and lets a test script the peer's CCCD state and
// send-failure behavior, mirroring the teacher's MockBackend call-tracking
// shape.
type MockLink struct {
	mu sync.Mutex

	subs map[gatt.CharHandle]map[gatt.SubscriptionKind]bool
	mtu  uint16

	writes    []mockWrite
	notifies  []mockSend
	indicates []mockSend

	notifyErr   error
	indicateErr error

	notifyCalls   int
	indicateCalls int
	writeCalls    int
}

type mockWrite struct {
	Handle gatt.CharHandle
	Data   []byte
}

type mockSend struct {
	Handle gatt.CharHandle
	Data   []byte
}

// NewMockLink creates a mock link with the given negotiated MTU.
func NewMockLink(mtu uint16) *MockLink {
	return &MockLink{
		subs: make(map[gatt.CharHandle]map[gatt.SubscriptionKind]bool),
		mtu:  mtu,
	}
}

// AttrWrite implements gatt.Link.
func (m *MockLink) AttrWrite(conn gatt.ConnHandle, handle gatt.CharHandle, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeCalls++
	m.writes = append(m.writes, mockWrite{Handle: handle, Data: append([]byte(nil), data...)})
	return nil
}

// AttrRead implements gatt.Link with a fixed Features bitmap.
func (m *MockLink) AttrRead(conn gatt.ConnHandle, handle gatt.CharHandle, offset int) ([]byte, error) {
	if handle != gatt.CharFeatures {
		return nil, NewError("AttrRead", ErrCodeInvalidParameter, "characteristic not readable")
	}
	return []byte{0x03, 0x00, 0x00, 0x00}, nil
}

// Notify implements gatt.Link, recording the send and returning the
// scripted error, if any.
func (m *MockLink) Notify(conn gatt.ConnHandle, handle gatt.CharHandle, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifyCalls++
	if m.notifyErr != nil {
		return m.notifyErr
	}
	m.notifies = append(m.notifies, mockSend{Handle: handle, Data: append([]byte(nil), data...)})
	return nil
}

// Indicate implements gatt.Link, invoking confirm synchronously with nil.
// When SetIndicateErr has scripted an error, Indicate returns that error
// and does not invoke confirm.
func (m *MockLink) Indicate(conn gatt.ConnHandle, handle gatt.CharHandle, data []byte, confirm func(error)) error {
	m.mu.Lock()
	m.indicateCalls++
	if m.indicateErr != nil {
		err := m.indicateErr
		m.mu.Unlock()
		return err
	}
	m.indicates = append(m.indicates, mockSend{Handle: handle, Data: append([]byte(nil), data...)})
	m.mu.Unlock()
	if confirm != nil {
		confirm(nil)
	}
	return nil
}

// Subscribed implements gatt.Link.
func (m *MockLink) Subscribed(conn gatt.ConnHandle, handle gatt.CharHandle, kind gatt.SubscriptionKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[handle][kind]
}

// MTU implements gatt.Link.
func (m *MockLink) MTU(conn gatt.ConnHandle) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mtu
}

// SetSubscribed scripts the peer's CCCD state for a test.
func (m *MockLink) SetSubscribed(handle gatt.CharHandle, kind gatt.SubscriptionKind, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[handle] == nil {
		m.subs[handle] = make(map[gatt.SubscriptionKind]bool)
	}
	m.subs[handle][kind] = on
}

// SetNotifyErr scripts Notify to fail with err until cleared.
func (m *MockLink) SetNotifyErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifyErr = err
}

// SetIndicateErr scripts Indicate to fail with err until cleared.
func (m *MockLink) SetIndicateErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indicateErr = err
}

// CallCounts returns the number of times each Link method has been called.
func (m *MockLink) CallCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{
		"write":    m.writeCalls,
		"notify":   m.notifyCalls,
		"indicate": m.indicateCalls,
	}
}

// Reset clears all recorded calls and scripted errors.
func (m *MockLink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = nil
	m.notifies = nil
	m.indicates = nil
	m.notifyCalls = 0
	m.indicateCalls = 0
	m.writeCalls = 0
	m.notifyErr = nil
	m.indicateErr = nil
}

// LastNotify returns the most recent Notify payload sent on handle, if any.
func (m *MockLink) LastNotify(handle gatt.CharHandle) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.notifies) - 1; i >= 0; i-- {
		if m.notifies[i].Handle == handle {
			return m.notifies[i].Data, true
		}
	}
	return nil, false
}

// MockClientLink provides a mock implementation of gatt.ClientLink for
// unit testing requestor-side code.
type MockClientLink struct {
	mu sync.Mutex

	subs map[gatt.CharHandle]map[gatt.SubscriptionKind]bool
	mtu  uint16

	writes   []mockWrite
	writeErr error
}

// NewMockClientLink creates a mock client link with the given MTU.
func NewMockClientLink(mtu uint16) *MockClientLink {
	return &MockClientLink{
		subs: make(map[gatt.CharHandle]map[gatt.SubscriptionKind]bool),
		mtu:  mtu,
	}
}

// WriteControlPoint implements gatt.ClientLink.
func (m *MockClientLink) WriteControlPoint(conn gatt.ConnHandle, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.writes = append(m.writes, mockWrite{Handle: gatt.CharControlPoint, Data: append([]byte(nil), data...)})
	return nil
}

// Subscribe implements gatt.ClientLink.
func (m *MockClientLink) Subscribe(conn gatt.ConnHandle, handle gatt.CharHandle, kind gatt.SubscriptionKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[handle] == nil {
		m.subs[handle] = make(map[gatt.SubscriptionKind]bool)
	}
	m.subs[handle][kind] = true
	return nil
}

// MTU implements gatt.ClientLink.
func (m *MockClientLink) MTU(conn gatt.ConnHandle) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mtu
}

// SetWriteErr scripts WriteControlPoint to fail with err until cleared.
func (m *MockClientLink) SetWriteErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// Writes returns a copy of every control point write captured so far.
func (m *MockClientLink) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.writes))
	for i, w := range m.writes {
		out[i] = w.Data
	}
	return out
}

// Reset clears recorded writes and scripted errors.
func (m *MockClientLink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = nil
	m.writeErr = nil
}

var _ gatt.Link = (*MockLink)(nil)
var _ gatt.ClientLink = (*MockClientLink)(nil)
