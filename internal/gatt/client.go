package gatt

// ClientLink is the narrow seam a Ranging Service requestor needs from a
// GATT central role: write the control point and manage its own CCCD
// subscriptions. Inbound data (control-point indications, ranging-data
// notifications/indications, ready/overwritten notifications) arrives
// through the rreq.Context methods instead of this interface, mirroring
// how Link delivers writes into rrsp.Context on the responder side.
type ClientLink interface {
	// WriteControlPoint sends an RAS-CP command to the peer's control
	// point characteristic.
	WriteControlPoint(conn ConnHandle, data []byte) error

	// Subscribe enables or would enable the given CCCD bit on the peer's
	// characteristic for this connection.
	Subscribe(conn ConnHandle, handle CharHandle, kind SubscriptionKind) error

	// MTU returns the ATT MTU currently negotiated for the connection.
	MTU(conn ConnHandle) uint16
}
