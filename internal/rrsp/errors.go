package rrsp

import "errors"

// ErrNotSubscribed is returned by HandleControlPointWrite when the peer has
// not enabled RAS-CP indications; the caller surfaces this as ATT error
// 0xFD (Improper Client Characteristic Configuration Descriptor).
var ErrNotSubscribed = errors.New("rrsp: peer not subscribed for RAS-CP indications")

// ErrWriteRejected is returned when a command handler is already pending;
// the caller surfaces this as ATT error 0xFC (Write Request Rejected).
var ErrWriteRejected = errors.New("rrsp: command handler already pending")
