package peermgr

import "errors"

// ErrSelfConnection is returned when a node tries to negotiate a session
// with its own node id.
var ErrSelfConnection = errors.New("peermgr: connection to self")
