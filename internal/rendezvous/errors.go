package rendezvous

import "errors"

// ErrNotRegistered is returned when a send is attempted before the client
// holds a registered link to the server.
var ErrNotRegistered = errors.New("rendezvous: not registered")
