package peerservice

import "errors"

var (
    // ErrNotInitialized is returned when a read finds no cached value, which
    // only happens before Start has completed.
    ErrNotInitialized = errors.New("peerservice: not initialized")
    // ErrStopped is returned for calls made after Stop.
    ErrStopped = errors.New("peerservice: stopped")
    // ErrNilState is returned by UpdateState when given a nil state.
    ErrNilState = errors.New("peerservice: nil state")
)
