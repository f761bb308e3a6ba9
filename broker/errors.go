package broker

import "errors"

// ErrClosed is returned by operations on a PubSub that has been closed.
var ErrClosed = errors.New("broker: pubsub closed")
