package phone

import "context"

// LinkHandler receives raw device and call lifecycle events from a LinkSource.
type LinkHandler interface {
	DeviceChanged(u DeviceUpdate)
	CallAdded(path string, props CallProps)
	CallPropertiesChanged(path string, props CallProps)
	CallRemoved(path string)
}

// LinkSource delivers daemon events to a handler until closed.
//
//   - Start registers subscriptions, reports the devices and calls that already
//     exist, then dispatches in the background. Calling Start twice is a no-op.
//   - Handlers are invoked from the source's dispatch goroutine one at a time.
//   - Close stops dispatching; it is safe to call more than once.
type LinkSource interface {
	Start(ctx context.Context, h LinkHandler) error
	Close() error
}

// DeviceLister returns the devices currently connected, used for polling when
// no LinkSource is available.
type DeviceLister interface {
	ConnectedDevices(ctx context.Context) ([]Device, error)
}

// CallControl invokes a Call1 method such as "Answer" or "Hangup" on the call
// object at path.
type CallControl interface {
	Call(ctx context.Context, path, method string) error
}
