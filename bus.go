package canopen

// Interface for handling a received CAN frame
type FrameListener interface {
	Handle(frame Frame)
}

// FrameListenerFunc adapts a plain function to a [FrameListener]
type FrameListenerFunc func(frame Frame)

func (f FrameListenerFunc) Handle(frame Frame) {
	f(frame)
}

// A CAN Bus interface
type Bus interface {
	Connect(...any) error                   // Connect to the CAN bus
	Disconnect() error                      // Disconnect from CAN bus
	Send(frame Frame) error                 // Send a frame on the bus
	Subscribe(callback FrameListener) error // Subscribe to all received CAN frames
}

// BusStatusReporter is optionally implemented by a [Bus] that can
// report controller error state (CanError* bits)
type BusStatusReporter interface {
	Status() uint16
}
