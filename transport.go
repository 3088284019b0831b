package relay

// Transport abstracts the client connection the session owns. The concrete
// implementation is the websocket Conn; tests substitute in-memory fakes.
type Transport interface {
	GetID() string
	SendFrame(frame Frame) error
	IsActive() bool
	Close()
	OnClose(callback func(Transport) error)
	OnFrame(handler func(Frame, Transport) error)
	HandleFrames()
}
