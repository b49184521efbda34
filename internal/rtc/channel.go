package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// dataChannel adapts *webrtc.DataChannel to the raw channel contract the
// encryption layer wraps.
type dataChannel struct {
	dc *webrtc.DataChannel

	mu   sync.Mutex
	open bool
}

func wrapDataChannel(dc *webrtc.DataChannel) *dataChannel {
	c := &dataChannel{dc: dc}
	dc.OnOpen(func() {
		c.mu.Lock()
		c.open = true
		c.mu.Unlock()
	})
	dc.OnClose(func() {
		c.mu.Lock()
		c.open = false
		c.mu.Unlock()
	})
	return c
}

func (c *dataChannel) Send(data []byte) error {
	return c.dc.Send(data)
}

func (c *dataChannel) OnMessage(fn func([]byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

func (c *dataChannel) Close() error { return c.dc.Close() }

func (c *dataChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}
