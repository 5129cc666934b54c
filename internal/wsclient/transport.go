package wsclient

import "github.com/sheerbytes/sealdrop/internal/transfer"

var _ transfer.Transport = (*Conn)(nil)
var _ transfer.Channel = (*Channel)(nil)

// Open implements transfer.Transport.
func (c *Conn) Open(topic string, params any) (transfer.Channel, error) {
	ch, err := c.Channel(topic, params)
	if err != nil {
		return nil, err
	}
	return ch, nil
}
