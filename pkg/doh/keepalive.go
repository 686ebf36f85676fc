package doh

// keepaliveQuery asks for the A record of www.example.com with id 0.
var keepaliveQuery = []byte{
	0x00, 0x00, 0x01, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x03, 'w', 'w', 'w',
	0x07, 'e', 'x', 'a', 'm', 'p', 'l', 'e',
	0x03, 'c', 'o', 'm', 0x00,
	0x00, 0x01, 0x00, 0x01,
}

// Keepalive sends a fixed query through the session so idle upstreams don't
// drop it. The answer is discarded and never cached. It reports whether the
// session is still open afterwards.
func (t *Transport) Keepalive() bool {
	if t.state != StateOpen {
		return false
	}
	t.slot.Clear()
	t.Exchange(keepaliveQuery)
	return t.state == StateOpen
}
