package vebus

type parserState int

const (
	seekSync parserState = iota
	seekSyncTail
	readPayload
)

// Parser reassembles reply payloads one byte at a time.
type Parser struct {
	state   parserState
	payload [PAYLOAD_SIZE]byte
	n       int
}

// Feed consumes one byte and returns a complete payload when one is ready.
// The returned slice is only valid until the next call.
func (p *Parser) Feed(b byte) ([]byte, bool) {
	switch p.state {
	case seekSync:
		if b == SYNC_BYTE_0 {
			p.state = seekSyncTail
		}
	case seekSyncTail:
		switch b {
		case SYNC_BYTE_1:
			p.state = readPayload
			p.n = 0
		case SYNC_BYTE_0:
		default:
			p.state = seekSync
		}
	case readPayload:
		p.payload[p.n] = b
		p.n++
		if p.n == PAYLOAD_SIZE {
			p.state = seekSync
			p.n = 0
			return p.payload[:], true
		}
	}
	return nil, false
}

func (p *Parser) Reset() {
	p.state = seekSync
	p.n = 0
}
