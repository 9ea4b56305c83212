// Package telnet strips in-band telnet control sequences from a byte
// stream so the remaining data can be displayed by a terminal. It does not
// negotiate options; negotiation requests are dropped without a reply.
package telnet

// Telnet command bytes (RFC 854).
const (
	SE   byte = 240
	NOP  byte = 241
	DM   byte = 242
	BRK  byte = 243
	IP   byte = 244
	AO   byte = 245
	AYT  byte = 246
	EC   byte = 247
	EL   byte = 248
	GA   byte = 249
	SB   byte = 250
	WILL byte = 251
	WONT byte = 252
	DO   byte = 253
	DONT byte = 254
	IAC  byte = 255
)

// maxSubnegotiation bounds how many bytes of an IAC SB body are swallowed
// while waiting for IAC SE. A server that never terminates a
// subnegotiation would otherwise blank the session forever.
const maxSubnegotiation = 4096

type parseState uint8

const (
	stateData parseState = iota
	stateIAC
	stateOption
	stateSB
	stateSBIAC
)

// Processor is a streaming IAC filter. State is carried between calls, so
// a sequence split across two reads is removed exactly as if it had
// arrived in one chunk. A Processor is not safe for concurrent use; each
// session owns one.
type Processor struct {
	state  parseState
	sbSeen int
}

// NewProcessor returns a Processor in the data state.
func NewProcessor() *Processor {
	return &Processor{}
}

// Process filters chunk and returns the displayable bytes. The returned
// slice never aliases chunk.
func (p *Processor) Process(chunk []byte) []byte {
	out := make([]byte, 0, len(chunk))
	for _, b := range chunk {
		switch p.state {
		case stateData:
			if b == IAC {
				p.state = stateIAC
				continue
			}
			out = append(out, b)
		case stateIAC:
			switch b {
			case IAC:
				out = append(out, IAC)
				p.state = stateData
			case WILL, WONT, DO, DONT:
				p.state = stateOption
			case SB:
				p.state = stateSB
				p.sbSeen = 0
			default:
				p.state = stateData
			}
		case stateOption:
			p.state = stateData
		case stateSB:
			p.sbSeen++
			if b == IAC {
				p.state = stateSBIAC
				continue
			}
			if p.sbSeen > maxSubnegotiation {
				p.state = stateData
			}
		case stateSBIAC:
			switch b {
			case SE:
				p.state = stateData
			default:
				// IAC IAC inside a body is an escaped data byte of the
				// subnegotiation; anything else is malformed and ignored.
				p.state = stateSB
			}
		}
	}
	return out
}

// Pending reports whether the processor is holding a partial control
// sequence from a previous chunk.
func (p *Processor) Pending() bool {
	return p.state != stateData
}

// BreakSignal returns the two raw bytes of IAC BRK, written directly to the
// destination when the client sends a break gesture.
func BreakSignal() []byte {
	return []byte{IAC, BRK}
}
