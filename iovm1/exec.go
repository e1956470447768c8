package iovm1

// Transfer describes a READ or WRITE for the start and end events.
type Transfer struct {
	PC   uint32
	TDU  uint8
	Addr uint32
	Len  int
}

// WaitComplete is raised when a WAIT condition stops holding.
type WaitComplete struct {
	PC    uint32
	O     Opcode
	TDU   uint8
	Addr  uint32
	Value uint8
}

// End is raised when the program ends, successfully or not. State is the
// state the VM was left in, StateReset if it auto-restarted.
type End struct {
	PC     uint32
	O      Opcode
	Result Result
	State  State
}

type eventKind uint8

const (
	evReadStart eventKind = iota
	evReadChunk
	evReadComplete
	evWriteStart
	evWriteEnd
	evWaitComplete
	evEnd
)

const maxEventsPerStep = 4

type event struct {
	kind eventKind
	xfer Transfer
	wait WaitComplete
	end  End
	data []byte
}

func (m *VM) emit(ev event) {
	if len(m.events) < maxEventsPerStep {
		m.events = append(m.events, ev)
	}
}

func (m *VM) dispatch(ev *event) {
	if m.l == nil {
		return
	}
	switch ev.kind {
	case evReadStart:
		m.l.ReadStart(m, ev.xfer)
	case evReadChunk:
		m.l.ReadChunk(m, ev.data)
	case evReadComplete:
		m.l.ReadComplete(m)
	case evWriteStart:
		m.l.WriteStart(m, ev.xfer)
	case evWriteEnd:
		m.l.WriteEnd(m, ev.xfer)
	case evWaitComplete:
		m.l.WaitComplete(m, ev.wait)
	case evEnd:
		m.l.End(m, ev.end)
	}
}

func (m *VM) quota() int {
	q := 0
	if m.host != nil {
		q = m.host.Quota()
	}
	if q <= 0 {
		q = DefaultQuota
	}
	return q
}

func (m *VM) resolve(tdu uint8) ([]byte, bool) {
	if m.host == nil {
		return nil, false
	}
	return m.host.Resolve(Target(tdu & TargetMask))
}

func (m *VM) step() {
	switch m.state {
	case StateReset:
		m.state = StateExecuteNext
		m.executeNext()
	case StateExecuteNext:
		m.executeNext()
	case StateRead:
		m.stepRead()
	case StateWrite:
		m.stepWrite()
	case StateWait:
		m.stepWait()
	}
}

func (m *VM) end(res Result) {
	ev := End{PC: uint32(m.pc), O: m.o, Result: res}

	restart := m.flags&FlagAutoRestartOnEnd != 0
	if res != Success {
		restart = m.flags&FlagAutoRestartOnError != 0
	}
	if restart {
		m.reset()
	} else {
		m.x = transfer{}
		m.state = StateEnded
	}

	ev.State = m.state
	m.emit(event{kind: evEnd, end: ev})
}

func (m *VM) imm8() uint32 {
	v := uint32(m.prog[m.off])
	m.off++
	return v
}

func (m *VM) imm16() uint32 {
	v := uint32(m.prog[m.off]) | uint32(m.prog[m.off+1])<<8
	m.off += 2
	return v
}

func (m *VM) imm24() uint32 {
	v := uint32(m.prog[m.off]) | uint32(m.prog[m.off+1])<<8 | uint32(m.prog[m.off+2])<<16
	m.off += 3
	return v
}

func (m *VM) executeNext() {
	for i := 0; i < MaxSetupPerStep; i++ {
		if m.off >= len(m.prog) {
			m.o = OpcodeEnd
			m.pc = m.off
			m.end(Success)
			return
		}

		m.pc = m.off
		x := m.prog[m.off]
		m.off++

		m.o = Opcode(x & 15)
		r := &m.r[(x>>4)&3]
		if x&0xC0 != 0 {
			m.end(UnknownOpcode)
			return
		}
		if m.off+operandSize[m.o] > len(m.prog) {
			m.end(OutOfRange)
			return
		}

		switch m.o {
		case OpcodeEnd:
			m.end(Success)
			return
		case OpcodeSetA8:
			r.a = r.a&^0xFF | m.imm8()
		case OpcodeSetA16:
			r.a = r.a&^0xFFFF | m.imm16()
		case OpcodeSetA24:
			r.a = m.imm24()
		case OpcodeSetTDU:
			r.tdu = uint8(m.imm8())
		case OpcodeSetLen:
			r.len = m.imm16()
		case OpcodeSetCmpMsk:
			r.cmp = uint8(m.imm8())
			r.msk = uint8(m.imm8())
		case OpcodeSetTim:
			r.tim = m.imm24()
		case OpcodeRead:
			m.begin(r, StateRead)
			m.x.buf = make([]byte, m.x.n)
			m.emit(event{kind: evReadStart, xfer: m.x.transfer()})
			m.stepRead()
			return
		case OpcodeWrite:
			m.begin(r, StateWrite)
			if m.off+m.x.n > len(m.prog) {
				m.end(OutOfRange)
				return
			}
			m.x.src = m.prog[m.off : m.off+m.x.n]
			m.off += m.x.n
			if m.flags&FlagNotifyWriteStart != 0 {
				m.emit(event{kind: evWriteStart, xfer: m.x.transfer()})
			}
			m.stepWrite()
			return
		default:
			m.begin(r, StateWait)
			m.stepWait()
			return
		}
	}
}

func (m *VM) begin(r *registers, st State) {
	m.x = transfer{
		r:    r,
		o:    m.o,
		pc:   uint32(m.pc),
		tdu:  r.tdu,
		addr: r.a & addrMask,
		cur:  r.a & addrMask,
		n:    expandLen(r.len),
	}
	m.state = st
}

func (x *transfer) transfer() Transfer {
	return Transfer{PC: x.pc, TDU: x.tdu, Addr: x.addr, Len: x.n}
}

func (x *transfer) advance() {
	if x.tdu&TargetFlagReverse != 0 {
		x.cur = (x.cur - 1) & addrMask
	} else {
		x.cur = (x.cur + 1) & addrMask
	}
}

// finish leaves the address register past the transferred bytes when the
// update flag is set; otherwise the register keeps its starting value.
func (m *VM) finish() {
	if m.x.tdu&TargetFlagUpdateAddr != 0 {
		m.x.r.a = m.x.cur
	}
	m.state = StateExecuteNext
}

func (m *VM) stepRead() {
	x := &m.x
	mem, ok := m.resolve(x.tdu)

	start := x.pos
	for q := m.quota(); q > 0 && x.pos < x.n; q-- {
		var b byte
		if ok && x.cur < uint32(len(mem)) {
			b = mem[x.cur]
		}
		x.buf[x.pos] = b
		x.pos++
		x.advance()
	}
	m.emit(event{kind: evReadChunk, data: x.buf[start:x.pos:x.pos]})
	if x.pos < x.n {
		return
	}

	m.q.push(ReadResult{PC: x.pc, TDU: x.tdu, Addr: x.addr, Data: x.buf})
	x.buf = nil
	m.finish()
	m.emit(event{kind: evReadComplete})
}

func (m *VM) stepWrite() {
	x := &m.x
	mem, ok := m.resolve(x.tdu)

	for q := m.quota(); q > 0 && x.pos < x.n; q-- {
		if ok && x.cur < uint32(len(mem)) {
			mem[x.cur] = x.src[x.pos]
		}
		x.pos++
		x.advance()
	}
	if x.pos < x.n {
		return
	}

	ev := x.transfer()
	x.src = nil
	m.finish()
	if m.flags&FlagNotifyWriteEnd != 0 {
		m.emit(event{kind: evWriteEnd, xfer: ev})
	}
}

func (m *VM) stepWait() {
	x := &m.x
	mem, ok := m.resolve(x.tdu)

	var v uint8
	done := !ok || x.cur >= uint32(len(mem))
	if !done {
		v = mem[x.cur]
		done = !waitHolds(x.o, v&x.r.msk, x.r.cmp)
	}

	if !done {
		x.waited++
		if x.r.tim != 0 && x.waited >= x.r.tim {
			m.end(TimedOut)
		}
		return
	}

	ev := WaitComplete{PC: x.pc, O: x.o, TDU: x.tdu, Addr: x.addr, Value: v}
	m.state = StateExecuteNext
	if m.flags&FlagNotifyWaitComplete != 0 {
		m.emit(event{kind: evWaitComplete, wait: ev})
	}
}

func waitHolds(o Opcode, v, cmp uint8) bool {
	switch o {
	case OpcodeWaitWhileNeq:
		return v != cmp
	case OpcodeWaitWhileEq:
		return v == cmp
	case OpcodeWaitWhileLt:
		return v < cmp
	case OpcodeWaitWhileGt:
		return v > cmp
	case OpcodeWaitWhileLte:
		return v <= cmp
	case OpcodeWaitWhileGte:
		return v >= cmp
	}
	return false
}
