// Package iovm1 implements the IOVM1 bytecode machine that performs
// rate-limited reads, writes and waits against emulated memory.
//
// A VM is stepped once per emulated CPU instruction. Each step runs up to
// MaxSetupPerStep register-setting instructions and then makes bounded
// progress on at most one transfer (READ, WRITE or a WAIT). Control operations
// may be called from another goroutine; Step never blocks on them and simply
// skips a step if a control operation holds the lock.
package iovm1

import "sync"

// Host resolves memory targets for a VM.
type Host interface {
	// Resolve returns the memory backing target t. ok is false when the target
	// is not mapped; the VM then reads zeros and drops writes.
	Resolve(t Target) (mem []byte, ok bool)
	// Quota is the maximum number of bytes a transfer moves per step.
	Quota() int
}

// Listener receives VM events. Events are dispatched after the VM lock is
// released so a listener may call back into the VM.
//
// A READ raises ReadStart once, ReadChunk for every step that moved bytes and
// ReadComplete once the result is queued. The chunk slice stays valid until
// the result is dequeued.
type Listener interface {
	ReadStart(vm *VM, ev Transfer)
	ReadChunk(vm *VM, p []byte)
	ReadComplete(vm *VM)
	WriteStart(vm *VM, ev Transfer)
	WriteEnd(vm *VM, ev Transfer)
	WaitComplete(vm *VM, ev WaitComplete)
	End(vm *VM, ev End)
}

type registers struct {
	a   uint32
	tdu uint8
	len uint32
	cmp uint8
	msk uint8
	tim uint32
}

func (r *registers) reset() {
	*r = registers{msk: 0xFF}
}

// transfer is the op in flight.
type transfer struct {
	r    *registers
	o    Opcode
	pc   uint32
	tdu  uint8
	addr uint32
	cur  uint32
	n    int
	pos  int
	buf  []byte
	src  []byte

	waited uint32
}

type VM struct {
	host Host
	l    Listener

	// mu guards everything below. Step uses TryLock.
	mu sync.Mutex

	flags Flags
	state State

	prog []byte
	off  int
	pc   int
	o    Opcode

	r [4]registers
	x transfer

	q readQueue

	events []event
}

func New(host Host, l Listener) *VM {
	m := &VM{host: host, l: l, events: make([]event, 0, maxEventsPerStep)}
	m.init()
	return m
}

func (m *VM) init() {
	m.state = StateInit
	m.flags = 0
	m.prog = nil
	m.o = OpcodeEnd
	m.rewind()
	m.q.clear()
}

// Init discards the program, registers, flags and queued reads.
func (m *VM) Init() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
}

// Load validates prog and installs a copy of it. A program that fails to
// validate leaves the VM untouched.
func (m *VM) Load(prog []byte) error {
	if err := Validate(prog); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.prog = append(m.prog[:0:0], prog...)
	m.o = OpcodeEnd
	m.rewind()
	m.state = StateLoaded
	return nil
}

// Reset restarts execution from the top of the loaded program with cleared
// registers. Any op in flight is abandoned.
func (m *VM) Reset() Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reset()
}

func (m *VM) reset() Result {
	if m.state == StateInit {
		return InvalidOperationForState
	}
	m.rewind()
	m.state = StateReset
	return Success
}

// rewind moves execution to offset 0 and clears the registers, so a WRITE with
// no SETLEN before it moves the 65536 bytes Validate assumed.
func (m *VM) rewind() {
	m.off = 0
	m.pc = 0
	m.x = transfer{}
	for i := range m.r {
		m.r[i].reset()
	}
}

func (m *VM) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *VM) Flags() Flags {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags
}

func (m *VM) SetFlags(f Flags) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags = f
}

// Queued returns the number of completed reads waiting in the queue.
func (m *VM) Queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.q.n
}

// ReadData dequeues the oldest completed read into dst. It returns NoData when
// the queue is empty and BufferTooSmall, leaving the result queued, when dst
// cannot hold it.
func (m *VM) ReadData(dst []byte) (rd ReadResult, n int, res Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	head, ok := m.q.peek()
	if !ok {
		return ReadResult{}, 0, NoData
	}
	if len(dst) < len(head.Data) {
		return ReadResult{}, 0, BufferTooSmall
	}

	rd = m.q.pop()
	n = copy(dst, rd.Data)
	rd.Data = dst[:n]
	return rd, n, Success
}

// DropRead dequeues the oldest completed read without copying it. It reports
// whether there was one.
func (m *VM) DropRead() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.q.peek(); !ok {
		return false
	}
	m.q.pop()
	return true
}

// Step advances the machine by one bounded unit of work. It is a no-op while a
// control operation holds the VM.
func (m *VM) Step() {
	if !m.mu.TryLock() {
		return
	}
	m.step()
	var events [maxEventsPerStep]event
	n := copy(events[:], m.events)
	m.events = m.events[:0]
	m.mu.Unlock()

	for i := 0; i < n; i++ {
		m.dispatch(&events[i])
	}
}
