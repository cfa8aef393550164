package thunk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/apex/log"
)

var (
	// ErrUnknownCallback is returned when an entry names a callback address nobody registered
	ErrUnknownCallback = errors.New("unknown callback")
	// ErrReturnStackOverflow is returned when nested invocations exceed the return stack depth
	ErrReturnStackOverflow = errors.New("return stack overflow")
	// ErrReturnStackUnderflow is returned when a leave has no matching enter
	ErrReturnStackUnderflow = errors.New("return stack underflow")
)

// Callback is run by the dispatch routines with the captured register state
type Callback func(snap *Snapshot, entry *Entry)

// Memory is the address space the thunks run in
type Memory interface {
	Read(addr uint64, n int) ([]byte, error)
	Write(addr uint64, b []byte) error
}

type stackKey struct {
	target uint64
	thread uint64
}

// DispatchOption configures a Dispatcher
type DispatchOption func(*Dispatcher)

// WithReturnStack keeps caller return addresses on a per-thread stack of at most depth
// frames instead of the entry's single CallerRetAddr field, so nested and concurrent
// invocations of the same hook each return to their own caller.
func WithReturnStack(depth int) DispatchOption {
	return func(d *Dispatcher) {
		d.depth = depth
	}
}

// WithThreadID sets how the current thread is identified for the return stack
func WithThreadID(fn func() uint64) DispatchOption {
	return func(d *Dispatcher) {
		d.threadID = fn
	}
}

// Dispatcher implements the begin/end invocation routines called by the thunks.
// It is safe for concurrent use.
type Dispatcher struct {
	mu        sync.Mutex
	callbacks map[uint64]Callback
	stacks    map[stackKey][]uint64
	depth     int
	threadID  func() uint64
}

// NewDispatcher creates a dispatcher with no callbacks
func NewDispatcher(opts ...DispatchOption) *Dispatcher {
	d := &Dispatcher{
		callbacks: make(map[uint64]Callback),
		stacks:    make(map[stackKey][]uint64),
		threadID:  func() uint64 { return 0 },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register binds a callback to the address entries use to refer to it
func (d *Dispatcher) Register(addr uint64, cb Callback) error {
	if addr == 0 {
		return fmt.Errorf("callback address 0 means no callback")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callbacks[addr] = cb
	return nil
}

// Unregister drops a callback
func (d *Dispatcher) Unregister(addr uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.callbacks, addr)
}

func (d *Dispatcher) callback(addr uint64) (Callback, error) {
	if addr == 0 {
		return nil, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.callbacks[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrUnknownCallback, addr)
	}
	return cb, nil
}

// BeginInvocation runs on entry to a hooked function. It records the caller return
// address, runs the pre-call callback, picks the replacement or the relocated original as
// the next hop and, when a post-call callback exists, routes the return through the
// leave trampoline.
func (d *Dispatcher) BeginInvocation(entry *Entry, snap *Snapshot, callerRetAddr, nextHop *uint64) error {
	pre, err := d.callback(entry.PreCall)
	if err != nil {
		return err
	}
	post, err := d.callback(entry.PostCall)
	if err != nil {
		return err
	}

	entry.CallerRetAddr = *callerRetAddr
	if post != nil && d.depth > 0 {
		if err := d.push(entry.Target, *callerRetAddr); err != nil {
			return err
		}
	}

	snap.PC = entry.Target
	if pre != nil {
		pre(snap, entry)
	}

	if entry.ReplaceCall != 0 {
		*nextHop = entry.ReplaceCall
	} else {
		*nextHop = entry.OnInvokeTrampoline
	}
	if post != nil {
		*callerRetAddr = entry.OnLeaveTrampoline
	}

	log.WithFields(log.Fields{
		"target":   fmt.Sprintf("%#x", entry.Target),
		"caller":   fmt.Sprintf("%#x", entry.CallerRetAddr),
		"next_hop": fmt.Sprintf("%#x", *nextHop),
	}).Debug("begin invocation")

	return nil
}

// EndInvocation runs when a hooked function with a post-call callback returns. It runs the
// callback and resumes the caller that was recorded on entry.
func (d *Dispatcher) EndInvocation(entry *Entry, snap *Snapshot, nextHop *uint64) error {
	post, err := d.callback(entry.PostCall)
	if err != nil {
		return err
	}
	if d.depth > 0 {
		ret, err := d.pop(entry.Target)
		if err != nil {
			return err
		}
		entry.CallerRetAddr = ret
	}

	snap.PC = entry.OnLeaveTrampoline
	if post != nil {
		post(snap, entry)
	}
	*nextHop = entry.CallerRetAddr

	log.WithFields(log.Fields{
		"target": fmt.Sprintf("%#x", entry.Target),
		"caller": fmt.Sprintf("%#x", entry.CallerRetAddr),
	}).Debug("end invocation")

	return nil
}

func (d *Dispatcher) push(target, ret uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := stackKey{target: target, thread: d.threadID()}
	if len(d.stacks[key]) >= d.depth {
		return fmt.Errorf("%w: %#x nested %d deep", ErrReturnStackOverflow, target, d.depth)
	}
	d.stacks[key] = append(d.stacks[key], ret)
	return nil
}

func (d *Dispatcher) pop(target uint64) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := stackKey{target: target, thread: d.threadID()}
	stack := d.stacks[key]
	if len(stack) == 0 {
		return 0, fmt.Errorf("%w: %#x", ErrReturnStackUnderflow, target)
	}
	ret := stack[len(stack)-1]
	if len(stack) == 1 {
		delete(d.stacks, key)
	} else {
		d.stacks[key] = stack[:len(stack)-1]
	}
	return ret, nil
}

// BeginInvocationAt is BeginInvocation for a thunk frame living in mem: the arguments are
// the raw x0-x3 values the enter thunk passes.
func (d *Dispatcher) BeginInvocationAt(mem Memory, entryAddr, snapAddr, retSlot, hopSlot uint64) error {
	f, err := loadFrame(mem, entryAddr, snapAddr, retSlot, hopSlot)
	if err != nil {
		return err
	}
	if err := d.BeginInvocation(&f.entry, &f.snap, f.retPtr(), &f.hop); err != nil {
		return err
	}
	return f.store(mem)
}

// EndInvocationAt is EndInvocation for a thunk frame living in mem: the arguments are
// the raw x0-x2 values the leave thunk passes.
func (d *Dispatcher) EndInvocationAt(mem Memory, entryAddr, snapAddr, hopSlot uint64) error {
	f, err := loadFrame(mem, entryAddr, snapAddr, 0, hopSlot)
	if err != nil {
		return err
	}
	if err := d.EndInvocation(&f.entry, &f.snap, &f.hop); err != nil {
		return err
	}
	return f.store(mem)
}

// snapshot offset of the saved LR
const lrOffset = 256

type frame struct {
	entryAddr, snapAddr, retSlot, hopSlot uint64

	entry Entry
	snap  Snapshot
	ret   uint64
	hop   uint64
}

func loadFrame(mem Memory, entryAddr, snapAddr, retSlot, hopSlot uint64) (*frame, error) {
	f := &frame{entryAddr: entryAddr, snapAddr: snapAddr, retSlot: retSlot, hopSlot: hopSlot}

	data, err := mem.Read(entryAddr, EntrySize)
	if err != nil {
		return nil, fmt.Errorf("failed to read hook entry: %w", err)
	}
	if err := f.entry.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	if data, err = mem.Read(snapAddr, SnapshotSize); err != nil {
		return nil, fmt.Errorf("failed to read register snapshot: %w", err)
	}
	if err := f.snap.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	if retSlot != 0 && !f.retAliased() {
		if f.ret, err = readUint64(mem, retSlot); err != nil {
			return nil, err
		}
	}
	if f.hop, err = readUint64(mem, hopSlot); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *frame) store(mem Memory) error {
	data, err := f.entry.MarshalBinary()
	if err != nil {
		return err
	}
	if err := mem.Write(f.entryAddr, data); err != nil {
		return fmt.Errorf("failed to write hook entry: %w", err)
	}
	if data, err = f.snap.MarshalBinary(); err != nil {
		return err
	}
	if err := mem.Write(f.snapAddr, data); err != nil {
		return fmt.Errorf("failed to write register snapshot: %w", err)
	}
	if f.retSlot != 0 && !f.retAliased() {
		if err := writeUint64(mem, f.retSlot, f.ret); err != nil {
			return err
		}
	}
	return writeUint64(mem, f.hopSlot, f.hop)
}

// retAliased reports whether the caller return slot is the saved LR inside the snapshot,
// which is how the enter thunk lays it out.
func (f *frame) retAliased() bool {
	return f.retSlot == f.snapAddr+lrOffset
}

func (f *frame) retPtr() *uint64 {
	if f.retAliased() {
		return &f.snap.LR
	}
	return &f.ret
}

func readUint64(mem Memory, addr uint64) (uint64, error) {
	data, err := mem.Read(addr, 8)
	if err != nil {
		return 0, fmt.Errorf("failed to read slot %#x: %w", addr, err)
	}
	return binary.LittleEndian.Uint64(data), nil
}

func writeUint64(mem Memory, addr, v uint64) error {
	if err := mem.Write(addr, binary.LittleEndian.AppendUint64(nil, v)); err != nil {
		return fmt.Errorf("failed to write slot %#x: %w", addr, err)
	}
	return nil
}
