package hypervisor

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/mdlayher/vsock"
)

// Control-channel message types, mirroring oriys-nova's cmd/agent wire
// protocol (MsgTypeInit/Exec/Resp/...): a length-prefixed JSON envelope
// over whatever net.Conn the transport dial produced.
const (
	msgRun          = "run"
	msgStop         = "stop"
	msgSnapshot     = "snapshot"
	msgReadMemory   = "read_memory"
	msgWriteMemory  = "write_memory"
	msgRegisters    = "registers"
	msgSetRegisters = "set_registers"
	msgSMPCall      = "smp_call"
)

// message is the wire envelope exchanged with the hypervisor control
// process. Payload carries operation-specific fields; only the ones
// relevant to Type are populated on either side.
type message struct {
	Type  string    `json:"type"`
	Addr  uint64    `json:"addr,omitempty"`
	Len   int       `json:"len,omitempty"`
	Data  []byte    `json:"data,omitempty"`
	NCPUs int       `json:"ncpus,omitempty"`
	Regs  Registers `json:"regs,omitempty"`
	Error string    `json:"error,omitempty"`
}

// DialVsock connects to a hypervisor control process listening on the
// given AF_VSOCK context id and port, the transport spec.md §1 names for
// the VM↔host control channel ("not a network protocol; it's a
// register-convention ABI ... carried over the hypervisor's own
// vsock/shared-memory channel"). Port conventionally matches the guest's
// own registered listening port, mirroring oriys-nova's agent VsockPort.
func DialVsock(cid, port uint32) (VM, error) {
	conn, err := vsock.Dial(cid, port, nil)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: vsock dial cid=%d port=%d: %w", cid, port, err)
	}
	return NewVsockVM(conn), nil
}

// NewVsockVM wraps an already-established control-channel connection
// (a vsock.Dial result in production, a net.Pipe or unix socket in tests)
// as a VM.
func NewVsockVM(conn net.Conn) VM {
	return &vsockVM{conn: conn}
}

// vsockVM is a VM whose actual CPU/memory state lives in a separate
// hypervisor control process, reached over a vsock connection. Every
// operation is a synchronous request/response round trip; the runtime
// never touches guest memory or registers directly.
type vsockVM struct {
	conn net.Conn
	mu   sync.Mutex

	smpActive atomic.Bool
}

func (v *vsockVM) roundTrip(req message) (message, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		return message{}, err
	}
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(data)))
	if _, err := v.conn.Write(lenBuf); err != nil {
		return message{}, fmt.Errorf("hypervisor: write %s: %w", req.Type, err)
	}
	if _, err := v.conn.Write(data); err != nil {
		return message{}, fmt.Errorf("hypervisor: write %s: %w", req.Type, err)
	}

	if _, err := io.ReadFull(v.conn, lenBuf); err != nil {
		return message{}, fmt.Errorf("hypervisor: read %s response length: %w", req.Type, err)
	}
	respData := make([]byte, binary.BigEndian.Uint32(lenBuf))
	if _, err := io.ReadFull(v.conn, respData); err != nil {
		return message{}, fmt.Errorf("hypervisor: read %s response: %w", req.Type, err)
	}
	var resp message
	if err := json.Unmarshal(respData, &resp); err != nil {
		return message{}, fmt.Errorf("hypervisor: decode %s response: %w", req.Type, err)
	}
	if resp.Error != "" {
		return message{}, fmt.Errorf("hypervisor: %s: %s", req.Type, resp.Error)
	}
	return resp, nil
}

func (v *vsockVM) Run(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		_, err := v.roundTrip(message{Type: msgRun})
		done <- err
	}()
	select {
	case <-ctx.Done():
		v.Stop()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (v *vsockVM) Stop() error {
	_, err := v.roundTrip(message{Type: msgStop})
	return err
}

func (v *vsockVM) Snapshot() (VM, error) {
	resp, err := v.roundTrip(message{Type: msgSnapshot})
	if err != nil {
		return nil, err
	}
	// The control process replies with a fresh port to dial for the
	// clone's own connection, packed into Len by convention.
	return DialVsock(0, uint32(resp.Len))
}

func (v *vsockVM) WriteMemory(addr uint64, b []byte) error {
	_, err := v.roundTrip(message{Type: msgWriteMemory, Addr: addr, Data: b})
	return err
}

func (v *vsockVM) ReadMemory(addr uint64, n int) ([]byte, error) {
	resp, err := v.roundTrip(message{Type: msgReadMemory, Addr: addr, Len: n})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (v *vsockVM) ForeachMemory(addr uint64, n int, fn func([]byte)) error {
	const pageSize = 4096
	for off := 0; off < n; off += pageSize {
		chunk := pageSize
		if off+chunk > n {
			chunk = n - off
		}
		b, err := v.ReadMemory(addr+uint64(off), chunk)
		if err != nil {
			return err
		}
		fn(b)
	}
	return nil
}

// SequentialView never returns a zero-copy view over a vsock transport:
// every byte must cross the wire, so there is no host-memory range to
// borrow directly. Callers fall back to ForeachMemory, as documented on
// the VM interface.
func (v *vsockVM) SequentialView(addr uint64, n int) []byte { return nil }

func (v *vsockVM) Registers() Registers {
	resp, err := v.roundTrip(message{Type: msgRegisters})
	if err != nil {
		return Registers{}
	}
	return resp.Regs
}

func (v *vsockVM) SetRegisters(r Registers) {
	v.roundTrip(message{Type: msgSetRegisters, Regs: r})
}

func (v *vsockVM) SMPActive() bool { return v.smpActive.Load() }

func (v *vsockVM) TimedSMPCall(ctx context.Context, ncpus int, fn func(vcpu int) error) error {
	if !v.smpActive.CompareAndSwap(false, true) {
		return errors.New("hypervisor: smp call already active")
	}
	defer v.smpActive.Store(false)

	done := make(chan error, 1)
	go func() {
		_, err := v.roundTrip(message{Type: msgSMPCall, NCPUs: ncpus})
		done <- err
	}()
	select {
	case <-ctx.Done():
		v.Stop()
		<-done
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return err
		}
		for vcpu := 0; vcpu < ncpus; vcpu++ {
			if err := fn(vcpu); err != nil {
				return err
			}
		}
		return nil
	}
}
