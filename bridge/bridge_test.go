package bridge_test

import (
	"bytes"
	"errors"
	"net"
	"testing"

	"github.com/d-ank/memflow/address"
	"github.com/d-ank/memflow/arch"
	"github.com/d-ank/memflow/bridge"
	"github.com/d-ank/memflow/mem"
	"github.com/d-ank/memflow/memerr"
)

// fakeBackend answers bridge requests straight out of an in-memory buffer,
// with virt_read/virt_write simply ignoring the dtb (no translation): good
// enough to exercise the wire protocol and its chunking in isolation from
// the VAT.
type fakeBackend struct {
	phys *mem.Buffer
}

func (f *fakeBackend) PhysRead(addr address.Address, length address.Length) ([]byte, error) {
	return f.phys.PhysRead(addr, length)
}

func (f *fakeBackend) PhysWrite(addr address.Address, data []byte) (address.Length, error) {
	return f.phys.PhysWrite(addr, data)
}

func (f *fakeBackend) VirtRead(_ arch.ID, _, addr address.Address, length address.Length) ([]byte, error) {
	return f.phys.PhysRead(addr, length)
}

func (f *fakeBackend) VirtWrite(_ arch.ID, _, addr address.Address, data []byte) (address.Length, error) {
	return f.phys.PhysWrite(addr, data)
}

func (f *fakeBackend) ReadRegisters() ([]byte, error) {
	return []byte{0xde, 0xad, 0xbe, 0xef}, nil
}

// serverClient spins up an in-process bridge.Serve loop over a net.Pipe and
// returns the connected client plus a teardown func.
func serverClient(t *testing.T, imageSize int) (*bridge.Client, func()) {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	backend := &fakeBackend{phys: mem.NewBuffer(make([]byte, imageSize))}

	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = bridge.Serve(serverConn, backend)
	}()

	client := bridge.NewClientForConn(clientConn)

	return client, func() {
		client.Close()
		serverConn.Close()
		<-done
	}
}

func TestPhysReadWriteRoundTripSmall(t *testing.T) {
	t.Parallel()

	client, teardown := serverClient(t, 0x10000)
	defer teardown()

	want := bytes.Repeat([]byte{0xAB}, 32)

	if _, err := client.PhysWrite(address.NewAddress(0x100), want); err != nil {
		t.Fatalf("PhysWrite: %v", err)
	}

	got, err := client.PhysRead(address.NewAddress(0x100), address.FromBytes(32))
	if err != nil {
		t.Fatalf("PhysRead: %v", err)
	}

	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch")
	}
}

func TestPhysReadWriteRoundTripChunked(t *testing.T) {
	t.Parallel()

	const size = 48 << 20 // exercises the 32 MiB chunk splitter

	client, teardown := serverClient(t, size+0x1000)
	defer teardown()

	want := make([]byte, size)
	for i := range want {
		want[i] = byte(i)
	}

	if _, err := client.PhysWrite(address.NewAddress(0), want); err != nil {
		t.Fatalf("PhysWrite: %v", err)
	}

	got, err := client.PhysRead(address.NewAddress(0), address.FromBytes(size))
	if err != nil {
		t.Fatalf("PhysRead: %v", err)
	}

	if !bytes.Equal(got, want) {
		t.Fatalf("chunked round trip mismatch")
	}
}

func TestReadRegisters(t *testing.T) {
	t.Parallel()

	client, teardown := serverClient(t, 0x1000)
	defer teardown()

	data, err := client.ReadRegisters()
	if err != nil {
		t.Fatalf("ReadRegisters: %v", err)
	}

	if !bytes.Equal(data, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Fatalf("got %x", data)
	}
}

func TestPhysReadOutOfRangeSurfacesRemoteError(t *testing.T) {
	t.Parallel()

	client, teardown := serverClient(t, 0x100)
	defer teardown()

	_, err := client.PhysRead(address.NewAddress(0x200), address.FromBytes(0x10))
	if !errors.Is(err, memerr.ErrOutOfRange) {
		t.Fatalf("got %v, want ErrOutOfRange", err)
	}
}

func TestConnectInvalidScheme(t *testing.T) {
	t.Parallel()

	if _, err := bridge.Connect("ftp://x"); !errors.Is(err, memerr.ErrInvalidArgument) {
		t.Fatalf("got %v, want ErrInvalidArgument", err)
	}
}

// countingBackend wraps fakeBackend and records the length of every
// virt_read call it receives, to verify the bridge client's chunk splitter
// issues exactly the calls spec §8 scenario S4 expects.
type countingBackend struct {
	*fakeBackend
	virtReadLens []uint64
}

func (c *countingBackend) VirtRead(a arch.ID, dtb, addr address.Address, length address.Length) ([]byte, error) {
	c.virtReadLens = append(c.virtReadLens, length.Uint64())

	return c.fakeBackend.VirtRead(a, dtb, addr, length)
}

func TestVirtReadChunkSplitIsExactlyTwoCalls(t *testing.T) {
	t.Parallel()

	const size = 48 << 20

	backend := &countingBackend{fakeBackend: &fakeBackend{phys: mem.NewBuffer(make([]byte, size))}}

	serverConn, clientConn := net.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bridge.Serve(serverConn, backend)
	}()

	client := bridge.NewClientForConn(clientConn)
	defer func() {
		client.Close()
		serverConn.Close()
		<-done
	}()

	want := make([]byte, size)
	for i := range want {
		want[i] = byte(i)
	}

	if _, err := client.PhysWrite(address.NewAddress(0), want); err != nil {
		t.Fatalf("PhysWrite: %v", err)
	}

	got, err := client.VirtRead(arch.X64, address.NewAddress(0), address.NewAddress(0), address.FromBytes(size))
	if err != nil {
		t.Fatalf("VirtRead: %v", err)
	}

	if !bytes.Equal(got, want) {
		t.Fatalf("chunked virt_read mismatch")
	}

	if len(backend.virtReadLens) != 2 {
		t.Fatalf("got %d virt_read calls, want 2: %v", len(backend.virtReadLens), backend.virtReadLens)
	}

	if backend.virtReadLens[0] != 32<<20 || backend.virtReadLens[1] != 16<<20 {
		t.Fatalf("got chunk lengths %v, want [32MiB 16MiB]", backend.virtReadLens)
	}
}

func TestConnectTCPNoDelay(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	backend := &fakeBackend{phys: mem.NewBuffer(make([]byte, 0x1000))}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}

		_ = bridge.Serve(conn, backend)
	}()

	client, err := bridge.Connect("tcp://" + ln.Addr().String() + ",nodelay")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	if _, err := client.ReadRegisters(); err != nil {
		t.Fatalf("ReadRegisters: %v", err)
	}
}
