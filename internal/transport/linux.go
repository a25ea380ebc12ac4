//go:build linux

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/fieldsense/i2csensors/internal/models"
)

// Linux kernel i2c-dev ioctl numbers, from uapi/linux/i2c-dev.h and
// uapi/linux/i2c.h.
const (
	ioctlI2CSlave = 0x0703 // I2C_SLAVE: set the addressed sub-device
	ioctlI2CRDWR  = 0x0707 // I2C_RDWR: combined transfer, one STOP
	ioctlI2CSMBus = 0x0720 // I2C_SMBUS: SMBus transaction via i2c_smbus_ioctl_data

	smbusRead  = 1
	smbusWrite = 0

	sizeByteData = 2 // I2C_SMBUS_BYTE_DATA
	sizeWordData = 3 // I2C_SMBUS_WORD_DATA
	sizeBlock    = 8 // I2C_SMBUS_I2C_BLOCK_DATA

	i2cMsgRead = 0x0001 // i2c_msg.flags: read direction

	blockUnionLen = MaxBlockLen + 2 // matches kernel's union i2c_smbus_data block[I2C_SMBUS_BLOCK_MAX+2]
)

// i2cMsg mirrors struct i2c_msg from linux/i2c.h.
type i2cMsg struct {
	addr   uint16
	flags  uint16
	length uint16
	_pad   uint16
	buf    uintptr
}

// i2cRdwrData mirrors struct i2c_rdwr_ioctl_data from linux/i2c-dev.h.
type i2cRdwrData struct {
	msgs  uintptr
	nmsgs uint32
}

// smbusIoctlData mirrors struct i2c_smbus_ioctl_data from
// linux/i2c-dev.h. The trailing padding before `size` matches the
// compiler-inserted padding in the C struct on 64-bit targets.
type smbusIoctlData struct {
	readWrite uint8
	command   uint8
	_pad      uint16
	size      uint32
	data      unsafe.Pointer
}

func ioctl(fd int, req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

type openFD struct {
	fd      int
	current models.Address
}

// Linux is the real Linux i2c-dev transport backend. One Transport
// instance may have several open file descriptors (one per BusPath),
// tracked by FileHandle.
type Linux struct {
	mu      sync.Mutex
	handles map[models.FileHandle]*openFD
	nextID  int32
	limiter *rate.Limiter
}

// NewLinux creates a Linux transport backend. limiter may be nil to
// disable rate limiting.
func NewLinux(limiter *rate.Limiter) *Linux {
	return &Linux{
		handles: make(map[models.FileHandle]*openFD),
		limiter: limiter,
	}
}

func (l *Linux) wait(ctx context.Context) error {
	if l.limiter == nil {
		return nil
	}
	return l.limiter.Wait(ctx)
}

func (l *Linux) Open(ctx context.Context, busPath models.BusPath, initial models.Address) (models.FileHandle, error) {
	if err := l.wait(ctx); err != nil {
		return 0, err
	}
	fd, err := unix.Open(string(busPath), unix.O_RDWR, 0)
	if err != nil {
		return 0, models.TransportFailure(fmt.Sprintf("transport: open %s", busPath), err)
	}
	if err := ioctl(fd, ioctlI2CSlave, uintptr(initial)); err != nil {
		unix.Close(fd)
		return 0, models.TransportFailure(fmt.Sprintf("transport: set slave addr %s", initial), err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	id := models.FileHandle(atomic.AddInt32(&l.nextID, 1))
	l.handles[id] = &openFD{fd: fd, current: initial}
	slog.Debug("transport: opened bus", "bus", busPath, "handle", id, "addr", initial)
	return id, nil
}

func (l *Linux) Close(h models.FileHandle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	of, ok := l.handles[h]
	if !ok {
		return
	}
	unix.Close(of.fd)
	delete(l.handles, h)
}

func (l *Linux) get(h models.FileHandle) (*openFD, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	of, ok := l.handles[h]
	if !ok {
		return nil, fmt.Errorf("transport: invalid handle %d", h)
	}
	return of, nil
}

func (l *Linux) SwitchAddress(h models.FileHandle, addr models.Address) error {
	of, err := l.get(h)
	if err != nil {
		return err
	}
	if of.current == addr {
		return nil
	}
	if err := ioctl(of.fd, ioctlI2CSlave, uintptr(addr)); err != nil {
		return models.TransportFailure(fmt.Sprintf("transport: switch address %s", addr), err)
	}
	of.current = addr
	return nil
}

func (l *Linux) smbusCall(h models.FileHandle, rw uint8, command uint8, size uint32, data unsafe.Pointer) error {
	of, err := l.get(h)
	if err != nil {
		return err
	}
	msg := smbusIoctlData{readWrite: rw, command: command, size: size, data: data}
	if err := ioctl(of.fd, ioctlI2CSMBus, uintptr(unsafe.Pointer(&msg))); err != nil {
		return models.TransportFailure(fmt.Sprintf("transport: smbus ioctl cmd=0x%02x", command), err)
	}
	return nil
}

func (l *Linux) SMBusWriteByte(h models.FileHandle, reg byte, value byte) error {
	var data [blockUnionLen]byte
	data[0] = value
	return l.smbusCall(h, smbusWrite, reg, sizeByteData, unsafe.Pointer(&data[0]))
}

func (l *Linux) SMBusReadByte(h models.FileHandle, reg byte) (byte, error) {
	var data [blockUnionLen]byte
	if err := l.smbusCall(h, smbusRead, reg, sizeByteData, unsafe.Pointer(&data[0])); err != nil {
		return 0, err
	}
	return data[0], nil
}

func (l *Linux) SMBusWriteWord(h models.FileHandle, reg byte, value uint16) error {
	var data [blockUnionLen]byte
	data[0] = byte(value)
	data[1] = byte(value >> 8)
	return l.smbusCall(h, smbusWrite, reg, sizeWordData, unsafe.Pointer(&data[0]))
}

func (l *Linux) SMBusReadWord(h models.FileHandle, reg byte) (uint16, error) {
	var data [blockUnionLen]byte
	if err := l.smbusCall(h, smbusRead, reg, sizeWordData, unsafe.Pointer(&data[0])); err != nil {
		return 0, err
	}
	return uint16(data[0]) | uint16(data[1])<<8, nil
}

func (l *Linux) SMBusReadBlock(h models.FileHandle, reg byte, buf []byte) (int, error) {
	if len(buf) == 0 || len(buf) > MaxBlockLen {
		return 0, fmt.Errorf("transport: block read length %d out of range", len(buf))
	}
	var data [blockUnionLen]byte
	data[0] = byte(len(buf)) // input length for I2C_SMBUS_I2C_BLOCK_DATA
	if err := l.smbusCall(h, smbusRead, reg, sizeBlock, unsafe.Pointer(&data[0])); err != nil {
		return 0, err
	}
	n := int(data[0])
	if n > len(buf) {
		n = len(buf)
	}
	copy(buf, data[1:1+n])
	return n, nil
}

func (l *Linux) rdwrOne(h models.FileHandle, flags uint16, buf []byte) error {
	of, err := l.get(h)
	if err != nil {
		return err
	}
	msgs := [1]i2cMsg{
		{addr: uint16(of.current), flags: flags, length: uint16(len(buf)), buf: uintptr(unsafe.Pointer(&buf[0]))},
	}
	rdwr := i2cRdwrData{msgs: uintptr(unsafe.Pointer(&msgs[0])), nmsgs: 1}
	if err := ioctl(of.fd, ioctlI2CRDWR, uintptr(unsafe.Pointer(&rdwr))); err != nil {
		return models.TransportFailure("transport: raw I2C_RDWR", err)
	}
	return nil
}

func (l *Linux) RawWriteByte(h models.FileHandle, value byte) error {
	buf := [1]byte{value}
	return l.rdwrOne(h, 0, buf[:])
}

func (l *Linux) RawRead(h models.FileHandle, buf []byte) (int, error) {
	if len(buf) == 0 || len(buf) > MaxBlockLen {
		return 0, fmt.Errorf("transport: raw read length %d out of range", len(buf))
	}
	if err := l.rdwrOne(h, i2cMsgRead, buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// Probe performs a one-byte read via plain I2C_RDWR, returning true if
// the device ACKs its address. Each probe waits on the rate limiter.
func (l *Linux) Probe(h models.FileHandle, addr models.Address) bool {
	if err := l.wait(context.Background()); err != nil {
		return false
	}
	of, err := l.get(h)
	if err != nil {
		return false
	}
	prev := of.current
	if prev != addr {
		if err := ioctl(of.fd, ioctlI2CSlave, uintptr(addr)); err != nil {
			return false
		}
		of.current = addr
	}
	buf := [1]byte{0}
	msgs := [1]i2cMsg{
		{addr: uint16(addr), flags: i2cMsgRead, length: 1, buf: uintptr(unsafe.Pointer(&buf[0]))},
	}
	rdwr := i2cRdwrData{msgs: uintptr(unsafe.Pointer(&msgs[0])), nmsgs: 1}
	present := ioctl(of.fd, ioctlI2CRDWR, uintptr(unsafe.Pointer(&rdwr))) == nil
	if prev != addr {
		_ = ioctl(of.fd, ioctlI2CSlave, uintptr(prev))
		of.current = prev
	}
	return present
}

var _ Transport = (*Linux)(nil)
