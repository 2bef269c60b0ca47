package gamepad

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctls da API de joystick do kernel (linux/joystick.h).
const (
	iocGAxes    = 0x80016a11 // JSIOCGAXES
	iocGButtons = 0x80016a12 // JSIOCGBUTTONS
	iocGName    = 0x80ff6a13 // JSIOCGNAME(255)

	eventSize = 8
	maxSlots  = 8
)

type linuxDevice struct {
	f       *os.File
	name    string
	axes    int
	buttons int
}

// OpenSlot abre /dev/input/js<slot> e consulta nome e contagem de
// eixos/botões via ioctl.
func OpenSlot(slot int) (Device, error) {
	path := fmt.Sprintf("/dev/input/js%d", slot)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("abrindo %s: %w", path, err)
	}

	d := &linuxDevice{f: f}
	var count uint8
	if err := d.ioctl(iocGAxes, unsafe.Pointer(&count)); err == nil {
		d.axes = int(count)
	}
	if err := d.ioctl(iocGButtons, unsafe.Pointer(&count)); err == nil {
		d.buttons = int(count)
	}
	var name [255]byte
	if err := d.ioctl(iocGName, unsafe.Pointer(&name[0])); err == nil {
		d.name = string(name[:clen(name[:])])
	}
	return d, nil
}

// ioctl roda via SyscallConn para não tirar o arquivo do poller de rede,
// o que tornaria Close incapaz de interromper uma leitura bloqueada.
func (d *linuxDevice) ioctl(req uintptr, arg unsafe.Pointer) error {
	raw, err := d.f.SyscallConn()
	if err != nil {
		return err
	}
	var errno unix.Errno
	cerr := raw.Control(func(fd uintptr) {
		_, _, errno = unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg))
	})
	if cerr != nil {
		return cerr
	}
	if errno != 0 {
		return errno
	}
	return nil
}

func clen(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return len(b)
}

func (d *linuxDevice) Name() string { return d.name }
func (d *linuxDevice) Axes() int    { return d.axes }
func (d *linuxDevice) Buttons() int { return d.buttons }

func (d *linuxDevice) NextEvent() (Event, error) {
	var buf [eventSize]byte
	if _, err := io.ReadFull(d.f, buf[:]); err != nil {
		return Event{}, err
	}
	return Event{
		Time:   binary.LittleEndian.Uint32(buf[0:4]),
		Value:  int16(binary.LittleEndian.Uint16(buf[4:6])),
		Type:   buf[6],
		Number: buf[7],
	}, nil
}

func (d *linuxDevice) Close() error {
	return d.f.Close()
}

// Slots enumera os índices de joystick presentes no sistema.
func Slots() []int {
	var out []int
	for i := 0; i < maxSlots; i++ {
		if _, err := os.Stat(fmt.Sprintf("/dev/input/js%d", i)); err == nil {
			out = append(out, i)
		}
	}
	return out
}
