// Package gamepad lê controles físicos pela API de joystick do kernel
// (/dev/input/jsN). Por ler direto do dispositivo, a entrada funciona com a
// aplicação em segundo plano, sem depender de foco de janela.
package gamepad

// Event é um evento cru da API de joystick do kernel. O campo Type carrega
// o bit eventInit quando o kernel emite o estado inicial sintético na
// abertura do dispositivo.
type Event struct {
	Time   uint32
	Value  int16
	Type   uint8
	Number uint8
}

const (
	eventButton = 0x01
	eventAxis   = 0x02
	eventInit   = 0x80
)

// Device abstrai o dispositivo físico de um slot. A implementação real está
// em device_linux.go; os testes injetam fakes.
type Device interface {
	Name() string
	Axes() int
	Buttons() int
	// NextEvent bloqueia até o próximo evento. Retorna erro quando o
	// dispositivo é fechado ou removido.
	NextEvent() (Event, error)
	Close() error
}

// Opener abre o dispositivo de um slot. Em produção é OpenSlot.
type Opener func(slot int) (Device, error)
