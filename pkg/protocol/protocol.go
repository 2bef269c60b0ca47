// Package protocol implementa o formato de comando dos carros Shell Racing
// Legends: um quadro fixo de 8 bytes escrito na característica de controle e
// os payloads de status recebidos por notificação.
package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidInput indica violação de contrato pelo chamador (NaN, infinito
// ou magnitude acima de 1). Entradas válidas nunca produzem erro.
var ErrInvalidInput = errors.New("protocol: entrada fora do contrato")

// FrameSize é o tamanho do quadro de comando aceito pelo firmware.
const FrameSize = 8

// Frame é o quadro de comando no formato exato do carro:
// [modo, frente, ré, esquerda, direita, faróis, turbo, donut].
// Cada flag vale 0 ou 1; o byte de modo vale 1 ou 2.
type Frame [FrameSize]byte

// Hex retorna o quadro em hexadecimal para logs e telemetria.
func (f Frame) Hex() string {
	return hex.EncodeToString(f[:])
}

// Mode é o byte de modo de condução do firmware.
type Mode byte

const (
	ModeStandard  Mode = 1
	ModeAlternate Mode = 2
)

// Command é o estado lógico do carro em um instante. Steering negativo vira
// à esquerda e positivo à direita; Throttle positivo anda para frente e
// negativo dá ré. Zero exato significa centrado/parado.
type Command struct {
	Steering float64
	Throttle float64
	Lights   bool
	Turbo    bool
	Donut    bool
	Mode     Mode
}

// Neutralized devolve o comando sem movimento e sem flags momentâneas,
// preservando faróis e modo. É o quadro enviado ao encerrar uma sessão.
func (c Command) Neutralized() Command {
	c.Steering = 0
	c.Throttle = 0
	c.Turbo = false
	c.Donut = false
	return c
}

// Validate confere o contrato de entrada do codificador.
func (c Command) Validate() error {
	if !validFraction(c.Steering) {
		return fmt.Errorf("steering %v: %w", c.Steering, ErrInvalidInput)
	}
	if !validFraction(c.Throttle) {
		return fmt.Errorf("throttle %v: %w", c.Throttle, ErrInvalidInput)
	}
	if c.Mode != ModeStandard && c.Mode != ModeAlternate {
		return fmt.Errorf("modo %d: %w", c.Mode, ErrInvalidInput)
	}
	return nil
}

func validFraction(v float64) bool {
	return !math.IsNaN(v) && math.Abs(v) <= 1
}

// Encode converte um Command no quadro de 8 bytes. É uma função pura:
// o mesmo comando sempre produz o mesmo quadro, sem alocação.
func Encode(c Command) (Frame, error) {
	if err := c.Validate(); err != nil {
		return Frame{}, err
	}
	var f Frame
	f[0] = byte(c.Mode)
	f[1] = flag(c.Throttle > 0)
	f[2] = flag(c.Throttle < 0)
	f[3] = flag(c.Steering < 0)
	f[4] = flag(c.Steering > 0)
	f[5] = flag(c.Lights)
	f[6] = flag(c.Turbo)
	f[7] = flag(c.Donut)
	return f, nil
}

func flag(on bool) byte {
	if on {
		return 1
	}
	return 0
}

// StatusKind classifica um payload de status recebido do carro.
type StatusKind int

const (
	StatusUnknown StatusKind = iota
	StatusBattery
	StatusEcho
)

// Status é um payload de status decodificado. O firmware envia 1 byte com o
// percentual de bateria, 8 bytes ecoando as flags de controle, ou algo que
// não reconhecemos (guardado cru).
type Status struct {
	Kind    StatusKind
	Battery int   // percentual, válido quando Kind == StatusBattery
	Echo    Frame // eco das flags, válido quando Kind == StatusEcho
	Raw     []byte
}

// DecodeStatus interpreta um payload de notificação de status ou bateria.
func DecodeStatus(data []byte) Status {
	switch len(data) {
	case 1:
		return Status{Kind: StatusBattery, Battery: int(data[0]), Raw: data}
	case FrameSize:
		var echo Frame
		copy(echo[:], data)
		return Status{Kind: StatusEcho, Echo: echo, Raw: data}
	default:
		return Status{Kind: StatusUnknown, Raw: data}
	}
}

// ThrottleLabel descreve a direção de tração para UI e logs.
func ThrottleLabel(v float64) string {
	switch {
	case v > 0:
		return "Forward"
	case v < 0:
		return "Reverse"
	default:
		return "Stopped"
	}
}

// SteeringLabel descreve a direção do volante para UI e logs.
func SteeringLabel(v float64) string {
	switch {
	case v < 0:
		return "Left"
	case v > 0:
		return "Right"
	default:
		return "Straight"
	}
}
