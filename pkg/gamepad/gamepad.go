package gamepad

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"
)

// ErrControllerUnavailable indica que o slot pedido não tem controle presente
// ou que o dispositivo sumiu no meio da sessão. É um erro recuperável: o
// Sampler tenta reabrir o dispositivo sozinho e a próxima amostra pode voltar
// a funcionar.
var ErrControllerUnavailable = errors.New("gamepad: controle indisponível")

const (
	// DefaultDeadZone é a zona morta padrão dos eixos analógicos.
	DefaultDeadZone = 0.05
	// DefaultTriggerThreshold é quanto do curso do gatilho engata o turbo.
	DefaultTriggerThreshold = 0.25

	maxAxisValue   = 32767.0
	reopenInterval = time.Second
)

// Buttons é o conjunto de flags nomeadas lidas do controle em um instante.
// Forward/Reverse são os botões de tração alternativos; Turbo vem dos
// gatilhos; Lights e Donut são botões de pressionar.
type Buttons struct {
	Forward bool
	Reverse bool
	Lights  bool
	Donut   bool
	Turbo   bool
}

// State é a leitura normalizada do controle: frações em [-1, 1] com a zona
// morta já aplicada (abaixo do limiar vira exatamente 0) e as flags de botão.
type State struct {
	Steering float64
	Throttle float64
	Buttons  Buttons
}

// Mapping define quais eixos e botões físicos alimentam cada função.
type Mapping struct {
	SteeringAxis     int     `json:"steering_axis"`
	ThrottleAxis     int     `json:"throttle_axis"`
	InvertThrottle   bool    `json:"invert_throttle"`
	TriggerAxes      [2]int  `json:"trigger_axes"`
	ForwardButton    int     `json:"forward_button"`
	ReverseButton    int     `json:"reverse_button"`
	LightsButton     int     `json:"lights_button"`
	DonutButton      int     `json:"donut_button"`
	TriggerThreshold float64 `json:"trigger_threshold"`
}

// DefaultMapping é o layout Xbox: direção no analógico esquerdo (eixo 0),
// tração no analógico direito (eixo 3, invertido para que stick para cima
// seja frente), gatilhos nos eixos 4 e 5, A/B como tração alternativa,
// BACK alterna os faróis e Y o donut.
func DefaultMapping() Mapping {
	return Mapping{
		SteeringAxis:     0,
		ThrottleAxis:     3,
		InvertThrottle:   true,
		TriggerAxes:      [2]int{4, 5},
		ForwardButton:    0,
		ReverseButton:    1,
		LightsButton:     6,
		DonutButton:      3,
		TriggerThreshold: DefaultTriggerThreshold,
	}
}

// Config parametriza um Sampler.
type Config struct {
	DeadZone float64
	Mapping  Mapping
}

// DefaultConfig retorna a configuração padrão de amostragem.
func DefaultConfig() Config {
	return Config{DeadZone: DefaultDeadZone, Mapping: DefaultMapping()}
}

// Sampler mantém o último estado conhecido de um slot de controle. Uma
// goroutine de leitura dobra os eventos do kernel no estado corrente e
// Sample devolve um retrato instantâneo já normalizado.
type Sampler struct {
	slot int
	open Opener
	cfg  Config

	mu        sync.Mutex
	dev       Device
	axes      []float64
	buttons   []bool
	available bool
	closed    bool
	lastOpen  time.Time
}

// NewSampler cria um Sampler para /dev/input/js<slot>. A abertura do
// dispositivo é preguiçosa: acontece na primeira amostra e é refeita
// sozinha quando o controle some e volta.
func NewSampler(slot int, cfg Config) *Sampler {
	return NewSamplerWith(slot, cfg, OpenSlot)
}

// NewSamplerWith é NewSampler com o abridor de dispositivo injetado.
func NewSamplerWith(slot int, cfg Config, open Opener) *Sampler {
	if cfg.DeadZone <= 0 {
		cfg.DeadZone = DefaultDeadZone
	}
	if cfg.Mapping.TriggerThreshold <= 0 {
		cfg.Mapping.TriggerThreshold = DefaultTriggerThreshold
	}
	return &Sampler{slot: slot, open: open, cfg: cfg}
}

// Slot identifica qual /dev/input/jsN este Sampler lê.
func (s *Sampler) Slot() int { return s.slot }

// Sample devolve o estado normalizado corrente do controle. Retorna
// ErrControllerUnavailable enquanto o slot não tiver dispositivo utilizável.
func (s *Sampler) Sample() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.available {
		s.tryReopenLocked()
	}
	if !s.available {
		return State{}, fmt.Errorf("slot %d: %w", s.slot, ErrControllerUnavailable)
	}

	m := s.cfg.Mapping
	steering := applyDeadZone(s.axisLocked(m.SteeringAxis), s.cfg.DeadZone)
	throttle := s.axisLocked(m.ThrottleAxis)
	if m.InvertThrottle {
		throttle = -throttle
	}
	throttle = applyDeadZone(throttle, s.cfg.DeadZone)

	trig0 := normalizeTrigger(s.axisLocked(m.TriggerAxes[0]))
	trig1 := normalizeTrigger(s.axisLocked(m.TriggerAxes[1]))

	return State{
		Steering: steering,
		Throttle: throttle,
		Buttons: Buttons{
			Forward: s.buttonLocked(m.ForwardButton),
			Reverse: s.buttonLocked(m.ReverseButton),
			Lights:  s.buttonLocked(m.LightsButton),
			Donut:   s.buttonLocked(m.DonutButton),
			Turbo:   trig0 > m.TriggerThreshold || trig1 > m.TriggerThreshold,
		},
	}, nil
}

// Close encerra o Sampler e libera o dispositivo. Amostras seguintes
// retornam ErrControllerUnavailable.
func (s *Sampler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.available = false
	if s.dev != nil {
		err := s.dev.Close()
		s.dev = nil
		return err
	}
	return nil
}

// tryReopenLocked tenta reabrir o dispositivo, no máximo uma vez por
// segundo para não martelar o sistema enquanto o controle está fora.
func (s *Sampler) tryReopenLocked() {
	if s.closed || time.Since(s.lastOpen) < reopenInterval {
		return
	}
	s.lastOpen = time.Now()

	dev, err := s.open(s.slot)
	if err != nil {
		return
	}
	s.dev = dev
	s.axes = make([]float64, dev.Axes())
	s.buttons = make([]bool, dev.Buttons())
	s.available = true
	log.Printf("[GAMEPAD] ✅ Controle '%s' no slot %d (%d eixos, %d botões)",
		dev.Name(), s.slot, dev.Axes(), dev.Buttons())
	go s.readLoop(dev)
}

// readLoop dobra os eventos do kernel no estado corrente até o dispositivo
// falhar ou ser fechado.
func (s *Sampler) readLoop(dev Device) {
	for {
		ev, err := dev.NextEvent()
		if err != nil {
			s.mu.Lock()
			if s.dev == dev {
				s.available = false
				s.dev = nil
				if !s.closed {
					log.Printf("[GAMEPAD] 🔌 Controle do slot %d desconectado: %s", s.slot, err)
				}
			}
			s.mu.Unlock()
			dev.Close()
			return
		}
		s.applyEvent(dev, ev)
	}
}

func (s *Sampler) applyEvent(dev Device, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev != dev {
		return
	}
	// O bit de init marca o estado inicial sintético; o conteúdo é igual.
	switch ev.Type &^ eventInit {
	case eventAxis:
		if int(ev.Number) < len(s.axes) {
			s.axes[ev.Number] = normalizeAxis(ev.Value)
		}
	case eventButton:
		if int(ev.Number) < len(s.buttons) {
			s.buttons[ev.Number] = ev.Value != 0
		}
	}
}

func (s *Sampler) axisLocked(i int) float64 {
	if i < 0 || i >= len(s.axes) {
		return 0
	}
	return s.axes[i]
}

func (s *Sampler) buttonLocked(i int) bool {
	if i < 0 || i >= len(s.buttons) {
		return false
	}
	return s.buttons[i]
}

// normalizeAxis converte o valor cru do kernel para [-1, 1].
// -32768 estoura 1 por um fio e é grampeado.
func normalizeAxis(raw int16) float64 {
	return clamp(float64(raw) / maxAxisValue)
}

// normalizeTrigger leva um gatilho de [-1, 1] (repouso em -1) para [0, 1].
func normalizeTrigger(v float64) float64 {
	return (v + 1) / 2
}

// applyDeadZone zera leituras dentro da zona morta. No limiar exato a
// leitura ainda é considerada ruído.
func applyDeadZone(v, deadZone float64) float64 {
	if v > deadZone || v < -deadZone {
		return v
	}
	return 0
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	if math.IsNaN(v) {
		return 0
	}
	return v
}
