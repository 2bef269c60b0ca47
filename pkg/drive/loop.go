// Package drive amarra um controle físico a um carro: lê o estado do
// controle em um passo fixo, compõe o comando com as alternâncias de
// faróis/turbo/donut/modo e mantém o quadro no ar respeitando o ritmo
// que o firmware espera.
package drive

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/whilefalse841/SRL-Car-Controller/pkg/ble"
	"github.com/whilefalse841/SRL-Car-Controller/pkg/gamepad"
	"github.com/whilefalse841/SRL-Car-Controller/pkg/protocol"
)

const (
	// DefaultTickInterval é o passo do loop de pilotagem (20 Hz).
	DefaultTickInterval = 50 * time.Millisecond

	// DefaultResendInterval é o batimento de reenvio: um quadro idêntico ao
	// anterior volta ao ar nesse período para o carro não dar timeout.
	DefaultResendInterval = 100 * time.Millisecond

	// Política de reconexão: tentativas com espera exponencial limitada.
	DefaultMaxConnectAttempts  = 3
	DefaultReconnectBackoff    = 500 * time.Millisecond
	DefaultMaxReconnectBackoff = 5 * time.Second

	// DefaultTelemetryInterval é o período de publicação da telemetria.
	DefaultTelemetryInterval = 500 * time.Millisecond
)

// Link é a visão que a unidade tem da conexão BLE. *ble.Link satisfaz.
type Link interface {
	Connect(ctx context.Context) error
	Write(f protocol.Frame) error
	Disconnected() <-chan struct{}
	State() ble.LinkState
	Battery() int
	Target() ble.Discovery
	Close() error
}

// Sampler é a visão que a unidade tem do controle. *gamepad.Sampler satisfaz.
type Sampler interface {
	Sample() (gamepad.State, error)
	Slot() int
	Close() error
}

// Options parametriza uma unidade de pilotagem.
type Options struct {
	TickInterval        time.Duration
	ResendInterval      time.Duration
	MaxConnectAttempts  int
	ReconnectBackoff    time.Duration
	MaxReconnectBackoff time.Duration
	TelemetryInterval   time.Duration
	Mode                protocol.Mode
	// OnTelemetry recebe retratos periódicos da unidade, fora de locks.
	OnTelemetry func(Telemetry)
}

// Telemetry é o retrato de uma unidade, pronto para virar JSON na web.
type Telemetry struct {
	Slot         int    `json:"slot"`
	Model        string `json:"model"`
	Name         string `json:"name"`
	Addr         string `json:"addr"`
	State        string `json:"state"`
	Battery      int    `json:"battery"`
	BatteryStart int    `json:"battery_start"`
	ControllerOK bool   `json:"controller_ok"`
	Lights       bool   `json:"lights"`
	Turbo        bool   `json:"turbo"`
	Donut        bool   `json:"donut"`
	Mode         int    `json:"mode"`
	Frames       uint64 `json:"frames"`
	Dropped      uint64 `json:"dropped"`
	WriteErrors  uint64 `json:"write_errors"`
	Reconnects   uint64 `json:"reconnects"`
	LastFrame    string `json:"last_frame,omitempty"`
}

// Unit pilota um carro com um controle. Run é o dono do loop; os métodos
// Toggle*/CycleMode podem ser chamados de qualquer goroutine (é o caminho
// dos comandos vindos da interface web).
type Unit struct {
	link    Link
	sampler Sampler
	opts    Options

	mu           sync.Mutex
	lights       bool
	turboLatch   bool
	donut        bool
	mode         protocol.Mode
	prevButtons  gamepad.Buttons
	controllerOK bool
	lastCmd      protocol.Command
	lastFrame    protocol.Frame
	haveLast     bool
	lastSend     time.Time
	frames       uint64
	dropped      uint64
	writeErrors  uint64
	reconnects   uint64
	batteryStart int
}

// NewUnit cria uma unidade para o par link+controle. A unidade assume a
// posse dos dois: Run fecha ambos ao terminar.
func NewUnit(link Link, sampler Sampler, opts Options) *Unit {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.ResendInterval <= 0 {
		opts.ResendInterval = DefaultResendInterval
	}
	if opts.MaxConnectAttempts <= 0 {
		opts.MaxConnectAttempts = DefaultMaxConnectAttempts
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = DefaultReconnectBackoff
	}
	if opts.MaxReconnectBackoff < opts.ReconnectBackoff {
		opts.MaxReconnectBackoff = DefaultMaxReconnectBackoff
	}
	if opts.TelemetryInterval <= 0 {
		opts.TelemetryInterval = DefaultTelemetryInterval
	}
	if opts.Mode != protocol.ModeStandard && opts.Mode != protocol.ModeAlternate {
		opts.Mode = protocol.ModeStandard
	}
	return &Unit{
		link:    link,
		sampler: sampler,
		opts:    opts,
		mode:    opts.Mode,
		lastCmd: protocol.Command{Mode: opts.Mode},
	}
}

// Run conecta ao carro e pilota até o contexto encerrar ou a reconexão
// esgotar as tentativas. No encerramento normal o carro recebe um quadro
// neutro antes da conexão cair.
func (u *Unit) Run(ctx context.Context) error {
	defer u.sampler.Close()

	if err := u.connectWithRetry(ctx); err != nil {
		u.link.Close()
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	// A leitura inicial de bateria acontece dentro do Connect.
	u.mu.Lock()
	u.batteryStart = u.link.Battery()
	u.mu.Unlock()

	ticker := time.NewTicker(u.opts.TickInterval)
	defer ticker.Stop()
	telemetry := time.NewTicker(u.opts.TelemetryInterval)
	defer telemetry.Stop()

	disc := u.link.Disconnected()
	for {
		select {
		case <-ctx.Done():
			u.shutdown()
			return nil

		case <-disc:
			u.mu.Lock()
			u.reconnects++
			u.mu.Unlock()
			log.Printf("[DRIVE] 🔌 Conexão com %s caiu; reconectando...", u.link.Target().Name)
			if err := u.connectWithRetry(ctx); err != nil {
				u.link.Close()
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			// Cada conexão nova tem seu próprio canal de desconexão.
			disc = u.link.Disconnected()

		case <-telemetry.C:
			u.emitTelemetry()

		case <-ticker.C:
			u.tick()
		}
	}
}

// connectWithRetry tenta conectar com espera exponencial entre tentativas.
func (u *Unit) connectWithRetry(ctx context.Context) error {
	backoff := u.opts.ReconnectBackoff
	var lastErr error
	for attempt := 1; attempt <= u.opts.MaxConnectAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = u.link.Connect(ctx)
		if lastErr == nil {
			return nil
		}
		log.Printf("[DRIVE] ⚠️ Tentativa %d/%d para %s falhou: %s",
			attempt, u.opts.MaxConnectAttempts, u.link.Target().Addr, lastErr)
		if attempt == u.opts.MaxConnectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > u.opts.MaxReconnectBackoff {
			backoff = u.opts.MaxReconnectBackoff
		}
	}
	return fmt.Errorf("conexão com %s esgotou %d tentativas: %w",
		u.link.Target().Addr, u.opts.MaxConnectAttempts, lastErr)
}

// tick executa um passo de pilotagem: amostra o controle, compõe o comando
// e decide se o quadro vai ao ar.
func (u *Unit) tick() {
	state, err := u.sampler.Sample()

	u.mu.Lock()
	wasOK := u.controllerOK
	u.controllerOK = err == nil
	if err != nil {
		// Sem controle o carro fica parado, mas a sessão continua viva:
		// o Sampler reabre o dispositivo sozinho quando ele voltar.
		state = gamepad.State{}
		u.prevButtons = gamepad.Buttons{}
	}
	cmd := u.composeLocked(state)
	u.mu.Unlock()

	if err != nil && wasOK {
		log.Printf("[DRIVE] ⚠️ Slot %d sem controle; segurando o carro parado", u.sampler.Slot())
	}
	if err == nil && !wasOK {
		log.Printf("[DRIVE] 🎮 Controle do slot %d de volta", u.sampler.Slot())
	}

	frame, encErr := protocol.Encode(cmd)
	if encErr != nil {
		log.Printf("[DRIVE] 🚨 Comando inválido descartado: %s", encErr)
		return
	}

	u.mu.Lock()
	due := resendDue(frame, u.lastFrame, u.haveLast, time.Since(u.lastSend), u.opts.ResendInterval)
	u.mu.Unlock()
	if !due {
		return
	}

	writeErr := u.link.Write(frame)

	u.mu.Lock()
	defer u.mu.Unlock()
	switch {
	case writeErr == nil:
		u.frames++
		u.lastFrame = frame
		u.haveLast = true
		u.lastSend = time.Now()
	case errors.Is(writeErr, ble.ErrNotConnected):
		// Janela entre a queda e a reconexão; o quadro é descartável.
		u.dropped++
	case errors.Is(writeErr, ble.ErrRateLimited):
		// Quadro segurado pelo teto do link: não conta como enviado, e sem
		// atualizar lastFrame ele concorre de novo já no próximo passo.
		u.dropped++
	default:
		u.writeErrors++
	}
}

// composeLocked dobra a leitura do controle nas alternâncias da unidade e
// devolve o comando do instante. Chamar com u.mu tomado.
func (u *Unit) composeLocked(state gamepad.State) protocol.Command {
	// Alternâncias disparam na borda de subida do botão, nunca por nível:
	// segurar o botão não fica ligando e desligando a cada passo.
	if state.Buttons.Lights && !u.prevButtons.Lights {
		u.lights = !u.lights
	}
	if state.Buttons.Donut && !u.prevButtons.Donut {
		u.donut = !u.donut
	}
	u.prevButtons = state.Buttons

	throttle := state.Throttle
	// Botões de tração têm prioridade sobre o eixo, e a ré vence a frente.
	if state.Buttons.Reverse {
		throttle = -1
	} else if state.Buttons.Forward {
		throttle = 1
	}

	cmd := protocol.Command{
		Steering: state.Steering,
		Throttle: throttle,
		Lights:   u.lights,
		Turbo:    u.turboLatch || state.Buttons.Turbo,
		Donut:    u.donut,
		Mode:     u.mode,
	}
	u.lastCmd = cmd
	return cmd
}

// shutdown solta o carro parado: quadro neutro (preservando faróis e modo),
// conexão encerrada.
func (u *Unit) shutdown() {
	u.mu.Lock()
	neutral := u.lastCmd.Neutralized()
	u.mu.Unlock()

	if frame, err := protocol.Encode(neutral); err == nil {
		// Melhor esforço: se o link já caiu, o carro para por timeout.
		u.link.Write(frame)
	}
	u.link.Close()
	log.Printf("[DRIVE] 🏁 Unidade do slot %d encerrada (%s)",
		u.sampler.Slot(), u.link.Target().Name)
}

// ToggleLights alterna os faróis.
func (u *Unit) ToggleLights() {
	u.mu.Lock()
	u.lights = !u.lights
	u.mu.Unlock()
}

// ToggleTurbo alterna a trava de turbo. O gatilho do controle continua
// valendo: turbo efetivo é trava OU gatilho.
func (u *Unit) ToggleTurbo() {
	u.mu.Lock()
	u.turboLatch = !u.turboLatch
	u.mu.Unlock()
}

// ToggleDonut alterna o modo donut.
func (u *Unit) ToggleDonut() {
	u.mu.Lock()
	u.donut = !u.donut
	u.mu.Unlock()
}

// CycleMode alterna entre os dois modos de condução do firmware.
func (u *Unit) CycleMode() {
	u.mu.Lock()
	if u.mode == protocol.ModeStandard {
		u.mode = protocol.ModeAlternate
	} else {
		u.mode = protocol.ModeStandard
	}
	u.mu.Unlock()
}

// Snapshot devolve o retrato corrente da unidade.
func (u *Unit) Snapshot() Telemetry {
	target := u.link.Target()

	u.mu.Lock()
	t := Telemetry{
		Slot:         u.sampler.Slot(),
		Model:        target.Model.ID,
		Name:         target.Name,
		Addr:         target.Addr,
		BatteryStart: u.batteryStart,
		ControllerOK: u.controllerOK,
		Lights:       u.lights,
		Turbo:        u.turboLatch,
		Donut:        u.donut,
		Mode:         int(u.mode),
		Frames:       u.frames,
		Dropped:      u.dropped,
		WriteErrors:  u.writeErrors,
		Reconnects:   u.reconnects,
	}
	if u.haveLast {
		t.LastFrame = u.lastFrame.Hex()
	}
	u.mu.Unlock()

	t.State = u.link.State().String()
	t.Battery = u.link.Battery()
	return t
}

func (u *Unit) emitTelemetry() {
	if u.opts.OnTelemetry == nil {
		return
	}
	u.opts.OnTelemetry(u.Snapshot())
}

// resendDue decide se um quadro vai ao ar: sempre que o conteúdo mudou e,
// sem mudança, num batimento periódico que mantém o firmware acordado.
func resendDue(frame, last protocol.Frame, haveLast bool, sinceLast, interval time.Duration) bool {
	if !haveLast || frame != last {
		return true
	}
	return sinceLast >= interval
}
