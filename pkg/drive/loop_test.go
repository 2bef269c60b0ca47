package drive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/whilefalse841/SRL-Car-Controller/pkg/ble"
	"github.com/whilefalse841/SRL-Car-Controller/pkg/catalog"
	"github.com/whilefalse841/SRL-Car-Controller/pkg/gamepad"
	"github.com/whilefalse841/SRL-Car-Controller/pkg/protocol"
)

type fakeLink struct {
	mu           sync.Mutex
	target       ble.Discovery
	state        ble.LinkState
	battery      int
	frames       []protocol.Frame
	writeErr     error
	capped       int
	connectErr   error
	connectCalls int
	dropEarly    bool
	disc         chan struct{}
	closed       int
}

func newFakeLink() *fakeLink {
	m, ok := catalog.Find("SF24")
	if !ok {
		panic("modelo SF24 ausente do catálogo")
	}
	return &fakeLink{
		target: ble.Discovery{Model: m, Name: "SL-SF-24", Addr: "aa:bb:cc:dd:ee:01", RSSI: -40},
		disc:   make(chan struct{}),
	}
}

func (l *fakeLink) Connect(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connectCalls++
	if l.connectErr != nil {
		l.state = ble.StateFailed
		return l.connectErr
	}
	l.state = ble.StateReady
	l.disc = make(chan struct{})
	if l.dropEarly && l.connectCalls == 1 {
		// A queda aterrissa antes de quem chamou buscar o canal de
		// desconexão, como o link real pode fazer.
		l.state = ble.StateDisconnected
		close(l.disc)
	}
	return nil
}

func (l *fakeLink) Write(f protocol.Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != ble.StateReady {
		return fmt.Errorf("escrita rejeitada: %w", ble.ErrNotConnected)
	}
	if l.capped > 0 {
		l.capped--
		return ble.ErrRateLimited
	}
	if l.writeErr != nil {
		return l.writeErr
	}
	l.frames = append(l.frames, f)
	return nil
}

func (l *fakeLink) Disconnected() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disc
}

func (l *fakeLink) State() ble.LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *fakeLink) Battery() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.battery
}

func (l *fakeLink) Target() ble.Discovery { return l.target }

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed++
	l.state = ble.StateIdle
	return nil
}

// dropNow simula a queda da conexão: escritas passam a falhar e o canal de
// desconexão fecha e fica fechado até o próximo Connect trocar por um novo,
// como o link real faz.
func (l *fakeLink) dropNow() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = ble.StateDisconnected
	close(l.disc)
}

func (l *fakeLink) setState(s ble.LinkState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = s
}

func (l *fakeLink) setWriteErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writeErr = err
}

func (l *fakeLink) frameCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames)
}

func (l *fakeLink) connectCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connectCalls
}

func (l *fakeLink) lastFrame() (protocol.Frame, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.frames) == 0 {
		return protocol.Frame{}, false
	}
	return l.frames[len(l.frames)-1], true
}

func (l *fakeLink) tail(n int) []protocol.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.frames) < n {
		n = len(l.frames)
	}
	out := make([]protocol.Frame, n)
	copy(out, l.frames[len(l.frames)-n:])
	return out
}

func (l *fakeLink) containsFrame(want protocol.Frame) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range l.frames {
		if f == want {
			return true
		}
	}
	return false
}

type fakeSampler struct {
	mu     sync.Mutex
	slot   int
	state  gamepad.State
	err    error
	closed int
}

func (s *fakeSampler) Sample() (gamepad.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return gamepad.State{}, s.err
	}
	return s.state, nil
}

func (s *fakeSampler) Slot() int { return s.slot }

func (s *fakeSampler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSampler) set(state gamepad.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.err = nil
}

func (s *fakeSampler) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeSampler) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func fastOptions() Options {
	return Options{
		TickInterval:        time.Millisecond,
		ResendInterval:      5 * time.Millisecond,
		MaxConnectAttempts:  3,
		ReconnectBackoff:    time.Millisecond,
		MaxReconnectBackoff: 4 * time.Millisecond,
		TelemetryInterval:   5 * time.Millisecond,
	}
}

func startUnit(u *Unit) (context.CancelFunc, chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- u.Run(ctx) }()
	return cancel, done
}

func stopUnit(t *testing.T, cancel context.CancelFunc, done chan error) error {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Run não retornou depois do cancelamento")
		return nil
	}
}

var neutralFrame = protocol.Frame{1, 0, 0, 0, 0, 0, 0, 0}

func TestResendDue(t *testing.T) {
	forward := protocol.Frame{1, 1, 0, 0, 0, 0, 0, 0}
	right := protocol.Frame{1, 1, 0, 0, 1, 0, 0, 0}
	interval := 100 * time.Millisecond

	cases := []struct {
		name      string
		frame     protocol.Frame
		last      protocol.Frame
		haveLast  bool
		sinceLast time.Duration
		want      bool
	}{
		{"primeiro quadro sempre vai", forward, protocol.Frame{}, false, 0, true},
		{"mudança vai na hora", right, forward, true, time.Millisecond, true},
		{"repetido antes do batimento espera", forward, forward, true, 50 * time.Millisecond, false},
		{"repetido no batimento vai", forward, forward, true, interval, true},
		{"repetido depois do batimento vai", forward, forward, true, 150 * time.Millisecond, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := resendDue(c.frame, c.last, c.haveLast, c.sinceLast, interval)
			require.Equal(t, c.want, got)
		})
	}
}

func TestUnitDrivesAndParksOnShutdown(t *testing.T) {
	link := newFakeLink()
	sampler := &fakeSampler{slot: 0}
	sampler.set(gamepad.State{Steering: 0.5, Throttle: 1})

	u := NewUnit(link, sampler, fastOptions())
	cancel, done := startUnit(u)

	require.Eventually(t, func() bool {
		return link.containsFrame(protocol.Frame{1, 1, 0, 0, 1, 0, 0, 0})
	}, time.Second, time.Millisecond)

	require.NoError(t, stopUnit(t, cancel, done))

	// O último quadro deixa o carro parado, e tudo é liberado uma vez só.
	last, ok := link.lastFrame()
	require.True(t, ok)
	require.Equal(t, neutralFrame, last)
	require.Equal(t, 1, link.closed)
	require.Equal(t, 1, sampler.closeCount())
}

func TestUnitHoldsNeutralWhenControllerLost(t *testing.T) {
	link := newFakeLink()
	sampler := &fakeSampler{slot: 1}
	sampler.set(gamepad.State{Throttle: 1})

	u := NewUnit(link, sampler, fastOptions())
	cancel, done := startUnit(u)
	defer stopUnit(t, cancel, done)

	require.Eventually(t, func() bool {
		return link.containsFrame(protocol.Frame{1, 1, 0, 0, 0, 0, 0, 0})
	}, time.Second, time.Millisecond)

	// O controle some: a sessão segue viva com o carro parado.
	sampler.fail(fmt.Errorf("slot 1: %w", gamepad.ErrControllerUnavailable))
	require.Eventually(t, func() bool {
		last, ok := link.lastFrame()
		return ok && last == neutralFrame && !u.Snapshot().ControllerOK
	}, time.Second, time.Millisecond)

	// O controle volta e a pilotagem retoma sem reconectar nada.
	sampler.set(gamepad.State{Throttle: -1})
	require.Eventually(t, func() bool {
		return link.containsFrame(protocol.Frame{1, 0, 1, 0, 0, 0, 0, 0}) &&
			u.Snapshot().ControllerOK
	}, time.Second, time.Millisecond)
	require.Equal(t, 1, link.connectCount())
}

func TestUnitReconnectsWhenLinkDrops(t *testing.T) {
	link := newFakeLink()
	sampler := &fakeSampler{slot: 0}
	sampler.set(gamepad.State{Throttle: 1})

	u := NewUnit(link, sampler, fastOptions())
	cancel, done := startUnit(u)
	defer stopUnit(t, cancel, done)

	require.Eventually(t, func() bool { return link.frameCount() > 0 },
		time.Second, time.Millisecond)

	link.dropNow()

	require.Eventually(t, func() bool {
		return link.connectCount() == 2 && u.Snapshot().Reconnects == 1
	}, time.Second, time.Millisecond)

	// Depois de reconectar, os quadros voltam a fluir.
	n := link.frameCount()
	require.Eventually(t, func() bool { return link.frameCount() > n },
		time.Second, time.Millisecond)
}

func TestUnitReconnectsWhenDropLandsDuringConnect(t *testing.T) {
	link := newFakeLink()
	link.dropEarly = true
	sampler := &fakeSampler{slot: 0}
	sampler.set(gamepad.State{Throttle: 1})

	u := NewUnit(link, sampler, fastOptions())
	cancel, done := startUnit(u)
	defer stopUnit(t, cancel, done)

	// A queda aterrissa entre o Connect retornar e o loop buscar o canal de
	// desconexão. O canal buscado já nasce fechado, então o sinal não se
	// perde e a unidade reconecta em vez de ficar presa.
	require.Eventually(t, func() bool {
		return link.connectCount() == 2 && u.Snapshot().Reconnects == 1
	}, time.Second, time.Millisecond)

	// Com a conexão nova, os quadros fluem.
	require.Eventually(t, func() bool { return link.frameCount() > 0 },
		time.Second, time.Millisecond)
}

func TestUnitGivesUpWhenCarNeverAnswers(t *testing.T) {
	link := newFakeLink()
	link.connectErr = errors.New("carro fora de alcance")
	sampler := &fakeSampler{slot: 0}

	u := NewUnit(link, sampler, fastOptions())
	_, done := startUnit(u)

	select {
	case err := <-done:
		require.Error(t, err)
		require.ErrorContains(t, err, "esgotou 3 tentativas")
	case <-time.After(2 * time.Second):
		t.Fatal("Run deveria ter desistido")
	}
	require.Equal(t, 3, link.connectCount())
	// Mesmo sem conectar, os recursos são devolvidos.
	require.Equal(t, 1, link.closed)
	require.Equal(t, 1, sampler.closeCount())
}

func TestUnitCountsDroppedFrames(t *testing.T) {
	link := newFakeLink()
	sampler := &fakeSampler{slot: 0}
	sampler.set(gamepad.State{Throttle: 1})

	u := NewUnit(link, sampler, fastOptions())
	cancel, done := startUnit(u)
	defer stopUnit(t, cancel, done)

	require.Eventually(t, func() bool { return link.frameCount() > 0 },
		time.Second, time.Millisecond)

	// Janela entre queda e reconexão: escritas recusadas não são erro de
	// transporte, só quadros descartados.
	link.setState(ble.StateDisconnected)
	require.Eventually(t, func() bool { return u.Snapshot().Dropped > 0 },
		time.Second, time.Millisecond)
	require.Zero(t, u.Snapshot().WriteErrors)

	link.setState(ble.StateReady)
}

func TestUnitCountsRateCappedFramesAsDropped(t *testing.T) {
	link := newFakeLink()
	link.capped = 3
	sampler := &fakeSampler{slot: 0}
	sampler.set(gamepad.State{Throttle: 1})

	u := NewUnit(link, sampler, fastOptions())
	cancel, done := startUnit(u)

	// Quadro segurado pelo teto não atualiza lastFrame: o mesmo comando
	// volta a concorrer no passo seguinte até passar.
	require.Eventually(t, func() bool {
		return link.containsFrame(protocol.Frame{1, 1, 0, 0, 0, 0, 0, 0})
	}, time.Second, time.Millisecond)

	require.NoError(t, stopUnit(t, cancel, done))

	snap := u.Snapshot()
	require.Equal(t, uint64(3), snap.Dropped)
	require.Zero(t, snap.WriteErrors)
	// Enviados de verdade: tudo que o link recebeu menos o quadro neutro
	// do encerramento, que não entra na contagem da unidade.
	require.Equal(t, snap.Frames+1, uint64(link.frameCount()))
}

func TestUnitCountsWriteErrors(t *testing.T) {
	link := newFakeLink()
	sampler := &fakeSampler{slot: 0}
	sampler.set(gamepad.State{Throttle: 1})

	u := NewUnit(link, sampler, fastOptions())
	cancel, done := startUnit(u)
	defer stopUnit(t, cancel, done)

	require.Eventually(t, func() bool { return link.frameCount() > 0 },
		time.Second, time.Millisecond)

	link.setWriteErr(errors.New("gatt recusou a escrita"))
	require.Eventually(t, func() bool { return u.Snapshot().WriteErrors > 0 },
		time.Second, time.Millisecond)
}

func TestUnitLightsToggleOnPressEdge(t *testing.T) {
	link := newFakeLink()
	sampler := &fakeSampler{slot: 0}
	sampler.set(gamepad.State{Buttons: gamepad.Buttons{Lights: true}})

	u := NewUnit(link, sampler, fastOptions())
	cancel, done := startUnit(u)
	defer stopUnit(t, cancel, done)

	lightsOn := protocol.Frame{1, 0, 0, 0, 0, 1, 0, 0}
	require.Eventually(t, func() bool { return link.containsFrame(lightsOn) },
		time.Second, time.Millisecond)

	// Botão seguro apertado: o estado não oscila, os quadros seguem iguais.
	n := link.frameCount()
	require.Eventually(t, func() bool { return link.frameCount() >= n+2 },
		time.Second, time.Millisecond)
	for _, f := range link.tail(2) {
		require.Equal(t, byte(1), f[5])
	}

	// Soltar não desliga: o farol é trava, não nível.
	sampler.set(gamepad.State{})
	n = link.frameCount()
	require.Eventually(t, func() bool { return link.frameCount() >= n+2 },
		time.Second, time.Millisecond)
	for _, f := range link.tail(2) {
		require.Equal(t, byte(1), f[5])
	}

	// Segunda borda de subida desliga.
	sampler.set(gamepad.State{Buttons: gamepad.Buttons{Lights: true}})
	require.Eventually(t, func() bool {
		last, ok := link.lastFrame()
		return ok && last[5] == 0
	}, time.Second, time.Millisecond)
}

func TestUnitTractionButtonsOverrideAxis(t *testing.T) {
	link := newFakeLink()
	sampler := &fakeSampler{slot: 0}

	u := NewUnit(link, sampler, fastOptions())
	cancel, done := startUnit(u)
	defer stopUnit(t, cancel, done)

	// Eixo pedindo frente, botão de ré apertado: a ré vence.
	sampler.set(gamepad.State{Throttle: 1, Buttons: gamepad.Buttons{Reverse: true}})
	require.Eventually(t, func() bool {
		return link.containsFrame(protocol.Frame{1, 0, 1, 0, 0, 0, 0, 0})
	}, time.Second, time.Millisecond)

	// Ré e frente juntos: a ré ainda vence.
	sampler.set(gamepad.State{Buttons: gamepad.Buttons{Forward: true, Reverse: true}})
	require.Eventually(t, func() bool {
		last, ok := link.lastFrame()
		return ok && last[2] == 1 && last[1] == 0
	}, time.Second, time.Millisecond)

	// Só o botão de frente, eixo parado: anda para frente.
	sampler.set(gamepad.State{Buttons: gamepad.Buttons{Forward: true}})
	require.Eventually(t, func() bool {
		return link.containsFrame(protocol.Frame{1, 1, 0, 0, 0, 0, 0, 0})
	}, time.Second, time.Millisecond)
}

func TestUnitRemoteTogglesReachTheCar(t *testing.T) {
	link := newFakeLink()
	sampler := &fakeSampler{slot: 0}

	u := NewUnit(link, sampler, fastOptions())
	cancel, done := startUnit(u)
	defer stopUnit(t, cancel, done)

	u.ToggleLights()
	u.ToggleTurbo()
	u.ToggleDonut()
	u.CycleMode()

	require.Eventually(t, func() bool {
		return link.containsFrame(protocol.Frame{2, 0, 0, 0, 0, 1, 1, 1})
	}, time.Second, time.Millisecond)

	snap := u.Snapshot()
	require.True(t, snap.Lights)
	require.True(t, snap.Turbo)
	require.True(t, snap.Donut)
	require.Equal(t, 2, snap.Mode)

	// O modo alterna de volta para o padrão.
	u.CycleMode()
	require.Eventually(t, func() bool {
		last, ok := link.lastFrame()
		return ok && last[0] == 1
	}, time.Second, time.Millisecond)
}

func TestUnitPublishesTelemetry(t *testing.T) {
	link := newFakeLink()
	link.battery = 77
	sampler := &fakeSampler{slot: 3}
	sampler.set(gamepad.State{})

	var mu sync.Mutex
	var got []Telemetry
	opts := fastOptions()
	opts.OnTelemetry = func(tm Telemetry) {
		mu.Lock()
		got = append(got, tm)
		mu.Unlock()
	}

	u := NewUnit(link, sampler, opts)
	cancel, done := startUnit(u)
	defer stopUnit(t, cancel, done)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, time.Second, time.Millisecond)

	mu.Lock()
	tm := got[len(got)-1]
	mu.Unlock()
	require.Equal(t, 3, tm.Slot)
	require.Equal(t, "SF24", tm.Model)
	require.Equal(t, "SL-SF-24", tm.Name)
	require.Equal(t, "ready", tm.State)
	require.Equal(t, 77, tm.Battery)
}
