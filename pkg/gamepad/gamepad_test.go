package gamepad

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	name    string
	axes    int
	buttons int
	events  chan Event
	once    sync.Once
	closed  chan struct{}
}

func newFakeDevice(axes, buttons int) *fakeDevice {
	return &fakeDevice{
		name:    "Controle Fake",
		axes:    axes,
		buttons: buttons,
		events:  make(chan Event, 64),
		closed:  make(chan struct{}),
	}
}

func (f *fakeDevice) Name() string { return f.name }
func (f *fakeDevice) Axes() int    { return f.axes }
func (f *fakeDevice) Buttons() int { return f.buttons }

func (f *fakeDevice) NextEvent() (Event, error) {
	select {
	case ev := <-f.events:
		return ev, nil
	case <-f.closed:
		return Event{}, io.EOF
	}
}

func (f *fakeDevice) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeDevice) pushAxis(n uint8, v int16) {
	f.events <- Event{Type: eventAxis, Number: n, Value: v}
}

func (f *fakeDevice) pushButton(n uint8, pressed bool) {
	var v int16
	if pressed {
		v = 1
	}
	f.events <- Event{Type: eventButton | eventInit, Number: n, Value: v}
}

func fixedOpener(dev Device) Opener {
	return func(int) (Device, error) { return dev, nil }
}

func TestNormalizeAxis(t *testing.T) {
	testCases := []struct {
		name string
		raw  int16
		want float64
	}{
		{"maximo positivo", 32767, 1},
		{"minimo estoura e grampeia", -32768, -1},
		{"zero", 0, 0},
		{"meio curso", 16384, 0.50001},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.InDelta(t, tc.want, normalizeAxis(tc.raw), 0.0001)
		})
	}
}

func TestApplyDeadZone(t *testing.T) {
	testCases := []struct {
		name string
		v    float64
		want float64
	}{
		{"abaixo do limiar vira zero exato", 0.02, 0},
		{"abaixo do limiar negativo", -0.049, 0},
		{"no limiar ainda e ruido", 0.05, 0},
		{"acima do limiar passa intacto", 0.0501, 0.0501},
		{"curso cheio", -1, -1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, applyDeadZone(tc.v, DefaultDeadZone))
		})
	}
}

func TestNormalizeTrigger(t *testing.T) {
	require.Equal(t, 0.0, normalizeTrigger(-1))
	require.Equal(t, 0.5, normalizeTrigger(0))
	require.Equal(t, 1.0, normalizeTrigger(1))
}

func TestClamp(t *testing.T) {
	require.Equal(t, 1.0, clamp(1.3))
	require.Equal(t, -1.0, clamp(-2))
	require.Equal(t, 0.25, clamp(0.25))
}

func TestSamplerUnavailableWhenOpenFails(t *testing.T) {
	s := NewSamplerWith(3, DefaultConfig(), func(int) (Device, error) {
		return nil, errors.New("sem dispositivo")
	})
	defer s.Close()

	_, err := s.Sample()
	require.ErrorIs(t, err, ErrControllerUnavailable)
}

func TestSamplerReadsAxesAndButtons(t *testing.T) {
	dev := newFakeDevice(6, 8)
	s := NewSamplerWith(0, DefaultConfig(), fixedOpener(dev))
	defer s.Close()

	// Primeira amostra abre o dispositivo e dispara a leitura.
	_, err := s.Sample()
	require.NoError(t, err)

	dev.pushAxis(0, 16384)  // direção meio curso à direita
	dev.pushAxis(3, -32767) // stick para cima = frente (eixo invertido)
	dev.pushAxis(4, 0)      // gatilho puxado até a metade
	dev.pushButton(6, true) // BACK pressionado

	require.Eventually(t, func() bool {
		st, err := s.Sample()
		if err != nil {
			return false
		}
		return st.Steering > 0.49 && st.Throttle > 0.99 &&
			st.Buttons.Turbo && st.Buttons.Lights
	}, time.Second, 5*time.Millisecond)
}

func TestSamplerAppliesDeadZone(t *testing.T) {
	dev := newFakeDevice(6, 8)
	s := NewSamplerWith(0, DefaultConfig(), fixedOpener(dev))
	defer s.Close()

	_, err := s.Sample()
	require.NoError(t, err)

	// Primeiro um valor fora da zona morta, para provar que o evento fluiu.
	dev.pushAxis(0, 3277) // ~0.1 do curso
	require.Eventually(t, func() bool {
		st, err := s.Sample()
		return err == nil && st.Steering > 0.09
	}, time.Second, 5*time.Millisecond)

	// Agora 0.02 do curso, abaixo da zona morta de 0.05: zero exato.
	dev.pushAxis(0, 655)
	require.Eventually(t, func() bool {
		st, err := s.Sample()
		return err == nil && st.Steering == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSamplerReportsLoss(t *testing.T) {
	dev := newFakeDevice(6, 8)
	s := NewSamplerWith(0, DefaultConfig(), fixedOpener(dev))
	defer s.Close()

	_, err := s.Sample()
	require.NoError(t, err)

	// O controle some no meio da sessão.
	dev.Close()

	require.Eventually(t, func() bool {
		_, err := s.Sample()
		return errors.Is(err, ErrControllerUnavailable)
	}, time.Second, 5*time.Millisecond)
}

func TestSamplerClosedStaysUnavailable(t *testing.T) {
	dev := newFakeDevice(6, 8)
	s := NewSamplerWith(0, DefaultConfig(), fixedOpener(dev))

	_, err := s.Sample()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Sample()
	require.ErrorIs(t, err, ErrControllerUnavailable)
}
