package ble

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-ble/ble"

	"github.com/whilefalse841/SRL-Car-Controller/pkg/catalog"
)

// DefaultScanWindow é a duração padrão de uma sessão de varredura.
const DefaultScanWindow = 3 * time.Second

// Discovery é um carro compatível encontrado durante uma varredura: o modelo
// resolvido pelo catálogo, o nome anunciado cru e o endereço para conectar.
type Discovery struct {
	Model catalog.Model `json:"model"`
	Name  string        `json:"name"`
	Addr  string        `json:"addr"`
	RSSI  int           `json:"rssi"`
}

// ScanRadio é o pedaço do Radio que o Scanner usa. Os testes injetam fakes.
type ScanRadio interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
}

// Scanner encontra carros anunciando por perto. Cada Start abre uma sessão
// independente e finita; sessões podem ser repetidas à vontade.
type Scanner struct {
	radio ScanRadio
}

// NewScanner cria um Scanner sobre o rádio dado.
func NewScanner(radio ScanRadio) *Scanner {
	return &Scanner{radio: radio}
}

// Start abre uma sessão de varredura com a janela dada. A sessão termina
// quando a janela expira, quando Cancel é chamado ou quando o rádio falha.
// Os dispositivos saem no canal conforme são descobertos (preguiçoso).
func (s *Scanner) Start(ctx context.Context, window time.Duration) *ScanSession {
	if window <= 0 {
		window = DefaultScanWindow
	}
	scanCtx, cancel := context.WithTimeout(ctx, window)
	sess := &ScanSession{
		found:  make(chan Discovery, 8),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go sess.run(scanCtx, s.radio)
	return sess
}

// ScanSession é uma varredura em andamento. O canal de Devices fecha quando
// a sessão acaba; depois disso Err informa se o rádio falhou.
type ScanSession struct {
	found  chan Discovery
	done   chan struct{}
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// Devices entrega os carros compatíveis conforme aparecem, sem duplicar
// endereços dentro da sessão. O canal fecha no fim da sessão.
func (ss *ScanSession) Devices() <-chan Discovery { return ss.found }

// Cancel interrompe a sessão. Cancelar uma sessão já encerrada é inofensivo.
func (ss *ScanSession) Cancel() { ss.cancel() }

// Done fecha quando a sessão termina por qualquer motivo.
func (ss *ScanSession) Done() <-chan struct{} { return ss.done }

// Err retorna ErrScanUnavailable (embrulhado com a causa) se o rádio falhou.
// Janela expirada e cancelamento não são erros.
func (ss *ScanSession) Err() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.err
}

// Wait bloqueia até o fim da sessão e retorna Err.
func (ss *ScanSession) Wait() error {
	<-ss.done
	return ss.Err()
}

func (ss *ScanSession) run(ctx context.Context, radio ScanRadio) {
	defer ss.cancel()

	// A pilha HCI despacha cada anúncio em goroutine própria e pode entregar
	// depois de Scan retornar. O mutex serializa os handlers entre si e com o
	// encerramento: com stopped levantado, nenhum handler toca mais o canal.
	// O dedupe é por sessão: uma nova varredura reapresenta tudo.
	var (
		hmu     sync.Mutex
		seen    = make(map[string]bool)
		stopped bool
	)
	handler := func(a ble.Advertisement) {
		if !a.Connectable() {
			return
		}
		name := a.LocalName()
		if name == "" {
			return
		}
		model, ok := catalog.Match(name)
		if !ok {
			return
		}
		addr := a.Addr().String()

		hmu.Lock()
		defer hmu.Unlock()
		if stopped || seen[addr] {
			return
		}
		seen[addr] = true
		d := Discovery{Model: model, Name: name, Addr: addr, RSSI: a.RSSI()}
		log.Printf("[SCAN] 🔎 Carro encontrado: %s (%s, %s, RSSI %d)",
			model.DisplayName, name, addr, d.RSSI)
		select {
		case ss.found <- d:
		case <-ctx.Done():
		}
	}

	err := radio.Scan(ctx, false, handler)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		ss.mu.Lock()
		ss.err = fmt.Errorf("%w: %v", ErrScanUnavailable, err)
		ss.mu.Unlock()
		log.Printf("[SCAN] ❌ Varredura falhou: %s", err)
	}

	hmu.Lock()
	stopped = true
	close(ss.found)
	hmu.Unlock()
	close(ss.done)
}
