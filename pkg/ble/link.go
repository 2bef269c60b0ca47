package ble

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"golang.org/x/time/rate"

	"github.com/whilefalse841/SRL-Car-Controller/pkg/protocol"
)

const (
	// DefaultConnectTimeout cobre o handshake completo. Os carros demoram
	// para aceitar conexão logo depois de ligados, então a janela é larga.
	DefaultConnectTimeout = 45 * time.Second

	// Teto de escritas no transporte. O ritmo normal do loop de pilotagem
	// fica bem abaixo disso; o limitador só segura rajadas anômalas.
	DefaultWritesPerSecond = 25
	DefaultWriteBurst      = 5
)

// LinkOptions parametriza um Link.
type LinkOptions struct {
	ConnectTimeout  time.Duration
	WritesPerSecond int
	WriteBurst      int
	// OnState é chamado a cada transição de estado, fora de qualquer lock.
	OnState func(LinkState)
	// OnStatus recebe os payloads de status/bateria decodificados.
	OnStatus func(protocol.Status)
}

// Dialer é o pedaço do Radio que o Link usa. Os testes injetam fakes.
type Dialer interface {
	Dial(ctx context.Context, addr ble.Addr) (ble.Client, error)
}

// Link é a máquina de estados da conexão com um carro:
//
//	Idle -> Connecting -> Ready -> Disconnected
//	            `-> Failed
//
// Connect executa UMA tentativa; a política de repetição (quantas vezes,
// com qual espera) pertence a quem chama. Depois de Ready, a queda é
// sinalizada pelo canal Disconnected e por escritas com erro.
type Link struct {
	dialer Dialer
	target Discovery
	opts   LinkOptions

	mu          sync.RWMutex
	state       LinkState
	client      ble.Client
	controlChar *ble.Characteristic
	statusChar  *ble.Characteristic
	batteryChar *ble.Characteristic
	battery     int
	lastStatus  string
	gen         int
	disc        chan struct{}

	// Uma escrita por vez, reusando sempre o mesmo buffer de saída.
	wmu      sync.Mutex
	writeBuf [protocol.FrameSize]byte
	limiter  *rate.Limiter
}

// neverClosed serve de canal de desconexão enquanto não há conexão.
var neverClosed = make(chan struct{})

// NewLink cria um Link para o carro descoberto. Nada acontece até Connect.
func NewLink(dialer Dialer, target Discovery, opts LinkOptions) *Link {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.WritesPerSecond <= 0 {
		opts.WritesPerSecond = DefaultWritesPerSecond
	}
	if opts.WriteBurst <= 0 {
		opts.WriteBurst = DefaultWriteBurst
	}
	return &Link{
		dialer:  dialer,
		target:  target,
		opts:    opts,
		state:   StateIdle,
		limiter: rate.NewLimiter(rate.Limit(opts.WritesPerSecond), opts.WriteBurst),
	}
}

// Target retorna o carro alvo deste link.
func (l *Link) Target() Discovery { return l.target }

// State retorna o estado corrente da máquina.
func (l *Link) State() LinkState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Battery retorna o último percentual de bateria conhecido (0 se nunca lido).
func (l *Link) Battery() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.battery
}

// Disconnected retorna o canal de desconexão da conexão corrente. O canal
// fecha quando ela cai e segue fechado até o próximo Connect instalar um
// novo, então pegá-lo depois da queda ainda entrega o sinal. Antes do
// primeiro Connect, ou depois de Close, retorna um canal que nunca fecha.
func (l *Link) Disconnected() <-chan struct{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.disc == nil {
		return neverClosed
	}
	return l.disc
}

// Connect executa uma tentativa de conexão completa: discagem, descoberta de
// perfil, resolução da característica de controle, inscrições de status e
// leitura inicial de bateria. Em sucesso o link fica Ready; qualquer falha
// deixa Failed com o diagnóstico no erro.
func (l *Link) Connect(ctx context.Context) error {
	l.setState(StateConnecting)
	log.Printf("[LINK] 📡 Conectando a %s (%s)...", l.target.Name, l.target.Addr)

	dialCtx, cancel := context.WithTimeout(ctx, l.opts.ConnectTimeout)
	defer cancel()

	client, err := l.dialer.Dial(dialCtx, ble.NewAddr(l.target.Addr))
	if err != nil {
		l.setState(StateFailed)
		return fmt.Errorf("conectando a %s: %w", l.target.Addr, err)
	}

	// Descobre todos os serviços e características do carro.
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		client.CancelConnection()
		l.setState(StateFailed)
		return fmt.Errorf("descobrindo perfil de %s: %w", l.target.Addr, err)
	}

	control := FindCharacteristic(profile, ControlCharUUIDStr)
	if control == nil {
		client.CancelConnection()
		l.setState(StateFailed)
		return fmt.Errorf("característica de controle ausente em %s", l.target.Addr)
	}
	status := FindCharacteristic(profile, StatusCharUUIDStr)
	battery := FindCharacteristic(profile, BatteryCharUUIDStr)

	l.mu.Lock()
	l.gen++
	gen := l.gen
	l.client = client
	l.controlChar = control
	l.statusChar = status
	l.batteryChar = battery
	l.disc = make(chan struct{})
	l.state = StateReady
	l.mu.Unlock()
	l.notify(StateReady)

	go l.watch(gen, client.Disconnected())

	// Notificações e leitura inicial de bateria são melhor esforço: carro
	// sem essas características continua pilotável.
	if status != nil {
		if err := client.Subscribe(status, false, l.handleStatus); err != nil {
			log.Printf("[LINK] ⚠️ Inscrição de status falhou em %s: %s", l.target.Addr, err)
		}
	}
	if battery != nil {
		if err := client.Subscribe(battery, false, l.handleStatus); err != nil {
			log.Printf("[LINK] ⚠️ Inscrição de bateria falhou em %s: %s", l.target.Addr, err)
		}
		if data, err := client.ReadCharacteristic(battery); err == nil {
			l.handleStatus(data)
		}
	}

	log.Printf("[LINK] ✅ Conectado a %s (%s)", l.target.Name, l.target.Addr)
	return nil
}

// Write envia um quadro de comando pela conexão corrente. Fora do estado
// Ready retorna ErrNotConnected sem mudar nada. Falha de transporte derruba
// o link para Disconnected. Quadro acima do teto de escrita volta com
// ErrRateLimited sem ir ao ar: fila não existe, comando represado envelhece.
func (l *Link) Write(f protocol.Frame) error {
	l.mu.RLock()
	state, client, char, gen := l.state, l.client, l.controlChar, l.gen
	l.mu.RUnlock()

	if state != StateReady || client == nil || char == nil {
		return fmt.Errorf("escrita com link %s: %w", state, ErrNotConnected)
	}

	l.wmu.Lock()
	defer l.wmu.Unlock()
	if !l.limiter.Allow() {
		return ErrRateLimited
	}
	copy(l.writeBuf[:], f[:])
	if err := client.WriteCharacteristic(char, l.writeBuf[:], true); err != nil {
		l.dropConnection(gen, err)
		return fmt.Errorf("escrevendo comando: %w", err)
	}
	return nil
}

// Close encerra o link por vontade do usuário. O estado final é Idle;
// nenhuma reconexão automática deve acontecer depois disso.
func (l *Link) Close() error {
	l.mu.Lock()
	client := l.client
	wasReady := l.state == StateReady
	disc := l.disc
	l.client = nil
	l.controlChar, l.statusChar, l.batteryChar = nil, nil, nil
	l.disc = nil
	l.state = StateIdle
	l.mu.Unlock()

	if client != nil {
		client.CancelConnection()
	}
	if wasReady && disc != nil {
		close(disc)
	}
	l.notify(StateIdle)
	return nil
}

// watch espera o sinal de desconexão da pilha BLE para a conexão de
// geração gen. A guarda de geração impede que um watcher velho derrube uma
// conexão nova.
func (l *Link) watch(gen int, ch <-chan struct{}) {
	<-ch
	l.dropConnection(gen, errors.New("desconexão sinalizada pela pilha BLE"))
}

func (l *Link) dropConnection(gen int, cause error) {
	l.mu.Lock()
	if l.gen != gen || l.state != StateReady {
		l.mu.Unlock()
		return
	}
	client := l.client
	disc := l.disc
	l.client = nil
	l.controlChar, l.statusChar, l.batteryChar = nil, nil, nil
	// O canal fechado fica em l.disc de propósito: um Disconnected() pego
	// depois da queda ainda entrega o sinal. Só Connect instala um canal
	// novo; só Close anula.
	l.state = StateDisconnected
	l.mu.Unlock()

	if client != nil {
		client.CancelConnection()
	}
	if disc != nil {
		close(disc)
	}
	log.Printf("[LINK] 🔌 Conexão com %s caiu: %v", l.target.Addr, cause)
	l.notify(StateDisconnected)
}

// handleStatus processa payloads de status e bateria. Payloads idênticos
// consecutivos são suprimidos para não inundar o callback com ecos.
func (l *Link) handleStatus(data []byte) {
	st := protocol.DecodeStatus(data)
	hexData := fmt.Sprintf("%x", data)

	l.mu.Lock()
	if hexData == l.lastStatus {
		l.mu.Unlock()
		return
	}
	l.lastStatus = hexData
	if st.Kind == protocol.StatusBattery {
		l.battery = st.Battery
	}
	l.mu.Unlock()

	if st.Kind == protocol.StatusBattery {
		log.Printf("[LINK] 🔋 Bateria de %s: %d%%", l.target.Name, st.Battery)
	}
	if l.opts.OnStatus != nil {
		l.opts.OnStatus(st)
	}
}

func (l *Link) setState(s LinkState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	l.notify(s)
}

func (l *Link) notify(s LinkState) {
	if l.opts.OnState != nil {
		l.opts.OnState(s)
	}
}
