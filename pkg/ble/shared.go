// Package ble contém toda a lógica Bluetooth Low Energy (BLE) do projeto:
// o rádio físico, o scanner de carros, o link de comando e o carro virtual.
package ble

import (
	"errors"
	"strings"

	"github.com/go-ble/ble"
)

// --- ERROS SENTINELA ---
var (
	// ErrScanUnavailable indica que o rádio não conseguiu varrer (adaptador
	// ausente, sem permissão, pilha HCI ocupada). É reportado pela sessão de
	// scan, nunca via panic.
	ErrScanUnavailable = errors.New("ble: varredura indisponível")

	// ErrNotConnected indica escrita com o link fora do estado Ready.
	// O quadro é descartado; o estado do link não muda.
	ErrNotConnected = errors.New("ble: link não conectado")

	// ErrRateLimited indica um quadro segurado pelo teto de escritas do
	// link. O quadro não foi ao ar e não há fila: quem chama decide se
	// recompõe e tenta de novo no próximo passo.
	ErrRateLimited = errors.New("ble: teto de escritas atingido")
)

// --- CONSTANTES E UUIDs BLE ---
// UUIDs são os "endereços" universais para serviços e características
// Bluetooth. Os fff0/fff1/fff2 são do fabricante dos carros; 180f/2a19 são
// o serviço de bateria padrão.
const (
	ControlCharUUIDStr = "0000fff1-0000-1000-8000-00805f9b34fb" // comandos (escrita sem resposta)
	StatusCharUUIDStr  = "0000fff2-0000-1000-8000-00805f9b34fb" // eco de status (notificação)
	BatteryCharUUIDStr = "00002a19-0000-1000-8000-00805f9b34fb" // nível de bateria (leitura + notificação)
)

var (
	// Serviços
	ControlSvcUUID = ble.MustParse("0000fff0-0000-1000-8000-00805f9b34fb") // Serviço de controle do carro
	BatterySvcUUID = ble.MustParse("0000180f-0000-1000-8000-00805f9b34fb") // Serviço de Bateria

	// Características
	ControlCharUUID = ble.MustParse(ControlCharUUIDStr)
	StatusCharUUID  = ble.MustParse(StatusCharUUIDStr)
	BatteryCharUUID = ble.MustParse(BatteryCharUUIDStr)
)

// --- ESTADOS DO LINK ---

// LinkState é o estado da máquina de conexão de um carro.
type LinkState int

const (
	StateIdle LinkState = iota // criado ou encerrado pelo usuário
	StateConnecting
	StateReady
	StateDisconnected // caiu depois de Ready
	StateFailed       // tentativa de conexão não chegou em Ready
)

func (s LinkState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FindCharacteristic é uma função auxiliar para encontrar uma característica
// dentro de um perfil BLE. A comparação tolera UUIDs reportados na forma
// curta (16 bits) comparando as strings normalizadas.
func FindCharacteristic(p *ble.Profile, uuidStr string) *ble.Characteristic {
	targetUUID := strings.ToLower(strings.ReplaceAll(uuidStr, "-", ""))
	for _, s := range p.Services {
		for _, c := range s.Characteristics {
			foundUUID := strings.ToLower(strings.ReplaceAll(c.UUID.String(), "-", ""))
			if strings.Contains(targetUUID, foundUUID) {
				return c
			}
		}
	}
	return nil
}
