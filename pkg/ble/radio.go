package ble

import (
	"context"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// Radio é o adaptador Bluetooth físico com ciclo de vida explícito: é criado
// uma única vez no main e injetado em quem precisa dele (scanner, links,
// carro virtual). Não usamos o dispositivo padrão global da biblioteca.
type Radio struct {
	dev ble.Device
	id  int
}

// NewRadio abre o adaptador hci<adapterID>.
func NewRadio(adapterID int) (*Radio, error) {
	dev, err := linux.NewDevice(ble.OptDeviceID(adapterID))
	if err != nil {
		return nil, fmt.Errorf("selecionando adaptador hci%d: %w", adapterID, err)
	}
	return &Radio{dev: dev, id: adapterID}, nil
}

// ID retorna o índice do adaptador HCI em uso.
func (r *Radio) ID() int { return r.id }

// Scan varre anúncios até o contexto encerrar, entregando cada um ao handler.
func (r *Radio) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	return r.dev.Scan(ctx, allowDup, h)
}

// Dial abre uma conexão GATT com o endereço dado.
func (r *Radio) Dial(ctx context.Context, addr ble.Addr) (ble.Client, error) {
	return r.dev.Dial(ctx, addr)
}

// AddService registra um serviço GATT local (lado periférico).
func (r *Radio) AddService(svc *ble.Service) error {
	return r.dev.AddService(svc)
}

// AdvertiseNameAndServices anuncia o nome e os serviços dados até o contexto
// encerrar (lado periférico).
func (r *Radio) AdvertiseNameAndServices(ctx context.Context, name string, uuids ...ble.UUID) error {
	return r.dev.AdvertiseNameAndServices(ctx, name, uuids...)
}

// Close desliga o adaptador e encerra tudo que depende dele.
func (r *Radio) Close() error {
	return r.dev.Stop()
}
