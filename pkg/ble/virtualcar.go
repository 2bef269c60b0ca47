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
	"github.com/whilefalse841/SRL-Car-Controller/pkg/protocol"
)

// VirtualCar anuncia um carro simulado e atende o protocolo de controle:
// recebe quadros na característica de comando, ecoa as flags pela de status
// e serve o nível de bateria com um dreno lento. Serve para exercitar o
// scanner, o link e o loop de pilotagem sem nenhum carro físico por perto.
type VirtualCar struct {
	model catalog.Model
	echo  chan protocol.Frame

	mu      sync.RWMutex
	battery byte
	last    protocol.Frame
}

// NewVirtualCar cria um carro virtual do modelo dado com a carga inicial de
// bateria em percentual. Modelos com o sentinela "---" não anunciam nome e
// portanto não podem ser simulados.
func NewVirtualCar(model catalog.Model, batteryPct int) (*VirtualCar, error) {
	if !model.Advertisable() {
		return nil, fmt.Errorf("modelo %s não anuncia nome Bluetooth", model.ID)
	}
	if batteryPct < 0 {
		batteryPct = 0
	}
	if batteryPct > 100 {
		batteryPct = 100
	}
	return &VirtualCar{
		model:   model,
		battery: byte(batteryPct),
		echo:    make(chan protocol.Frame, 8),
	}, nil
}

// LastFrame retorna o último quadro de comando recebido.
func (v *VirtualCar) LastFrame() protocol.Frame {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.last
}

// Serve registra os serviços GATT no rádio e anuncia até o contexto
// encerrar. O nome anunciado é exatamente o BluetoothID do catálogo, então
// um scanner desta própria aplicação encontra o carro virtual.
func (v *VirtualCar) Serve(ctx context.Context, radio *Radio) error {
	// --- Serviço de controle (fff0) ---
	controlSvc := ble.NewService(ControlSvcUUID)

	controlChar := controlSvc.NewCharacteristic(ControlCharUUID)
	controlChar.HandleWrite(ble.WriteHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
		data := req.Data()
		if len(data) != protocol.FrameSize {
			log.Printf("[CARRO] ⚠️ Quadro de %d bytes ignorado (esperava %d)", len(data), protocol.FrameSize)
			return
		}
		var f protocol.Frame
		copy(f[:], data)
		v.mu.Lock()
		v.last = f
		v.mu.Unlock()
		v.logFrame(f)
		// O eco mais novo vale mais que a fila cheia.
		select {
		case v.echo <- f:
		default:
		}
	}))

	statusChar := controlSvc.NewCharacteristic(StatusCharUUID)
	statusChar.HandleNotify(ble.NotifyHandlerFunc(func(req ble.Request, ntf ble.Notifier) {
		log.Printf("[CARRO] 🔔 Cliente %s inscrito no status", req.Conn().RemoteAddr())
		defer log.Printf("[CARRO] 🔌 Cliente %s saiu do status", req.Conn().RemoteAddr())
		for {
			select {
			case <-ctx.Done():
				return
			case <-ntf.Context().Done():
				return
			case f := <-v.echo:
				if _, err := ntf.Write(f[:]); err != nil {
					return
				}
			}
		}
	}))

	// --- Serviço de bateria (180f) ---
	batterySvc := ble.NewService(BatterySvcUUID)

	batteryChar := batterySvc.NewCharacteristic(BatteryCharUUID)
	batteryChar.HandleRead(ble.ReadHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
		v.mu.RLock()
		b := v.battery
		v.mu.RUnlock()
		rsp.Write([]byte{b})
	}))
	batteryChar.HandleNotify(ble.NotifyHandlerFunc(func(req ble.Request, ntf ble.Notifier) {
		// Dreno lento para a telemetria do outro lado ter o que mostrar.
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ntf.Context().Done():
				return
			case <-ticker.C:
				v.mu.Lock()
				if v.battery > 0 {
					v.battery--
				}
				b := v.battery
				v.mu.Unlock()
				if _, err := ntf.Write([]byte{b}); err != nil {
					return
				}
			}
		}
	}))

	if err := radio.AddService(controlSvc); err != nil {
		return fmt.Errorf("registrando serviço de controle: %w", err)
	}
	if err := radio.AddService(batterySvc); err != nil {
		return fmt.Errorf("registrando serviço de bateria: %w", err)
	}

	log.Printf("[CARRO] 📣 Anunciando carro virtual '%s' como '%s'...",
		v.model.DisplayName, v.model.BluetoothID)
	err := radio.AdvertiseNameAndServices(ctx, v.model.BluetoothID, ControlSvcUUID, BatterySvcUUID)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("anunciando carro virtual: %w", err)
	}
	log.Println("[CARRO] 🏁 Anúncio encerrado.")
	return nil
}

func (v *VirtualCar) logFrame(f protocol.Frame) {
	throttle := 0.0
	if f[1] == 1 {
		throttle = 1
	} else if f[2] == 1 {
		throttle = -1
	}
	steering := 0.0
	if f[3] == 1 {
		steering = -1
	} else if f[4] == 1 {
		steering = 1
	}
	log.Printf("[CARRO] 🏎  %s | %s | faróis=%d turbo=%d donut=%d modo=%d",
		protocol.ThrottleLabel(throttle), protocol.SteeringLabel(steering),
		f[5], f[6], f[7], f[0])
}
