// srl-drive: pilota um único carro direto do terminal, sem o painel web.
// Útil para testar um controle ou um carro recém-pareado.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/whilefalse841/SRL-Car-Controller/pkg/ble"
	"github.com/whilefalse841/SRL-Car-Controller/pkg/catalog"
	"github.com/whilefalse841/SRL-Car-Controller/pkg/config"
	"github.com/whilefalse841/SRL-Car-Controller/pkg/drive"
	"github.com/whilefalse841/SRL-Car-Controller/pkg/gamepad"
	"github.com/whilefalse841/SRL-Car-Controller/pkg/protocol"
)

func main() {
	adapterID := flag.Int("adapter", 0, "ID do adaptador HCI a ser usado (ex: 0 para hci0)")
	modelID := flag.String("model", "", "ID do modelo desejado (ex: SF24); vazio pega o primeiro carro")
	addr := flag.String("addr", "", "endereço MAC do carro; quando informado, pula a varredura")
	slot := flag.Int("slot", 0, "slot do controle físico (/dev/input/jsN)")
	mode := flag.Int("mode", int(protocol.ModeStandard), "modo de condução do firmware (1 ou 2)")
	configPath := flag.String("config", "", "arquivo de configuração; vazio usa os padrões")
	flag.Parse()

	if *modelID != "" {
		if _, ok := catalog.Find(*modelID); !ok {
			log.Fatalf("❌ Modelo %q não existe no catálogo. Veja srl-scan --models.", *modelID)
		}
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("❌ Erro ao carregar %s: %v", *configPath, err)
		}
	}

	radio, err := ble.NewRadio(*adapterID)
	if err != nil {
		log.Fatalf("❌ Falha ao selecionar adaptador hci%d: %s", *adapterID, err)
	}
	defer radio.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nSinal de interrupção recebido, encerrando...")
		cancel()
	}()

	target, err := resolveTarget(ctx, radio, cfg, *modelID, *addr)
	if err != nil {
		log.Fatalf("❌ %s", err)
	}

	sampler := gamepad.NewSampler(*slot, cfg.GamepadConfig())
	link := ble.NewLink(radio, target, ble.LinkOptions{
		ConnectTimeout:  cfg.ConnectTimeout(),
		WritesPerSecond: cfg.MaxWritesPerSecond,
	})
	unit := drive.NewUnit(link, sampler, drive.Options{
		TickInterval:        cfg.TickInterval(),
		ResendInterval:      cfg.ResendInterval(),
		MaxConnectAttempts:  cfg.MaxConnectAttempts,
		ReconnectBackoff:    cfg.ReconnectBackoff(),
		MaxReconnectBackoff: cfg.MaxReconnectBackoff(),
		TelemetryInterval:   cfg.TelemetryInterval(),
		Mode:                protocol.Mode(*mode),
		OnTelemetry: func(t drive.Telemetry) {
			fmt.Printf("\r🏎 %-20s %-12s 🔋 %3d%%  quadros %-6d reconexões %-3d controle %v   ",
				t.Name, t.State, t.Battery, t.Frames, t.Reconnects, t.ControllerOK)
		},
	})

	fmt.Printf("📡 Pilotando %s (%s) com o controle do slot %d. Ctrl+C para encerrar.\n",
		target.Name, target.Addr, *slot)
	if err := unit.Run(ctx); err != nil {
		log.Fatalf("❌ %s", err)
	}
	fmt.Println("\nAplicação encerrada.")
}

// resolveTarget decide qual carro pilotar: o endereço dado na linha de
// comando ou o primeiro carro compatível que uma varredura encontrar.
func resolveTarget(ctx context.Context, radio *ble.Radio, cfg *config.AppConfig, modelID, addr string) (ble.Discovery, error) {
	if addr != "" {
		d := ble.Discovery{Name: addr, Addr: addr}
		if m, ok := catalog.Find(modelID); ok {
			d.Model = m
			d.Name = m.BluetoothID
		}
		return d, nil
	}

	fmt.Println("🔎 Procurando carros por perto... (Ctrl+C para desistir)")
	scanner := ble.NewScanner(radio)
	for {
		if err := ctx.Err(); err != nil {
			return ble.Discovery{}, err
		}
		sess := scanner.Start(ctx, cfg.ScanWindow())
		var found *ble.Discovery
		for d := range sess.Devices() {
			if found != nil {
				continue
			}
			if modelID == "" || strings.EqualFold(d.Model.ID, modelID) {
				d := d
				found = &d
				sess.Cancel()
				continue
			}
			fmt.Printf("  (ignorando %s, esperando um %s)\n", d.Name, modelID)
		}
		if found != nil {
			return *found, nil
		}
		if err := sess.Err(); err != nil {
			return ble.Discovery{}, err
		}
	}
}
