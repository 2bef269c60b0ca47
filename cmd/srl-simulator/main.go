// srl-simulator: finge ser um carro Shell Racing Legends de verdade.
// Anuncia o nome BLE de um modelo do catálogo, aceita quadros de comando e
// responde status e bateria, então o srl-bridge (ou o app oficial) consegue
// conectar sem nenhum carro físico por perto.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/whilefalse841/SRL-Car-Controller/pkg/ble"
	"github.com/whilefalse841/SRL-Car-Controller/pkg/catalog"
)

func main() {
	adapterID := flag.Int("adapter", 0, "ID do adaptador HCI a ser usado (ex: 0 para hci0)")
	modelID := flag.String("model", "SF24", "modelo do catálogo a anunciar (ex: SF24)")
	battery := flag.Int("battery", 100, "carga inicial da bateria (0 a 100)")
	flag.Parse()

	model, ok := catalog.Find(*modelID)
	if !ok {
		log.Fatalf("❌ Modelo %q não existe no catálogo. Veja srl-scan --models.", *modelID)
	}

	fmt.Printf("Iniciando SRL Car Controller - Simulador (%s)...\n", model.DisplayName)

	car, err := ble.NewVirtualCar(model, *battery)
	if err != nil {
		log.Fatalf("❌ %v", err)
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

	fmt.Printf("📣 Anunciando como %q via hci%d. Conecte com o srl-bridge ou o app oficial.\n",
		model.BluetoothID, *adapterID)
	if err := car.Serve(ctx, radio); err != nil {
		log.Fatalf("❌ Simulador falhou: %v", err)
	}
	fmt.Println("Aplicação encerrada.")
}
