// srl-scan: varre o ar atrás de carros Shell Racing Legends e lista o que
// encontrar, com modelo resolvido pelo catálogo.
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
	window := flag.Duration("window", ble.DefaultScanWindow, "duração da varredura (ex: 3s, 10s)")
	listModels := flag.Bool("models", false, "apenas lista os modelos suportados e sai")
	flag.Parse()

	if *listModels {
		printCatalog()
		return
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
		cancel()
	}()

	fmt.Printf("🔎 Varrendo por carros via hci%d por %s...\n", *adapterID, *window)

	sess := ble.NewScanner(radio).Start(ctx, *window)
	count := 0
	for d := range sess.Devices() {
		count++
		fmt.Printf("  🏎 %-22s %s  RSSI %4d  [%s]\n", d.Name, d.Addr, d.RSSI, d.Model.ID)
	}
	if err := sess.Err(); err != nil {
		log.Fatalf("❌ Varredura falhou: %s", err)
	}
	if count == 0 {
		fmt.Println("Nenhum carro encontrado. Ele está ligado e fora do app oficial?")
		return
	}
	fmt.Printf("🏁 Varredura encerrada: %d carro(s) encontrado(s).\n", count)
}

func printCatalog() {
	fmt.Println("--- Modelos suportados ---")
	for _, m := range catalog.Models() {
		advName := m.BluetoothID
		if !m.Advertisable() {
			advName = "(não anuncia; inalcançável via BLE)"
		}
		fmt.Printf("  %-18s %-35s %s\n", m.ID, m.DisplayName, advName)
	}
}
