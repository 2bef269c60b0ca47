package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/whilefalse841/SRL-Car-Controller/internal/web"
	"github.com/whilefalse841/SRL-Car-Controller/pkg/ble"
	"github.com/whilefalse841/SRL-Car-Controller/pkg/config"
	"github.com/whilefalse841/SRL-Car-Controller/pkg/session"
)

func main() {
	configPath := flag.String("config", "configs/config.json", "caminho do arquivo de configuração")
	flag.Parse()

	fmt.Println("Iniciando SRL Car Controller - Bridge...")

	// 1. Carrega as configurações do arquivo config.json.
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Erro ao carregar %s: %v", *configPath, err)
	}

	// 2. Cria um 'context' que pode ser cancelado.
	// Quando o usuário aperta Ctrl+C, a função 'cancel()' é chamada.
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nSinal de interrupção recebido, encerrando...")
		cancel()
	}()

	// 3. Abre o rádio BLE e o histórico de sessões.
	radio, err := ble.NewRadio(cfg.AdapterID)
	if err != nil {
		log.Fatalf("❌ Falha ao abrir o adaptador hci%d: %v", cfg.AdapterID, err)
	}
	defer radio.Close()

	store, err := session.Open(ctx)
	if err != nil {
		// O banco é conveniência; a pilotagem não depende dele.
		log.Printf("⚠️ Histórico de sessões desativado: %v", err)
		store = session.Disabled()
	}
	defer store.Close(context.Background())

	// 4. Inicia o hub web, que comanda tudo daqui em diante.
	var wg sync.WaitGroup
	wg.Add(1)
	go web.HubRoutine(ctx, cancel, cfg, radio, store, &wg)

	fmt.Printf("✅ Aplicação rodando. Acesse http://localhost%s para o painel.\n", cfg.ListenAddr)

	// 5. Bloqueia a 'main' até o hub devolver o controle.
	wg.Wait()
	fmt.Println("Aplicação encerrada.")
}
