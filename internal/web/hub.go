// Package web é o painel de controle do srl-bridge: um servidor HTTP com um
// WebSocket por onde o navegador pede scans, conecta carros a controles e
// recebe telemetria periódica.
//
// Mensagens aceitas (campo "type"): listModels, startScan, cancelScan,
// connect{addr,slot}, disconnect{addr}, toggleLights{addr}, toggleTurbo{addr},
// toggleDonut{addr}, cycleMode{addr} e shutdown.
// Mensagens emitidas: catalog, statusUpdate, deviceFound, scanEnded,
// unitStopped e error.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/whilefalse841/SRL-Car-Controller/pkg/ble"
	"github.com/whilefalse841/SRL-Car-Controller/pkg/catalog"
	"github.com/whilefalse841/SRL-Car-Controller/pkg/config"
	"github.com/whilefalse841/SRL-Car-Controller/pkg/drive"
	"github.com/whilefalse841/SRL-Car-Controller/pkg/gamepad"
	"github.com/whilefalse841/SRL-Car-Controller/pkg/session"
)

// Radio é o que o hub precisa do rádio BLE: varrer e discar.
type Radio interface {
	ble.ScanRadio
	ble.Dialer
}

// unitHandle é uma unidade de pilotagem viva e o botão para encerrá-la.
type unitHandle struct {
	unit    *drive.Unit
	cancel  context.CancelFunc
	slot    int
	started time.Time
}

type hub struct {
	cfg   *config.AppConfig
	radio Radio
	store *session.Store

	// samplerFor existe para os testes trocarem o controle físico por um fake.
	samplerFor func(slot int) drive.Sampler

	mu       sync.Mutex
	scanSess *ble.ScanSession
	scanning bool
	devices  map[string]ble.Discovery
	units    map[string]*unitHandle
	unitsWG  sync.WaitGroup

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]bool
}

func newHub(cfg *config.AppConfig, radio Radio, store *session.Store) *hub {
	h := &hub{
		cfg:     cfg,
		radio:   radio,
		store:   store,
		devices: make(map[string]ble.Discovery),
		units:   make(map[string]*unitHandle),
		clients: make(map[*websocket.Conn]bool),
	}
	h.samplerFor = func(slot int) drive.Sampler {
		return gamepad.NewSampler(slot, cfg.GamepadConfig())
	}
	return h
}

// HubRoutine gerencia o ciclo de vida do servidor web.
func HubRoutine(ctx context.Context, cancel context.CancelFunc, cfg *config.AppConfig, radio Radio, store *session.Store, wg *sync.WaitGroup) {
	defer wg.Done()
	fmt.Println("[WEB] Goroutine do Hub Web iniciada.")

	h := newHub(cfg, radio, store)
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		h.handleWebSocket(ctx, cancel, &upgrader, w, r)
	})
	mux.Handle("/", http.FileServer(http.Dir("./cmd/srl-bridge/web")))
	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	go h.broadcastToWebClients(ctx)

	go func() {
		fmt.Printf("[WEB] Servidor web iniciado em http://localhost%s\n", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[WEB] ❌ Falha ao iniciar servidor web: %s", err)
		}
	}()

	<-ctx.Done()
	fmt.Println("[WEB] Desligando o servidor web...")
	// As unidades recebem o mesmo contexto: espera cada carro ser deixado
	// parado antes de derrubar o processo.
	h.stopAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[WEB] Erro no desligamento do servidor web: %s", err)
	}
	fmt.Println("[WEB] Servidor web desligado.")
}

// broadcastToWebClients envia o estado atual da aplicação para todos os
// painéis conectados, no mesmo período da telemetria.
func (h *hub) broadcastToWebClients(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(h.cfg.TelemetryInterval()):
			h.push(h.statusSnapshot())
		}
	}
}

func (h *hub) handleWebSocket(ctx context.Context, cancel context.CancelFunc, upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = true
	h.clientsMu.Unlock()
	fmt.Printf("[WEB] Novo cliente web conectado: %s\n", conn.RemoteAddr())

	defer func() {
		h.clientsMu.Lock()
		delete(h.clients, conn)
		h.clientsMu.Unlock()
		conn.Close()
		fmt.Printf("[WEB] Cliente web desconectado: %s\n", conn.RemoteAddr())
	}()

	// Todo painel novo recebe o catálogo e o estado correntes de cara.
	h.pushTo(conn, h.catalogMsg())
	h.pushTo(conn, h.statusSnapshot())

	reply := func(msg map[string]interface{}) { h.pushTo(conn, msg) }
	for {
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		h.handleCommand(ctx, cancel, reply, msg)
	}
}

// handleCommand despacha uma mensagem de comando vinda de um painel.
func (h *hub) handleCommand(ctx context.Context, cancel context.CancelFunc, reply func(map[string]interface{}), msg map[string]interface{}) {
	msgType, ok := msg["type"].(string)
	if !ok {
		return
	}
	payload, _ := msg["payload"].(map[string]interface{})

	switch msgType {
	case "listModels":
		reply(h.catalogMsg())

	case "startScan":
		h.startScan(ctx)

	case "cancelScan":
		h.cancelScan()

	case "connect":
		addr := stringField(payload, "addr")
		slot := intField(payload, "slot", h.cfg.DefaultSlot)
		h.connectCar(ctx, addr, slot)

	case "disconnect":
		h.disconnectCar(stringField(payload, "addr"))

	case "toggleLights", "toggleTurbo", "toggleDonut", "cycleMode":
		h.unitCommand(msgType, stringField(payload, "addr"))

	case "shutdown":
		fmt.Println("[WEB] Comando de desligamento recebido!")
		cancel()
	}
}

// startScan abre uma janela de varredura e vai empurrando cada carro
// encontrado para os painéis. Uma varredura por vez.
func (h *hub) startScan(ctx context.Context) {
	h.mu.Lock()
	if h.scanning {
		h.mu.Unlock()
		return
	}
	sess := ble.NewScanner(h.radio).Start(ctx, h.cfg.ScanWindow())
	h.scanSess = sess
	h.scanning = true
	h.mu.Unlock()

	go func() {
		for d := range sess.Devices() {
			h.mu.Lock()
			h.devices[d.Addr] = d
			h.mu.Unlock()
			h.push(map[string]interface{}{"type": "deviceFound", "device": d})
		}
		h.mu.Lock()
		h.scanning = false
		h.scanSess = nil
		h.mu.Unlock()

		if err := sess.Err(); err != nil {
			log.Printf("[WEB] ⚠️ Varredura falhou: %s", err)
			h.pushError(err.Error())
		}
		h.push(map[string]interface{}{"type": "scanEnded"})
	}()
}

func (h *hub) cancelScan() {
	h.mu.Lock()
	sess := h.scanSess
	h.mu.Unlock()
	if sess != nil {
		sess.Cancel()
	}
}

// connectCar amarra um carro descoberto a um slot de controle e põe a
// unidade para rodar. Carro e controle só podem estar em uma unidade.
func (h *hub) connectCar(ctx context.Context, addr string, slot int) {
	h.mu.Lock()
	target, known := h.devices[addr]
	if !known {
		h.mu.Unlock()
		h.pushError(fmt.Sprintf("carro %s não está na lista; faça uma varredura antes", addr))
		return
	}
	if _, busy := h.units[addr]; busy {
		h.mu.Unlock()
		h.pushError(fmt.Sprintf("%s já tem uma unidade ativa", target.Name))
		return
	}
	for _, other := range h.units {
		if other.slot == slot {
			h.mu.Unlock()
			h.pushError(fmt.Sprintf("controle do slot %d já está em uso", slot))
			return
		}
	}

	link := ble.NewLink(h.radio, target, ble.LinkOptions{
		ConnectTimeout:  h.cfg.ConnectTimeout(),
		WritesPerSecond: h.cfg.MaxWritesPerSecond,
	})
	unit := drive.NewUnit(link, h.samplerFor(slot), drive.Options{
		TickInterval:        h.cfg.TickInterval(),
		ResendInterval:      h.cfg.ResendInterval(),
		MaxConnectAttempts:  h.cfg.MaxConnectAttempts,
		ReconnectBackoff:    h.cfg.ReconnectBackoff(),
		MaxReconnectBackoff: h.cfg.MaxReconnectBackoff(),
		TelemetryInterval:   h.cfg.TelemetryInterval(),
	})

	unitCtx, unitCancel := context.WithCancel(ctx)
	handle := &unitHandle{unit: unit, cancel: unitCancel, slot: slot, started: time.Now()}
	h.units[addr] = handle
	h.unitsWG.Add(1)
	h.mu.Unlock()

	log.Printf("[WEB] 🏎 Conectando %s ao controle do slot %d", target.Name, slot)

	go func() {
		defer h.unitsWG.Done()
		err := unit.Run(unitCtx)
		handle.cancel()
		snap := unit.Snapshot()

		h.mu.Lock()
		delete(h.units, addr)
		h.mu.Unlock()

		result := "ok"
		if err != nil {
			log.Printf("[WEB] ❌ Unidade de %s terminou com erro: %s", target.Name, err)
			h.pushError(err.Error())
			result = err.Error()
		}
		h.push(map[string]interface{}{"type": "unitStopped", "unit": snap})

		rec := session.Record{
			Model:        snap.Model,
			Name:         snap.Name,
			Addr:         snap.Addr,
			Slot:         snap.Slot,
			StartedAt:    handle.started,
			EndedAt:      time.Now(),
			Frames:       snap.Frames,
			Dropped:      snap.Dropped,
			WriteErrors:  snap.WriteErrors,
			Reconnects:   snap.Reconnects,
			BatteryStart: snap.BatteryStart,
			BatteryEnd:   snap.Battery,
			Result:       result,
		}
		if err := h.store.Save(context.Background(), rec); err != nil {
			log.Printf("[WEB] ⚠️ Falha ao gravar histórico: %s", err)
		}
	}()
}

func (h *hub) disconnectCar(addr string) {
	h.mu.Lock()
	handle, ok := h.units[addr]
	h.mu.Unlock()
	if !ok {
		h.pushError(fmt.Sprintf("nenhuma unidade ativa para %s", addr))
		return
	}
	handle.cancel()
}

func (h *hub) unitCommand(cmd, addr string) {
	h.mu.Lock()
	handle, ok := h.units[addr]
	h.mu.Unlock()
	if !ok {
		h.pushError(fmt.Sprintf("nenhuma unidade ativa para %s", addr))
		return
	}
	switch cmd {
	case "toggleLights":
		handle.unit.ToggleLights()
	case "toggleTurbo":
		handle.unit.ToggleTurbo()
	case "toggleDonut":
		handle.unit.ToggleDonut()
	case "cycleMode":
		handle.unit.CycleMode()
	}
}

// stopAll encerra a varredura corrente e espera todas as unidades pararem.
func (h *hub) stopAll() {
	h.mu.Lock()
	sess := h.scanSess
	for _, handle := range h.units {
		handle.cancel()
	}
	h.mu.Unlock()
	if sess != nil {
		sess.Cancel()
	}
	h.unitsWG.Wait()
}

// statusSnapshot monta a mensagem statusUpdate com os carros descobertos e
// a telemetria das unidades ativas, em ordem estável.
func (h *hub) statusSnapshot() map[string]interface{} {
	h.mu.Lock()
	devices := make([]ble.Discovery, 0, len(h.devices))
	for _, d := range h.devices {
		devices = append(devices, d)
	}
	units := make([]drive.Telemetry, 0, len(h.units))
	for _, handle := range h.units {
		units = append(units, handle.unit.Snapshot())
	}
	scanning := h.scanning
	h.mu.Unlock()

	sort.Slice(devices, func(i, j int) bool { return devices[i].Addr < devices[j].Addr })
	sort.Slice(units, func(i, j int) bool { return units[i].Slot < units[j].Slot })

	return map[string]interface{}{
		"type":     "statusUpdate",
		"scanning": scanning,
		"devices":  devices,
		"units":    units,
	}
}

func (h *hub) catalogMsg() map[string]interface{} {
	return map[string]interface{}{
		"type":   "catalog",
		"models": catalog.Models(),
		"slots":  gamepad.Slots(),
	}
}

func (h *hub) pushError(text string) {
	h.push(map[string]interface{}{"type": "error", "message": text})
}

// push envia uma mensagem para todos os painéis, descartando os que caíram.
func (h *hub) push(msg map[string]interface{}) {
	data, _ := json.Marshal(msg)
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for client := range h.clients {
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			client.Close()
			delete(h.clients, client)
		}
	}
}

func (h *hub) pushTo(conn *websocket.Conn, msg map[string]interface{}) {
	data, _ := json.Marshal(msg)
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		delete(h.clients, conn)
	}
}

func stringField(p map[string]interface{}, key string) string {
	v, _ := p[key].(string)
	return v
}

func intField(p map[string]interface{}, key string, fallback int) int {
	if v, ok := p[key].(float64); ok {
		return int(v)
	}
	return fallback
}
