// pkg/config/config.go

// Package config gerencia o carregamento de configurações estáticas do aplicativo.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/whilefalse841/SRL-Car-Controller/pkg/gamepad"
)

// AppConfig define a estrutura do arquivo de configuração config.json.
// Estes são os parâmetros que não mudam durante a execução do programa.
// O arquivo só precisa declarar o que difere do padrão: campos ausentes
// ficam com os valores de Default.
type AppConfig struct {
	// Rádio e interface web.
	AdapterID   int    `json:"adapter_id"`
	ListenAddr  string `json:"listen_addr"`
	DefaultSlot int    `json:"default_slot"`

	// Tempos, em milissegundos para o JSON ficar legível.
	ScanWindowMS        int `json:"scan_window_ms"`
	ConnectTimeoutMS    int `json:"connect_timeout_ms"`
	TickIntervalMS      int `json:"tick_interval_ms"`
	ResendIntervalMS    int `json:"resend_interval_ms"`
	TelemetryIntervalMS int `json:"telemetry_interval_ms"`

	// Política de reconexão e teto de escrita BLE.
	MaxConnectAttempts    int `json:"max_connect_attempts"`
	ReconnectBackoffMS    int `json:"reconnect_backoff_ms"`
	MaxReconnectBackoffMS int `json:"max_reconnect_backoff_ms"`
	MaxWritesPerSecond    int `json:"max_writes_per_second"`

	// Controle físico.
	DeadZone float64         `json:"dead_zone"`
	Mapping  gamepad.Mapping `json:"mapping"`
}

// Default retorna a configuração padrão completa do aplicativo.
func Default() *AppConfig {
	return &AppConfig{
		AdapterID:             0,
		ListenAddr:            ":8080",
		DefaultSlot:           0,
		ScanWindowMS:          3000,
		ConnectTimeoutMS:      45000,
		TickIntervalMS:        50,
		ResendIntervalMS:      100,
		TelemetryIntervalMS:   500,
		MaxConnectAttempts:    3,
		ReconnectBackoffMS:    500,
		MaxReconnectBackoffMS: 5000,
		MaxWritesPerSecond:    25,
		DeadZone:              gamepad.DefaultDeadZone,
		Mapping:               gamepad.DefaultMapping(),
	}
}

// Load lê um arquivo de configuração do caminho fornecido e retorna uma
// struct AppConfig. O JSON é decodificado por cima dos padrões, então um
// arquivo parcial (até um mapping parcial) é válido.
func Load(path string) (*AppConfig, error) {
	// Abre o arquivo JSON do caminho especificado (ex: "configs/config.json").
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("abrindo configuração: %w", err)
	}
	// Garante que o arquivo seja fechado ao final da função.
	defer file.Close()

	// Começa do padrão e deixa o arquivo sobrescrever só o que declara.
	cfg := Default()
	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decodificando %s: %w", path, err)
	}

	cfg.normalize()
	return cfg, nil
}

// normalize conserta valores sem sentido (zero ou negativos) de volta para
// o padrão, para nenhum loop rodar com período nulo.
func (c *AppConfig) normalize() {
	d := Default()
	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.ScanWindowMS <= 0 {
		c.ScanWindowMS = d.ScanWindowMS
	}
	if c.ConnectTimeoutMS <= 0 {
		c.ConnectTimeoutMS = d.ConnectTimeoutMS
	}
	if c.TickIntervalMS <= 0 {
		c.TickIntervalMS = d.TickIntervalMS
	}
	if c.ResendIntervalMS <= 0 {
		c.ResendIntervalMS = d.ResendIntervalMS
	}
	if c.TelemetryIntervalMS <= 0 {
		c.TelemetryIntervalMS = d.TelemetryIntervalMS
	}
	if c.MaxConnectAttempts <= 0 {
		c.MaxConnectAttempts = d.MaxConnectAttempts
	}
	if c.ReconnectBackoffMS <= 0 {
		c.ReconnectBackoffMS = d.ReconnectBackoffMS
	}
	if c.MaxReconnectBackoffMS < c.ReconnectBackoffMS {
		c.MaxReconnectBackoffMS = d.MaxReconnectBackoffMS
	}
	if c.MaxWritesPerSecond <= 0 {
		c.MaxWritesPerSecond = d.MaxWritesPerSecond
	}
	if c.DeadZone <= 0 {
		c.DeadZone = d.DeadZone
	}
	if c.Mapping.TriggerThreshold <= 0 {
		c.Mapping.TriggerThreshold = d.Mapping.TriggerThreshold
	}
}

// Acessores de duração, para os chamadores não repetirem a conversão.

func (c *AppConfig) ScanWindow() time.Duration {
	return time.Duration(c.ScanWindowMS) * time.Millisecond
}

func (c *AppConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

func (c *AppConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMS) * time.Millisecond
}

func (c *AppConfig) ResendInterval() time.Duration {
	return time.Duration(c.ResendIntervalMS) * time.Millisecond
}

func (c *AppConfig) TelemetryInterval() time.Duration {
	return time.Duration(c.TelemetryIntervalMS) * time.Millisecond
}

func (c *AppConfig) ReconnectBackoff() time.Duration {
	return time.Duration(c.ReconnectBackoffMS) * time.Millisecond
}

func (c *AppConfig) MaxReconnectBackoff() time.Duration {
	return time.Duration(c.MaxReconnectBackoffMS) * time.Millisecond
}

// GamepadConfig converte a configuração para o formato do pacote gamepad.
func (c *AppConfig) GamepadConfig() gamepad.Config {
	return gamepad.Config{DeadZone: c.DeadZone, Mapping: c.Mapping}
}
