// Package catalog contém a tabela de modelos de carros Shell Racing Legends
// suportados e o casamento de nomes anunciados via BLE.
package catalog

import "strings"

// NotAdvertisable marca modelos que existem no app oficial mas nunca
// aparecem em um scan (não anunciam nome próprio).
const NotAdvertisable = "---"

// Model descreve um modelo de carro do catálogo.
type Model struct {
	ID          string `json:"id"`          // nome interno estável (ex: "SF24")
	DisplayName string `json:"displayName"` // nome de exibição (ex: "SF-24")
	BluetoothID string `json:"bluetoothId"` // prefixo do nome anunciado (ex: "SL-SF-24") ou "---"
}

// Advertisable informa se o modelo pode ser encontrado em um scan.
func (m Model) Advertisable() bool {
	return m.BluetoothID != NotAdvertisable
}

// Tabela completa dos carros suportados. A coluna BluetoothID é a única usada
// para o casamento durante o scan.
var models = []Model{
	{"12CILINDRI", "12Cilindri", "SL-12Cilindri"},
	{"296GT3", "296 GT3", "SL-296 GT3"},
	{"296GTB", "296 GTB", "SL-296 GTB"},
	{"330P", "330 P 1965", NotAdvertisable},
	{"330P4", "330 P4", "SL-330 P4(1967)"},
	{"488EVO", "488 Challenge Evo", "SL-488 Challenge Evo"},
	{"488GTE", "488 GTE - AF Corse #51 2019", "SL-488 GTE"},
	{"499P", "499 P", "SL-499P"},
	{"499P(2024)", "499P(2024)", "SL-499P N"},
	{"512S", "512 S 1970", NotAdvertisable},
	{"DaytonaSP3", "Daytona SP3", "SL-Daytona SP3"},
	{"F175", "F1-75", "SL-F1-75"},
	{"FXXK", "FXX-K EVO", "SL-FXX-K Evo"},
	{"PUROSANGUE", "Purosangue", "SL-Purosangue"},
	{"SF1000", "SF1000 - Tuscan GP - Ferrari 1000", "SL-SF1000"},
	{"SF23", "SF-23", "SL-SF-23"},
	{"SF24", "SF-24", "SL-SF-24"},
	{"SF90SPIDER", "SF90 Spider", "SL-SF90 Spider"},
	{"SF90SPIDER(BLACK)", "SF90 Spider (Black)", "SL-SF90 Spider N"},
	{"ShellCar", "", "SL-Shell Car"},
}

// Models retorna uma cópia da tabela de modelos.
func Models() []Model {
	out := make([]Model, len(models))
	copy(out, models)
	return out
}

// Find procura um modelo pelo nome interno, sem diferenciar maiúsculas.
func Find(id string) (Model, bool) {
	for _, m := range models {
		if strings.EqualFold(m.ID, id) {
			return m, true
		}
	}
	return Model{}, false
}

// Match resolve um nome anunciado para um modelo do catálogo.
// O casamento é exato ou por prefixo sobre a coluna BluetoothID, sem
// diferenciar maiúsculas. Quando mais de um padrão casa (ex: "SL-SF90 Spider"
// é prefixo de "SL-SF90 Spider N"), vence o padrão mais longo.
func Match(advName string) (Model, bool) {
	if advName == "" {
		return Model{}, false
	}
	name := strings.ToLower(advName)
	var best Model
	bestLen := -1
	for _, m := range models {
		if !m.Advertisable() {
			continue
		}
		pattern := strings.ToLower(m.BluetoothID)
		if !strings.HasPrefix(name, pattern) {
			continue
		}
		if len(pattern) > bestLen {
			best = m
			bestLen = len(pattern)
		}
	}
	if bestLen < 0 {
		return Model{}, false
	}
	return best, true
}
