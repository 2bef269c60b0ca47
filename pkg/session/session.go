// Local: pkg/session/session.go

// Package session grava o histórico das sessões de pilotagem no MongoDB.
// O histórico é opcional: sem MONGODB_URI o Store vira um no-op e o resto
// do aplicativo nem percebe.
package session

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	databaseName   = "srlbridge"
	collectionName = "sessions"

	connectTimeout = 10 * time.Second
	saveTimeout    = 5 * time.Second
)

// Record é o resumo de uma sessão de pilotagem, gravado quando ela termina.
// Result é "ok" em encerramento normal ou o erro que derrubou a unidade.
type Record struct {
	Model        string    `bson:"model"`
	Name         string    `bson:"name"`
	Addr         string    `bson:"addr"`
	Slot         int       `bson:"slot"`
	StartedAt    time.Time `bson:"started_at"`
	EndedAt      time.Time `bson:"ended_at"`
	Frames       uint64    `bson:"frames"`
	Dropped      uint64    `bson:"dropped"`
	WriteErrors  uint64    `bson:"write_errors"`
	Reconnects   uint64    `bson:"reconnects"`
	BatteryStart int       `bson:"battery_start"`
	BatteryEnd   int       `bson:"battery_end"`
	Result       string    `bson:"result"`
}

// Store é a conexão com o banco de histórico. O valor zero é um store
// desativado, seguro de usar.
type Store struct {
	client   *mongo.Client
	sessions *mongo.Collection
}

// Disabled retorna um Store que descarta tudo.
func Disabled() *Store { return &Store{} }

// Open conecta ao MongoDB apontado por MONGODB_URI. Sem a variável definida
// o histórico fica desativado e Open retorna um Store no-op sem erro.
func Open(ctx context.Context) (*Store, error) {
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		log.Println("[DB] MONGODB_URI não definida; histórico de sessões desativado.")
		return Disabled(), nil
	}

	log.Println("[DB] Conectando ao MongoDB Atlas...")

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("conectando ao MongoDB: %w", err)
	}

	// Testa a conexão antes de declarar vitória.
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("pingando MongoDB: %w", err)
	}

	log.Println("[DB] ✅ Conectado ao MongoDB com sucesso!")
	return &Store{
		client:   client,
		sessions: client.Database(databaseName).Collection(collectionName),
	}, nil
}

// Enabled informa se o histórico está realmente sendo gravado.
func (s *Store) Enabled() bool { return s.client != nil }

// Save grava o resumo de uma sessão encerrada. Em um Store desativado é um
// no-op que retorna nil.
func (s *Store) Save(ctx context.Context, rec Record) error {
	if !s.Enabled() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, saveTimeout)
	defer cancel()

	if _, err := s.sessions.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("gravando sessão: %w", err)
	}
	log.Printf("[DB] 📼 Sessão de %s gravada (%d quadros)", rec.Name, rec.Frames)
	return nil
}

// Close encerra a conexão com o banco.
func (s *Store) Close(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	return s.client.Disconnect(ctx)
}
