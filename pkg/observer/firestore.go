// Copyright 2025 Archon Governance Systems
//
// FirestoreMirror is an optional MirrorSink writing accepted events into
// Firestore for a real-time dashboard, following pkg/firestore/client.go's
// enabled/no-op pattern exactly: when Enabled is false every call is a
// silent no-op, so a deployment without a Firebase project configured
// pays no cost and gets no surprises.

package observer

import (
	"context"
	"fmt"
	"log"
	"os"

	gcpfirestore "cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"

	"github.com/archon-systems/archon/pkg/chain"
)

// FirestoreMirrorConfig configures the optional Firestore mirror.
type FirestoreMirrorConfig struct {
	ProjectID       string
	CredentialsFile string
	Collection      string
	Enabled         bool
	Logger          *log.Logger
}

// DefaultFirestoreMirrorConfig reads configuration from environment
// variables, matching pkg/firestore/client.go's DefaultConfig.
func DefaultFirestoreMirrorConfig() FirestoreMirrorConfig {
	return FirestoreMirrorConfig{
		ProjectID:       os.Getenv("ARCHON_FIRESTORE_PROJECT_ID"),
		CredentialsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
		Collection:      "archon_events",
		Enabled:         os.Getenv("ARCHON_FIRESTORE_ENABLED") == "true",
		Logger:          log.New(os.Stdout, "[observer.Firestore] ", log.LstdFlags),
	}
}

// FirestoreMirror implements MirrorSink over a Firestore collection.
type FirestoreMirror struct {
	cfg       FirestoreMirrorConfig
	app       *firebase.App
	firestore *gcpfirestore.Client
}

// NewFirestoreMirror initializes a mirror. If cfg.Enabled is false, the
// returned mirror performs no network operations and OnEventAccepted
// always succeeds as a no-op.
func NewFirestoreMirror(ctx context.Context, cfg FirestoreMirrorConfig) (*FirestoreMirror, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[observer.Firestore] ", log.LstdFlags)
	}
	m := &FirestoreMirror{cfg: cfg}
	if !cfg.Enabled {
		cfg.Logger.Println("firestore mirror disabled - running in no-op mode")
		return m, nil
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("observer: ARCHON_FIRESTORE_PROJECT_ID is required when the mirror is enabled")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("observer: initialize firebase app: %w", err)
	}
	fsClient, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("observer: create firestore client: %w", err)
	}
	m.app = app
	m.firestore = fsClient
	return m, nil
}

// OnEventAccepted writes one accepted event as a Firestore document keyed
// by event_id. This is a read-side convenience mirror only: losing it
// never affects the replica's own verified chain.
func (m *FirestoreMirror) OnEventAccepted(ctx context.Context, evt *chain.Event) error {
	if !m.cfg.Enabled {
		return nil
	}
	if m.firestore == nil {
		return fmt.Errorf("observer: firestore client not initialized")
	}
	docPath := fmt.Sprintf("%s/%s", m.cfg.Collection, evt.EventID)
	_, err := m.firestore.Doc(docPath).Set(ctx, map[string]interface{}{
		"event_id":     evt.EventID,
		"sequence":     evt.Sequence,
		"event_type":   evt.EventType,
		"agent_id":     evt.AgentID,
		"timestamp":    evt.Timestamp,
		"prev_hash":    evt.PrevHashHex,
		"content_hash": evt.ContentHashHex,
	})
	if err != nil {
		return fmt.Errorf("observer: write mirror document for sequence %d: %w", evt.Sequence, err)
	}
	return nil
}

// Close releases the underlying Firestore client, if one was created.
func (m *FirestoreMirror) Close() error {
	if m.firestore != nil {
		return m.firestore.Close()
	}
	return nil
}
