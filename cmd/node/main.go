package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/wpbackup/fleet/internal/config"
	"github.com/wpbackup/fleet/internal/governor"
	"github.com/wpbackup/fleet/internal/models"
	"github.com/wpbackup/fleet/internal/nodeclient"
	"github.com/wpbackup/fleet/internal/nodejob"
)

// credentials is the daemon's entire local state on disk: its own external
// id and the plaintext API key delivered exactly once at enrollment (spec
// §4.4). Everything else it needs comes from Master over nodeclient.
type credentials struct {
	ExternalID string `json:"external_id"`
	APIKey     string `json:"api_key"`
}

func main() {
	cfg := config.LoadNode()

	if err := os.MkdirAll(cfg.TempRoot, 0700); err != nil {
		log.Fatalf("failed to create temp root %s: %v", cfg.TempRoot, err)
	}

	creds, err := loadOrEnroll(cfg)
	if err != nil {
		log.Fatalf("enrollment failed: %v", err)
	}

	master := nodeclient.New(cfg.MasterURL, creds.ExternalID, creds.APIKey)
	gov := governor.New(cfg.BandwidthBPS)

	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Println("shutting down node daemon...")
		cancel()
	}()

	interval := time.Duration(cfg.PollInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("wpbackup node daemon started (node %s), polling %s every %s", creds.ExternalID, cfg.MasterURL, interval)
	poll(ctx, master, gov, cfg.TempRoot, creds.ExternalID)
	for {
		select {
		case <-ticker.C:
			poll(ctx, master, gov, cfg.TempRoot, creds.ExternalID)
		case <-ctx.Done():
			return
		}
	}
}

// poll pulls this node's due-sites backlog and runs each job in turn: one
// engine, one queue, sites processed strictly sequentially (spec §4.1).
func poll(ctx context.Context, master *nodeclient.Client, gov *governor.Governor, tempRoot, nodeExternalID string) {
	sites, err := master.DueSites()
	if err != nil {
		log.Printf("due-sites poll failed: %v", err)
		return
	}
	for _, site := range sites {
		if ctx.Err() != nil {
			return
		}
		log.Printf("running backup for site %s (%s)", site.Name, site.ExternalID)
		if err := nodejob.Run(ctx, master, gov, tempRoot, nodeExternalID, site); err != nil {
			log.Printf("backup failed for site %s: %v", site.Name, err)
		}
	}
}

// loadOrEnroll reads a previously persisted API key, or runs the join/poll
// enrollment protocol against Master for a fresh install (spec §4.4).
func loadOrEnroll(cfg *config.NodeConfig) (*credentials, error) {
	if data, err := os.ReadFile(cfg.APIKeyPath); err == nil {
		var creds credentials
		if err := json.Unmarshal(data, &creds); err == nil && creds.APIKey != "" {
			return &creds, nil
		}
	}
	return enrollNode(cfg)
}

func enrollNode(cfg *config.NodeConfig) (*credentials, error) {
	joinResp, err := nodeclient.JoinRequest(cfg.MasterURL, cfg.Hostname, cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("join request: %w", err)
	}
	log.Printf("registration code: %s -- have an administrator approve this node; polling for approval", joinResp.RegistrationCode)

	for {
		time.Sleep(5 * time.Second)
		status, err := nodeclient.PollStatus(cfg.MasterURL, joinResp.RegistrationCode)
		if err != nil {
			log.Printf("status poll failed: %v", err)
			continue
		}
		if status.Status != string(models.NodeStatusActive) {
			continue
		}
		if status.APIKey == "" {
			return nil, fmt.Errorf("node approved but no api key was delivered")
		}
		creds := &credentials{ExternalID: status.ExternalID, APIKey: status.APIKey}
		if err := persistCredentials(cfg.APIKeyPath, creds); err != nil {
			return nil, fmt.Errorf("persist credentials: %w", err)
		}
		return creds, nil
	}
}

func persistCredentials(path string, creds *credentials) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
