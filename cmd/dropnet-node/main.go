// cmd/dropnet-node/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"dropnet/internal/crypto"
	"dropnet/internal/identity"
	"dropnet/internal/metrics"
	"dropnet/internal/node"
	"dropnet/internal/pprofutil"
	"dropnet/internal/vault"
)

func die(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func dieMsg(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".dropnet")
}

func newLogger(debug bool) *logrus.Logger {
	log := logrus.New()
	if debug {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

func openVault(home, secret string, log *logrus.Logger) *vault.Vault {
	if secret == "" {
		secret = os.Getenv("DROPNET_SECRET")
	}
	if secret == "" {
		dieMsg("missing --secret (or DROPNET_SECRET)")
	}
	salt, err := loadOrCreateSalt(home)
	if err != nil {
		die("vault salt failed", err)
	}
	v, err := vault.Open(filepath.Join(home, "vault"), []byte(secret), salt, vault.Options{Logger: log})
	if err != nil {
		die("open vault failed", err)
	}
	if err := v.CheckCredentials(); err != nil {
		_ = v.Close()
		if errors.Is(err, vault.ErrDecryptionFailed) {
			dieMsg("wrong credentials for existing vault")
		}
		die("vault check failed", err)
	}
	return v
}

// The salt is not secret; it lives beside the vault so the key can be
// re-derived on every open.
func loadOrCreateSalt(home string) ([]byte, error) {
	path := filepath.Join(home, "vault.salt")
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		return data, nil
	}
	salt, err := crypto.RandomBytes(16)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0600); err != nil {
		return nil, err
	}
	return salt, nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("usage: dropnet-node <init|run|id|conversations>")
		os.Exit(1)
	}

	switch os.Args[1] {

	case "init":
		fs := flag.NewFlagSet("init", flag.ExitOnError)
		home := fs.String("home", homeDir(), "data directory")
		secret := fs.String("secret", "", "vault secret")
		debug := fs.Bool("debug", false, "debug logging")
		_ = fs.Parse(os.Args[2:])

		log := newLogger(*debug)
		if err := os.MkdirAll(*home, 0700); err != nil {
			die("create home failed", err)
		}
		v := openVault(*home, *secret, log)
		defer v.Close()

		if _, err := identity.Load(v); err == nil {
			dieMsg("identity already exists")
		} else if errors.Is(err, vault.ErrDecryptionFailed) {
			// Never overwrite an existing identity behind a wrong secret.
			dieMsg("wrong credentials for existing vault")
		}
		id, err := identity.New()
		if err != nil {
			die("identity generation failed", err)
		}
		if err := id.Save(v); err != nil {
			die("identity save failed", err)
		}
		settings := vault.Settings{
			SecurityLevel: "standard",
			Salt:          v.Salt(),
			CreatedAt:     time.Now().UTC(),
		}
		if err := v.Put(vault.ColSettings, vault.SettingsKey, settings); err != nil {
			die("settings save failed", err)
		}
		fmt.Println("OK identity created")
		fmt.Println("node id:", id.NodeID)

	case "run":
		fs := flag.NewFlagSet("run", flag.ExitOnError)
		home := fs.String("home", homeDir(), "data directory")
		secret := fs.String("secret", "", "vault secret")
		rzv := fs.String("rendezvous", "127.0.0.1:7100", "rendezvous server address")
		addr := fs.String("addr", "0.0.0.0:0", "peer listen address")
		metricsPath := fs.String("metrics", "", "write metrics snapshot here on exit")
		debug := fs.Bool("debug", false, "debug logging")
		_ = fs.Parse(os.Args[2:])

		log := newLogger(*debug)
		v := openVault(*home, *secret, log)
		defer v.Close()

		if err := pprofutil.StartFromEnv(os.Stderr); err != nil {
			log.WithError(err).Warn("pprof not started")
		}

		m := metrics.New()
		n, err := node.New(v, node.Options{
			Logger:         log,
			Metrics:        m,
			ListenAddr:     *addr,
			RendezvousAddr: *rzv,
			Events: node.Events{
				OnMessageVerified: func(msg node.Message) {
					log.WithFields(logrus.Fields{
						"from": msg.SenderID,
						"type": msg.Type,
						"id":   msg.ID,
					}).Info("message received")
				},
				OnPeerConnected: func(id string) {
					log.WithField("peer", id).Info("peer online")
				},
				OnPeerDisconnected: func(id string) {
					log.WithField("peer", id).Info("peer offline")
				},
				OnDeliveryExhausted: func(envID, receiver string) {
					log.WithFields(logrus.Fields{"envelope": envID, "receiver": receiver}).Warn("delivery given up")
				},
			},
		})
		if err != nil {
			die("node start failed", err)
		}
		fmt.Println("node id:", n.NodeID())
		fmt.Println("listening on:", n.ListenAddr())

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			cancel()
		}()
		n.Run(ctx)
		_ = n.Close()
		if err := m.WriteSnapshot(*metricsPath); err != nil {
			log.WithError(err).Warn("metrics snapshot failed")
		}

	case "id":
		fs := flag.NewFlagSet("id", flag.ExitOnError)
		home := fs.String("home", homeDir(), "data directory")
		secret := fs.String("secret", "", "vault secret")
		debug := fs.Bool("debug", false, "debug logging")
		_ = fs.Parse(os.Args[2:])

		log := newLogger(*debug)
		v := openVault(*home, *secret, log)
		defer v.Close()
		id, err := identity.Load(v)
		if err != nil {
			die("load identity failed", err)
		}
		fmt.Println("node id:", id.NodeID)

	case "conversations":
		fs := flag.NewFlagSet("conversations", flag.ExitOnError)
		home := fs.String("home", homeDir(), "data directory")
		secret := fs.String("secret", "", "vault secret")
		debug := fs.Bool("debug", false, "debug logging")
		_ = fs.Parse(os.Args[2:])

		log := newLogger(*debug)
		v := openVault(*home, *secret, log)
		defer v.Close()

		// Listing conversations needs only the vault, not a running node.
		convs, err := node.ListConversations(v)
		if err != nil {
			die("list conversations failed", err)
		}
		if len(convs) == 0 {
			fmt.Println("no conversations")
			return
		}
		for _, c := range convs {
			fmt.Printf("%s  updated=%s  last=%s\n", c.ID, c.UpdatedAt.Format("2006-01-02 15:04:05"), c.LastMessage)
		}

	default:
		dieMsg("unknown command: " + os.Args[1])
	}
}
