package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	nostrclient "nostr-client"
	"nostr-client/internal/config"
)

// relay-tail connects to a relay, subscribes to the given kinds, and
// prints events as they arrive. With -group-secret it also unwraps
// encrypted group envelopes.
func main() {
	var (
		relayURL    string
		kindsFlag   string
		groupID     string
		groupSecret string
		nsec        string
		publishText string
	)

	flag.StringVar(&relayURL, "relay", "", "Relay URL (defaults to config)")
	flag.StringVar(&kindsFlag, "kinds", "1", "Comma-separated event kinds to subscribe to")
	flag.StringVar(&groupID, "group", "", "Group id to unwrap envelopes for")
	flag.StringVar(&groupSecret, "group-secret", "", "32-byte group secret (hex)")
	flag.StringVar(&nsec, "nsec", "", "Private key (hex) for publishing")
	flag.StringVar(&publishText, "publish", "", "Publish a kind-1 note and exit")
	flag.Parse()

	nostrclient.InitLogger()
	cfg := config.Get()

	if relayURL == "" {
		relayURL = cfg.RelayURL
	}
	if nsec == "" {
		nsec = os.Getenv("RELAY_NSEC")
	}

	var kinds []int
	for _, part := range strings.Split(kindsFlag, ",") {
		kind, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			log.Fatalf("bad kind %q: %v", part, err)
		}
		kinds = append(kinds, kind)
	}

	clientCfg := nostrclient.ClientConfig{
		RelayURL:       relayURL,
		ProxyAddr:      cfg.ProxyAddr,
		QueueDir:       cfg.QueueDir,
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff(),
		MaxBackoff:     cfg.MaxBackoff(),
		MaxAttempts:    cfg.MaxReconnectAttempts,
		GroupTagKey:    cfg.GroupTagKey,
	}

	if nsec != "" {
		key, err := nostrclient.ParsePrivateKey(nsec)
		if err != nil {
			log.Fatalf("bad private key: %v", err)
		}
		clientCfg.PrivateKey = key
		slog.Info("publishing as", "pubkey", nostrclient.PublicKeyHex(key))
	}

	if groupID != "" {
		secret, err := hex.DecodeString(groupSecret)
		if err != nil || len(secret) != 32 {
			log.Fatal("-group requires -group-secret with 32 hex-encoded bytes")
		}
		cipher, err := nostrclient.NewStaticGroupCipher(secret, 0, 0)
		if err != nil {
			log.Fatalf("group cipher: %v", err)
		}
		keyring := nostrclient.NewGroupKeyring()
		keyring.Add(groupID, cipher)
		clientCfg.GroupResolver = keyring.Resolve
	}

	if cfg.RedisURL != "" {
		cache, err := nostrclient.NewRedisEventCache(cfg.RedisURL, "relay-tail:", 24*time.Hour, nil)
		if err != nil {
			slog.Warn("redis unavailable, using memory cache", "error", err)
		} else {
			clientCfg.Cache = cache
		}
	}

	client, err := nostrclient.NewClient(clientCfg)
	if err != nil {
		log.Fatalf("client setup: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	err = client.Connect(ctx, func(state nostrclient.ConnState) {
		slog.Info("connection state changed", "state", state.String())
	})
	cancel()
	if err != nil {
		log.Fatalf("connect to %s: %v", relayURL, err)
	}

	if publishText != "" {
		publishAndExit(client, publishText, groupID)
		return
	}

	filter := nostrclient.Filter{Kinds: kinds, Limit: 50}
	if groupID != "" {
		filter.Kinds = append(filter.Kinds, nostrclient.KindGroupEnvelope)
		filter.Tags = map[string][]string{cfg.GroupTagKey: {groupID}}
	}

	sub, err := client.Subscribe(filter)
	if err != nil {
		log.Fatalf("subscribe: %v", err)
	}
	defer client.Unsubscribe(sub)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	slog.Info("tailing relay", "relay", relayURL, "kinds", kinds)
	for {
		select {
		case evt := <-sub.Events:
			printEvent(&evt)
		case <-sub.EOSE:
			slog.Info("end of stored events")
		case <-sub.Done():
			slog.Warn("subscription closed, exiting")
			return
		case <-sigCh:
			slog.Info("shutting down")
			return
		}
	}
}

func publishAndExit(client *nostrclient.Client, text, groupID string) {
	evt := nostrclient.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      1,
		Content:   text,
	}

	var opts *nostrclient.PublishOptions
	if groupID != "" {
		opts = &nostrclient.PublishOptions{GroupID: groupID}
	}

	result, err := client.Publish(context.Background(), evt, opts)
	if err != nil {
		log.Fatalf("publish: %v", err)
	}
	if result.SentImmediately {
		fmt.Println("published")
	} else {
		fmt.Printf("queued for delivery (pending id %s)\n", result.PendingID)
	}
}

func printEvent(evt *nostrclient.Event) {
	author := evt.PubKey
	if len(author) > 12 {
		author = author[:12]
	}
	ts := time.Unix(evt.CreatedAt, 0).Format(time.RFC3339)
	fmt.Printf("[%s] kind=%d author=%s\n%s\n\n", ts, evt.Kind, author, evt.Content)
}
