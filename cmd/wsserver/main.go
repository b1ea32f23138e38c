package main

import (
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/loop-social/realtime/internal/auth"
	"github.com/loop-social/realtime/internal/messaging"
	"github.com/loop-social/realtime/internal/presence"
	"github.com/loop-social/realtime/internal/protocol"
	"github.com/loop-social/realtime/internal/ratelimit"
	"github.com/loop-social/realtime/internal/registry"
	"github.com/loop-social/realtime/internal/router"
	"github.com/loop-social/realtime/internal/session"
	"github.com/loop-social/realtime/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}
	verifier := auth.NewVerifier(jwtSecret)

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig.URL = natsURL
	}
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "realtime-1"
	}

	sessionStore, err := session.NewStore(redisAddr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	limiter := ratelimit.NewLimiter(sessionStore.Client())

	// --- Presence and routing ---
	reg := registry.New()
	tracker := presence.NewTracker(reg, sessionStore)
	eventRouter := router.New(reg, limiter)

	log.Printf("Loop realtime server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  server_name:     %s", serverName)

	// Persisted events from the REST service fan out to connected recipients.
	// Delivery is fire-and-forget: an offline recipient is corrected by its
	// next authoritative unread fetch.
	err = natsClient.SubscribeMessageCreated(func(data []byte) {
		var event messaging.MessageCreatedEvent
		if err := json.Unmarshal(data, &event); err != nil {
			log.Printf("[message-sub] unmarshal error: %v", err)
			return
		}
		eventRouter.OnMessageCreated(event.Message)
	})
	if err != nil {
		log.Fatalf("failed to subscribe to message events: %v", err)
	}

	err = natsClient.SubscribeNotificationCreated(func(data []byte) {
		var event messaging.NotificationCreatedEvent
		if err := json.Unmarshal(data, &event); err != nil {
			log.Printf("[notification-sub] unmarshal error: %v", err)
			return
		}
		eventRouter.OnNotificationCreated(event.RecipientID, event.Notification)
	})
	if err != nil {
		log.Fatalf("failed to subscribe to notification events: %v", err)
	}

	dispatcher := ws.NewMessageDispatcher()

	// -----------------------------------------------------------------------
	// auth — connections authenticate at the HTTP upgrade, so an in-band auth
	// event is acknowledged without further checks.
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeAuth, func(conn *ws.Connection, msg interface{}) {
		log.Printf("auth event from conn=%s user=%s (already authenticated)", conn.ID, conn.UserID)
	})

	// -----------------------------------------------------------------------
	// joinChat — scope typing signals to the opened conversation
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoinChat, func(conn *ws.Connection, msg interface{}) {
		joinMsg, ok := msg.(protocol.JoinChatMsg)
		if !ok {
			return
		}
		eventRouter.JoinChat(conn.ID, joinMsg.PartnerID)
		log.Printf("joinChat from user=%s partner=%s", conn.UserID, joinMsg.PartnerID)
	})

	// -----------------------------------------------------------------------
	// typing — relay the indicator to the conversation partner
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		typingMsg, ok := msg.(protocol.TypingMsg)
		if !ok {
			return
		}
		eventRouter.OnTyping(conn.ID, conn.UserID, typingMsg.ConversationID, typingMsg.IsTyping)
	})

	server := ws.NewServer(config, reg, tracker, sessionStore, verifier, limiter, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	// Forget the conversation a connection was watching before the registry
	// drops it.
	server.SetOnDisconnect(eventRouter.Leave)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		natsClient.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
