package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/joho/godotenv/autoload"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ShaulKabla/Chat/internal/auth"
	"github.com/ShaulKabla/Chat/internal/ban"
	"github.com/ShaulKabla/Chat/internal/chat"
	"github.com/ShaulKabla/Chat/internal/config"
	"github.com/ShaulKabla/Chat/internal/events"
	"github.com/ShaulKabla/Chat/internal/locks"
	"github.com/ShaulKabla/Chat/internal/matching"
	"github.com/ShaulKabla/Chat/internal/metrics"
	"github.com/ShaulKabla/Chat/internal/migrations"
	"github.com/ShaulKabla/Chat/internal/moderation"
	"github.com/ShaulKabla/Chat/internal/pairing"
	"github.com/ShaulKabla/Chat/internal/presence"
	"github.com/ShaulKabla/Chat/internal/profile"
	"github.com/ShaulKabla/Chat/internal/protocol"
	"github.com/ShaulKabla/Chat/internal/ratelimit"
	"github.com/ShaulKabla/Chat/internal/report"
	"github.com/ShaulKabla/Chat/internal/session"
	"github.com/ShaulKabla/Chat/internal/social"
	"github.com/ShaulKabla/Chat/internal/ws"
)

// autoBanThreshold is the number of reports in the autoBanWindow that bans
// an account without moderator action.
const (
	autoBanThreshold = 3
	autoBanWindow    = 24 * time.Hour
)

func main() {
	cfg := config.Load()

	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET must be set")
	}

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	// --- PostgreSQL ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to open Postgres: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	if err := migrations.Up(db); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}

	// --- NATS ---
	busConfig := events.DefaultConfig()
	busConfig.URL = cfg.NatsURL
	busConfig.Name = cfg.ServerName
	bus, err := events.Connect(busConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Stores and services ---
	bans := ban.NewStore(rdb)
	resolver := auth.NewResolver(cfg.JWTSecret, rdb, bans)
	limiter := ratelimit.NewLimiter(rdb)
	profiles := profile.NewStore(db)
	socials := social.NewStore(db)
	reports := report.NewStore(db)
	queue := matching.NewQueue(rdb)
	pairs := pairing.NewStore(rdb, matching.QueueKeyTalk, matching.QueueKeyMeet)
	locker := locks.NewRedisLocker(rdb)
	sessions := session.NewStore(rdb, cfg.RevealDelay)
	presences := presence.NewStore(rdb)
	buffers := chat.NewMessageBuffer()
	filter := moderation.NewFilter()

	engine := matching.NewEngine(matching.EngineConfig{
		Queue:          queue,
		Pairs:          pairs,
		Locker:         locker,
		Profiles:       profiles,
		Blocks:         socials,
		Bans:           bans,
		Sessions:       sessions,
		Notifier:       bus,
		ExpandAfter:    cfg.MeetExpandDelay,
		CandidateLimit: cfg.CandidateLimit,
	})

	log.Printf("chat server starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  metrics_addr:    %s", cfg.MetricsAddr)
	log.Printf("  worker_pool:     %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.MaxConnections)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  nats_url:        %s", cfg.NatsURL)
	log.Printf("  server_name:     %s", cfg.ServerName)
	log.Printf("  reveal_delay:    %s", cfg.RevealDelay)

	var server *ws.Server

	// sendError writes a typed error frame directly to the sender.
	sendError := func(conn *ws.Connection, code, message string) {
		data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
		if err != nil {
			return
		}
		_ = conn.WriteMessage(data)
	}

	sendRateLimited := func(conn *ws.Connection, scope string) {
		metrics.RateLimitedTotal.WithLabelValues(scope).Inc()
		data, err := protocol.NewServerMessage(protocol.TypeRateLimit, protocol.RateLimitMsg{Scope: scope})
		if err != nil {
			return
		}
		_ = conn.WriteMessage(data)
	}

	// partnerOf resolves the sender's partner or tells them they have none.
	partnerOf := func(ctx context.Context, conn *ws.Connection) string {
		partner, err := pairs.PartnerOf(ctx, conn.UserID)
		if err != nil {
			log.Printf("[main] partner lookup user=%s: %v", conn.UserID, err)
			sendError(conn, "internal_error", "try again")
			return ""
		}
		if partner == "" {
			sendError(conn, "no_partner", "not currently paired")
		}
		return partner
	}

	dispatcher := ws.NewMessageDispatcher()

	// -----------------------------------------------------------------------
	// find_match — enter the waiting pool and try to pair
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeFindMatch, func(conn *ws.Connection, msg interface{}) {
		findMsg, ok := msg.(protocol.FindMatchMsg)
		if !ok {
			return
		}
		userID := conn.UserID
		mode := protocol.NormalizeMode(findMsg.Mode)
		ctx := context.Background()

		// Meet mode requires a saved profile before the user ever waits.
		if mode == protocol.ModeMeet {
			p, err := profiles.Get(ctx, userID)
			if err != nil {
				log.Printf("[find_match] profile load user=%s: %v", userID, err)
				sendError(conn, "internal_error", "try again")
				return
			}
			if p == nil {
				data, _ := protocol.NewServerMessage(protocol.TypeProfileRequired, protocol.ProfileRequiredMsg{Message: "profile.required"})
				_ = conn.WriteMessage(data)
				return
			}
		}

		// A paired user searching again leaves the old pairing first; the
		// abandoned partner is re-enqueued and notified by the teardown.
		if err := engine.Disconnect(ctx, userID); err != nil {
			log.Printf("[find_match] leave pairing user=%s: %v", userID, err)
		}
		if err := queue.Enqueue(ctx, userID, mode); err != nil {
			log.Printf("[find_match] enqueue user=%s: %v", userID, err)
			sendError(conn, "internal_error", "try again")
			return
		}

		data, _ := protocol.NewServerMessage(protocol.TypeMatchSearching, protocol.MatchSearchingMsg{Message: "match.searching"})
		_ = conn.WriteMessage(data)

		go func() {
			if err := engine.AttemptMatch(context.Background(), userID, mode); err != nil &&
				!errors.Is(err, matching.ErrProfileRequired) {
				log.Printf("[find_match] attempt user=%s: %v", userID, err)
			}
		}()

		log.Printf("find_match from user=%s mode=%s", userID, mode)
	})

	// -----------------------------------------------------------------------
	// skip — end the pairing, both sides search again
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSkip, func(conn *ws.Connection, msg interface{}) {
		userID := conn.UserID
		ctx := context.Background()

		allowed, _ := limiter.Allow(ctx, userID, ratelimit.RuleSkip)
		if !allowed {
			sendRateLimited(conn, ratelimit.RuleSkip.Scope)
			return
		}

		if err := engine.Skip(ctx, userID); err != nil {
			log.Printf("[skip] user=%s: %v", userID, err)
			sendError(conn, "internal_error", "try again")
		}
	})

	// -----------------------------------------------------------------------
	// message — relay to the current partner
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeMessage, func(conn *ws.Connection, msg interface{}) {
		chatMsg, ok := msg.(protocol.ChatMsg)
		if !ok {
			return
		}
		userID := conn.UserID
		ctx := context.Background()

		allowed, _ := limiter.Allow(ctx, userID, ratelimit.RuleChat)
		if !allowed {
			sendRateLimited(conn, ratelimit.RuleChat.Scope)
			ack, _ := protocol.NewServerMessage(protocol.TypeMessageAck, protocol.MessageAckMsg{
				OK: false, ClientID: chatMsg.ClientID, Error: "rate_limited",
			})
			_ = conn.WriteMessage(ack)
			return
		}

		// The legacy image field doubles as preview and source when the
		// client sends only one reference.
		source := chatMsg.ImageSource
		preview := chatMsg.ImagePreview
		if source == "" {
			source = chatMsg.Image
		}
		if preview == "" {
			preview = chatMsg.Image
		}
		hasImage := source != ""

		if err := chat.ValidateMessage(chatMsg.Text, hasImage); err != nil {
			ack, _ := protocol.NewServerMessage(protocol.TypeMessageAck, protocol.MessageAckMsg{
				OK: false, ClientID: chatMsg.ClientID, Error: "invalid_message",
			})
			_ = conn.WriteMessage(ack)
			return
		}

		// Contact details and links defeat the anonymity model, so the
		// filter screens every anonymous-chat message before relay.
		if result := filter.Check(chatMsg.Text); result.Blocked {
			metrics.MessagesBlockedTotal.WithLabelValues(result.Reason).Inc()
			ack, _ := protocol.NewServerMessage(protocol.TypeMessageAck, protocol.MessageAckMsg{
				OK: false, ClientID: chatMsg.ClientID, Error: "message_blocked",
			})
			_ = conn.WriteMessage(ack)
			return
		}

		partner := partnerOf(ctx, conn)
		if partner == "" {
			return
		}

		messageID := uuid.New().String()
		createdAt := chatMsg.CreatedAt
		if createdAt == 0 {
			createdAt = time.Now().UnixMilli()
		}

		out := protocol.ServerChatMsg{
			ID:        messageID,
			ClientID:  chatMsg.ClientID,
			Text:      chatMsg.Text,
			CreatedAt: createdAt,
			UserID:    userID,
			ReplyTo:   chatMsg.ReplyTo,
		}

		if hasImage {
			withheld, err := sessions.StashPendingImage(ctx, userID, partner, messageID, source)
			if err != nil {
				if errors.Is(err, session.ErrNoSession) {
					sendError(conn, "no_partner", "not currently paired")
					return
				}
				log.Printf("[message] image gating user=%s: %v", userID, err)
				sendError(conn, "internal_error", "try again")
				return
			}
			if withheld {
				out.Image = preview
				out.ImagePending = true
			} else {
				out.Image = source
			}
		}

		// Engagement drives the reveal timer: once both sides have sent
		// a message in a meet session, the countdown starts.
		revealAt, err := sessions.RecordMessage(ctx, userID, partner, userID)
		if err != nil && !errors.Is(err, session.ErrNoSession) {
			log.Printf("[message] record user=%s: %v", userID, err)
		}
		if revealAt > 0 {
			timerMsg := protocol.RevealTimerStartedMsg{
				RevealAt:   revealAt,
				DurationMs: cfg.RevealDelay.Milliseconds(),
			}
			bus.Notify(userID, protocol.TypeRevealTimerStarted, timerMsg)
			bus.Notify(partner, protocol.TypeRevealTimerStarted, timerMsg)
		}

		buffers.Add(session.Key(userID, partner), chat.BufferedMessage{
			From: userID,
			Text: chatMsg.Text,
			Ts:   createdAt,
		})

		bus.Notify(partner, protocol.TypeMessage, out)
		metrics.MessagesTotal.Inc()

		ack, _ := protocol.NewServerMessage(protocol.TypeMessageAck, protocol.MessageAckMsg{
			OK: true, ClientID: chatMsg.ClientID, MessageID: messageID,
		})
		_ = conn.WriteMessage(ack)
	})

	// -----------------------------------------------------------------------
	// typing / stop_typing — relay indicator to the partner
	// -----------------------------------------------------------------------
	relayTyping := func(eventType string) ws.MessageHandler {
		return func(conn *ws.Connection, msg interface{}) {
			ctx := context.Background()
			partner, err := pairs.PartnerOf(ctx, conn.UserID)
			if err != nil || partner == "" {
				return
			}
			bus.Notify(partner, eventType, protocol.ServerTypingMsg{UserID: conn.UserID})
		}
	}
	dispatcher.Register(protocol.TypeTyping, relayTyping(protocol.TypeTyping))
	dispatcher.Register(protocol.TypeStopTyping, relayTyping(protocol.TypeStopTyping))

	// -----------------------------------------------------------------------
	// block_user — record block, end pairing if it targets the partner
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeBlockUser, func(conn *ws.Connection, msg interface{}) {
		blockMsg, ok := msg.(protocol.BlockUserMsg)
		if !ok {
			return
		}
		if err := engine.Block(context.Background(), conn.UserID, blockMsg.BlockedUserID); err != nil {
			log.Printf("[block_user] user=%s target=%s: %v", conn.UserID, blockMsg.BlockedUserID, err)
			sendError(conn, "block_failed", "could not block user")
		}
	})

	// -----------------------------------------------------------------------
	// update_profile — create or replace the matching profile
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeUpdateProfile, func(conn *ws.Connection, msg interface{}) {
		profMsg, ok := msg.(protocol.UpdateProfileMsg)
		if !ok {
			return
		}
		_, err := profiles.Upsert(context.Background(), conn.UserID, profile.Profile{
			Gender:           profMsg.Gender,
			AgeGroup:         profMsg.AgeGroup,
			Interests:        filter.CheckInterests(profMsg.Interests),
			GenderPreference: profMsg.GenderPreference,
		})
		if err != nil {
			if errors.Is(err, profile.ErrInvalidProfile) {
				sendError(conn, "invalid_profile", "gender, age group and at least 3 interests required")
			} else {
				log.Printf("[update_profile] user=%s: %v", conn.UserID, err)
				sendError(conn, "internal_error", "try again")
			}
			return
		}
		data, _ := protocol.NewServerMessage(protocol.TypeProfileUpdated, protocol.ProfileUpdatedMsg{})
		_ = conn.WriteMessage(data)
	})

	// -----------------------------------------------------------------------
	// reveal_request — opt in to identity reveal
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeRevealRequest, func(conn *ws.Connection, msg interface{}) {
		userID := conn.UserID
		ctx := context.Background()

		partner := partnerOf(ctx, conn)
		if partner == "" {
			return
		}

		outcome, err := sessions.RequestReveal(ctx, userID, partner, userID)
		if err != nil {
			log.Printf("[reveal_request] user=%s: %v", userID, err)
			sendError(conn, "internal_error", "try again")
			return
		}

		switch outcome {
		case session.RevealOutcomeJustGranted:
			metrics.RevealGrantsTotal.Inc()
			pending, err := sessions.DrainPendingImages(ctx, userID, partner)
			if err != nil {
				// The grant already happened in the store; announce it with
				// whatever drained rather than leaving both clients waiting.
				log.Printf("[reveal_request] drain images user=%s: %v", userID, err)
				pending = nil
			}
			announceRevealGrant(bus.Notify, userID, partner, pending)
			log.Printf("reveal granted user=%s partner=%s", userID, partner)

		case session.RevealOutcomeAlreadyGranted:
			data, _ := protocol.NewServerMessage(protocol.TypeRevealGranted, protocol.RevealGrantedMsg{})
			_ = conn.WriteMessage(data)

		case session.RevealOutcomeRecorded:
			// First opt-in recorded; nothing to announce until the
			// partner joins.

		default:
			sendError(conn, "reveal_unavailable", "reveal is not available yet")
		}
	})

	// -----------------------------------------------------------------------
	// connect_request — ask to stay connected as friends
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeConnectRequest, func(conn *ws.Connection, msg interface{}) {
		userID := conn.UserID
		ctx := context.Background()

		allowed, _ := limiter.Allow(ctx, userID, ratelimit.RuleConnect)
		if !allowed {
			sendRateLimited(conn, ratelimit.RuleConnect.Scope)
			return
		}

		partner := partnerOf(ctx, conn)
		if partner == "" {
			return
		}

		mutual, err := sessions.RecordConnectRequest(ctx, userID, partner, userID, partner)
		if err != nil {
			if errors.Is(err, session.ErrNoSession) {
				sendError(conn, "no_partner", "not currently paired")
				return
			}
			log.Printf("[connect_request] user=%s: %v", userID, err)
			sendError(conn, "internal_error", "try again")
			return
		}

		if !mutual {
			bus.Notify(partner, protocol.TypeConnectRequest, protocol.ServerConnectRequestMsg{UserID: userID})
			return
		}

		if err := socials.AddFriendship(ctx, userID, partner); err != nil {
			log.Printf("[connect_request] friendship %s<->%s: %v", userID, partner, err)
			sendError(conn, "internal_error", "try again")
			return
		}
		bus.Notify(userID, protocol.TypeFriendAdded, protocol.FriendAddedMsg{FriendID: partner})
		bus.Notify(partner, protocol.TypeFriendAdded, protocol.FriendAddedMsg{FriendID: userID})
		log.Printf("friendship formed user=%s friend=%s", userID, partner)
	})

	// -----------------------------------------------------------------------
	// friend_message — persisted message to an established friend
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeFriendMessage, func(conn *ws.Connection, msg interface{}) {
		friendMsg, ok := msg.(protocol.FriendMessageMsg)
		if !ok {
			return
		}
		userID := conn.UserID
		ctx := context.Background()

		allowed, _ := limiter.Allow(ctx, userID, ratelimit.RuleChat)
		if !allowed {
			sendRateLimited(conn, ratelimit.RuleChat.Scope)
			return
		}
		if err := chat.ValidateMessage(friendMsg.Text, friendMsg.Image != ""); err != nil {
			sendError(conn, "invalid_message", err.Error())
			return
		}

		saved, err := socials.SaveFriendMessage(ctx, userID, friendMsg.FriendID, friendMsg.Text, friendMsg.Image)
		if err != nil {
			if errors.Is(err, social.ErrNotFriends) {
				sendError(conn, "not_friends", "no friendship with that user")
				return
			}
			log.Printf("[friend_message] user=%s: %v", userID, err)
			sendError(conn, "internal_error", "try again")
			return
		}

		bus.Notify(friendMsg.FriendID, protocol.TypeFriendMessage, protocol.ServerFriendMessageMsg{
			ID:          saved.ID,
			SenderID:    saved.SenderID,
			RecipientID: saved.RecipientID,
			Body:        saved.Body,
			ImageURL:    saved.ImageURL,
			CreatedAt:   saved.CreatedAt.UnixMilli(),
		})

		ack, _ := protocol.NewServerMessage(protocol.TypeMessageAck, protocol.MessageAckMsg{
			OK: true, MessageID: strconv.FormatInt(saved.ID, 10),
		})
		_ = conn.WriteMessage(ack)
	})

	// -----------------------------------------------------------------------
	// report — file an abuse report against the current partner
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeReport, func(conn *ws.Connection, msg interface{}) {
		reportMsg, ok := msg.(protocol.ReportMsg)
		if !ok {
			return
		}
		userID := conn.UserID
		ctx := context.Background()

		partner := partnerOf(ctx, conn)
		if partner == "" {
			return
		}

		// Attach an anonymised snapshot of the recent conversation.
		var snapshot []report.MessageEntry
		for _, m := range buffers.Get(session.Key(userID, partner)) {
			from := "reported"
			if m.From == userID {
				from = "reporter"
			}
			snapshot = append(snapshot, report.MessageEntry{From: from, Text: m.Text, Ts: m.Ts})
		}

		if err := reports.Create(ctx, &report.Report{
			ReporterID: userID,
			ReportedID: partner,
			Reason:     reportMsg.Reason,
			Messages:   snapshot,
		}); err != nil {
			log.Printf("[report] user=%s: %v", userID, err)
			sendError(conn, "report_failed", "could not file report")
			return
		}
		log.Printf("report filed reporter=%s reported=%s reason=%s", userID, partner, reportMsg.Reason)

		count, err := reports.CountRecent(ctx, partner, autoBanWindow)
		if err != nil {
			log.Printf("[report] count recent reported=%s: %v", partner, err)
			return
		}
		if count >= autoBanThreshold {
			if err := bans.Ban(ctx, partner); err != nil {
				log.Printf("[report] auto-ban reported=%s: %v", partner, err)
				return
			}
			log.Printf("auto-banned user=%s after %d reports", partner, count)
			bus.Notify(partner, protocol.TypeBanned, protocol.BannedMsg{Message: "account.banned"})
			if err := engine.Skip(ctx, partner); err != nil {
				log.Printf("[report] unpair banned user=%s: %v", partner, err)
			}
		}
	})

	server = ws.NewServer(ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
	}, resolver, limiter, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	// Bridge the per-user event subjects to the live connection. The epoch
	// marks this connection as the user's newest across all instances.
	server.SetOnConnect(func(userID string, conn *ws.Connection) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		epoch, err := presences.Connect(ctx, userID)
		if err != nil {
			log.Printf("[main] presence connect user=%s: %v", userID, err)
		}
		conn.Epoch = epoch

		if err := bus.SubscribeUser(userID, func(frame []byte) {
			if err := server.SendMessage(userID, frame); err != nil {
				log.Printf("[main] deliver to user=%s: %v", userID, err)
			}
		}); err != nil {
			log.Printf("[main] subscribe user=%s: %v", userID, err)
		}
	})

	// A dropped connection leaves the pools and ends any pairing, unless the
	// user has already reconnected somewhere with a newer epoch: then only
	// this instance's subscription goes away and the live connection keeps
	// its queue entry and pairing.
	server.SetOnDisconnect(func(userID string, conn *ws.Connection) {
		if err := bus.UnsubscribeUser(userID); err != nil {
			log.Printf("[main] unsubscribe user=%s: %v", userID, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if conn.Epoch > 0 {
			current, err := presences.IsCurrent(ctx, userID, conn.Epoch)
			if err != nil {
				log.Printf("[main] presence check user=%s: %v", userID, err)
			} else if !current {
				log.Printf("[main] skipping cleanup for superseded connection user=%s", userID)
				return
			}
		}
		if err := engine.Disconnect(ctx, userID); err != nil {
			log.Printf("[main] disconnect cleanup user=%s: %v", userID, err)
		}
	})

	scanCtx, scanCancel := context.WithCancel(context.Background())
	go session.RunDeadlineScan(scanCtx, sessions, bus, cfg.RevealTick)
	go sampleQueueSizes(scanCtx, queue)

	// Prometheus endpoint on its own listener.
	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			log.Printf("[main] metrics listening on %s", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Printf("[main] metrics server error: %v", err)
			}
		}()
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		scanCancel()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		bus.Close()
		if err := rdb.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		if err := db.Close(); err != nil {
			log.Printf("postgres close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// announceRevealGrant emits the grant events in wire order: the previously
// withheld images first, then the grant itself, so a client never renders
// the granted state while its messages still show pending placeholders.
func announceRevealGrant(notify func(userID, eventType string, payload interface{}), userID, partner string, pending map[string]string) {
	if len(pending) > 0 {
		images := make([]protocol.RevealedImage, 0, len(pending))
		for messageID, imageURL := range pending {
			images = append(images, protocol.RevealedImage{MessageID: messageID, ImageURL: imageURL})
		}
		revealed := protocol.SourceRevealedMsg{Images: images}
		notify(userID, protocol.TypeSourceRevealed, revealed)
		notify(partner, protocol.TypeSourceRevealed, revealed)
	}
	notify(userID, protocol.TypeRevealGranted, protocol.RevealGrantedMsg{})
	notify(partner, protocol.TypeRevealGranted, protocol.RevealGrantedMsg{})
}

// sampleQueueSizes keeps the pool-depth gauges fresh.
func sampleQueueSizes(ctx context.Context, queue *matching.Queue) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, mode := range []string{protocol.ModeTalk, protocol.ModeMeet} {
				size, err := queue.Size(ctx, mode)
				if err != nil {
					continue
				}
				metrics.QueueSize.WithLabelValues(mode).Set(float64(size))
			}
		}
	}
}
