package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/pairchat/pkg/client"
	"github.com/aeolun/pairchat/pkg/database"
	"github.com/aeolun/pairchat/pkg/protocol"
	"github.com/aeolun/pairchat/pkg/server"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur."

var loremWords = strings.Fields(loremIpsum)

var debugLogger = log.New(io.Discard, "", 0)

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}

	// Format: "0.52 0.58 0.59 1/285 12345"
	var load1, load5, load15 float64
	fmt.Sscanf(string(data), "%f %f %f", &load1, &load5, &load15)
	return load1
}

func randomSentence() string {
	n := 3 + rand.Intn(12)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// Stats tracks performance metrics
type Stats struct {
	messagesSent      atomic.Int64
	messagesEchoed    atomic.Int64
	messagesReceived  atomic.Int64
	receiptsSent      atomic.Int64
	receiptsSeen      atomic.Int64
	errorFrames       atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	disconnections    atomic.Int64
	successfulClients atomic.Int64
}

func (s *Stats) recordEcho(responseTimeUs int64) {
	s.messagesEchoed.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) snapshot() (sent, echoed, connErrors int64, avgResponseUs float64) {
	sent = s.messagesSent.Load()
	echoed = s.messagesEchoed.Load()
	connErrors = s.connectionErrors.Load()

	if echoed > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(echoed)
	}

	return
}

// seededUser is a user created for the run with its bearer token
type seededUser struct {
	id    int64
	token string
}

// BotClient is one side of a conversation
type BotClient struct {
	id     int
	self   seededUser
	peerID int64
	conn   *client.Connection
	stats  *Stats

	// Send times of our own messages, in order; the server echoes them back
	// in the same order
	pending   []time.Time
	pendingMu sync.Mutex
}

// NewBotClient dials the chat endpoint for the conversation with peerID
func NewBotClient(id int, serverAddr string, self seededUser, peerID int64, stats *Stats) (*BotClient, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := client.Dial(ctx, serverAddr, peerID, client.Options{
		Token:  self.token,
		Logger: log.New(debugLogger.Writer(), fmt.Sprintf("[Bot %d] ", id), log.LstdFlags|log.Lmicroseconds),
	})
	if err != nil {
		return nil, err
	}

	return &BotClient{
		id:     id,
		self:   self,
		peerID: peerID,
		conn:   conn,
		stats:  stats,
	}, nil
}

// PostRandomMessage sends one chat message
func (bc *BotClient) PostRandomMessage() error {
	bc.pendingMu.Lock()
	bc.pending = append(bc.pending, time.Now())
	bc.pendingMu.Unlock()

	if err := bc.conn.SendMessage(randomSentence()); err != nil {
		return err
	}
	bc.stats.messagesSent.Add(1)
	return nil
}

// readLoop consumes room events until the connection closes, acknowledging
// the peer's messages with read receipts
func (bc *BotClient) readLoop() error {
	for event := range bc.conn.Incoming() {
		switch event.Type {
		case protocol.TypeChatMessage:
			if event.SenderID == bc.self.id {
				bc.pendingMu.Lock()
				if len(bc.pending) > 0 {
					sent := bc.pending[0]
					bc.pending = bc.pending[1:]
					bc.stats.recordEcho(time.Since(sent).Microseconds())
				}
				bc.pendingMu.Unlock()
				continue
			}
			bc.stats.messagesReceived.Add(1)
			if err := bc.conn.SendReadReceipt(event.MessageID); err != nil {
				return err
			}
			bc.stats.receiptsSent.Add(1)
		case protocol.TypeMessagesRead:
			if event.ReaderID != bc.self.id {
				bc.stats.receiptsSeen.Add(1)
			}
		case protocol.TypeError:
			bc.stats.errorFrames.Add(1)
		}
	}

	err := bc.conn.Err()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return err
}

// Run posts messages at random intervals until duration elapses or stop closes
func (bc *BotClient) Run(duration, minDelay, maxDelay time.Duration, stop <-chan struct{}) {
	readErr := make(chan error, 1)
	go func() { readErr <- bc.readLoop() }()

	deadline := time.After(duration)
	for {
		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}

		select {
		case <-deadline:
			bc.conn.Close()
			<-readErr
			return
		case <-stop:
			bc.conn.Close()
			<-readErr
			return
		case err := <-readErr:
			if err != nil {
				debugLogger.Printf("[Bot %d] read failed: %v", bc.id, err)
			}
			bc.stats.disconnections.Add(1)
			bc.conn.Close()
			return
		case <-time.After(delay):
			if err := bc.PostRandomMessage(); err != nil {
				debugLogger.Printf("[Bot %d] post failed: %v", bc.id, err)
			}
		}
	}
}

// seedUsers creates count users directly in the server's database and
// issues a token for each
func seedUsers(ctx context.Context, db *database.DB, auth *server.Authenticator, count int) ([]seededUser, error) {
	users := make([]seededUser, count)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range users {
		g.Go(func() error {
			id, err := db.CreateUser(ctx, fmt.Sprintf("loadtest-%d-%d", time.Now().Unix(), i))
			if err != nil {
				return err
			}
			token, err := auth.IssueToken(id)
			if err != nil {
				return err
			}
			users[i] = seededUser{id: id, token: token}
			return nil
		})
	}
	return users, g.Wait()
}

func initLogging() error {
	// Create loadtest.log file (truncate on each run to avoid confusion)
	logFile, err := os.OpenFile("loadtest.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest.log: %w", err)
	}

	// Frame-level traffic goes to loadtest_debug.log only
	debugLogFile, err := os.OpenFile("loadtest_debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest_debug.log: %w", err)
	}

	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags)
	debugLogger = log.New(debugLogFile, "", log.LstdFlags|log.Lmicroseconds)

	return nil
}

func main() {
	// Command-line flags
	serverAddr := flag.String("server", "localhost:8080", "Server address (host:port)")
	configPath := flag.String("config", "~/.pairchat/config.toml", "Server config file (database path and token secret)")
	dbPath := flag.String("db", "", "Database to seed users into (defaults to the one in the config)")
	numPairs := flag.Int("pairs", 10, "Number of concurrent conversations")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between posts")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between posts")
	flag.Parse()

	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *dbPath == "" {
		if *dbPath, err = config.GetDatabasePath(); err != nil {
			log.Fatalf("Failed to resolve database path: %v", err)
		}
	}

	db, err := database.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	serverConfig := config.ToServerConfig()
	auth := server.NewAuthenticator(serverConfig.JWTSecret, serverConfig.TokenIssuer, serverConfig.TokenTTL, db)

	users, err := seedUsers(context.Background(), db, auth, *numPairs*2)
	db.Close()
	if err != nil {
		log.Fatalf("Failed to seed users: %v", err)
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Conversations: %d (%d clients)", *numPairs, len(users))
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("")

	stats := &Stats{}
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopAll := func() { stopOnce.Do(func() { close(stop) }) }

	// Stats reporter
	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				sent, echoed, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				log.Printf("Stats: %d sent (%.1f/s), %d echoed, %d conn errors, avg %.2fms, load %.2f, goroutines %d",
					sent, float64(sent)/elapsed, echoed, connErrors, avgUs/1000.0, getCPULoad(), runtime.NumGoroutine())
			case <-stopStats:
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping test...")
		stopAll()
	}()

	var wg sync.WaitGroup
	for i, pair := range lo.Chunk(users, 2) {
		a, b := pair[0], pair[1]
		for j, side := range []struct {
			self   seededUser
			peerID int64
		}{{a, b.id}, {b, a.id}} {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()

				bot, err := NewBotClient(id, *serverAddr, side.self, side.peerID, stats)
				if err != nil {
					stats.connectionErrors.Add(1)
					debugLogger.Printf("[Bot %d] %v", id, err)
					return
				}
				stats.successfulClients.Add(1)
				if id%100 == 0 {
					log.Printf("[Bot %d] Connected", id)
				}
				bot.Run(*duration, *minDelay, *maxDelay, stop)
			}(i*2 + j)
		}
	}

	wg.Wait()
	close(stopStats)

	sent, echoed, connErrors, avgUs := stats.snapshot()
	log.Printf("")
	log.Printf("=== Results ===")
	log.Printf("Clients connected: %d/%d", stats.successfulClients.Load(), len(users))
	log.Printf("Messages sent: %d (%.1f/s)", sent, float64(sent)/duration.Seconds())
	log.Printf("Messages echoed: %d, avg round trip %.2fms", echoed, avgUs/1000.0)
	log.Printf("Messages received from peers: %d", stats.messagesReceived.Load())
	log.Printf("Read receipts: %d sent, %d seen by senders", stats.receiptsSent.Load(), stats.receiptsSeen.Load())
	log.Printf("Error frames: %d", stats.errorFrames.Load())
	log.Printf("Connection errors: %d, unexpected disconnections: %d", connErrors, stats.disconnections.Load())
}
