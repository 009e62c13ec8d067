// Package notify delivers execution-core events to operators. Grounded
// on bot.TelegramBot, generalized from a manual NotifySignal/NotifyTrade
// call pattern into an event-bus subscriber that reacts to
// endpoint.failover, endpoint.no_backup, reconcile.repair_required and
// quality.anomaly without the caller needing to thread notification
// calls through every component.
package notify

import (
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/orderflow/internal/efc"
	"github.com/web3guy0/orderflow/internal/eqm"
	"github.com/web3guy0/orderflow/internal/events"
	"github.com/web3guy0/orderflow/internal/reconciler"
)

// TelegramNotifier subscribes to the shared event bus and relays
// operator-relevant events to a Telegram chat.
type TelegramNotifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
	bus    *events.Bus

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewTelegramNotifier constructs a notifier bound to a bot token and
// chat. Pass an empty token to disable delivery (Start becomes a no-op).
func NewTelegramNotifier(token string, chatID int64, bus *events.Bus) (*TelegramNotifier, error) {
	if token == "" {
		log.Warn().Msg("telegram token not set, notifications disabled")
		return &TelegramNotifier{bus: bus}, nil
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	log.Info().Str("username", api.Self.UserName).Msg("🤖 telegram notifier initialized")
	return &TelegramNotifier{api: api, chatID: chatID, bus: bus}, nil
}

// Start subscribes to the bus topics this notifier cares about and
// begins relaying them.
func (n *TelegramNotifier) Start() {
	n.mu.Lock()
	if n.running || n.api == nil {
		n.mu.Unlock()
		return
	}
	n.running = true
	n.stopCh = make(chan struct{})
	n.mu.Unlock()

	failovers := n.bus.Subscribe(events.TopicEndpointFailover)
	noBackup := n.bus.Subscribe(events.TopicEndpointNoBackup)
	repairRequired := n.bus.Subscribe(events.TopicReconcileRepairRequired)
	anomalies := n.bus.Subscribe(events.TopicQualityAnomaly)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			select {
			case <-n.stopCh:
				return
			case e := <-failovers:
				n.notifyFailover(e)
			case e := <-noBackup:
				n.send(fmt.Sprintf("🛑 *NO HEALTHY BACKUP*\n\nAll configured endpoints are unhealthy: %v", e.Payload))
			case e := <-repairRequired:
				n.notifyRepairRequired(e)
			case e := <-anomalies:
				n.notifyAnomaly(e)
			}
		}
	}()
	log.Info().Msg("📱 telegram notifier started")
}

// Stop halts the relay goroutine.
func (n *TelegramNotifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return
	}
	n.running = false
	close(n.stopCh)
	n.wg.Wait()
}

func (n *TelegramNotifier) notifyFailover(e events.Event) {
	f, ok := e.Payload.(efc.Failover)
	if !ok {
		return
	}
	msg := fmt.Sprintf(`⚠️ *EXCHANGE FAILOVER*

From: *%s*
To: *%s*
Reason: %s
At: %s`, f.From, f.To, f.Reason, f.Timestamp.Format("15:04:05 MST"))
	n.send(msg)
}

func (n *TelegramNotifier) notifyRepairRequired(e events.Event) {
	inc, ok := e.Payload.(reconciler.Inconsistency)
	if !ok {
		return
	}
	msg := fmt.Sprintf(`🛠 *REPAIR CONFIRMATION NEEDED*

Kind: %s
Key: %s
Severity: %s
%s`, inc.Kind, inc.Key, inc.Severity, inc.Detail)
	n.send(msg)
}

func (n *TelegramNotifier) notifyAnomaly(e events.Event) {
	a, ok := e.Payload.(eqm.Anomaly)
	if !ok {
		return
	}
	msg := fmt.Sprintf(`🚨 *EXECUTION QUALITY ANOMALY*

Order: %s
Symbol: %s
Metric: %s
Value: %s
%s`, a.ClientID, a.Symbol, a.Metric, a.Value.String(), a.Reason)
	n.send(msg)
}

func (n *TelegramNotifier) send(text string) {
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := n.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("failed to send telegram message")
	}
}
