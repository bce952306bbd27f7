package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/logger"

	"nft-raffle/internal/models"
)

const queueSize = 64

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier relays raffle events to the admin chat. Publish never blocks: when
// the queue is full the message is dropped and logged.
type Notifier struct {
	bot    sender
	api    *tgbotapi.BotAPI // nil in tests
	chatID atomic.Int64
	queue  chan string

	mu     sync.Mutex
	status func() (models.Round, bool)
}

// NewNotifier logs in to the bot API. chatID may be 0; the first /start
// message then registers the admin chat.
func NewNotifier(token string, chatID int64) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	logger.Infof("Bot authorized on account %s", bot.Self.UserName)
	n := newNotifier(bot, chatID)
	n.api = bot
	return n, nil
}

func newNotifier(bot sender, chatID int64) *Notifier {
	n := &Notifier{bot: bot, queue: make(chan string, queueSize)}
	n.chatID.Store(chatID)
	return n
}

// SetStatus lets /round answer with the current round.
func (n *Notifier) SetStatus(fn func() (models.Round, bool)) {
	n.mu.Lock()
	n.status = fn
	n.mu.Unlock()
}

// Run delivers queued messages and answers commands until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	var updates tgbotapi.UpdatesChannel
	if n.api != nil {
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates = n.api.GetUpdatesChan(u)
		defer n.api.StopReceivingUpdates()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case text := <-n.queue:
			n.send(text)
		case update, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			n.handleUpdate(update)
		}
	}
}

func (n *Notifier) handleUpdate(update tgbotapi.Update) {
	if update.Message == nil || !update.Message.IsCommand() {
		return
	}
	chat := update.Message.Chat.ID
	switch update.Message.Command() {
	case "start":
		if !n.chatID.CompareAndSwap(0, chat) && n.chatID.Load() != chat {
			n.reply(chat, "An admin chat is already registered.")
			return
		}
		n.reply(chat, fmt.Sprintf("Admin chat registered: %d. Raffle events will be posted here.", chat))
		logger.Infof("Admin chat registered: %d", chat)
	case "round":
		if chat != n.chatID.Load() {
			return
		}
		n.reply(chat, n.describeCurrent())
	}
}

func (n *Notifier) describeCurrent() string {
	n.mu.Lock()
	status := n.status
	n.mu.Unlock()
	if status == nil {
		return "Round status is unavailable."
	}
	r, ok := status()
	if !ok {
		return "No round has been started yet."
	}
	return FormatRound(r)
}

// Publish queues a message for ev.
func (n *Notifier) Publish(ev models.Event, round models.Round) {
	text := FormatEvent(ev, round)
	if text == "" {
		return
	}
	select {
	case n.queue <- text:
	default:
		logger.Warningf("telegram queue full, dropping %s event #%d", ev.Type, ev.Seq)
	}
}

func (n *Notifier) send(text string) {
	chat := n.chatID.Load()
	if chat == 0 {
		logger.Warning("No admin chat registered, dropping notification")
		return
	}
	n.reply(chat, text)
}

func (n *Notifier) reply(chat int64, text string) {
	if _, err := n.bot.Send(tgbotapi.NewMessage(chat, text)); err != nil {
		logger.Errorf("Error sending notification: %v", err)
	}
}

// FormatEvent renders ev for the admin chat. Unknown payloads render as "".
func FormatEvent(ev models.Event, round models.Round) string {
	switch p := ev.Payload.(type) {
	case models.RoundStarted:
		return fmt.Sprintf("🎟️ Round #%d started\nTicket price: %d\nCloses at: %d", p.ID, round.TicketPrice, p.End)
	case models.TicketsPurchased:
		return fmt.Sprintf("🛒 %s bought %d ticket(s) in round #%d\nTickets sold: %d · Pool: %d", p.Buyer, p.Count, p.RoundID, round.TicketsSold, round.PoolAmount)
	case models.WinnerDrawn:
		return fmt.Sprintf("🎲 Round #%d drawn: winning ticket %d of %d", p.RoundID, p.Ticket, round.TicketsSold)
	case models.WinnerPaid:
		if round.CredentialPending {
			return fmt.Sprintf("⚠️ Round #%d paid %d to %s but the prize credential was NOT issued. Reconcile manually.", p.RoundID, p.Amount, p.Winner)
		}
		return fmt.Sprintf("🏆 Round #%d paid %d to %s\nCredential: #%d", p.RoundID, p.Amount, p.Winner, p.Credential)
	case models.CredentialIssued:
		return fmt.Sprintf("🏅 Credential #%d issued to %s for round #%d", p.Credential, p.Winner, p.RoundID)
	case models.RoundClosed:
		return fmt.Sprintf("🚫 Round #%d closed without tickets", p.RoundID)
	case models.RemainderWithdrawn:
		return fmt.Sprintf("💰 Remainder of %d withdrawn to %s", p.Amount, p.To)
	case models.PriceChanged:
		return fmt.Sprintf("🏷️ Ticket price set to %d for the next rounds", p.Price)
	}
	return ""
}

// FormatRound summarizes a round.
func FormatRound(r models.Round) string {
	s := fmt.Sprintf("Round #%d (%s)\nTickets sold: %d · Pool: %d\nWindow: %d → %d", r.ID, r.Phase, r.TicketsSold, r.PoolAmount, r.StartTime, r.EndTime)
	if r.WinningTicket != nil {
		s += fmt.Sprintf("\nWinning ticket: %d", *r.WinningTicket)
	}
	if !r.Winner.IsZero() {
		s += fmt.Sprintf("\nWinner: %s (%d)", r.Winner, r.Reward)
	}
	return s
}
