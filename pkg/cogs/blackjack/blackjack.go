// Package blackjack deals per-user blackjack hands against the house.
package blackjack

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"

	"github.com/tinyland-inc/clawcord/pkg/cog"
	"github.com/tinyland-inc/clawcord/pkg/event"
)

var ranks = []string{"A", "2", "3", "4", "5", "6", "7", "8", "9", "10", "J", "Q", "K"}

// game is one user's hand in progress. The dealer's hand is dealt up front
// and hidden until the player stands.
type game struct {
	player []string
	dealer []string
}

type Cog struct {
	rng *rand.Rand

	mu    sync.Mutex
	games map[string]*game
}

func New() *Cog {
	return NewSeeded(rand.Int63())
}

// NewSeeded builds a deterministic instance for tests.
func NewSeeded(seed int64) *Cog {
	return &Cog{
		rng:   rand.New(rand.NewSource(seed)),
		games: make(map[string]*game),
	}
}

func (c *Cog) Name() string { return "blackjack" }

func (c *Cog) Subscriptions() []cog.Subscription { return nil }

func (c *Cog) Commands() []cog.Command {
	return []cog.Command{
		{
			Name:        "blackjack",
			Description: "Start a blackjack hand against the house",
			Usage:       "blackjack",
			Require:     event.PermViewChannels,
			Run:         c.start,
		},
		{
			Name:        "hit",
			Description: "Draw another card",
			Usage:       "hit",
			Require:     event.PermViewChannels,
			Run:         c.hit,
		},
		{
			Name:        "stand",
			Description: "Stand and let the house play out",
			Usage:       "stand",
			Require:     event.PermViewChannels,
			Run:         c.stand,
		},
	}
}

func (c *Cog) deal() string {
	return ranks[c.rng.Intn(len(ranks))]
}

// handValue totals a hand counting aces as 11, then demotes them to 1 while
// the hand is bust.
func handValue(hand []string) int {
	total, aces := 0, 0
	for _, card := range hand {
		switch card {
		case "J", "Q", "K":
			total += 10
		case "A":
			total += 11
			aces++
		default:
			n, _ := strconv.Atoi(card)
			total += n
		}
	}
	for total > 21 && aces > 0 {
		total -= 10
		aces--
	}
	return total
}

func showHand(hand []string) string {
	return fmt.Sprintf("%s (total %d)", strings.Join(hand, ", "), handValue(hand))
}

func (c *Cog) start(ctx context.Context, inv *cog.Invocation) error {
	c.mu.Lock()
	if _, ok := c.games[inv.Event.User.ID]; ok {
		c.mu.Unlock()
		return inv.Respond(ctx, "You're already in a hand! Use `hit` or `stand`.")
	}
	g := &game{
		player: []string{c.deal(), c.deal()},
		dealer: []string{c.deal(), c.deal()},
	}
	c.games[inv.Event.User.ID] = g
	c.mu.Unlock()

	return inv.Respond(ctx, fmt.Sprintf("Your hand: %s\nDealer shows: %s", showHand(g.player), g.dealer[0]))
}

func (c *Cog) hit(ctx context.Context, inv *cog.Invocation) error {
	c.mu.Lock()
	g, ok := c.games[inv.Event.User.ID]
	if !ok {
		c.mu.Unlock()
		return inv.Respond(ctx, "You're not in a hand. Start one with `blackjack`.")
	}
	g.player = append(g.player, c.deal())
	value := handValue(g.player)
	if value > 21 {
		delete(c.games, inv.Event.User.ID)
	}
	hand := showHand(g.player)
	c.mu.Unlock()

	if value > 21 {
		return inv.Respond(ctx, "Bust! Your hand: "+hand)
	}
	return inv.Respond(ctx, "Your hand: "+hand)
}

func (c *Cog) stand(ctx context.Context, inv *cog.Invocation) error {
	c.mu.Lock()
	g, ok := c.games[inv.Event.User.ID]
	if !ok {
		c.mu.Unlock()
		return inv.Respond(ctx, "You're not in a hand. Start one with `blackjack`.")
	}
	delete(c.games, inv.Event.User.ID)

	// House draws to 17.
	for handValue(g.dealer) < 17 {
		g.dealer = append(g.dealer, c.deal())
	}
	c.mu.Unlock()

	playerScore := handValue(g.player)
	dealerScore := handValue(g.dealer)

	var result string
	switch {
	case dealerScore > 21 || playerScore > dealerScore:
		result = "You win!"
	case dealerScore > playerScore:
		result = "House wins."
	default:
		result = "Push."
	}

	return inv.Respond(ctx, fmt.Sprintf("Final hands:\nYou: %s\nHouse: %s\n%s",
		showHand(g.player), showHand(g.dealer), result))
}
