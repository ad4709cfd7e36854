// Package dice bundles the chance-game commands: roll, flip, dicebattle,
// guess and rps.
package dice

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

// rpsMatch is one user's running best-of series.
type rpsMatch struct {
	toWin     int
	round     int
	userScore int
	botScore  int
}

type Cog struct {
	rng *rand.Rand

	mu         sync.Mutex
	rpsMatches map[string]*rpsMatch
}

func New() *Cog {
	return NewSeeded(rand.Int63())
}

// NewSeeded builds a deterministic instance for tests.
func NewSeeded(seed int64) *Cog {
	return &Cog{
		rng:        rand.New(rand.NewSource(seed)),
		rpsMatches: make(map[string]*rpsMatch),
	}
}

func (c *Cog) Name() string { return "dice" }

func (c *Cog) Subscriptions() []cog.Subscription { return nil }

func (c *Cog) Commands() []cog.Command {
	return []cog.Command{
		{
			Name:        "roll",
			Description: "Roll an N-sided die",
			Usage:       "roll d6",
			Require:     event.PermViewChannels,
			Run:         c.roll,
		},
		{
			Name:        "flip",
			Description: "Flip a coin",
			Usage:       "flip",
			Require:     event.PermViewChannels,
			Run:         c.flip,
		},
		{
			Name:        "dicebattle",
			Description: "Challenge another user to a d6 battle",
			Usage:       "dicebattle @user",
			Require:     event.PermViewChannels,
			Run:         c.dicebattle,
		},
		{
			Name:        "guess",
			Description: "Guess a number between 1 and 10",
			Usage:       "guess 7",
			Require:     event.PermViewChannels,
			Run:         c.guess,
		},
		{
			Name:        "rps",
			Description: "Rock, paper, scissors against the bot, played as a best-of series",
			Usage:       "rps rock [best-of]",
			Require:     event.PermViewChannels | event.PermUseSlashCommands,
			Run:         c.rps,
		},
	}
}

func (c *Cog) roll(ctx context.Context, inv *cog.Invocation) error {
	dice := inv.Option("dice", 0)
	if dice == "" {
		dice = "d6"
	}
	sides, err := strconv.Atoi(strings.TrimPrefix(strings.ToLower(dice), "d"))
	if err != nil || sides < 2 {
		return inv.Respond(ctx, "Invalid format. Use `roll d6`, `roll d20`, etc.")
	}
	result := c.rng.Intn(sides) + 1
	return inv.Respond(ctx, fmt.Sprintf("You rolled a **%d** on a %d-sided die!", result, sides))
}

func (c *Cog) flip(ctx context.Context, inv *cog.Invocation) error {
	outcome := "Heads"
	if c.rng.Intn(2) == 1 {
		outcome = "Tails"
	}
	return inv.Respond(ctx, fmt.Sprintf("The coin landed on... **%s**!", outcome))
}

func (c *Cog) dicebattle(ctx context.Context, inv *cog.Invocation) error {
	opponent := inv.Option("opponent", 0)
	if opponent == "" {
		return inv.Respond(ctx, "Usage: `dicebattle @user`")
	}
	challenger := inv.Event.User.Name
	if mentionID(opponent) == inv.Event.User.ID {
		return inv.Respond(ctx, "You can't battle yourself!")
	}

	p1 := c.rng.Intn(6) + 1
	p2 := c.rng.Intn(6) + 1

	var verdict string
	switch {
	case p1 > p2:
		verdict = fmt.Sprintf("%s wins the battle!", challenger)
	case p2 > p1:
		verdict = fmt.Sprintf("%s wins the battle!", opponent)
	default:
		verdict = "It's a tie! Rematch?"
	}
	return inv.Respond(ctx, fmt.Sprintf(
		"%s challenges %s to a dice battle!\n%s rolls... **%d**!\n%s rolls... **%d**!\n%s",
		challenger, opponent, challenger, p1, opponent, p2, verdict))
}

func (c *Cog) guess(ctx context.Context, inv *cog.Invocation) error {
	raw := inv.Option("number", 0)
	number, err := strconv.Atoi(raw)
	if err != nil || number < 1 || number > 10 {
		return inv.Respond(ctx, "Please guess a number between 1 and 10!")
	}
	correct := c.rng.Intn(10) + 1
	if number == correct {
		return inv.Respond(ctx, fmt.Sprintf("You guessed it! It was %d.", correct))
	}
	return inv.Respond(ctx, fmt.Sprintf("Nope! I was thinking of %d.", correct))
}

var rpsChoices = []string{"rock", "paper", "scissors"}

// rpsBeats maps each choice to the choice it defeats.
var rpsBeats = map[string]string{
	"rock":     "scissors",
	"paper":    "rock",
	"scissors": "paper",
}

// rps plays one round of the invoking user's best-of series. The first round
// starts a match; an optional second argument picks the series length. Draws
// advance the round but score for neither side.
func (c *Cog) rps(ctx context.Context, inv *cog.Invocation) error {
	choice := strings.ToLower(inv.Option("choice", 0))
	if rpsBeats[choice] == "" {
		return inv.Respond(ctx, "Pick one of: rock, paper, scissors.")
	}

	c.mu.Lock()
	match := c.rpsMatches[inv.Event.User.ID]
	if match == nil {
		bestOf := 3
		if raw := inv.Option("best_of", 1); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > 7 || n%2 == 0 {
				c.mu.Unlock()
				return inv.Respond(ctx, "Series length must be 1, 3, 5 or 7.")
			}
			bestOf = n
		}
		match = &rpsMatch{toWin: bestOf/2 + 1, round: 1}
		c.rpsMatches[inv.Event.User.ID] = match
	}

	botChoice := rpsChoices[c.rng.Intn(len(rpsChoices))]
	var verdict string
	switch {
	case choice == botChoice:
		verdict = "Draw."
	case rpsBeats[choice] == botChoice:
		match.userScore++
		verdict = "You win this round!"
	default:
		match.botScore++
		verdict = "I win this round!"
	}

	reply := fmt.Sprintf("Round %d: you chose **%s**, I chose **%s**. %s\nScore: you %d, me %d.",
		match.round, choice, botChoice, verdict, match.userScore, match.botScore)
	match.round++

	if match.userScore >= match.toWin || match.botScore >= match.toWin {
		outcome := "You take the series!"
		if match.botScore > match.userScore {
			outcome = "I take the series!"
		}
		reply += fmt.Sprintf("\n%s Final score %d-%d.", outcome, match.userScore, match.botScore)
		delete(c.rpsMatches, inv.Event.User.ID)
	}
	c.mu.Unlock()

	return inv.Respond(ctx, reply)
}

// mentionID extracts the user id from a <@id> or <@!id> mention. Anything
// else is returned unchanged.
func mentionID(raw string) string {
	s := strings.TrimSuffix(strings.TrimPrefix(raw, "<@"), ">")
	return strings.TrimPrefix(s, "!")
}
