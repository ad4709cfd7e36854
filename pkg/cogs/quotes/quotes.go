// Package quotes provides the quote command and the daily scheduled quote
// post to the default channel.
package quotes

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/tinyland-inc/clawcord/pkg/cog"
	"github.com/tinyland-inc/clawcord/pkg/event"
	"github.com/tinyland-inc/clawcord/pkg/logger"
)

type quote struct {
	text   string
	author string
	tags   []string
}

// A small built-in table; the original pulled from a public quote API that
// has since gone flaky, so the daily post must not depend on it.
var builtins = []quote{
	{"The only way to do great work is to love what you do.", "Steve Jobs", []string{"work"}},
	{"Simplicity is the soul of efficiency.", "Austin Freeman", []string{"work", "wisdom"}},
	{"It always seems impossible until it's done.", "Nelson Mandela", []string{"motivation"}},
	{"Well done is better than well said.", "Benjamin Franklin", []string{"motivation", "wisdom"}},
	{"The best way to predict the future is to invent it.", "Alan Kay", []string{"technology"}},
	{"First, solve the problem. Then, write the code.", "John Johnson", []string{"technology", "work"}},
	{"Whether you think you can or you think you can't, you're right.", "Henry Ford", []string{"motivation"}},
	{"Knowledge speaks, but wisdom listens.", "Jimi Hendrix", []string{"wisdom"}},
}

type Cog struct {
	schedule string
	tick     time.Duration
	rng      *rand.Rand
	gron     gronx.Gronx

	mu        sync.Mutex
	deps      cog.Deps
	lastFired time.Time
	stop      chan struct{}
	done      chan struct{}
}

func New(schedule string) *Cog {
	return &Cog{
		schedule: schedule,
		tick:     30 * time.Second,
		rng:      rand.New(rand.NewSource(rand.Int63())),
		gron:     gronx.New(),
	}
}

func (c *Cog) Name() string { return "quotes" }

func (c *Cog) Subscriptions() []cog.Subscription { return nil }

func (c *Cog) Commands() []cog.Command {
	return []cog.Command{
		{
			Name:        "quote",
			Description: "Get a random quote or submit your own",
			Usage:       "quote [tags] | quote submit <text> [author]",
			Require:     event.PermViewChannels,
			Run:         c.quote,
		},
	}
}

// Setup validates the schedule and starts the daily-post loop.
func (c *Cog) Setup(ctx context.Context, deps cog.Deps) error {
	if c.schedule != "" {
		if !c.gron.IsValid(c.schedule) {
			return fmt.Errorf("invalid quote schedule %q", c.schedule)
		}
	}

	c.mu.Lock()
	c.deps = deps
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.mu.Unlock()

	if c.schedule != "" && deps.DefaultChannelID != "" {
		go c.scheduleLoop()
	} else {
		close(c.done)
	}
	return nil
}

func (c *Cog) Teardown(ctx context.Context) error {
	c.mu.Lock()
	stop := c.stop
	done := c.done
	c.mu.Unlock()
	if stop != nil {
		close(stop)
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// scheduleLoop checks the cron expression every tick and posts at most once
// per due minute. The tick is shorter than a minute so a due window is never
// skipped entirely.
func (c *Cog) scheduleLoop() {
	defer close(c.done)

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			due, err := c.gron.IsDue(c.schedule, now)
			if err != nil || !due {
				continue
			}
			c.mu.Lock()
			fired := c.lastFired.Truncate(time.Minute).Equal(now.Truncate(time.Minute))
			if !fired {
				c.lastFired = now
			}
			deps := c.deps
			c.mu.Unlock()
			if fired {
				continue
			}

			q := builtins[c.rng.Intn(len(builtins))]
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_, err = deps.Rest.CreateMessage(ctx, deps.DefaultChannelID, format(q))
			cancel()
			if err != nil {
				logger.WarnCF("quotes", "Daily quote post failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

func (c *Cog) quote(ctx context.Context, inv *cog.Invocation) error {
	mode := inv.Option("mode", -1)
	if mode == "" && len(inv.Args) > 0 && inv.Args[0] == "submit" {
		mode = "submit"
	}

	if mode == "submit" {
		text := inv.Option("text", -1)
		if text == "" && len(inv.Args) > 1 {
			text = strings.Join(inv.Args[1:], " ")
		}
		if text == "" {
			return inv.RespondEphemeral(ctx, "Please provide the text of your quote.")
		}
		author := inv.Option("author", -1)
		if author == "" {
			author = "Unknown"
		}
		return inv.Respond(ctx, format(quote{text: text, author: author}))
	}

	tags := splitTags(inv.Option("tags", 0))
	pool := filterByTags(builtins, tags)
	if len(pool) == 0 {
		return inv.RespondEphemeral(ctx, "No quote found for those tags.")
	}
	return inv.Respond(ctx, format(pool[c.rng.Intn(len(pool))]))
}

func format(q quote) string {
	return fmt.Sprintf("**Quote:**\n\n\"%s\"\n— *%s*", q.text, q.author)
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.ToLower(strings.TrimSpace(p)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func filterByTags(all []quote, tags []string) []quote {
	if len(tags) == 0 {
		return all
	}
	var out []quote
	for _, q := range all {
		for _, want := range tags {
			found := false
			for _, have := range q.tags {
				if have == want {
					found = true
					break
				}
			}
			if found {
				out = append(out, q)
				break
			}
		}
	}
	return out
}
