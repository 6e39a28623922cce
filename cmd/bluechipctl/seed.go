package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bluechip/exchange/internal/auth"
	"github.com/bluechip/exchange/internal/content"
	"github.com/bluechip/exchange/internal/model"
	"github.com/bluechip/exchange/internal/settlement"
	"github.com/bluechip/exchange/internal/store"
)

var demoPosts = []struct {
	author string
	text   string
}{
	{"alice", "gm. bonding curves are just vibes with math"},
	{"bob", "hot take: tabs > spaces"},
	{"carol", "shipping on a friday, wish me luck"},
}

var demoTrades = []struct {
	trader string
	post   int // index into demoPosts
	side   model.Side
	amount int
}{
	{"bob", 0, model.SideBuy, 10},
	{"carol", 0, model.SideBuy, 5},
	{"alice", 1, model.SideBuy, 8},
	{"carol", 1, model.SideBuy, 3},
	{"bob", 0, model.SideSell, 4},
}

// seed loads the demo data and returns the number of trades settled.
// Existing demo users are reused so the command can run against a database
// more than once.
func seed(ctx context.Context, st store.Store, authSvc *auth.Service, password string) (int, error) {
	users := make(map[string]string)
	for _, name := range []string{"alice", "bob", "carol"} {
		u, err := authSvc.Register(ctx, name, password)
		if errors.Is(err, auth.ErrUsernameTaken) {
			u, err = st.GetUserByUsername(ctx, name)
		}
		if err != nil {
			return 0, fmt.Errorf("seed user %s: %w", name, err)
		}
		users[name] = u.ID
	}

	postIDs := make([]string, len(demoPosts))
	for i, p := range demoPosts {
		text, err := content.Normalize(p.text)
		if err != nil {
			return 0, fmt.Errorf("seed post %d: %w", i, err)
		}
		post := &model.Post{
			ID:        uuid.NewString(),
			Content:   text,
			CreatorID: users[p.author],
			CreatedAt: time.Now().UTC(),
		}
		if err := st.CreatePost(ctx, post); err != nil {
			return 0, fmt.Errorf("seed post %d: %w", i, err)
		}
		postIDs[i] = post.ID
	}

	engine := settlement.New(st)
	settled := 0
	for _, t := range demoTrades {
		var err error
		switch t.side {
		case model.SideBuy:
			_, err = engine.SettleBuy(ctx, users[t.trader], postIDs[t.post], t.amount)
		case model.SideSell:
			_, err = engine.SettleSell(ctx, users[t.trader], postIDs[t.post], t.amount)
		}
		if err != nil {
			return settled, fmt.Errorf("seed %s %d by %s: %w", t.side, t.amount, t.trader, err)
		}
		settled++
	}
	return settled, nil
}
