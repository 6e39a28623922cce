package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/bluechip/exchange/internal/auth"
	"github.com/bluechip/exchange/internal/config"
	"github.com/bluechip/exchange/internal/curve"
	"github.com/bluechip/exchange/internal/store"
	"github.com/bluechip/exchange/internal/valuation"
)

func commands(out io.Writer) []subcommands.Command {
	return []subcommands.Command{
		&quoteCmd{out: out},
		&seedCmd{out: out, open: openStore},
		&leaderboardCmd{out: out, open: openStore},
	}
}

// openStore connects to DATABASE_URL, or returns an empty in-memory store
// when it is unset.
func openStore(ctx context.Context) (store.Store, func(), error) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		return store.NewMemoryStore(), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	return store.NewPostgresStore(pool), pool.Close, nil
}

// --- quote ---

type quoteCmd struct {
	out    io.Writer
	supply int
	amount int
}

func (*quoteCmd) Name() string     { return "quote" }
func (*quoteCmd) Synopsis() string { return "price a trade on the bonding curve" }
func (*quoteCmd) Usage() string {
	return `bluechipctl quote -supply <shares_sold> [-amount <n>]

  Prints the marginal price at the given supply, the cost of buying
  -amount more shares and the payout for selling -amount shares.
`
}

func (c *quoteCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.supply, "supply", 0, "Shares already sold.")
	f.IntVar(&c.amount, "amount", 1, "Number of shares to quote.")
}

func (c *quoteCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.supply < 0 || c.supply > curve.MaxSupply {
		fmt.Fprintf(os.Stderr, "supply must be between 0 and %d\n", curve.MaxSupply)
		return subcommands.ExitUsageError
	}

	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "supply\t%d\n", c.supply)
	fmt.Fprintf(w, "remaining\t%d\n", curve.Remaining(c.supply))
	fmt.Fprintf(w, "price\t%s\n", curve.Price(c.supply).StringFixed(curve.PriceScale))
	fmt.Fprintf(w, "buy %d\t%s\n", c.amount, quoteText(curve.BuyCost(c.supply, c.amount)))
	fmt.Fprintf(w, "sell %d\t%s\n", c.amount, quoteText(curve.SellValue(c.supply, c.amount)))
	if err := w.Flush(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func quoteText(d decimal.Decimal, err error) string {
	if err != nil {
		return "n/a (" + err.Error() + ")"
	}
	return valuation.FormatAmount(d)
}

// --- leaderboard ---

type leaderboardCmd struct {
	out   io.Writer
	open  func(context.Context) (store.Store, func(), error)
	limit int
}

func (*leaderboardCmd) Name() string     { return "leaderboard" }
func (*leaderboardCmd) Synopsis() string { return "rank traders by net worth" }
func (*leaderboardCmd) Usage() string {
	return `bluechipctl leaderboard [-n <limit>]

  Reads a consistent snapshot from DATABASE_URL and prints every trader
  ranked by cash plus holdings marked to the curve.
`
}

func (c *leaderboardCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.limit, "n", 0, "Show only the top n traders (0 for all).")
}

func (c *leaderboardCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	st, closeFn, err := c.open(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer closeFn()

	if err := printLeaderboard(ctx, c.out, st, c.limit); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func printLeaderboard(ctx context.Context, out io.Writer, st store.Store, limit int) error {
	snap, err := st.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	board := valuation.ComputeLeaderboard(snap.Users, snap.Positions, snap.Posts)
	if limit > 0 && len(board) > limit {
		board = board[:limit]
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "rank\tuser\tcash\tnet worth\t")
	for _, e := range board {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t\n", e.Rank, e.Username, valuation.FormatAmount(e.Balance), e.NetWorthDisplay)
	}
	return w.Flush()
}

// --- seed ---

type seedCmd struct {
	out      io.Writer
	open     func(context.Context) (store.Store, func(), error)
	password string
	balance  string
}

func (*seedCmd) Name() string     { return "seed" }
func (*seedCmd) Synopsis() string { return "load demo traders, posts and trades" }
func (*seedCmd) Usage() string {
	return `bluechipctl seed [-password <pw>] [-balance <amount>]

  Registers a few demo traders, lists their posts and settles a handful of
  trades through the normal settlement path, then prints the leaderboard.
  Without DATABASE_URL the data lives only for the duration of the command.
`
}

func (c *seedCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.password, "password", "bluechip", "Password for every demo trader.")
	f.StringVar(&c.balance, "balance", "1000", "Starting balance for every demo trader.")
}

func (c *seedCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	balance, err := decimal.NewFromString(c.balance)
	if err != nil || balance.IsNegative() {
		fmt.Fprintln(os.Stderr, "balance must be a non-negative amount")
		return subcommands.ExitUsageError
	}

	st, closeFn, err := c.open(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer closeFn()

	authSvc := auth.NewService(st, []byte(config.DevJWTSecret), time.Hour, balance)
	n, err := seed(ctx, st, authSvc, c.password)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	fmt.Fprintf(c.out, "settled %d trades\n\n", n)

	if err := printLeaderboard(ctx, c.out, st, 0); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
