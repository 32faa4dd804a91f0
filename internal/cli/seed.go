package cli

import (
	"fmt"
	"io"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/qualys/envdb/internal/datasync"
	"github.com/qualys/envdb/internal/models"
)

var (
	firstNames = []string{"John", "Jane", "Michael", "Emily", "David", "Sarah", "Robert", "Lisa", "William", "Jennifer", "James", "Maria"}
	lastNames  = []string{"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia", "Miller", "Davis", "Rodriguez", "Martinez"}
	streets    = []string{"Main St", "Oak Ave", "Maple Dr", "Cedar Ln", "Pine Rd", "Elm St", "Park Ave", "Lake Dr"}
	cities     = []string{"New York", "Chicago", "Houston", "Phoenix", "Philadelphia", "San Diego", "Dallas", "San Jose"}
)

type seedOptions struct {
	rows     int
	seed     uint64
	truncate bool
}

// NewSeedCommand fills a non-production environment with generated users, orders and
// payments so syncs and anonymization can be exercised without real data.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &seedOptions{}

	cmd := &cobra.Command{
		Use:   "seed <environment>",
		Short: "Insert generated test data into an environment",
		Long: `Generate users, orders and payments with realistic-looking personal data and insert
them into the environment. The tables must already exist. Production is refused.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd, rootOpts, opts, models.Environment(args[0]))
		},
	}

	cmd.Flags().IntVar(&opts.rows, "rows", 100, "number of users to generate")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 1, "random seed")
	cmd.Flags().BoolVar(&opts.truncate, "truncate", false, "empty the tables before inserting")

	return cmd
}

func runSeed(cmd *cobra.Command, rootOpts *RootOptions, opts *seedOptions, env models.Environment) error {
	if env == models.EnvProduction {
		return NewExitError(ExitCommandError, "refusing to seed production")
	}
	if opts.rows <= 0 {
		return NewExitError(ExitCommandError, "--rows must be positive")
	}

	a, err := rootOpts.openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close(cmd.Context())

	caller := datasync.ConfigFrom(a.Config).ServiceCaller
	conn, err := a.DB.GetConnection(cmd.Context(), env, &caller, models.NewOperation(models.VerbInsert, ""))
	if err != nil {
		return WrapExitError(ExitCommandError, "connecting", err)
	}
	defer conn.Release()

	data := generateSeedData(rand.New(rand.NewPCG(opts.seed, opts.seed)), opts.rows)
	inserted := make(map[string]int64, len(data))
	for _, table := range []string{"users", "orders", "payments"} {
		if opts.truncate {
			if err := conn.Truncate(cmd.Context(), table); err != nil {
				return WrapExitError(ExitFailure, "truncating "+table, err)
			}
		}
		n, err := conn.InsertBatch(cmd.Context(), table, data[table])
		if err != nil {
			return WrapExitError(ExitFailure, "inserting into "+table, err)
		}
		inserted[table] = n
	}

	return rootOpts.formatter(cmd).Print(inserted, func(w io.Writer) {
		tables := make([]string, 0, len(inserted))
		for t := range inserted {
			tables = append(tables, t)
		}
		sort.Strings(tables)
		for _, t := range tables {
			fmt.Fprintf(w, "%s: inserted %d rows into %s\n", env, inserted[t], t)
		}
	})
}

// generateSeedData builds n users, one to three orders per user and one payment per order.
func generateSeedData(r *rand.Rand, n int) map[string][]models.Row {
	pick := func(s []string) string { return s[r.IntN(len(s))] }

	users := make([]models.Row, 0, n)
	var orders, payments []models.Row
	for i := 1; i <= n; i++ {
		first, last := pick(firstNames), pick(lastNames)
		users = append(users, models.Row{
			"id":         i,
			"first_name": first,
			"last_name":  last,
			"email":      fmt.Sprintf("%s.%s%d@example.com", strings.ToLower(first), strings.ToLower(last), i),
			"phone":      fmt.Sprintf("555-%03d-%04d", r.IntN(1000), r.IntN(10000)),
			"address":    fmt.Sprintf("%d %s, %s", 100+r.IntN(9900), pick(streets), pick(cities)),
		})

		for range 1 + r.IntN(3) {
			orderID := len(orders) + 1
			total := float64(500+r.IntN(50000)) / 100
			orders = append(orders, models.Row{
				"id":      orderID,
				"user_id": i,
				"total":   total,
				"status":  []string{"pending", "shipped", "delivered"}[r.IntN(3)],
			})
			payments = append(payments, models.Row{
				"id":          len(payments) + 1,
				"order_id":    orderID,
				"amount":      total,
				"card_number": fmt.Sprintf("4111%012d", r.Uint64N(1_000_000_000_000)),
			})
		}
	}
	return map[string][]models.Row{"users": users, "orders": orders, "payments": payments}
}
