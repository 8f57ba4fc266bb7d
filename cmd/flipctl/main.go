// Command flipctl drives a flipd instance through its HTTP gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pterm/pterm"
)

const usage = `Usage: flipctl [-addr URL] <command> [args]

Commands:
  list    [-status created|joined|resolved] [-limit N]
  get     <round-id>
  quote   <bet-sol>
  create  <bet-sol> <creator> <deposit-signature>
  reserve <round-id> <joiner>
  join    [-wait] <round-id> <joiner> <token> <deposit-signature>
  resolve [-wait] <round-id>
  leave   <round-id> <creator>

Environment:
  FLIPCTL_ADDR - gateway base URL (default: http://localhost:8080)`

func main() {
	addr := flag.String("addr", envOrDefault("FLIPCTL_ADDR", "http://localhost:8080"), "gateway base URL")
	timeout := flag.Duration("timeout", 60*time.Second, "request timeout")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	c := newClient(*addr, *timeout)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := dispatch(ctx, c, flag.Arg(0), flag.Args()[1:]); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Retryable {
			pterm.Warning.Printfln("%v (retryable)", err)
		} else {
			pterm.Error.Println(err)
		}
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, c *client, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	status := fs.String("status", "", "filter by status")
	limit := fs.Int("limit", 50, "max rounds")
	wait := fs.Bool("wait", false, "keep resolving for a bounded time")
	if err := fs.Parse(args); err != nil {
		return err
	}
	args = fs.Args()

	need := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("%s: expected %d arguments, got %d\n\n%s", cmd, n, len(args), usage)
		}
		return nil
	}

	switch cmd {
	case "list":
		rounds, err := c.list(ctx, *status, *limit)
		if err != nil {
			return err
		}
		return printRounds(rounds)

	case "get":
		if err := need(1); err != nil {
			return err
		}
		r, err := c.get(ctx, args[0])
		if err != nil {
			return err
		}
		return printRound(r)

	case "quote":
		if err := need(1); err != nil {
			return err
		}
		pot, s, err := c.quote(ctx, args[0])
		if err != nil {
			return err
		}
		return printSplit(pot, s)

	case "create":
		if err := need(3); err != nil {
			return err
		}
		spinner, _ := pterm.DefaultSpinner.Start("Verifying deposit ...")
		r, err := c.create(ctx, args[0], args[1], args[2])
		if err != nil {
			spinner.Fail("deposit rejected")
			return err
		}
		spinner.Success("Round created")
		return printRound(r)

	case "reserve":
		if err := need(2); err != nil {
			return err
		}
		g, err := c.reserve(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		pterm.Success.Println("Seat reserved. Deposit, then join with the token below.")
		return printGrant(g)

	case "join":
		if err := need(4); err != nil {
			return err
		}
		spinner, _ := pterm.DefaultSpinner.Start("Verifying deposit and flipping ...")
		r, resolved, err := c.join(ctx, args[0], args[1], args[2], args[3], *wait)
		if err != nil {
			spinner.Fail("join failed")
			return err
		}
		if resolved {
			spinner.Success("Joined and resolved")
		} else {
			spinner.Warning("Joined; payout still pending, run resolve later")
		}
		return printRound(r)

	case "resolve":
		if err := need(1); err != nil {
			return err
		}
		r, did, err := c.resolve(ctx, args[0], *wait)
		if err != nil {
			return err
		}
		if did {
			pterm.Success.Println("Round resolved")
		} else {
			pterm.Info.Println("Nothing to do")
		}
		return printRound(r)

	case "leave":
		if err := need(2); err != nil {
			return err
		}
		ref, err := c.leave(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		pterm.Success.Printfln("Refunded, transfer %s", ref)
		return nil

	default:
		return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
