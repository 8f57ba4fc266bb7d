package main

import (
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"

	"FlipSettle/internal/ledger"
)

func short(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:5] + "…" + s[len(s)-5:]
}

func statusText(r round) string {
	switch {
	case r.Status == "resolved":
		return pterm.LightGreen(r.Status)
	case r.Withdrawing:
		return pterm.LightRed("withdrawing")
	case r.PayoutPending:
		return pterm.LightYellow("paying out")
	case r.Status == "joined":
		return pterm.LightYellow(r.Status)
	case r.Reservation != nil:
		return pterm.LightCyan("reserved")
	default:
		return r.Status
	}
}

func printRounds(rounds []round) error {
	if len(rounds) == 0 {
		pterm.Info.Println("no rounds")
		return nil
	}
	data := pterm.TableData{{"ID", "Bet (SOL)", "Status", "Creator", "Joiner", "Winner", "Created"}}
	for _, r := range rounds {
		data = append(data, []string{
			r.ID,
			r.BetSOL,
			statusText(r),
			short(r.Creator),
			short(r.Joiner),
			short(r.Winner),
			humanize.Time(r.CreatedAt),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func printRound(r round) error {
	data := pterm.TableData{
		{"Field", "Value"},
		{"id", r.ID},
		{"status", statusText(r)},
		{"bet", r.BetSOL + " SOL (" + humanize.Comma(r.BetLamports) + " lamports)"},
		{"creator", r.Creator},
		{"deposit", r.Signature},
		{"created", r.CreatedAt.Format("2006-01-02 15:04:05") + " (" + humanize.Time(r.CreatedAt) + ")"},
	}
	if r.Split != nil {
		data = append(data,
			[]string{"fee per deposit", ledger.FormatSOL(r.Split.FeeLamports) + " SOL"},
			[]string{"payout", ledger.FormatSOL(r.Split.PayoutLamports) + " SOL"},
		)
	}
	if r.Reservation != nil {
		data = append(data, []string{"reserved by", r.Reservation.Joiner + " until " + humanize.Time(r.Reservation.ExpiresAt)})
	}
	if r.Joiner != "" {
		data = append(data, []string{"joiner", r.Joiner}, []string{"join deposit", r.JoinSig})
	}
	if r.Winner != "" {
		data = append(data, []string{"winner", r.Winner}, []string{"payout ref", r.ResolveSig})
	}
	if r.ResolvedAt != nil {
		data = append(data, []string{"resolved", humanize.Time(*r.ResolvedAt)})
	}
	if r.Proof != nil {
		data = append(data,
			[]string{"winning side", r.Proof.WinnerSide},
			[]string{"outcome hash", r.Proof.RandomnessHashHex},
		)
	}
	if a := r.LastResolveAttempt; a != nil {
		data = append(data, []string{"last attempt", a.Code + ": " + a.Reason + " (" + humanize.Time(a.At) + ")"})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func printSplit(pot string, s split) error {
	data := pterm.TableData{
		{"Field", "Value"},
		{"deposit to", pot},
		{"bet", ledger.FormatSOL(s.BetLamports) + " SOL"},
		{"fee per deposit", ledger.FormatSOL(s.FeeLamports) + " SOL"},
		{"stake after fee", ledger.FormatSOL(s.PotLamports) + " SOL"},
		{"winner receives", ledger.FormatSOL(s.PayoutLamports) + " SOL"},
		{"lamports", strconv.FormatInt(s.BetLamports, 10)},
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func printGrant(g grant) error {
	data := pterm.TableData{
		{"Field", "Value"},
		{"round", g.RoundID},
		{"token", g.Token},
		{"joiner", g.Joiner},
		{"expires", humanize.Time(g.ExpiresAt)},
		{"deposit", ledger.FormatSOL(g.BetLamports) + " SOL to " + g.PotAddress},
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
