package bot

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/stakestar/tvpbot/chain"
	"github.com/stakestar/tvpbot/db"
	"github.com/stakestar/tvpbot/network"
	"github.com/stakestar/tvpbot/notify"
	"github.com/stakestar/tvpbot/rewards"
	"github.com/stakestar/tvpbot/subscription"
)

func formatTime(ms int64) string {
	if ms <= 0 {
		return "never"
	}
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04 UTC")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func renderValidator(v *db.Validator) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\n", notify.Escape(v.DisplayName()))
	fmt.Fprintf(&b, "Stash: <code>%s</code>\n", v.Stash)
	fmt.Fprintf(&b, "Rank: %d\n", v.Rank)
	if v.Valid {
		b.WriteString("Valid: yes\n")
	} else {
		b.WriteString("Valid: no\n")
		for _, reason := range v.InvalidReasons() {
			fmt.Fprintf(&b, "  • %s\n", notify.Escape(reason))
		}
	}
	if v.OfflineSince != 0 {
		fmt.Fprintf(&b, "Offline since: %s\n", formatTime(v.OfflineSince))
	} else {
		fmt.Fprintf(&b, "Online since: %s\n", formatTime(v.OnlineSince))
	}
	fmt.Fprintf(&b, "Active: %s\n", yesNo(v.Active))
	if v.Commission != "" {
		fmt.Fprintf(&b, "Commission: %s\n", v.Commission)
	}
	if v.Controller != "" {
		fmt.Fprintf(&b, "Controller: <code>%s</code>\n", v.Controller)
	}
	if v.Location != "" {
		fmt.Fprintf(&b, "Location: %s\n", notify.Escape(v.Location))
	}
	if v.Version != "" {
		fmt.Fprintf(&b, "Version: %s\n", notify.Escape(v.Version))
	}
	fmt.Fprintf(&b, "Faults: %d\n", v.Faults)
	fmt.Fprintf(&b, "Nominated at: %s", formatTime(v.NominatedAt))
	return b.String()
}

func renderStaking(name string, info *chain.StakingInfo, net network.Network) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b> in era %d\n", notify.Escape(name), info.Era)
	fmt.Fprintf(&b, "Active: %s\n", yesNo(info.Active))
	if info.Commission != "" {
		fmt.Fprintf(&b, "Commission: %s\n", info.Commission)
	}
	fmt.Fprintf(&b, "Own stake: %s\n", net.FormatAmount(info.Own))
	fmt.Fprintf(&b, "Total stake: %s\n", net.FormatAmount(info.Total))
	fmt.Fprintf(&b, "Nominators: %d", info.Nominators)
	return b.String()
}

func renderRewards(sum *rewards.Summary, net network.Network) string {
	if sum.Count == 0 {
		return fmt.Sprintf("No rewards recorded for <code>%s</code> yet.", sum.Stash)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Rewards of <code>%s</code>\n", sum.Stash)
	fmt.Fprintf(&b, "Total: %s in %d payouts\n", net.FormatAmount(sum.Total), sum.Count)
	b.WriteString("Latest:")
	for _, r := range sum.Latest {
		amount, ok := parseAmount(r.Amount)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "\n  #%d: %s", r.Block, net.FormatAmount(amount))
	}
	return b.String()
}

func validatorKeyboard(validators []db.Validator) Keyboard {
	kb := make(Keyboard, 0, len(validators))
	for _, v := range validators {
		kb = append(kb, []Button{{Text: v.DisplayName(), Data: callbackSelect + v.Stash}})
	}
	return kb
}

func (d *Dispatcher) blockPeriodLabel(minutes int) string {
	switch minutes {
	case db.BlockPeriodOff:
		return "off"
	case db.BlockPeriodImmediate:
		return "immediately"
	case db.BlockPeriodHourly:
		return "hourly"
	case d.network.HalfEraMinutes():
		return "every half era"
	case d.network.EraMinutes():
		return "at era end"
	default:
		return fmt.Sprintf("every %d minutes", minutes)
	}
}

func payoutPeriodLabel(eras int) string {
	switch eras {
	case 0:
		return "off"
	case 1:
		return "every era"
	default:
		return fmt.Sprintf("every %d eras", eras)
	}
}

func check(on bool) string {
	if on {
		return "✅ "
	}
	return ""
}

func toggleLabel(on bool, name string) string {
	if on {
		return "🔔 " + name
	}
	return "🔕 " + name
}

func (d *Dispatcher) renderSettings(c *db.Chat) (string, Keyboard) {
	text := fmt.Sprintf("⚙️ <b>Settings</b>\nBlock notifications: %s\nUnclaimed payout reminders: %s\n"+
		"Nominations: %s\nChills: %s\nOffline reports: %s",
		d.blockPeriodLabel(c.BlockPeriod), payoutPeriodLabel(c.PayoutPeriod),
		onOff(c.NotifyNominations), onOff(c.NotifyChills), onOff(c.NotifyOffline))

	var periods []Button
	for _, m := range d.subs.BlockPeriods() {
		periods = append(periods, Button{
			Text: check(c.BlockPeriod == m) + d.blockPeriodLabel(m),
			Data: fmt.Sprintf("%s%d", callbackBlockPeriod, m),
		})
	}
	var payouts []Button
	for _, e := range d.subs.PayoutPeriods() {
		payouts = append(payouts, Button{
			Text: check(c.PayoutPeriod == e) + payoutPeriodLabel(e),
			Data: fmt.Sprintf("%s%d", callbackPayoutPeriod, e),
		})
	}
	kb := Keyboard{
		periods[:3],
		periods[3:],
		payouts,
		{
			{Text: toggleLabel(c.NotifyNominations, "Nominations"), Data: callbackToggle + subscription.ToggleNominations},
			{Text: toggleLabel(c.NotifyChills, "Chills"), Data: callbackToggle + subscription.ToggleChills},
			{Text: toggleLabel(c.NotifyOffline, "Offline"), Data: callbackToggle + subscription.ToggleOffline},
		},
	}
	return text, kb
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func parseAmount(s string) (*big.Int, bool) {
	return new(big.Int).SetString(s, 10)
}
