// Package notify composes chat notifications and batches block authorship
// announcements according to each chat's block period.
package notify

import (
	"context"
	"fmt"
	"html"
	"strings"
)

// Sender delivers a message to a chat. A nil error means the transport
// confirmed delivery.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

type Kind string

const (
	KindRename        Kind = "rename"
	KindController    Kind = "controller"
	KindRankImproved  Kind = "rank_improved"
	KindRankWorsened  Kind = "rank_worsened"
	KindBecameValid   Kind = "became_valid"
	KindBecameInvalid Kind = "became_invalid"
	KindWentOffline   Kind = "went_offline"
	KindBackOnline    Kind = "back_online"
	KindEnteredActive Kind = "entered_active"
	KindLeftActive    Kind = "left_active"
	KindCommission    Kind = "commission"
	KindSessionKeys   Kind = "session_keys"
	KindLocation      Kind = "location"
	KindVersion       Kind = "version"
)

// Event is one line of a validator change message.
type Event struct {
	Kind Kind
	Text string
}

// ValidatorMessage joins all events of one update into a single message.
func ValidatorMessage(name string, events []Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\n", Escape(name))
	for i, e := range events {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(e.Text)
	}
	return b.String()
}

func Escape(s string) string {
	return html.EscapeString(s)
}

// maxListedBlocks is the longest block list rendered in full.
const maxListedBlocks = 10

func BlocksMessage(name string, blocks []uint64) string {
	if len(blocks) == 1 {
		return fmt.Sprintf("🧱 <b>%s</b> authored block #%d", Escape(name), blocks[0])
	}
	if len(blocks) > maxListedBlocks {
		return fmt.Sprintf("🧱 <b>%s</b> authored %d blocks", Escape(name), len(blocks))
	}
	numbers := make([]string, len(blocks))
	for i, b := range blocks {
		numbers[i] = fmt.Sprintf("#%d", b)
	}
	return fmt.Sprintf("🧱 <b>%s</b> authored %d blocks: %s", Escape(name), len(blocks), strings.Join(numbers, ", "))
}

func NominationMessage(name, nominator, amount string) string {
	return fmt.Sprintf("🤝 <b>%s</b> was nominated by <code>%s</code> with %s", Escape(name), nominator, amount)
}

func ChillMessage(name string) string {
	return fmt.Sprintf("🧊 <b>%s</b> was chilled", Escape(name))
}

func OfflineReportMessage(name string, block uint64) string {
	return fmt.Sprintf("⚠️ <b>%s</b> was reported offline in block #%d", Escape(name), block)
}

func UnclaimedPayoutMessage(name string, eras []uint32) string {
	list := make([]string, len(eras))
	for i, e := range eras {
		list[i] = fmt.Sprint(e)
	}
	return fmt.Sprintf("💰 <b>%s</b> has unclaimed rewards for eras %s", Escape(name), strings.Join(list, ", "))
}
