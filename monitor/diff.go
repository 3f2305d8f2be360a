package monitor

import (
	"fmt"
	"strings"

	"github.com/stakestar/tvpbot/db"
	"github.com/stakestar/tvpbot/notify"
)

// Diff is the outcome of comparing a stored snapshot with a fresh one.
type Diff struct {
	Events []notify.Event
	// Changed is set when any persisted field differs, including silent ones.
	Changed bool
	// Flush asks for pending block notifications to be sent right away.
	Flush         bool
	RankChanged   bool
	EnteredActive bool
}

// compare derives events from old and cur. It is a pure function of the two
// snapshots so retrying an unpersisted update yields the same events.
func compare(old, cur *db.Validator, policies Policies) Diff {
	var d Diff
	emit := func(p Policy, kind notify.Kind, format string, args ...interface{}) {
		if policies.Enabled(p) {
			d.Events = append(d.Events, notify.Event{Kind: kind, Text: fmt.Sprintf(format, args...)})
		}
	}

	if cur.Name != old.Name {
		d.Changed = true
		emit(PolicyRename, notify.KindRename, "✏️ renamed from <b>%s</b> to <b>%s</b>",
			notify.Escape(old.Name), notify.Escape(cur.Name))
	}

	if cur.Controller != old.Controller && cur.Controller != "" {
		d.Changed = true
		// first sighting is stored silently
		if old.Controller != "" {
			emit(PolicyController, notify.KindController, "🔑 controller changed to <code>%s</code>", cur.Controller)
		}
	}

	if cur.Rank != old.Rank {
		d.Changed = true
		d.RankChanged = true
		if cur.Rank < old.Rank {
			emit(PolicyRank, notify.KindRankImproved, "📈 rank improved from %d to %d", old.Rank, cur.Rank)
		} else {
			emit(PolicyRank, notify.KindRankWorsened, "📉 rank worsened from %d to %d", old.Rank, cur.Rank)
		}
	}

	if cur.Valid != old.Valid {
		d.Changed = true
		if cur.Valid {
			emit(PolicyValidity, notify.KindBecameValid, "✅ is valid again")
		} else {
			d.Flush = true
			reasons := cur.InvalidReasons()
			if len(reasons) == 0 {
				emit(PolicyValidity, notify.KindBecameInvalid, "❌ became invalid")
			} else {
				emit(PolicyValidity, notify.KindBecameInvalid, "❌ became invalid:\n• %s",
					notify.Escape(strings.Join(reasons, "\n• ")))
			}
		}
	} else if !sameValidity(old.Validity, cur.Validity) {
		d.Changed = true
	}

	if (old.OfflineSince == 0) != (cur.OfflineSince == 0) {
		d.Changed = true
		if cur.OfflineSince != 0 {
			d.Flush = true
			emit(PolicyOnline, notify.KindWentOffline, "🔴 went offline")
		} else {
			emit(PolicyOnline, notify.KindBackOnline, "🟢 is back online")
		}
	} else if old.OfflineSince != cur.OfflineSince {
		d.Changed = true
	}

	if cur.Active != old.Active {
		d.Changed = true
		d.Flush = true
		if cur.Active {
			d.EnteredActive = true
			emit(PolicyActive, notify.KindEnteredActive, "🟢 entered the active set")
		} else {
			emit(PolicyActive, notify.KindLeftActive, "⚪️ left the active set")
		}
	}

	if cur.Commission != old.Commission {
		d.Changed = true
		emit(PolicyCommission, notify.KindCommission, "💸 commission changed from %s to %s",
			orNone(old.Commission), orNone(cur.Commission))
	}

	if cur.SessionKeys != old.SessionKeys {
		d.Changed = true
		emit(PolicySessionKeys, notify.KindSessionKeys, "🗝 session keys changed")
	}

	if cur.Location != old.Location {
		d.Changed = true
		emit(PolicyLocation, notify.KindLocation, "📍 location changed from %s to %s",
			notify.Escape(orNone(old.Location)), notify.Escape(orNone(cur.Location)))
	}

	if cur.Version != old.Version {
		d.Changed = true
		emit(PolicyVersion, notify.KindVersion, "⬆️ version changed from %s to %s",
			notify.Escape(orNone(old.Version)), notify.Escape(orNone(cur.Version)))
	}

	if cur.OnlineSince != old.OnlineSince || cur.OfflineAccumulated != old.OfflineAccumulated ||
		cur.Faults != old.Faults || cur.DiscoveredAt != old.DiscoveredAt || cur.NominatedAt != old.NominatedAt {
		d.Changed = true
	}
	return d
}

// apply copies every observed field of cur onto v, keeping subscribers.
func apply(v, cur *db.Validator) {
	chatIDs := v.ChatIDs
	controller := v.Controller
	*v = *cur
	v.ChatIDs = chatIDs
	if cur.Controller == "" {
		v.Controller = controller
	}
}

func sameValidity(a, b []db.ValidityItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
