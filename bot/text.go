package bot

import (
	"fmt"

	"github.com/stakestar/tvpbot/network"
	"github.com/stakestar/tvpbot/notify"
)

const helpText = `/add - watch a validator
/remove - stop watching a validator
/validatorinfo - show what I know about a validator
/stakinginfo - show the current era stake of a validator
/rewards - show recorded payouts of a stash
/settings - notification settings
/about - about this bot
/cancel - abort the current command`

func welcomeText(net network.Network) string {
	return fmt.Sprintf("👋 Hi! I watch %s validators of the Thousand Validators Programme "+
		"and tell you when something about them changes.", net.Name)
}

func aboutText(net network.Network) string {
	return fmt.Sprintf("Thousand Validators Programme bot for %s.\nCandidate data: %s", net.Name, net.CandidatesURL)
}

func escape(s string) string {
	return notify.Escape(s)
}
